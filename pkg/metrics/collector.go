package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedDesc = prometheus.NewDesc(
		"eventflow_events_processed_total",
		"Total number of events processed successfully or skipped as unknown type.",
		[]string{"consumer"}, nil,
	)
	failedDesc = prometheus.NewDesc(
		"eventflow_events_failed_total",
		"Total number of events whose handler failed.",
		[]string{"consumer"}, nil,
	)
	duplicatesDesc = prometheus.NewDesc(
		"eventflow_events_duplicate_total",
		"Total number of redelivered events suppressed by the dedup cache.",
		[]string{"consumer"}, nil,
	)
	dlqDesc = prometheus.NewDesc(
		"eventflow_events_dead_lettered_total",
		"Total number of dead-letter entries written.",
		[]string{"consumer"}, nil,
	)
	malformedDesc = prometheus.NewDesc(
		"eventflow_events_malformed_total",
		"Total number of records acknowledged without an id or type.",
		[]string{"consumer"}, nil,
	)
	successRateDesc = prometheus.NewDesc(
		"eventflow_success_rate",
		"processed / (processed + failed); 0 before any event was handled.",
		[]string{"consumer"}, nil,
	)
)

// Registry tracks the counters of every consumer in the process and exposes
// them as a prometheus.Collector, reading the atomics at scrape time.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]*ConsumerMetrics
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{consumers: make(map[string]*ConsumerMetrics)}
}

// ForConsumer returns the counters for name, creating them on first use.
func (r *Registry) ForConsumer(name string) *ConsumerMetrics {
	r.mu.RLock()
	m, ok := r.consumers[name]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.consumers[name]; ok {
		return m
	}
	m = NewConsumerMetrics(name)
	r.consumers[name] = m
	return m
}

// Snapshots returns one snapshot per consumer ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.consumers))
	for _, m := range r.consumers {
		out = append(out, m.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Consumer < out[j].Consumer })
	return out
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- processedDesc
	ch <- failedDesc
	ch <- duplicatesDesc
	ch <- dlqDesc
	ch <- malformedDesc
	ch <- successRateDesc
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, s := range r.Snapshots() {
		ch <- prometheus.MustNewConstMetric(processedDesc, prometheus.CounterValue, float64(s.Processed), s.Consumer)
		ch <- prometheus.MustNewConstMetric(failedDesc, prometheus.CounterValue, float64(s.Failed), s.Consumer)
		ch <- prometheus.MustNewConstMetric(duplicatesDesc, prometheus.CounterValue, float64(s.Duplicates), s.Consumer)
		ch <- prometheus.MustNewConstMetric(dlqDesc, prometheus.CounterValue, float64(s.SentToDLQ), s.Consumer)
		ch <- prometheus.MustNewConstMetric(malformedDesc, prometheus.CounterValue, float64(s.Malformed), s.Consumer)
		ch <- prometheus.MustNewConstMetric(successRateDesc, prometheus.GaugeValue, s.SuccessRate, s.Consumer)
	}
}
