// Package metrics holds the per-consumer counters the pipeline maintains and
// exports them to Prometheus.
package metrics

import (
	"sync/atomic"
)

// ConsumerMetrics holds monotonically increasing counters for one consumer.
// Only the dispatcher and outcome handler mutate them.
type ConsumerMetrics struct {
	consumer   string
	processed  atomic.Uint64
	failed     atomic.Uint64
	duplicates atomic.Uint64
	sentToDLQ  atomic.Uint64
	malformed  atomic.Uint64
}

// NewConsumerMetrics creates zeroed counters for the named consumer.
func NewConsumerMetrics(consumer string) *ConsumerMetrics {
	return &ConsumerMetrics{consumer: consumer}
}

// Consumer returns the consumer name the counters belong to.
func (m *ConsumerMetrics) Consumer() string { return m.consumer }

func (m *ConsumerMetrics) IncProcessed()  { m.processed.Add(1) }
func (m *ConsumerMetrics) IncFailed()     { m.failed.Add(1) }
func (m *ConsumerMetrics) IncDuplicates() { m.duplicates.Add(1) }
func (m *ConsumerMetrics) IncSentToDLQ()  { m.sentToDLQ.Add(1) }
func (m *ConsumerMetrics) IncMalformed()  { m.malformed.Add(1) }

// Snapshot is a point-in-time read of a consumer's counters.
type Snapshot struct {
	Consumer    string  `json:"consumer"`
	Processed   uint64  `json:"processed"`
	Failed      uint64  `json:"failed"`
	Duplicates  uint64  `json:"duplicates"`
	SentToDLQ   uint64  `json:"sentToDlq"`
	Malformed   uint64  `json:"malformed"`
	SuccessRate float64 `json:"successRate"`
}

// Snapshot reads all counters. Individual counters are read atomically but
// not as a group.
func (m *ConsumerMetrics) Snapshot() Snapshot {
	s := Snapshot{
		Consumer:   m.consumer,
		Processed:  m.processed.Load(),
		Failed:     m.failed.Load(),
		Duplicates: m.duplicates.Load(),
		SentToDLQ:  m.sentToDLQ.Load(),
		Malformed:  m.malformed.Load(),
	}
	s.SuccessRate = successRate(s.Processed, s.Failed)
	return s
}

// SuccessRate is processed / (processed + failed), or 0 when both are zero.
func (m *ConsumerMetrics) SuccessRate() float64 {
	return successRate(m.processed.Load(), m.failed.Load())
}

func successRate(processed, failed uint64) float64 {
	total := processed + failed
	if total == 0 {
		return 0
	}
	return float64(processed) / float64(total)
}
