package microservice

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/illmade-knight/go-eventflow/pkg/metrics"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxDeadLetterPage = 500

// NewOpsServer creates the ops server for addr. sink may be nil when the
// configured dead-letter backend cannot be queried.
func NewOpsServer(addr string, registry *metrics.Registry, sink deadletter.Sink, logger zerolog.Logger) (*OpsServer, error) {
	if registry == nil {
		return nil, errors.New("metrics registry cannot be nil")
	}

	promRegistry := prometheus.NewRegistry()
	if err := promRegistry.Register(registry); err != nil {
		return nil, err
	}
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &OpsServer{
		logger:   logger.With().Str("component", "OpsServer").Logger(),
		addr:     addr,
		registry: registry,
		sink:     sink,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /stats", s.statsHandler)
	mux.HandleFunc("GET /deadletters", s.deadLettersHandler)
	s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *OpsServer) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"consumers": s.registry.Snapshots()})
}

func (s *OpsServer) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		http.Error(w, deadletter.ErrNotQueryable.Error(), http.StatusNotImplemented)
		return
	}

	q := r.URL.Query()
	filter := deadletter.Filter{
		Consumer:  q.Get("consumer"),
		EventType: q.Get("type"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = min(n, maxDeadLetterPage)
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = since
	}

	entries, err := s.sink.ListUnresolved(r.Context(), filter)
	if err != nil {
		if errors.Is(err, deadletter.ErrNotQueryable) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		s.logger.Error().Err(err).Msg("Failed to list dead letters.")
		http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*types.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
