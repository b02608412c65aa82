package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/illmade-knight/go-eventflow/pkg/metrics"
	"github.com/rs/zerolog"
)

// OpsServer is the operational HTTP surface of the event consumers: health,
// Prometheus metrics, per-consumer stats and the unresolved dead letters.
// It binds its own listener so the consumers never share a port with it.
type OpsServer struct {
	logger   zerolog.Logger
	addr     string
	server   *http.Server
	registry *metrics.Registry
	sink     deadletter.Sink

	mu       sync.Mutex
	listener net.Listener
	served   chan struct{}
}

// Start binds the configured address and serves in the background. A bind
// failure is returned synchronously.
func (s *OpsServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("ops server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ops server listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.served = make(chan struct{})
	s.logger.Info().Str("address", ln.Addr().String()).Msg("Ops server listening.")

	go func(done chan struct{}) {
		defer close(done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ops server stopped unexpectedly.")
		}
	}(s.served)
	return nil
}

// Addr is the bound address once started, so ":0" resolves to the real port.
func (s *OpsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Handler returns the routed handler without a listener.
func (s *OpsServer) Handler() http.Handler {
	return s.server.Handler
}

// Shutdown stops accepting connections and waits for in-flight requests.
// A server that never started has nothing to stop.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started, served := s.listener != nil, s.served
	s.mu.Unlock()
	if !started {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	select {
	case <-served:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info().Msg("Ops server stopped.")
	return nil
}
