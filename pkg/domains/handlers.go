package domains

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-eventflow/pkg/cache"
	"github.com/illmade-knight/go-eventflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
)

// ErrInvalidPayload is returned when an event's payload lacks a required id.
// Such an event cannot succeed on retry and goes to the dead-letter sink.
var ErrInvalidPayload = errors.New("invalid event payload")

// HandlerConfig tunes the registered handlers.
type HandlerConfig struct {
	// Retry, when set, wraps every handler with bounded in-handler retries.
	Retry *messagepipeline.RetryPolicy
}

// RegisterAll registers a handler for every event of every domain. Each
// handler invalidates the event's read-model scopes through invalidator,
// which is safe to repeat for an already-applied event.
func RegisterAll(registry *messagepipeline.Registry, doms []Domain, invalidator cache.Invalidator, cfg HandlerConfig, logger zerolog.Logger) error {
	if registry == nil {
		return errors.New("handler registry cannot be nil")
	}
	if invalidator == nil {
		return errors.New("cache invalidator cannot be nil")
	}
	for _, d := range doms {
		for _, ev := range d.Events {
			h := NewInvalidationHandler(ev, invalidator, logger.With().Str("consumer", d.Name).Logger())
			if cfg.Retry != nil {
				h = messagepipeline.WithRetry(h, *cfg.Retry)
			}
			if err := registry.Register(d.Name, ev.Type, h); err != nil {
				return fmt.Errorf("register %s: %w", d.Name, err)
			}
		}
	}
	return nil
}

// NewInvalidationHandler returns a handler that resolves the event's scopes
// from the payload and invalidates each one.
func NewInvalidationHandler(ev EventSpec, invalidator cache.Invalidator, logger zerolog.Logger) messagepipeline.Handler {
	return func(ctx context.Context, env types.Envelope) error {
		scopes, err := resolveScopes(ev, env.Payload)
		if err != nil {
			return fmt.Errorf("%s %s: %w", env.Type, env.ID, err)
		}
		for _, scope := range scopes {
			if err := invalidator.Invalidate(ctx, scope); err != nil {
				return fmt.Errorf("invalidate %s: %w", scope, err)
			}
		}
		logger.Debug().Str("event_id", env.ID).Str("event_type", env.Type).Strs("scopes", scopes).Msg("Read-model scopes invalidated.")
		return nil
	}
}

func resolveScopes(ev EventSpec, payload json.RawMessage) ([]string, error) {
	var fields map[string]json.RawMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	scopes := make([]string, 0, len(ev.Scopes))
	for _, s := range ev.Scopes {
		id := idValue(fields[s.Field])
		if id == "" {
			if s.Optional {
				continue
			}
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayload, s.Field)
		}
		scopes = append(scopes, s.Kind+":"+id)
	}
	return scopes, nil
}

// idValue accepts ids encoded as JSON strings or numbers.
func idValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}
