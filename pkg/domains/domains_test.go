package domains_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/illmade-knight/go-eventflow/pkg/cache"
	"github.com/illmade-knight/go-eventflow/pkg/domains"
	"github.com/illmade-knight/go-eventflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	mu     sync.Mutex
	scopes []string
	err    error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.scopes = append(r.scopes, scope)
	return nil
}

func (r *recordingInvalidator) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scopes...)
}

func envelope(typ, payload string) types.Envelope {
	return types.Envelope{ID: "evt-1", Type: typ, Payload: json.RawMessage(payload)}
}

func TestCatalog(t *testing.T) {
	cat := domains.Catalog()
	names := make([]string, 0, len(cat))
	for _, d := range cat {
		names = append(names, d.Name)
		assert.NotEmpty(t, d.Topics, d.Name)
		for _, typ := range d.EventTypes() {
			assert.Regexp(t, `^`+d.Name+`\.[a-z]+\.v[0-9]+$`, typ)
		}
	}
	assert.ElementsMatch(t, []string{"customer", "invoice", "payment", "order", "service", "subscription"}, names)

	payment, ok := domains.Lookup("payment")
	require.True(t, ok)
	assert.Equal(t, []string{"payment.created", "payment.completed", "payment.failed"}, payment.Topics)

	// Catalog hands out copies.
	cat[0].Topics[0] = "mutated"
	again, _ := domains.Lookup(cat[0].Name)
	assert.NotEqual(t, "mutated", again.Topics[0])
}

func TestSelect(t *testing.T) {
	selected, err := domains.Select([]string{"order", "payment", "order"}, map[string][]string{
		"payment": {"payments.v2"},
	})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "order", selected[0].Name)
	assert.Equal(t, []string{"payments.v2"}, selected[1].Topics)

	_, err = domains.Select([]string{"product"}, nil)
	assert.ErrorContains(t, err, "unknown domain")
}

func TestRegisterAll(t *testing.T) {
	registry := messagepipeline.NewRegistry()
	inv := &recordingInvalidator{}
	require.NoError(t, domains.RegisterAll(registry, domains.Catalog(), inv, domains.HandlerConfig{}, zerolog.Nop()))

	assert.Equal(t, []string{"customer", "invoice", "order", "payment", "service", "subscription"}, registry.Domains())
	assert.Contains(t, registry.EventTypes("customer"), "customer.terminated.v1")

	_, ok := registry.Resolve("customer", "payment.completed.v1")
	assert.False(t, ok, "handlers are scoped to their domain")

	err := domains.RegisterAll(registry, domains.Catalog(), inv, domains.HandlerConfig{}, zerolog.Nop())
	assert.ErrorIs(t, err, messagepipeline.ErrDuplicateHandler)
}

func TestInvalidationHandler(t *testing.T) {
	ctx := context.Background()
	registry := messagepipeline.NewRegistry()
	inv := &recordingInvalidator{}
	require.NoError(t, domains.RegisterAll(registry, domains.Catalog(), inv, domains.HandlerConfig{}, zerolog.Nop()))

	t.Run("own and related scopes", func(t *testing.T) {
		h, ok := registry.Resolve("payment", "payment.completed.v1")
		require.True(t, ok)
		require.NoError(t, h(ctx, envelope("payment.completed.v1", `{"paymentId":"p1","invoiceId":"i9","amount":12.5}`)))
		assert.Equal(t, []string{"payment:p1", "invoice:i9"}, inv.Scopes())
	})

	t.Run("numeric id and missing optional scope", func(t *testing.T) {
		inv.scopes = nil
		h, _ := registry.Resolve("customer", "customer.created.v1")
		require.NoError(t, h(ctx, envelope("customer.created.v1", `{"customerId":42}`)))

		h, _ = registry.Resolve("order", "order.created.v1")
		require.NoError(t, h(ctx, envelope("order.created.v1", `{"orderId":"o-7"}`)))
		assert.Equal(t, []string{"customer:42", "order:o-7"}, inv.Scopes())
	})

	t.Run("missing required id", func(t *testing.T) {
		h, _ := registry.Resolve("invoice", "invoice.paid.v1")
		err := h(ctx, envelope("invoice.paid.v1", `{"customerId":"c1"}`))
		assert.ErrorIs(t, err, domains.ErrInvalidPayload)
		assert.ErrorContains(t, err, "invoiceId")
	})

	t.Run("payload is not an object", func(t *testing.T) {
		h, _ := registry.Resolve("service", "service.activated.v1")
		err := h(ctx, envelope("service.activated.v1", `"svc-1"`))
		assert.ErrorIs(t, err, domains.ErrInvalidPayload)
	})

	t.Run("applying twice is harmless", func(t *testing.T) {
		inv.scopes = nil
		h, _ := registry.Resolve("subscription", "subscription.renewed.v1")
		env := envelope("subscription.renewed.v1", `{"subscriptionId":"s1"}`)
		require.NoError(t, h(ctx, env))
		require.NoError(t, h(ctx, env))
		assert.Equal(t, []string{"subscription:s1", "subscription:s1"}, inv.Scopes())
	})
}

func TestInvalidationHandler_InvalidatorFailure(t *testing.T) {
	failing := cache.InvalidatorFunc(func(context.Context, string) error { return errors.New("redis down") })
	ev := domains.EventSpec{Type: "customer.updated.v1", Scopes: []domains.Scope{{Kind: "customer", Field: "customerId"}}}
	h := domains.NewInvalidationHandler(ev, failing, zerolog.Nop())

	err := h(context.Background(), envelope("customer.updated.v1", `{"customerId":"c1"}`))
	assert.ErrorContains(t, err, "invalidate customer:c1")
}

func TestRegisterAll_WithRetry(t *testing.T) {
	calls := 0
	flaky := cache.InvalidatorFunc(func(context.Context, string) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	registry := messagepipeline.NewRegistry()
	payment, _ := domains.Lookup("payment")
	cfg := domains.HandlerConfig{Retry: &messagepipeline.RetryPolicy{MaxAttempts: 3}}
	require.NoError(t, domains.RegisterAll(registry, []domains.Domain{payment}, flaky, cfg, zerolog.Nop()))

	h, ok := registry.Resolve("payment", "payment.created.v1")
	require.True(t, ok)
	require.NoError(t, h(context.Background(), envelope("payment.created.v1", `{"paymentId":"p1"}`)))
	assert.Equal(t, 3, calls)
}

func TestRegisterAll_Validation(t *testing.T) {
	err := domains.RegisterAll(nil, domains.Catalog(), &recordingInvalidator{}, domains.HandlerConfig{}, zerolog.Nop())
	assert.Error(t, err)
	err = domains.RegisterAll(messagepipeline.NewRegistry(), domains.Catalog(), nil, domains.HandlerConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
