package messagepipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPermanent = errors.New("permanent")

func TestWithRetry(t *testing.T) {
	env := types.Envelope{ID: "e1", Type: "order.placed.v1"}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		h := messagepipeline.WithRetry(func(context.Context, types.Envelope) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		}, messagepipeline.RetryPolicy{MaxAttempts: 5})
		require.NoError(t, h(context.Background(), env))
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		h := messagepipeline.WithRetry(func(context.Context, types.Envelope) error {
			calls++
			return errors.New("still down")
		}, messagepipeline.RetryPolicy{MaxAttempts: 3, Backoff: messagepipeline.ExponentialBackoff(time.Millisecond, 2*time.Millisecond)})

		err := h(context.Background(), env)
		var re *messagepipeline.RetryError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 3, re.Attempts)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry when RetryIf declines", func(t *testing.T) {
		calls := 0
		h := messagepipeline.WithRetry(func(context.Context, types.Envelope) error {
			calls++
			return errPermanent
		}, messagepipeline.RetryPolicy{
			MaxAttempts: 5,
			RetryIf:     func(err error) bool { return !errors.Is(err, errPermanent) },
		})

		err := h(context.Background(), env)
		assert.ErrorIs(t, err, errPermanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		h := messagepipeline.WithRetry(func(context.Context, types.Envelope) error {
			calls++
			cancel()
			return errors.New("down")
		}, messagepipeline.RetryPolicy{MaxAttempts: 5, Backoff: func(int) time.Duration { return time.Hour }})

		err := h(ctx, env)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestExponentialBackoff(t *testing.T) {
	b := messagepipeline.ExponentialBackoff(10*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b(1))
	assert.Equal(t, 20*time.Millisecond, b(2))
	assert.Equal(t, 40*time.Millisecond, b(3))
	assert.Equal(t, 50*time.Millisecond, b(4))
	assert.Equal(t, 50*time.Millisecond, b(64))
}
