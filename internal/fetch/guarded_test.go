package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/autocompound-apr-ea/internal/circuitbreaker"
)

func TestGuardedSource_OpensAfterFailures(t *testing.T) {
	source := testSource()
	source.failing = map[string]error{"type::alpha": errors.New("timeout")}
	breaker := circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: 2})
	g := NewGuardedSource(source, breaker)

	for i := 0; i < 2; i++ {
		_, err := g.FetchEvents(context.Background(), []string{"type::alpha"}, 0, 10)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	_, err := g.FetchEvents(context.Background(), []string{"type::navi"}, 0, 10)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Len(t, source.queried, 2, "open circuit does not reach the source")
}

func TestGuardedSource_IgnoresCancellation(t *testing.T) {
	source := testSource()
	source.failing = map[string]error{"type::alpha": context.Canceled}
	breaker := circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: 1})
	g := NewGuardedSource(source, breaker)

	_, err := g.FetchEvents(context.Background(), []string{"type::alpha"}, 0, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState())
}

func TestGuardedSource_CanceledTrialDoesNotHoldHalfOpen(t *testing.T) {
	source := testSource()
	source.failing = map[string]error{
		"type::alpha":  errors.New("timeout"),
		"type::cancel": context.Canceled,
	}
	breaker := circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: 1}).
		WithResetDelay(50 * time.Millisecond)
	g := NewGuardedSource(source, breaker)

	_, err := g.FetchEvents(context.Background(), []string{"type::alpha"}, 0, 10)
	require.Error(t, err)
	time.Sleep(60 * time.Millisecond)

	_, err = g.FetchEvents(context.Background(), []string{"type::cancel"}, 0, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, circuitbreaker.StateHalfOpen, breaker.GetState())

	events, err := g.FetchEvents(context.Background(), []string{"type::navi"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState())
}

func TestGuardedSource_PassesThrough(t *testing.T) {
	g := NewGuardedSource(testSource(), circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: 1}))

	events, err := g.FetchEvents(context.Background(), []string{"type::navi"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
