package fetch

import (
	"context"
	"errors"

	"github.com/yourorg/autocompound-apr-ea/internal/circuitbreaker"
	"github.com/yourorg/autocompound-apr-ea/internal/model"
)

// GuardedSource wraps an EventSource with a circuit breaker. Cancellations caused by the
// caller are not counted against the upstream.
type GuardedSource struct {
	source  EventSource
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedSource creates a GuardedSource.
func NewGuardedSource(source EventSource, breaker *circuitbreaker.CircuitBreaker) *GuardedSource {
	return &GuardedSource{source: source, breaker: breaker}
}

// FetchEvents implements EventSource.
func (g *GuardedSource) FetchEvents(ctx context.Context, eventTypes []string, startTime, endTime int64) (model.EventBatch, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}

	events, err := g.source.FetchEvents(ctx, eventTypes, startTime, endTime)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
		g.breaker.Release()
	default:
		g.breaker.RecordFailure(err)
	}
	return events, err
}
