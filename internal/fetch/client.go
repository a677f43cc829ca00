// Package fetch retrieves auto-compounding events: the Sui event source and the collector that
// fans out per event type.
package fetch

import (
	"context"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
)

// EventSource returns the events of the given Move event types emitted within
// [startTime, endTime], both in epoch milliseconds.
type EventSource interface {
	FetchEvents(ctx context.Context, eventTypes []string, startTime, endTime int64) (model.EventBatch, error)
}

// PoolRegistry exposes pool metadata.
type PoolRegistry interface {
	Pool(name model.PoolName) (model.PoolInfo, bool)
	PoolNames() []model.PoolName
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c
}
