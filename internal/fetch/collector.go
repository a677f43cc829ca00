package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
	tracing "github.com/yourorg/autocompound-apr-ea/internal/otel"
)

// ErrUnknownPool is returned when a requested pool is not in the registry.
var ErrUnknownPool = errors.New("unknown pool")

// Query selects the events to collect. An empty PoolNames means every registered pool.
type Query struct {
	PoolNames []model.PoolName
	StartTime int64
	EndTime   int64
}

// Collector gathers the compounding events relevant to a set of pools.
type Collector struct {
	source   EventSource
	registry PoolRegistry
}

// NewCollector creates a Collector reading from source and resolving pools through registry.
func NewCollector(source EventSource, registry PoolRegistry) *Collector {
	return &Collector{source: source, registry: registry}
}

// Collect fetches every distinct event type of the selected pools concurrently and keeps the
// events of the selected pools' investors. It fails as a whole if any event type fails.
func (c *Collector) Collect(ctx context.Context, q Query) (model.EventBatch, error) {
	ctx, span := tracing.Tracer().Start(ctx, "fetch.Collect", trace.WithAttributes(
		attribute.Int("pools", len(q.PoolNames)),
		attribute.Int64("start_time", q.StartTime),
		attribute.Int64("end_time", q.EndTime),
	))
	defer span.End()

	pools, err := c.resolvePools(q.PoolNames)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	var investors map[model.InvestorID]struct{}
	if len(q.PoolNames) > 0 {
		investors = make(map[model.InvestorID]struct{}, len(pools))
		for _, p := range pools {
			investors[p.InvestorID] = struct{}{}
		}
	}

	eventTypes := EventTypes(pools)
	results := make([]model.EventBatch, len(eventTypes))
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i, eventType := range eventTypes {
		i, eventType := i, eventType
		g.Go(func() error {
			events, err := c.fetchEventType(gctx, eventType, q.StartTime, q.EndTime)
			if err != nil {
				return err
			}
			results[i] = filterInvestors(events, investors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	var batch model.EventBatch
	for _, events := range results {
		batch = append(batch, events...)
	}

	span.SetAttributes(attribute.Int("event_types", len(eventTypes)), attribute.Int("events", len(batch)))
	logrus.WithFields(logrus.Fields{
		"pools":       len(pools),
		"event_types": len(eventTypes),
		"events":      len(batch),
		"duration":    time.Since(start),
	}).Info("Collected compounding events")
	return batch, nil
}

func (c *Collector) fetchEventType(ctx context.Context, eventType string, startTime, endTime int64) (model.EventBatch, error) {
	ctx, span := tracing.Tracer().Start(ctx, "fetch.EventType",
		trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	events, err := c.source.FetchEvents(ctx, []string{eventType}, startTime, endTime)
	if err != nil {
		err = fmt.Errorf("fetch %s: %w", eventType, err)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

// resolvePools returns the requested pools, or all registered pools when none are named.
func (c *Collector) resolvePools(names []model.PoolName) ([]model.PoolInfo, error) {
	if len(names) == 0 {
		names = c.registry.PoolNames()
	}

	pools := make([]model.PoolInfo, 0, len(names))
	for _, name := range names {
		info, ok := c.registry.Pool(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, name)
		}
		pools = append(pools, info)
	}
	return pools, nil
}

// EventTypes returns the distinct, non-empty compounding event types of pools, sorted.
func EventTypes(pools []model.PoolInfo) []string {
	seen := make(map[string]struct{}, len(pools))
	types := make([]string, 0, len(pools))
	for _, p := range pools {
		t := p.AutoCompoundingEventType
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// filterInvestors keeps events of the given investors; a nil set keeps everything.
func filterInvestors(events model.EventBatch, investors map[model.InvestorID]struct{}) model.EventBatch {
	if investors == nil {
		return events
	}
	kept := make(model.EventBatch, 0, len(events))
	for _, ev := range events {
		if _, ok := investors[ev.InvestorID]; ok {
			kept = append(kept, ev)
		}
	}
	return kept
}
