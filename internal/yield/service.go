// Package yield orchestrates one APR request: validate, collect events, compute pool APRs.
package yield

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/autocompound-apr-ea/internal/aggregate"
	"github.com/yourorg/autocompound-apr-ea/internal/fetch"
	"github.com/yourorg/autocompound-apr-ea/internal/model"
	tracing "github.com/yourorg/autocompound-apr-ea/internal/otel"
	"github.com/yourorg/autocompound-apr-ea/internal/validation"
)

// Request asks for the APR of a set of pools over [StartTime, EndTime], in epoch milliseconds.
// No pool names means every registered pool.
type Request struct {
	PoolNames []model.PoolName
	StartTime int64
	EndTime   int64
}

// Report is the outcome of a request.
type Report struct {
	Pools         model.AprResult `json:"pools"`
	EventCount    int             `json:"event_count"`
	InvestorCount int             `json:"investor_count"`
	StartTime     int64           `json:"start_time"`
	EndTime       int64           `json:"end_time"`
	ComputedAt    time.Time       `json:"computed_at"`
}

// EventCollector gathers the events of a query.
type EventCollector interface {
	Collect(ctx context.Context, q fetch.Query) (model.EventBatch, error)
}

// AprEngine computes pool APRs from events.
type AprEngine interface {
	AprForPools(ctx context.Context, events model.EventBatch) (model.AprResult, error)
}

// Service answers APR requests.
type Service struct {
	collector EventCollector
	engine    AprEngine
	pools     validation.PoolLookup
	now       func() time.Time
}

// NewService creates a Service.
func NewService(collector EventCollector, engine AprEngine, pools validation.PoolLookup) *Service {
	return &Service{
		collector: collector,
		engine:    engine,
		pools:     pools,
		now:       time.Now,
	}
}

// PoolAPR validates req, collects the matching events and computes the APR of every pool with
// events in the window. It returns either a complete report or an error.
func (s *Service) PoolAPR(ctx context.Context, req Request) (Report, error) {
	ctx, span := tracing.Tracer().Start(ctx, "yield.PoolAPR", trace.WithAttributes(
		attribute.Int("pools", len(req.PoolNames)),
		attribute.Int64("start_time", req.StartTime),
		attribute.Int64("end_time", req.EndTime),
	))
	defer span.End()

	err := validation.ValidateRequest(validation.AprRequest{
		PoolNames: req.PoolNames,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}, s.pools)
	if err != nil {
		tracing.RecordError(ctx, err)
		return Report{}, err
	}

	events, err := s.collector.Collect(ctx, fetch.Query{
		PoolNames: req.PoolNames,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return Report{}, err
	}

	result, err := s.engine.AprForPools(ctx, events)
	if err != nil {
		tracing.RecordError(ctx, err)
		return Report{}, err
	}

	report := Report{
		Pools:         result,
		EventCount:    len(events),
		InvestorCount: len(aggregate.GroupByInvestor(events)),
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		ComputedAt:    s.now().UTC(),
	}

	logrus.WithFields(logrus.Fields{
		"pools":     len(report.Pools),
		"events":    report.EventCount,
		"investors": report.InvestorCount,
	}).Info("Computed pool APR")
	return report, nil
}
