// Package aggregate turns compounding events into annualized yield figures: a time-weighted
// APR per investor, rolled up into a per-pool APR map.
package aggregate

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
	tracing "github.com/yourorg/autocompound-apr-ea/internal/otel"
)

const (
	millisPerDay   = 86_400_000
	periodsPerYear = 365
)

// ErrNoEvents is returned when an APR is requested for an empty event sequence.
var ErrNoEvents = errors.New("no events to compute APR from")

// InvestorPoolResolver maps investor ids back to their owning pool.
type InvestorPoolResolver interface {
	InvestorPoolMap(ctx context.Context) (map[model.InvestorID]model.PoolName, error)
}

// Engine computes per-pool APR maps.
type Engine struct {
	resolver InvestorPoolResolver
}

// NewEngine creates an Engine resolving investors through r.
func NewEngine(r InvestorPoolResolver) *Engine {
	return &Engine{resolver: r}
}

// AprForPools groups events by investor, computes each investor's APR and keys the results by
// pool. Investors without a pool are dropped. When several investors resolve to the same pool,
// investors are applied in lexical id order, so the greatest id wins.
func (e *Engine) AprForPools(ctx context.Context, events model.EventBatch) (model.AprResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "aggregate.AprForPools",
		trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()

	investorPools, err := e.resolver.InvestorPoolMap(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	aprs, err := AprForInvestors(GroupByInvestor(events))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	investors := make([]model.InvestorID, 0, len(aprs))
	for id := range aprs {
		investors = append(investors, id)
	}
	sort.Slice(investors, func(i, j int) bool { return investors[i] < investors[j] })

	result := make(model.AprResult, len(aprs))
	owner := make(map[model.PoolName]model.InvestorID, len(aprs))
	for _, id := range investors {
		pool, ok := investorPools[id]
		if !ok || pool == "" {
			logrus.WithField("investor", id).Debug("Dropping investor without pool")
			continue
		}
		if prev, taken := owner[pool]; taken {
			logrus.WithFields(logrus.Fields{
				"pool":     pool,
				"replaced": prev,
				"investor": id,
			}).Warn("Multiple investors resolve to the same pool")
		}
		owner[pool] = id
		result[pool] = aprs[id]
	}

	span.SetAttributes(attribute.Int("investors", len(aprs)), attribute.Int("pools", len(result)))
	return result, nil
}

// GroupByInvestor splits a batch into per-investor event lists.
func GroupByInvestor(events model.EventBatch) map[model.InvestorID][]model.CompoundingEvent {
	grouped := make(map[model.InvestorID][]model.CompoundingEvent)
	for _, ev := range events {
		grouped[ev.InvestorID] = append(grouped[ev.InvestorID], ev)
	}
	return grouped
}

// AprForInvestors computes the APR of every investor group concurrently.
func AprForInvestors(grouped map[model.InvestorID][]model.CompoundingEvent) (map[model.InvestorID]float64, error) {
	type investorApr struct {
		investor model.InvestorID
		apr      float64
		err      error
	}

	var wg sync.WaitGroup
	resultCh := make(chan investorApr, len(grouped))

	for investor, events := range grouped {
		wg.Add(1)
		go func(investor model.InvestorID, events []model.CompoundingEvent) {
			defer wg.Done()
			apr, err := AprForInvestor(events)
			resultCh <- investorApr{investor: investor, apr: apr, err: err}
		}(investor, events)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	aprs := make(map[model.InvestorID]float64, len(grouped))
	var firstErr error
	for r := range resultCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		aprs[r.investor] = r.apr
		logrus.WithFields(logrus.Fields{
			"investor": r.investor,
			"apr":      r.apr,
		}).Debug("Computed investor APR")
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return aprs, nil
}

// AprForInvestor computes the APR, in percent, of one investor's events.
//
// Every event contributes its growth rate weighted by the days elapsed since the previous
// event; the weighted mean is treated as a daily rate, compounded over 365 periods and then
// scaled by 365 once more. The last scaling is part of the published figure and consumers
// rely on its magnitude. A sequence spanning no time yields 0, as does an APR that overflows
// float64. The input is not modified.
func AprForInvestor(events []model.CompoundingEvent) (float64, error) {
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	sorted := make([]model.CompoundingEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	var (
		totalTimeWeightedGrowth float64
		totalTimeSpanDays       float64
		previousTimestamp       = sorted[0].Timestamp
		carry                   = newCarryState()
	)

	for _, ev := range sorted {
		timeDiffDays := float64(ev.Timestamp-previousTimestamp) / millisPerDay
		growthRate := carry.growth(ev)

		totalTimeWeightedGrowth += growthRate * timeDiffDays
		totalTimeSpanDays += timeDiffDays
		previousTimestamp = ev.Timestamp
	}

	apr := 0.0
	if totalTimeSpanDays > 0 {
		averageDailyGrowthRate := totalTimeWeightedGrowth / totalTimeSpanDays
		apr = (math.Pow(1+averageDailyGrowthRate, periodsPerYear) - 1) * 100
	}

	apr *= periodsPerYear
	if math.IsNaN(apr) || math.IsInf(apr, 0) {
		logrus.WithFields(logrus.Fields{
			"investor":     sorted[0].InvestorID,
			"daily_growth": totalTimeWeightedGrowth / totalTimeSpanDays,
		}).Warn("APR is not finite, reporting zero")
		return 0, nil
	}
	return apr, nil
}

// sideCarry tracks one token side of a dual-asset position across snapshots whose totals
// are zero. Growth is always measured against lastTotal, the most recent nonzero total.
type sideCarry struct {
	pendingCompound *big.Int
	lastTotal       *big.Int
}

func newSideCarry() sideCarry {
	return sideCarry{pendingCompound: new(big.Int), lastTotal: new(big.Int)}
}

// observe records a healthy snapshot and returns its own growth.
func (s *sideCarry) observe(compound, total *big.Int) float64 {
	s.pendingCompound = new(big.Int).Set(orZero(compound))
	s.lastTotal = new(big.Int).Set(orZero(total))
	return ratio(compound, total)
}

// carry adds the compound amount of a degenerate snapshot to the pending amount and returns
// the pending amount's growth against the last nonzero total.
func (s *sideCarry) carry(compound *big.Int) float64 {
	s.pendingCompound = new(big.Int).Add(s.pendingCompound, orZero(compound))
	return ratio(s.pendingCompound, s.lastTotal)
}

type carryState struct {
	a, b sideCarry
}

func newCarryState() *carryState {
	return &carryState{a: newSideCarry(), b: newSideCarry()}
}

// growth returns the event's growth rate, updating the carry state for dual-asset events.
// A dual-asset snapshot with either total at zero is degenerate on both sides.
func (c *carryState) growth(ev model.CompoundingEvent) float64 {
	switch ev.Kind() {
	case model.KindDualAsset:
		d := ev.Dual
		var growthA, growthB float64
		if isZero(d.TotalA) || isZero(d.TotalB) {
			growthA = c.a.carry(d.CompoundA)
			growthB = c.b.carry(d.CompoundB)
		} else {
			growthA = c.a.observe(d.CompoundA, d.TotalA)
			growthB = c.b.observe(d.CompoundB, d.TotalB)
		}
		return (growthA + growthB) / 2
	case model.KindSingleAsset:
		return ratio(ev.Single.Compound, ev.Single.Total)
	default:
		return 0
	}
}

// ratio divides two amounts as float64; non-finite results count as zero growth.
func ratio(num, denom *big.Int) float64 {
	r := toFloat(num) / toFloat(denom)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

// toFloat converts with round-to-nearest-even.
func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(orZero(v)).Float64()
	return f
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
