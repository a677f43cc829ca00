package aggregate

import (
	"context"
	"errors"
	"math"
	"math/big"
	"reflect"
	"testing"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
)

const (
	t0  = int64(1_717_000_000_000)
	day = int64(millisPerDay)
)

func single(investor string, ts int64, compound, total int64) model.CompoundingEvent {
	return model.NewSingleAssetEvent(model.InvestorID(investor), ts, model.SingleAssetAmounts{
		Compound: big.NewInt(compound),
		Total:    big.NewInt(total),
	})
}

func dual(investor string, ts int64, compoundA, compoundB, totalA, totalB int64) model.CompoundingEvent {
	return model.NewDualAssetEvent(model.InvestorID(investor), ts, model.DualAssetAmounts{
		CompoundA: big.NewInt(compoundA),
		CompoundB: big.NewInt(compoundB),
		TotalA:    big.NewInt(totalA),
		TotalB:    big.NewInt(totalB),
	})
}

// annualize mirrors the published formula for a known average daily growth rate.
func annualize(avg float64) float64 {
	return (math.Pow(1+avg, 365) - 1) * 100 * 365
}

// ratioOf and mean2 keep expected values in runtime float64 arithmetic; constant
// expressions would be evaluated exactly and round differently.
func ratioOf(num, denom int64) float64 {
	return float64(num) / float64(denom)
}

func mean2(x, y float64) float64 {
	return (x + y) / 2
}

// weightedMean replays the time-weighted accumulation for the given growth/day pairs.
func weightedMean(growth, days []float64) float64 {
	var weighted, span float64
	for i := range growth {
		weighted += growth[i] * days[i]
		span += days[i]
	}
	return weighted / span
}

func TestAprForInvestor(t *testing.T) {
	tests := []struct {
		name     string
		events   []model.CompoundingEvent
		expected float64
	}{
		{
			name:     "single event spans no time",
			events:   []model.CompoundingEvent{single("I1", t0, 10, 1000)},
			expected: 0,
		},
		{
			name:     "events at the same instant",
			events:   []model.CompoundingEvent{single("I1", t0, 10, 1000), single("I1", t0, 20, 1000)},
			expected: 0,
		},
		{
			name: "two single asset events one day apart",
			events: []model.CompoundingEvent{
				single("I1", t0, 10, 1000),
				single("I1", t0+day, 12, 1012),
			},
			expected: annualize(ratioOf(12, 1012)),
		},
		{
			name: "unsorted input is ordered by timestamp",
			events: []model.CompoundingEvent{
				single("I1", t0+day, 12, 1012),
				single("I1", t0, 10, 1000),
			},
			expected: annualize(ratioOf(12, 1012)),
		},
		{
			name: "dual asset averages both sides",
			events: []model.CompoundingEvent{
				dual("I1", t0, 10, 20, 1000, 2000),
				dual("I1", t0+day, 20, 10, 1000, 1000),
			},
			expected: annualize(mean2(ratioOf(20, 1000), ratioOf(10, 1000))),
		},
		{
			name: "zero total counts as zero growth",
			events: []model.CompoundingEvent{
				single("I1", t0, 10, 1000),
				single("I1", t0+day, 12, 0),
			},
			expected: 0,
		},
		{
			name: "overflowing APR counts as zero",
			events: []model.CompoundingEvent{
				dual("I1", t0, 0, 0, 1, 1),
				dual("I1", t0+day, 7, 7, 0, 0),
			},
			expected: 0,
		},
		{
			name: "uneven gaps are time weighted",
			events: []model.CompoundingEvent{
				single("I1", t0, 1, 100),
				single("I1", t0+day, 1, 100),
				single("I1", t0+3*day, 2, 100),
			},
			expected: annualize(weightedMean(
				[]float64{ratioOf(1, 100), ratioOf(2, 100)},
				[]float64{1, 2},
			)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AprForInvestor(tt.events)
			if err != nil {
				t.Fatalf("AprForInvestor() error = %v", err)
			}
			if got != tt.expected {
				t.Errorf("AprForInvestor() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAprForInvestor_Empty(t *testing.T) {
	_, err := AprForInvestor(nil)
	if !errors.Is(err, ErrNoEvents) {
		t.Errorf("AprForInvestor(nil) error = %v, want %v", err, ErrNoEvents)
	}
}

func TestAprForInvestor_DoesNotReorderInput(t *testing.T) {
	events := []model.CompoundingEvent{
		single("I1", t0+day, 12, 1012),
		single("I1", t0, 10, 1000),
	}
	if _, err := AprForInvestor(events); err != nil {
		t.Fatalf("AprForInvestor() error = %v", err)
	}
	if events[0].Timestamp != t0+day {
		t.Errorf("input was reordered")
	}
}

func TestAprForInvestor_CarryOver(t *testing.T) {
	t.Run("zero totals accumulate against last nonzero total", func(t *testing.T) {
		events := []model.CompoundingEvent{
			dual("I1", t0, 10, 10, 100, 100),
			dual("I1", t0+day, 5, 5, 0, 0),
			dual("I1", t0+2*day, 1, 1, 0, 0),
		}
		g1 := mean2(ratioOf(15, 100), ratioOf(15, 100))
		g2 := mean2(ratioOf(16, 100), ratioOf(16, 100))
		want := annualize(weightedMean([]float64{g1, g2}, []float64{1, 1}))

		got, err := AprForInvestor(events)
		if err != nil {
			t.Fatalf("AprForInvestor() error = %v", err)
		}
		if got != want {
			t.Errorf("AprForInvestor() = %v, want %v", got, want)
		}
	})

	t.Run("unresolvable denominator before any nonzero total", func(t *testing.T) {
		events := []model.CompoundingEvent{
			dual("I1", t0, 5, 5, 0, 0),
			dual("I1", t0+day, 10, 10, 100, 100),
			dual("I1", t0+2*day, 5, 5, 0, 0),
		}
		g1 := mean2(ratioOf(10, 100), ratioOf(10, 100))
		g2 := mean2(ratioOf(15, 100), ratioOf(15, 100))
		want := annualize(weightedMean([]float64{g1, g2}, []float64{1, 1}))

		got, err := AprForInvestor(events)
		if err != nil {
			t.Fatalf("AprForInvestor() error = %v", err)
		}
		if math.IsNaN(got) || math.IsInf(got, 0) {
			t.Fatalf("AprForInvestor() = %v, want finite", got)
		}
		if got != want {
			t.Errorf("AprForInvestor() = %v, want %v", got, want)
		}
	})

	t.Run("one zero total makes both sides degenerate", func(t *testing.T) {
		events := []model.CompoundingEvent{
			dual("I1", t0, 10, 10, 100, 200),
			dual("I1", t0+day, 4, 6, 100, 0),
		}
		want := annualize(mean2(ratioOf(14, 100), ratioOf(16, 200)))

		got, err := AprForInvestor(events)
		if err != nil {
			t.Fatalf("AprForInvestor() error = %v", err)
		}
		if got != want {
			t.Errorf("AprForInvestor() = %v, want %v", got, want)
		}
	})
}

func TestAprForInvestor_MonotonicInCompoundAmount(t *testing.T) {
	base := []model.CompoundingEvent{
		dual("I1", t0, 3, 4, 1000, 2000),
		dual("I1", t0+day, 5, 7, 1000, 2000),
		dual("I1", t0+3*day, 2, 9, 1000, 2000),
	}
	doubled := []model.CompoundingEvent{
		dual("I1", t0, 6, 8, 1000, 2000),
		dual("I1", t0+day, 10, 14, 1000, 2000),
		dual("I1", t0+3*day, 4, 18, 1000, 2000),
	}

	low, err := AprForInvestor(base)
	if err != nil {
		t.Fatalf("AprForInvestor() error = %v", err)
	}
	high, err := AprForInvestor(doubled)
	if err != nil {
		t.Fatalf("AprForInvestor() error = %v", err)
	}
	if !(high > low) {
		t.Errorf("doubling compound amounts: got %v, want > %v", high, low)
	}
}

type fakeResolver struct {
	pools map[model.InvestorID]model.PoolName
	err   error
}

func (f fakeResolver) InvestorPoolMap(context.Context) (map[model.InvestorID]model.PoolName, error) {
	return f.pools, f.err
}

func TestEngine_AprForPools(t *testing.T) {
	resolver := fakeResolver{pools: map[model.InvestorID]model.PoolName{
		"I1": "ALPHA-SUI",
		"I2": "CETUS-USDC-SUI",
		"I3": "NAVI-USDC",
	}}
	events := model.EventBatch{
		single("I1", t0, 10, 1000),
		dual("I2", t0+day, 1, 2, 100, 200),
		single("I1", t0+day, 12, 1012),
		dual("I2", t0, 1, 1, 100, 100),
		single("I3", t0, 1, 10),
		single("unknown", t0, 1, 10),
		single("unknown", t0+day, 1, 10),
	}

	got, err := NewEngine(resolver).AprForPools(context.Background(), events)
	if err != nil {
		t.Fatalf("AprForPools() error = %v", err)
	}

	want := model.AprResult{
		"ALPHA-SUI":      annualize(ratioOf(12, 1012)),
		"CETUS-USDC-SUI": annualize(mean2(ratioOf(1, 100), ratioOf(2, 200))),
		"NAVI-USDC":      0,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AprForPools() = %v, want %v", got, want)
	}
}

func TestEngine_AprForPools_Deterministic(t *testing.T) {
	resolver := fakeResolver{pools: map[model.InvestorID]model.PoolName{"I1": "P1", "I2": "P2"}}
	events := model.EventBatch{
		single("I1", t0, 1, 100),
		single("I1", t0+day, 2, 100),
		single("I2", t0, 3, 100),
		single("I2", t0+2*day, 4, 100),
	}
	engine := NewEngine(resolver)

	first, err := engine.AprForPools(context.Background(), events)
	if err != nil {
		t.Fatalf("AprForPools() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := engine.AprForPools(context.Background(), events)
		if err != nil {
			t.Fatalf("AprForPools() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d: AprForPools() = %v, want %v", i, again, first)
		}
	}
}

func TestEngine_AprForPools_CollisionPicksGreatestInvestor(t *testing.T) {
	resolver := fakeResolver{pools: map[model.InvestorID]model.PoolName{"A": "P", "B": "P"}}
	events := model.EventBatch{
		single("A", t0, 1, 100),
		single("A", t0+day, 1, 100),
		single("B", t0, 5, 100),
		single("B", t0+day, 5, 100),
	}

	for i := 0; i < 10; i++ {
		got, err := NewEngine(resolver).AprForPools(context.Background(), events)
		if err != nil {
			t.Fatalf("AprForPools() error = %v", err)
		}
		if want := annualize(ratioOf(5, 100)); got["P"] != want {
			t.Fatalf("AprForPools()[P] = %v, want %v", got["P"], want)
		}
	}
}

func TestEngine_AprForPools_ResolverError(t *testing.T) {
	boom := errors.New("registry unavailable")
	_, err := NewEngine(fakeResolver{err: boom}).AprForPools(context.Background(), model.EventBatch{single("I1", t0, 1, 1)})
	if !errors.Is(err, boom) {
		t.Errorf("AprForPools() error = %v, want %v", err, boom)
	}
}

func TestEngine_AprForPools_EmptyBatch(t *testing.T) {
	got, err := NewEngine(fakeResolver{}).AprForPools(context.Background(), nil)
	if err != nil {
		t.Fatalf("AprForPools() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("AprForPools() = %v, want empty", got)
	}
}

func TestAprForInvestors_PropagatesEmptyGroup(t *testing.T) {
	_, err := AprForInvestors(map[model.InvestorID][]model.CompoundingEvent{"I1": nil})
	if !errors.Is(err, ErrNoEvents) {
		t.Errorf("AprForInvestors() error = %v, want %v", err, ErrNoEvents)
	}
}

func TestGroupByInvestor(t *testing.T) {
	grouped := GroupByInvestor(model.EventBatch{
		single("I1", t0, 1, 1),
		single("I2", t0, 1, 1),
		single("I1", t0+day, 1, 1),
	})
	if len(grouped) != 2 || len(grouped["I1"]) != 2 || len(grouped["I2"]) != 1 {
		t.Errorf("GroupByInvestor() = %v", grouped)
	}
}
