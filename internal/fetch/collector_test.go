package fetch

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
)

type fakeRegistry map[model.PoolName]model.PoolInfo

func (r fakeRegistry) Pool(name model.PoolName) (model.PoolInfo, bool) {
	info, ok := r[name]
	return info, ok
}

func (r fakeRegistry) PoolNames() []model.PoolName {
	names := make([]model.PoolName, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

type fakeSource struct {
	mu      sync.Mutex
	events  map[string]model.EventBatch
	failing map[string]error
	queried []string
}

func (s *fakeSource) FetchEvents(ctx context.Context, eventTypes []string, startTime, endTime int64) (model.EventBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.EventBatch
	for _, t := range eventTypes {
		s.queried = append(s.queried, t)
		if err := s.failing[t]; err != nil {
			return nil, err
		}
		out = append(out, s.events[t]...)
	}
	return out, nil
}

func event(investor string, ts int64) model.CompoundingEvent {
	return model.NewSingleAssetEvent(model.InvestorID(investor), ts, model.SingleAssetAmounts{
		Compound: big.NewInt(1),
		Total:    big.NewInt(100),
	})
}

func testRegistry() fakeRegistry {
	return fakeRegistry{
		"ALPHA-SUI":   {Name: "ALPHA-SUI", InvestorID: "0xa", AutoCompoundingEventType: "type::alpha"},
		"NAVI-USDC":   {Name: "NAVI-USDC", InvestorID: "0xb", AutoCompoundingEventType: "type::navi"},
		"NAVI-USDT":   {Name: "NAVI-USDT", InvestorID: "0xc", AutoCompoundingEventType: "type::navi"},
		"BUCKET-BUCK": {Name: "BUCKET-BUCK", InvestorID: "0xd", AutoCompoundingEventType: ""},
	}
}

func testSource() *fakeSource {
	return &fakeSource{events: map[string]model.EventBatch{
		"type::alpha": {event("0xa", 1), event("0xz", 2)},
		"type::navi":  {event("0xb", 3), event("0xc", 4), event("0xy", 5)},
	}}
}

func investorsOf(batch model.EventBatch) []string {
	ids := make([]string, 0, len(batch))
	for _, ev := range batch {
		ids = append(ids, string(ev.InvestorID))
	}
	sort.Strings(ids)
	return ids
}

func TestCollector_SharedEventTypeFetchedOnce(t *testing.T) {
	source := testSource()
	c := NewCollector(source, testRegistry())

	batch, err := c.Collect(context.Background(), Query{
		PoolNames: []model.PoolName{"NAVI-USDC", "NAVI-USDT"},
		StartTime: 0,
		EndTime:   10,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"type::navi"}, source.queried)
	assert.Equal(t, []string{"0xb", "0xc"}, investorsOf(batch), "no duplicates, foreign investors dropped")
}

func TestCollector_AllPoolsWhenNoneNamed(t *testing.T) {
	source := testSource()
	c := NewCollector(source, testRegistry())

	batch, err := c.Collect(context.Background(), Query{StartTime: 0, EndTime: 10})
	require.NoError(t, err)

	queried := append([]string(nil), source.queried...)
	sort.Strings(queried)
	assert.Equal(t, []string{"type::alpha", "type::navi"}, queried, "empty event types are skipped")
	assert.Len(t, batch, 5, "all-pool queries keep every event for the engine to resolve")
}

func TestCollector_FiltersToRequestedInvestors(t *testing.T) {
	c := NewCollector(testSource(), testRegistry())

	batch, err := c.Collect(context.Background(), Query{PoolNames: []model.PoolName{"ALPHA-SUI"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa"}, investorsOf(batch))
}

func TestCollector_UnknownPool(t *testing.T) {
	source := testSource()
	c := NewCollector(source, testRegistry())

	_, err := c.Collect(context.Background(), Query{PoolNames: []model.PoolName{"ALPHA-SUI", "NOPE"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPool)
	assert.Contains(t, err.Error(), "NOPE")
	assert.Empty(t, source.queried, "nothing is fetched for an invalid query")
}

func TestCollector_FailsWhenAnyTypeFails(t *testing.T) {
	errNode := errors.New("node unavailable")
	source := testSource()
	source.failing = map[string]error{"type::navi": errNode}
	c := NewCollector(source, testRegistry())

	batch, err := c.Collect(context.Background(), Query{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errNode)
	assert.Contains(t, err.Error(), "type::navi")
	assert.Nil(t, batch)
}

func TestEventTypes(t *testing.T) {
	pools := []model.PoolInfo{
		{AutoCompoundingEventType: "b"},
		{AutoCompoundingEventType: "a"},
		{AutoCompoundingEventType: ""},
		{AutoCompoundingEventType: "b"},
	}
	assert.Equal(t, []string{"a", "b"}, EventTypes(pools))
	assert.Empty(t, EventTypes(nil))
}
