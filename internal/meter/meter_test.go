package meter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

func TestPipelinePersistsEvents(t *testing.T) {
	store := NewMemoryEventStore()
	p := NewPipeline(store, 2)

	p.Emit(&Event{
		TenantID:   "acme",
		Capability: catalog.CapChatCompletions,
		Provider:   "openrouter",
		Cost:       0.5,
		Charge:     1,
	})
	p.Shutdown()

	events, err := store.Query(context.Background(), UsageFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, money.Cents(1), events[0].Charge)
}

func TestAggregatorRollsUpByMinute(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	// Events arrive out of timestamp order within the same minute.
	for i, offset := range []time.Duration{45 * time.Second, 5 * time.Second, 30 * time.Second} {
		require.NoError(t, store.Insert(ctx, &Event{
			ID:         string(rune('a' + i)),
			TenantID:   "acme",
			Capability: catalog.CapTTS,
			Provider:   "elevenlabs",
			Cost:       1.0,
			Charge:     2,
			Timestamp:  base.Add(offset),
		}))
	}
	// A second minute and a second tenant.
	require.NoError(t, store.Insert(ctx, &Event{
		ID: "d", TenantID: "acme", Capability: catalog.CapTTS, Provider: "elevenlabs",
		Cost: 1.0, Charge: 2, Timestamp: base.Add(90 * time.Second),
	}))
	require.NoError(t, store.Insert(ctx, &Event{
		ID: "e", TenantID: "globex", Capability: catalog.CapTTS, Provider: "elevenlabs",
		Cost: 1.0, Charge: 2, Timestamp: base.Add(10 * time.Second),
	}))

	agg := NewAggregator(store)
	n, err := agg.Run(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	windows, err := store.Windows(ctx, UsageFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, base, windows[0].WindowStart)
	assert.Equal(t, int64(3), windows[0].EventCount)
	assert.Equal(t, money.Cents(6), windows[0].SumCharge)
	assert.InDelta(t, 3.0, float64(windows[0].SumCost), 1e-9)
}

func TestAggregatorProcessesEachEventOnce(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, &Event{
		ID: "x", TenantID: "acme", Capability: catalog.CapSTT, Provider: "deepgram",
		Cost: 2.0, Charge: 3, Timestamp: base,
	}))

	agg := NewAggregator(store)
	_, err := agg.Run(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	n, err := agg.Run(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "second run must not re-process")

	windows, err := store.Windows(ctx, UsageFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(1), windows[0].EventCount)
}

// flakyBatchStore fails the first aggregation batch before anything lands,
// as a store would when its transaction rolls back.
type flakyBatchStore struct {
	*MemoryEventStore
	failures int
}

func (s *flakyBatchStore) ApplyAggregation(ctx context.Context, windows []*Window, eventIDs []string) error {
	if s.failures > 0 {
		s.failures--
		return errAggBatch
	}
	return s.MemoryEventStore.ApplyAggregation(ctx, windows, eventIDs)
}

var errAggBatch = errors.New("aggregation batch failed")

func TestAggregatorFailedBatchDoesNotDoubleCount(t *testing.T) {
	store := &flakyBatchStore{MemoryEventStore: NewMemoryEventStore(), failures: 1}
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, &Event{
		ID: "x", TenantID: "acme", Capability: catalog.CapSTT, Provider: "deepgram",
		Cost: 2.0, Charge: 13, Timestamp: base,
	}))

	agg := NewAggregator(store)
	_, err := agg.Run(ctx, base.Add(time.Hour))
	require.ErrorIs(t, err, errAggBatch)

	// The failed batch left the event pending and the windows untouched, so
	// the retry sums it exactly once.
	n, err := agg.Run(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	windows, err := store.Windows(ctx, UsageFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(1), windows[0].EventCount)
	assert.Equal(t, money.Cents(13), windows[0].SumCharge)

	n, err = agg.Run(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "settled events must not be re-processed")
}

func TestAggregatorRespectsBoundary(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	store.Insert(ctx, &Event{ID: "old", TenantID: "t", Capability: catalog.CapSTT, Provider: "p", Timestamp: base})
	store.Insert(ctx, &Event{ID: "new", TenantID: "t", Capability: catalog.CapSTT, Provider: "p", Timestamp: base.Add(10 * time.Minute)})

	agg := NewAggregator(store)
	n, err := agg.Run(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSummaryTotalsByCapability(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	store.Insert(ctx, &Event{ID: "1", TenantID: "acme", Capability: catalog.CapChatCompletions, Provider: "openrouter", Cost: 0.5, Charge: 1, Timestamp: base.Add(time.Minute)})
	store.Insert(ctx, &Event{ID: "2", TenantID: "acme", Capability: catalog.CapChatCompletions, Provider: "openrouter", Cost: 0.5, Charge: 1, Timestamp: base.Add(2 * time.Minute)})
	store.Insert(ctx, &Event{ID: "3", TenantID: "acme", Capability: catalog.CapSMSOutbound, Provider: "twilio", Cost: 0.79, Charge: 1, Timestamp: base.Add(3 * time.Minute)})

	_, err := NewAggregator(store).Run(ctx, base.AddDate(0, 1, 0))
	require.NoError(t, err)

	summary, err := NewReporter(store).Summary(ctx, "acme", base, base.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.EventCount)
	assert.Equal(t, money.Cents(3), summary.TotalCharge)
	assert.Equal(t, int64(2), summary.ByCapability[catalog.CapChatCompletions].Count)
	assert.Equal(t, int64(1), summary.ByCapability[catalog.CapSMSOutbound].Count)
}

func TestQueryLimitCap(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	for i := 0; i < 1100; i++ {
		store.Insert(ctx, &Event{ID: uuidLike(i), TenantID: "acme", Capability: catalog.CapTTS, Provider: "p", Timestamp: time.Now()})
	}
	events, err := store.Query(ctx, UsageFilter{TenantID: "acme", Limit: 5000})
	require.NoError(t, err)
	assert.Len(t, events, 1000)
}

func uuidLike(i int) string {
	return time.Now().Format("150405") + "-" + string(rune('a'+i%26)) + "-" + string(rune('0'+(i/26)%10)) + "-" + string(rune('0'+(i/260)%10))
}
