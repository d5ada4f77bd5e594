package recurring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/meter"
)

func newTracker(t *testing.T) (*Tracker, *ledger.Ledger, *meter.Pipeline) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	p := meter.NewPipeline(meter.NewMemoryEventStore(), 1)
	return NewTracker(l, p), l, p
}

func TestMonthlyDebitAfterEnrollment(t *testing.T) {
	tr, l, p := newTracker(t)
	ctx := context.Background()

	_, err := l.Grant(ctx, "t1", 1000, ledger.KindPurchase, "seed")
	require.NoError(t, err)

	sub := tr.Enroll("t1", "PN1", "+15551230000", 115)

	// Not due yet.
	tr.RunOnce(ctx, sub.NextBillAt.Add(-time.Hour))
	bal, _ := l.Balance(ctx, "t1")
	assert.Equal(t, int64(1000), int64(bal))

	// Due.
	tr.RunOnce(ctx, sub.NextBillAt)
	bal, _ = l.Balance(ctx, "t1")
	assert.Equal(t, int64(885), int64(bal))

	// Same sweep window again is idempotent via the period-scoped ref,
	// and NextBillAt already advanced a month.
	tr.RunOnce(ctx, sub.NextBillAt)
	bal, _ = l.Balance(ctx, "t1")
	assert.Equal(t, int64(885), int64(bal))

	p.Shutdown()
	events, err := p.Store().Query(ctx, meter.UsageFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(115), int64(events[0].Charge))
}

func TestCancelStopsBilling(t *testing.T) {
	tr, l, _ := newTracker(t)
	ctx := context.Background()

	_, err := l.Grant(ctx, "t1", 1000, ledger.KindPurchase, "seed")
	require.NoError(t, err)

	sub := tr.Enroll("t1", "PN1", "+15551230000", 115)
	assert.True(t, tr.Cancel("PN1"))
	assert.False(t, tr.Cancel("PN1"))

	tr.RunOnce(ctx, sub.NextBillAt.AddDate(0, 6, 0))
	bal, _ := l.Balance(ctx, "t1")
	assert.Equal(t, int64(1000), int64(bal))
}

func TestSubscriptionsScopedToTenant(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.Enroll("t1", "PN1", "+15551230000", 115)
	tr.Enroll("t2", "PN2", "+15551230001", 115)

	assert.Len(t, tr.Subscriptions("t1"), 1)
	assert.Len(t, tr.Subscriptions("t2"), 1)
	assert.Empty(t, tr.Subscriptions("t3"))
}
