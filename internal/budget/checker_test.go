package budget

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/meter"
)

func newChecker(t *testing.T) (*Checker, *ledger.Ledger, *meter.MemoryEventStore) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	store := meter.NewMemoryEventStore()
	return NewChecker(l, meter.NewReporter(store)), l, store
}

func TestAllowsFundedTenant(t *testing.T) {
	c, l, _ := newChecker(t)
	ctx := context.Background()
	l.Grant(ctx, "acme", 100, ledger.KindPurchase, "p-1")

	d, err := c.Check(ctx, "acme", SpendLimits{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRejectsZeroBalance(t *testing.T) {
	c, _, _ := newChecker(t)

	d, err := c.Check(context.Background(), "broke", SpendLimits{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientCredits, d.Reason)
	assert.Equal(t, http.StatusPaymentRequired, d.HTTPStatus)
}

func TestRejectsExhaustedSpendLimit(t *testing.T) {
	c, l, store := newChecker(t)
	ctx := context.Background()
	l.Grant(ctx, "acme", 10000, ledger.KindPurchase, "p-1")

	// 50c already charged today, against a 40c daily cap.
	now := time.Now().UTC()
	store.Insert(ctx, &meter.Event{
		ID: "e1", TenantID: "acme", Capability: catalog.CapChatCompletions,
		Provider: "openrouter", Charge: 50, Timestamp: now.Add(-2 * time.Minute),
	})
	_, err := meter.NewAggregator(store).Run(ctx, now.Truncate(time.Minute))
	require.NoError(t, err)

	d, err := c.Check(ctx, "acme", SpendLimits{DailyCents: 40})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSpendLimitExceeded, d.Reason)
	assert.Equal(t, http.StatusTooManyRequests, d.HTTPStatus)
}

func TestAllowsUnderSpendLimit(t *testing.T) {
	c, l, store := newChecker(t)
	ctx := context.Background()
	l.Grant(ctx, "acme", 10000, ledger.KindPurchase, "p-1")

	now := time.Now().UTC()
	store.Insert(ctx, &meter.Event{
		ID: "e1", TenantID: "acme", Capability: catalog.CapChatCompletions,
		Provider: "openrouter", Charge: 10, Timestamp: now.Add(-2 * time.Minute),
	})
	_, err := meter.NewAggregator(store).Run(ctx, now.Truncate(time.Minute))
	require.NoError(t, err)

	d, err := c.Check(ctx, "acme", SpendLimits{DailyCents: 40, MonthlyCents: 1000})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestUnaggregatedTailCounts(t *testing.T) {
	c, l, store := newChecker(t)
	ctx := context.Background()
	l.Grant(ctx, "acme", 10000, ledger.KindPurchase, "p-1")

	// Charge in the current minute: no window exists yet, raw events must
	// still count against the limit.
	store.Insert(ctx, &meter.Event{
		ID: "e1", TenantID: "acme", Capability: catalog.CapTTS,
		Provider: "elevenlabs", Charge: 45, Timestamp: time.Now().UTC(),
	})

	d, err := c.Check(ctx, "acme", SpendLimits{DailyCents: 40})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSpendLimitExceeded, d.Reason)
}
