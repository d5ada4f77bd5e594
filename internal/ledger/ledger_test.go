package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/money"
)

func TestGrantAndBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	res, err := l.Grant(ctx, "acme", 2500, KindPurchase, "cs_1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, money.Cents(2500), res.BalanceAfter)

	balance, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(2500), balance)
}

func TestGrantIdempotentOnExternalRef(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	first, err := l.Grant(ctx, "acme", 1000, KindPurchase, "cs_dup")
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := l.Grant(ctx, "acme", 1000, KindPurchase, "cs_dup")
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, money.Cents(1000), second.BalanceAfter)
}

func TestSameRefDifferentKindIsDistinct(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_, err := l.Grant(ctx, "acme", 1000, KindPurchase, "ref-1")
	require.NoError(t, err)
	res, err := l.Grant(ctx, "acme", 500, KindRefund, "ref-1")
	require.NoError(t, err)
	assert.True(t, res.Applied, "externalRef uniqueness is scoped per kind")
}

func TestDebitCrossesZero(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	var exhausted []string
	l.SetExhaustionHook(func(tenantID string) {
		exhausted = append(exhausted, tenantID)
	})

	_, err := l.Grant(ctx, "acme", 100, KindPurchase, "cs_1")
	require.NoError(t, err)

	res, err := l.Debit(ctx, "acme", 60, KindDebit, "m-1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.CrossedZero)
	assert.Equal(t, money.Cents(40), res.BalanceAfter)

	res, err = l.Debit(ctx, "acme", 60, KindDebit, "m-2")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.CrossedZero)
	assert.Equal(t, money.Cents(0), res.BalanceAfter)
	assert.Equal(t, []string{"acme"}, exhausted)
}

func TestDebitExhaustedRejects(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_, err := l.Debit(ctx, "broke", 10, KindDebit, "m-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientCredits))
}

func TestDebitIdempotentOnExternalRef(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_, err := l.Grant(ctx, "acme", 100, KindPurchase, "cs_1")
	require.NoError(t, err)

	first, err := l.Debit(ctx, "acme", 30, KindDebit, "m-dup")
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := l.Debit(ctx, "acme", 30, KindDebit, "m-dup")
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, money.Cents(70), second.BalanceAfter)
}

func TestBalanceEqualsSumOfEntries(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	l.Grant(ctx, "acme", 500, KindPurchase, "p-1")
	l.Debit(ctx, "acme", 120, KindDebit, "d-1")
	l.Grant(ctx, "acme", 200, KindRefund, "r-1")
	l.Debit(ctx, "acme", 80, KindDebit, "d-2")

	entries, err := l.Entries(ctx, "acme", 100)
	require.NoError(t, err)

	var sum money.Cents
	for _, e := range entries {
		sum += e.Amount
	}
	balance, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, balance, sum)
	assert.Equal(t, money.Cents(500), balance)
}

// Concurrent debits of the same tenant must serialize: the sum of applied
// debit entries never exceeds the opening balance, and the final balance is
// exact once every outcome is accounted for.
func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	const opening = money.Cents(1000)
	_, err := l.Grant(ctx, "acme", opening, KindPurchase, "p-1")
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Debit(ctx, "acme", 30, KindDebit, fmt.Sprintf("d-%d", n))
		}(i)
	}
	wg.Wait()

	entries, err := l.Entries(ctx, "acme", 1000)
	require.NoError(t, err)

	var debited money.Cents
	for _, e := range entries {
		if e.Amount < 0 {
			debited += -e.Amount
		}
	}
	assert.LessOrEqual(t, int64(debited), int64(opening))

	balance, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, opening-debited, balance)
	// 50 x 30 > 1000, so the tenant must end exhausted.
	assert.Equal(t, money.Cents(0), balance)
}

func TestInvalidAmounts(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_, err := l.Grant(ctx, "acme", 0, KindPurchase, "p-0")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Debit(ctx, "acme", -5, KindDebit, "d-0")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
