// Package budget implements the synchronous pre-call spending gate.
//
// The check is advisory and allowed to read slightly stale balances; the
// ledger debit remains the authority and may still reject.
package budget

import (
	"context"
	"net/http"
	"time"

	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/meter"
	"github.com/wopr/platform/internal/money"
)

// SpendLimits caps a tenant's charges per period. Zero means uncapped.
type SpendLimits struct {
	DailyCents   money.Cents `json:"daily_cents,omitempty"`
	MonthlyCents money.Cents `json:"monthly_cents,omitempty"`
}

// Decision is the gate's verdict. When Allowed is false, Reason and
// HTTPStatus carry the mapped rejection.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
}

const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonSpendLimitExceeded  = "spend_limit_exceeded"
)

// Checker gates gateway requests on balance and per-period spend limits.
type Checker struct {
	ledger   *ledger.Ledger
	reporter *meter.Reporter
}

// NewChecker creates a budget checker.
func NewChecker(l *ledger.Ledger, reporter *meter.Reporter) *Checker {
	return &Checker{ledger: l, reporter: reporter}
}

// Check evaluates the gate for a tenant. Balance must be positive and no
// configured spend limit may already be exhausted.
func (c *Checker) Check(ctx context.Context, tenantID string, limits SpendLimits) (Decision, error) {
	balance, err := c.ledger.Balance(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	if balance <= 0 {
		return Decision{
			Allowed:    false,
			Reason:     ReasonInsufficientCredits,
			HTTPStatus: http.StatusPaymentRequired,
		}, nil
	}

	now := time.Now().UTC()
	if limits.DailyCents > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := c.spentSince(ctx, tenantID, dayStart, now)
		if err != nil {
			return Decision{}, err
		}
		if spent >= limits.DailyCents {
			return Decision{
				Allowed:    false,
				Reason:     ReasonSpendLimitExceeded,
				HTTPStatus: http.StatusTooManyRequests,
			}, nil
		}
	}
	if limits.MonthlyCents > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := c.spentSince(ctx, tenantID, monthStart, now)
		if err != nil {
			return Decision{}, err
		}
		if spent >= limits.MonthlyCents {
			return Decision{
				Allowed:    false,
				Reason:     ReasonSpendLimitExceeded,
				HTTPStatus: http.StatusTooManyRequests,
			}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// spentSince totals the tenant's charges over [start, now] from aggregated
// windows plus the raw events of the not-yet-rolled-up tail.
func (c *Checker) spentSince(ctx context.Context, tenantID string, start, now time.Time) (money.Cents, error) {
	summary, err := c.reporter.Summary(ctx, tenantID, start, now)
	if err != nil {
		return 0, err
	}
	spent := summary.TotalCharge

	// Raw events of the current minute are not in any window yet.
	tail := now.Truncate(time.Minute)
	if tail.After(start) {
		events, err := c.reporter.Usage(ctx, meter.UsageFilter{
			TenantID:  tenantID,
			StartDate: tail,
		})
		if err != nil {
			return 0, err
		}
		for _, e := range events {
			spent += e.Charge
		}
	}
	return spent, nil
}
