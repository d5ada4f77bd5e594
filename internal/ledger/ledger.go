// Package ledger implements the append-only credit ledger.
//
// Every balance-affecting operation is idempotent on an external reference
// unique within its entry kind, and per-tenant writes are strictly
// serialized. The cached per-tenant balance always equals the sum of that
// tenant's entries.
package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/wopr/platform/internal/money"
)

// Kind categorizes ledger entries. ExternalRef uniqueness is scoped per kind.
type Kind string

const (
	KindPurchase   Kind = "purchase"
	KindDebit      Kind = "debit"
	KindAdjustment Kind = "adjustment"
	KindRefund     Kind = "refund"
)

var (
	// ErrInsufficientCredits is returned when a debit is attempted against
	// a tenant whose balance is already exhausted.
	ErrInsufficientCredits = errors.New("insufficient_credits")

	// ErrInvalidAmount is returned for zero or negative operation amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Entry is a single immutable ledger record. Amount is signed: grants are
// positive, debits negative.
type Entry struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Amount      money.Cents `json:"amount_cents"`
	Kind        Kind        `json:"kind"`
	ExternalRef string      `json:"external_ref"`
	CreatedAt   time.Time   `json:"created_at"`
}

// GrantResult reports the outcome of a grant.
type GrantResult struct {
	Applied      bool        `json:"applied"`
	BalanceAfter money.Cents `json:"balance_after"`
}

// DebitResult reports the outcome of a debit. CrossedZero is true iff the
// balance was positive before the debit and non-positive after it.
type DebitResult struct {
	Applied      bool        `json:"applied"`
	BalanceAfter money.Cents `json:"balance_after"`
	CrossedZero  bool        `json:"crossed_zero"`
}

// Store is the persistence contract for the ledger. Implementations must
// serialize grant/debit per tenant and enforce (kind, external_ref)
// uniqueness; a duplicate insert is a no-op returning Applied=false.
type Store interface {
	Balance(ctx context.Context, tenantID string) (money.Cents, error)
	Grant(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (GrantResult, error)
	Debit(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (DebitResult, error)
	Entries(ctx context.Context, tenantID string, limit int) ([]Entry, error)
}

// Ledger wraps a Store with the exhaustion hook, best-effort audit trail,
// and operation logging.
type Ledger struct {
	store       Store
	onExhausted func(tenantID string)
	audit       *AuditLog
	logger      *log.Logger
}

// New creates a Ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		audit:  NewAuditLog(),
		logger: log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}
}

// Audit exposes the hash-chained mutation trail.
func (l *Ledger) Audit() *AuditLog {
	return l.audit
}

// SetExhaustionHook registers a callback invoked whenever a debit crosses
// the zero boundary for a tenant. The hook runs synchronously with the
// debit; keep it cheap.
func (l *Ledger) SetExhaustionHook(hook func(tenantID string)) {
	l.onExhausted = hook
}

// Balance returns the tenant's current balance in cents.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (money.Cents, error) {
	return l.store.Balance(ctx, tenantID)
}

// Grant credits the tenant. Idempotent on (kind, externalRef): re-applying
// the same reference returns Applied=false and leaves the balance unchanged.
func (l *Ledger) Grant(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (GrantResult, error) {
	if amount <= 0 {
		return GrantResult{}, ErrInvalidAmount
	}
	res, err := l.store.Grant(ctx, tenantID, amount, kind, externalRef)
	if err != nil {
		return res, err
	}
	if res.Applied {
		l.logger.Printf("Granted %s to tenant %s (kind=%s ref=%s balance=%s)",
			amount, tenantID, kind, externalRef, res.BalanceAfter)
		l.audit.Record(tenantID, "grant", string(kind)+":"+externalRef+" "+amount.String())
	}
	return res, nil
}

// Debit charges the tenant. A debit against an exhausted balance fails with
// ErrInsufficientCredits. The final debit of a positive balance is clamped
// at zero so the sum of applied debits never exceeds what the tenant held;
// that clamped debit reports CrossedZero and fires the exhaustion hook.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, ErrInvalidAmount
	}
	res, err := l.store.Debit(ctx, tenantID, amount, kind, externalRef)
	if err != nil {
		return res, err
	}
	if res.Applied {
		l.audit.Record(tenantID, "debit", string(kind)+":"+externalRef+" "+amount.String())
	}
	if res.Applied && res.CrossedZero {
		l.logger.Printf("Tenant %s credits exhausted (ref=%s)", tenantID, externalRef)
		if l.onExhausted != nil {
			l.onExhausted(tenantID)
		}
	}
	return res, nil
}

// Entries returns the most recent ledger entries for a tenant, newest first.
func (l *Ledger) Entries(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return l.store.Entries(ctx, tenantID, limit)
}
