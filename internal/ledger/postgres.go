package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wopr/platform/internal/money"
)

// PostgresStore persists the ledger in Postgres. Per-tenant serialization
// comes from a row-level lock on the tenant's balance row: every write
// transaction takes FOR UPDATE on tenant_balances before touching entries,
// so concurrent debits of the same tenant queue behind each other while
// unrelated tenants proceed in parallel.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS tenant_balances (
    tenant_id     TEXT PRIMARY KEY,
    balance_cents BIGINT NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ledger_entries (
    id           UUID PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    amount_cents BIGINT NOT NULL,
    kind         TEXT NOT NULL,
    external_ref TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (kind, external_ref)
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_tenant ON ledger_entries (tenant_id, created_at DESC);
`

// EnsureSchema creates the ledger tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ledgerSchema)
	return err
}

// Balance reads the cached balance row. Unknown tenants read as zero.
func (s *PostgresStore) Balance(ctx context.Context, tenantID string) (money.Cents, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_cents FROM tenant_balances WHERE tenant_id = $1`, tenantID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return money.Cents(balance), nil
}

// lockBalance upserts the balance row and takes the row lock, returning the
// current balance. Must run inside tx.
func (s *PostgresStore) lockBalance(ctx context.Context, tx *sql.Tx, tenantID string) (money.Cents, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_balances (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
		return 0, fmt.Errorf("ensure balance row: %w", err)
	}
	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance_cents FROM tenant_balances WHERE tenant_id = $1 FOR UPDATE`, tenantID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("lock balance row: %w", err)
	}
	return money.Cents(balance), nil
}

// insertEntry inserts an entry, reporting false on a (kind, external_ref)
// duplicate. Must run inside tx.
func (s *PostgresStore) insertEntry(ctx context.Context, tx *sql.Tx, e Entry) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, tenant_id, amount_cents, kind, external_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (kind, external_ref) DO NOTHING`,
		e.ID, e.TenantID, int64(e.Amount), string(e.Kind), e.ExternalRef, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return false, nil
		}
		return false, fmt.Errorf("insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Grant credits the tenant inside a single transaction with the balance row
// held for update.
func (s *PostgresStore) Grant(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (result GrantResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GrantResult{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	balance, err := s.lockBalance(ctx, tx, tenantID)
	if err != nil {
		return GrantResult{}, err
	}

	inserted, err := s.insertEntry(ctx, tx, Entry{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Amount:      amount,
		Kind:        kind,
		ExternalRef: externalRef,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return GrantResult{}, err
	}
	if !inserted {
		if err = tx.Commit(); err != nil {
			return GrantResult{}, err
		}
		return GrantResult{Applied: false, BalanceAfter: balance}, nil
	}

	after := balance + amount
	if _, err = tx.ExecContext(ctx,
		`UPDATE tenant_balances SET balance_cents = $1, updated_at = now() WHERE tenant_id = $2`,
		int64(after), tenantID); err != nil {
		return GrantResult{}, fmt.Errorf("update balance: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return GrantResult{}, err
	}
	return GrantResult{Applied: true, BalanceAfter: after}, nil
}

// Debit charges the tenant inside a single transaction. See Ledger.Debit
// for the clamp-at-zero semantics.
func (s *PostgresStore) Debit(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (result DebitResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DebitResult{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	balance, err := s.lockBalance(ctx, tx, tenantID)
	if err != nil {
		return DebitResult{}, err
	}

	// Duplicate check before the balance check: a replayed debit of an
	// exhausted tenant is still a successful no-op.
	var dup int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_entries WHERE kind = $1 AND external_ref = $2`,
		string(kind), externalRef).Scan(&dup)
	if err == nil {
		if err = tx.Commit(); err != nil {
			return DebitResult{}, err
		}
		return DebitResult{Applied: false, BalanceAfter: balance}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return DebitResult{}, fmt.Errorf("check duplicate: %w", err)
	}
	err = nil

	if balance <= 0 {
		if commitErr := tx.Commit(); commitErr != nil {
			return DebitResult{}, commitErr
		}
		return DebitResult{Applied: false, BalanceAfter: balance},
			fmt.Errorf("tenant %s: %w", tenantID, ErrInsufficientCredits)
	}

	applied := amount
	if applied > balance {
		applied = balance
	}

	inserted, err := s.insertEntry(ctx, tx, Entry{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Amount:      -applied,
		Kind:        kind,
		ExternalRef: externalRef,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return DebitResult{}, err
	}
	if !inserted {
		if err = tx.Commit(); err != nil {
			return DebitResult{}, err
		}
		return DebitResult{Applied: false, BalanceAfter: balance}, nil
	}

	after := balance - applied
	if _, err = tx.ExecContext(ctx,
		`UPDATE tenant_balances SET balance_cents = $1, updated_at = now() WHERE tenant_id = $2`,
		int64(after), tenantID); err != nil {
		return DebitResult{}, fmt.Errorf("update balance: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return DebitResult{}, err
	}
	return DebitResult{
		Applied:      true,
		BalanceAfter: after,
		CrossedZero:  balance > 0 && after <= 0,
	}, nil
}

// Entries returns the newest entries for a tenant.
func (s *PostgresStore) Entries(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, amount_cents, kind, external_ref, created_at
		 FROM ledger_entries WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amount int64
		var kind string
		if err := rows.Scan(&e.ID, &e.TenantID, &amount, &kind, &e.ExternalRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = money.Cents(amount)
		e.Kind = Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
