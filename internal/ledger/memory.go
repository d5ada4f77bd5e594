package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/platform/internal/money"
)

// MemoryStore is an in-memory Store used by tests and single-node
// deployments without Postgres. Per-tenant serialization is provided by a
// per-tenant mutex so unrelated tenants never contend.
type MemoryStore struct {
	mu       sync.Mutex
	tenants  map[string]*tenantAccount
	refIndex map[string]struct{} // kind + "\x00" + externalRef
}

type tenantAccount struct {
	mu      sync.Mutex
	balance money.Cents
	entries []Entry
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:  make(map[string]*tenantAccount),
		refIndex: make(map[string]struct{}),
	}
}

func (s *MemoryStore) account(tenantID string) *tenantAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.tenants[tenantID]
	if !ok {
		acc = &tenantAccount{}
		s.tenants[tenantID] = acc
	}
	return acc
}

func refKey(kind Kind, externalRef string) string {
	return string(kind) + "\x00" + externalRef
}

func (s *MemoryStore) hasRef(kind Kind, externalRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, dup := s.refIndex[refKey(kind, externalRef)]
	return dup
}

// markRef records a ref only once the entry is actually inserted, so a
// rejected debit can be retried with the same reference after a top-up.
func (s *MemoryStore) markRef(kind Kind, externalRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refIndex[refKey(kind, externalRef)] = struct{}{}
}

// Balance returns the cached balance for a tenant. Unknown tenants have a
// zero balance.
func (s *MemoryStore) Balance(ctx context.Context, tenantID string) (money.Cents, error) {
	acc := s.account(tenantID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

// Grant credits the tenant unless the external reference was seen before.
func (s *MemoryStore) Grant(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (GrantResult, error) {
	acc := s.account(tenantID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if s.hasRef(kind, externalRef) {
		return GrantResult{Applied: false, BalanceAfter: acc.balance}, nil
	}
	s.markRef(kind, externalRef)

	acc.balance += amount
	acc.entries = append(acc.entries, Entry{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Amount:      amount,
		Kind:        kind,
		ExternalRef: externalRef,
		CreatedAt:   time.Now(),
	})
	return GrantResult{Applied: true, BalanceAfter: acc.balance}, nil
}

// Debit charges the tenant. An exhausted balance rejects the debit; the
// debit that empties the balance is clamped at zero and reports CrossedZero.
func (s *MemoryStore) Debit(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (DebitResult, error) {
	acc := s.account(tenantID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if s.hasRef(kind, externalRef) {
		return DebitResult{Applied: false, BalanceAfter: acc.balance}, nil
	}

	if acc.balance <= 0 {
		return DebitResult{Applied: false, BalanceAfter: acc.balance}, fmt.Errorf("tenant %s: %w", tenantID, ErrInsufficientCredits)
	}
	s.markRef(kind, externalRef)

	applied := amount
	if applied > acc.balance {
		applied = acc.balance
	}
	before := acc.balance
	acc.balance -= applied
	acc.entries = append(acc.entries, Entry{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Amount:      -applied,
		Kind:        kind,
		ExternalRef: externalRef,
		CreatedAt:   time.Now(),
	})

	return DebitResult{
		Applied:      true,
		BalanceAfter: acc.balance,
		CrossedZero:  before > 0 && acc.balance <= 0,
	}, nil
}

// Entries returns the newest entries first.
func (s *MemoryStore) Entries(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	acc := s.account(tenantID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	out := make([]Entry, 0, limit)
	for i := len(acc.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, acc.entries[i])
	}
	return out, nil
}
