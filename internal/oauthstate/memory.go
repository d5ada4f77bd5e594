package oauthstate

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MemoryStore keeps state records in process memory. Roughly 1% of requests
// trigger an opportunistic purge of expired records; a scheduled sweeper
// covers quiet periods.
type MemoryStore struct {
	mu        sync.Mutex
	pending   map[string]*PendingState
	completed map[string]*CompletedToken
	now       func() time.Time
	// purgeChance is the denominator: purge on rand(n) == 0.
	purgeChance int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:     make(map[string]*PendingState),
		completed:   make(map[string]*CompletedToken),
		now:         time.Now,
		purgeChance: 100,
	}
}

func (s *MemoryStore) maybePurgeLocked() {
	if rand.Intn(s.purgeChance) != 0 {
		return
	}
	s.purgeLocked()
}

func (s *MemoryStore) purgeLocked() int {
	now := s.now()
	removed := 0
	for state, p := range s.pending {
		if p.ExpiresAt.Before(now) {
			delete(s.pending, state)
			removed++
		}
	}
	for state, c := range s.completed {
		if c.ExpiresAt.Before(now) {
			delete(s.completed, state)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) CreatePending(ctx context.Context, p *PendingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybePurgeLocked()

	copied := *p
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = s.now()
	}
	if copied.ExpiresAt.IsZero() {
		copied.ExpiresAt = copied.CreatedAt.Add(PendingTTL)
	}
	s.pending[copied.State] = &copied
	return nil
}

func (s *MemoryStore) ConsumePending(ctx context.Context, state string) (*PendingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybePurgeLocked()

	p, ok := s.pending[state]
	if !ok {
		return nil, nil
	}
	delete(s.pending, state)
	if p.ExpiresAt.Before(s.now()) {
		return nil, nil
	}
	return p, nil
}

func (s *MemoryStore) CompleteWithToken(ctx context.Context, state, accessToken, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.completed[state] = &CompletedToken{
		State:       state,
		AccessToken: accessToken,
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(CompletedTTL),
	}
	return nil
}

func (s *MemoryStore) ConsumeCompleted(ctx context.Context, state, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybePurgeLocked()

	c, ok := s.completed[state]
	if !ok || c.ExpiresAt.Before(s.now()) {
		return "", nil
	}
	if c.UserID != userID {
		// Ownership violation: keep the record for the rightful owner.
		return "", nil
	}
	delete(s.completed, state)
	return c.AccessToken, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(), nil
}

// RunSweeper purges on an interval until the context ends.
func RunSweeper(ctx context.Context, store Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = store.PurgeExpired(ctx)
		}
	}
}
