package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// seenRetention bounds how long delivered event ids are remembered. Payment
// processors retry for days, not months.
const seenRetention = 30 * 24 * time.Hour

// SeenStore is the webhook replay guard, keyed by (event id, source).
type SeenStore interface {
	// MarkSeen records the event and reports whether this was the first
	// delivery.
	MarkSeen(ctx context.Context, eventID, source string) (bool, error)
	// Forget releases a mark so a processor retry is treated as a first
	// delivery again. Used when handling failed after the mark.
	Forget(ctx context.Context, eventID, source string) error
}

// MemorySeenStore keeps delivered event ids in process memory.
type MemorySeenStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{seen: make(map[string]struct{})}
}

func seenKey(eventID, source string) string {
	return eventID + "|" + source
}

func (s *MemorySeenStore) MarkSeen(ctx context.Context, eventID, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seenKey(eventID, source)
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

func (s *MemorySeenStore) Forget(ctx context.Context, eventID, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, seenKey(eventID, source))
	return nil
}

// RedisSeenStore shares the replay guard across replicas using SET NX.
type RedisSeenStore struct {
	client *redis.Client
}

func NewRedisSeenStore(client *redis.Client) *RedisSeenStore {
	return &RedisSeenStore{client: client}
}

func (s *RedisSeenStore) MarkSeen(ctx context.Context, eventID, source string) (bool, error) {
	key := fmt.Sprintf("webhook:seen:%s:%s", source, eventID)
	return s.client.SetNX(ctx, key, "1", seenRetention).Result()
}

func (s *RedisSeenStore) Forget(ctx context.Context, eventID, source string) error {
	key := fmt.Sprintf("webhook:seen:%s:%s", source, eventID)
	return s.client.Del(ctx, key).Err()
}
