package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Penalty backoff bounds: 1s after the first failure, doubling per failure,
// capped at one hour.
const (
	penaltyBase = time.Second
	penaltyCap  = time.Hour
)

// PenaltyStore tracks webhook signature failures per (ip, source) and the
// resulting block window. Penalties never bleed across sources.
type PenaltyStore interface {
	// Blocked reports whether the ip is currently blocked for the source
	// and, if so, for how much longer.
	Blocked(ctx context.Context, ip, source string) (bool, time.Duration, error)
	// Fail records a signature failure and returns the new block duration.
	Fail(ctx context.Context, ip, source string) (time.Duration, error)
	// Clear removes the penalty after a successful verification.
	Clear(ctx context.Context, ip, source string) error
}

func backoffFor(failures int) time.Duration {
	d := penaltyBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= penaltyCap {
			return penaltyCap
		}
	}
	return d
}

// ==== IN-MEMORY ====

type memoryPenalty struct {
	failures     int
	blockedUntil time.Time
}

// MemoryPenaltyStore keeps penalties in process memory.
type MemoryPenaltyStore struct {
	mu      sync.Mutex
	entries map[string]*memoryPenalty
	now     func() time.Time
}

func NewMemoryPenaltyStore() *MemoryPenaltyStore {
	return &MemoryPenaltyStore{entries: make(map[string]*memoryPenalty), now: time.Now}
}

func penaltyKey(ip, source string) string {
	return ip + "|" + source
}

func (s *MemoryPenaltyStore) Blocked(ctx context.Context, ip, source string) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[penaltyKey(ip, source)]
	if !ok {
		return false, 0, nil
	}
	remaining := e.blockedUntil.Sub(s.now())
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

func (s *MemoryPenaltyStore) Fail(ctx context.Context, ip, source string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := penaltyKey(ip, source)
	e, ok := s.entries[key]
	if !ok {
		e = &memoryPenalty{}
		s.entries[key] = e
	}
	e.failures++
	d := backoffFor(e.failures)
	e.blockedUntil = s.now().Add(d)
	return d, nil
}

func (s *MemoryPenaltyStore) Clear(ctx context.Context, ip, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, penaltyKey(ip, source))
	return nil
}

// ==== REDIS ====

// RedisPenaltyStore shares penalties across server replicas. The failure
// counter carries a TTL matching the cap so stale counters age out.
type RedisPenaltyStore struct {
	client *redis.Client
}

func NewRedisPenaltyStore(client *redis.Client) *RedisPenaltyStore {
	return &RedisPenaltyStore{client: client}
}

func (s *RedisPenaltyStore) failKey(ip, source string) string {
	return fmt.Sprintf("webhook:penalty:fails:%s:%s", source, ip)
}

func (s *RedisPenaltyStore) blockKey(ip, source string) string {
	return fmt.Sprintf("webhook:penalty:block:%s:%s", source, ip)
}

func (s *RedisPenaltyStore) Blocked(ctx context.Context, ip, source string) (bool, time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.blockKey(ip, source)).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

func (s *RedisPenaltyStore) Fail(ctx context.Context, ip, source string) (time.Duration, error) {
	failures, err := s.client.Incr(ctx, s.failKey(ip, source)).Result()
	if err != nil {
		return 0, err
	}
	s.client.Expire(ctx, s.failKey(ip, source), penaltyCap)

	d := backoffFor(int(failures))
	if err := s.client.Set(ctx, s.blockKey(ip, source), "1", d).Err(); err != nil {
		return 0, err
	}
	return d, nil
}

func (s *RedisPenaltyStore) Clear(ctx context.Context, ip, source string) error {
	return s.client.Del(ctx, s.failKey(ip, source), s.blockKey(ip, source)).Err()
}
