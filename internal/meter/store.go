package meter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wopr/platform/internal/catalog"
)

// EventStore is the durable sink for meter events and their aggregated
// windows.
type EventStore interface {
	Insert(ctx context.Context, event *Event) error
	// EventsBefore returns every event with Timestamp < boundary that has
	// not yet been rolled into a window, oldest first.
	EventsBefore(ctx context.Context, boundary time.Time) ([]*Event, error)
	// ApplyAggregation lands one aggregation batch: every window upsert and
	// the marking of the source events as rolled up, atomically. Either the
	// whole batch applies or none of it does, so a failed run never leaves
	// events both summed into windows and still pending.
	ApplyAggregation(ctx context.Context, windows []*Window, eventIDs []string) error
	Query(ctx context.Context, filter UsageFilter) ([]*Event, error)
	Windows(ctx context.Context, filter UsageFilter) ([]*Window, error)
}

// MemoryEventStore keeps events and windows in memory. Used in tests and
// deployments without Postgres.
type MemoryEventStore struct {
	mu         sync.RWMutex
	events     []*Event
	aggregated map[string]bool
	windows    map[string]*Window
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		aggregated: make(map[string]bool),
		windows:    make(map[string]*Window),
	}
}

func (s *MemoryEventStore) Insert(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *MemoryEventStore) EventsBefore(ctx context.Context, boundary time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.Timestamp.Before(boundary) && !s.aggregated[e.ID] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func windowKey(tenantID string, capability catalog.Capability, provider string, start time.Time) string {
	return tenantID + "|" + string(capability) + "|" + provider + "|" + start.UTC().Format(time.RFC3339)
}

// ApplyAggregation applies the upserts and the marks under one lock. Nothing
// in here can fail partway, so the batch is atomic.
func (s *MemoryEventStore) ApplyAggregation(ctx context.Context, windows []*Window, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range windows {
		key := windowKey(w.TenantID, w.Capability, w.Provider, w.WindowStart)
		if existing, ok := s.windows[key]; ok {
			existing.SumCost += w.SumCost
			existing.SumCharge += w.SumCharge
			existing.EventCount += w.EventCount
			continue
		}
		copied := *w
		s.windows[key] = &copied
	}
	for _, id := range eventIDs {
		s.aggregated[id] = true
	}
	return nil
}

func matches(e *Event, f UsageFilter) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Capability != "" && e.Capability != f.Capability {
		return false
	}
	if f.Provider != "" && e.Provider != f.Provider {
		return false
	}
	if !f.StartDate.IsZero() && e.Timestamp.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && !e.Timestamp.Before(f.EndDate) {
		return false
	}
	return true
}

func (s *MemoryEventStore) Query(ctx context.Context, filter UsageFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []*Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if matches(s.events[i], filter) {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *MemoryEventStore) Windows(ctx context.Context, filter UsageFilter) ([]*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Window
	for _, w := range s.windows {
		if filter.TenantID != "" && w.TenantID != filter.TenantID {
			continue
		}
		if filter.Capability != "" && w.Capability != filter.Capability {
			continue
		}
		if filter.Provider != "" && w.Provider != filter.Provider {
			continue
		}
		if !filter.StartDate.IsZero() && w.WindowStart.Before(filter.StartDate) {
			continue
		}
		if !filter.EndDate.IsZero() && !w.WindowStart.Before(filter.EndDate) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}
