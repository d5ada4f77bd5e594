package meter

import (
	"context"
	"log"
	"time"

	"github.com/wopr/platform/internal/catalog"
)

// Aggregator rolls raw events into per-minute windows. Each run processes
// every un-aggregated event older than the boundary exactly once; events may
// arrive out of timestamp order and still land in the right window.
type Aggregator struct {
	store  EventStore
	logger *log.Logger
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store EventStore) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: log.New(log.Writer(), "[METER-AGG] ", log.LstdFlags),
	}
}

// Run aggregates all events with timestamp < boundary. The boundary should
// lag real time by at least a minute so in-flight events settle first.
func (a *Aggregator) Run(ctx context.Context, boundary time.Time) (int, error) {
	events, err := a.store.EventsBefore(ctx, boundary)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	type cell struct {
		tenant     string
		capability catalog.Capability
		provider   string
		start      time.Time
	}
	windows := make(map[cell]*Window)
	ids := make([]string, 0, len(events))

	for _, e := range events {
		start := e.Timestamp.UTC().Truncate(time.Minute)
		key := cell{e.TenantID, e.Capability, e.Provider, start}
		w, ok := windows[key]
		if !ok {
			w = &Window{
				TenantID:    e.TenantID,
				Capability:  e.Capability,
				Provider:    e.Provider,
				WindowStart: start,
			}
			windows[key] = w
		}
		w.SumCost += e.Cost
		w.SumCharge += e.Charge
		w.EventCount++
		ids = append(ids, e.ID)
	}

	batch := make([]*Window, 0, len(windows))
	for _, w := range windows {
		batch = append(batch, w)
	}
	// The store applies the upserts and the mark as one atomic batch; a
	// failed run leaves the events pending and the windows untouched, so the
	// next run picks them up without double-counting.
	if err := a.store.ApplyAggregation(ctx, batch, ids); err != nil {
		return 0, err
	}

	a.logger.Printf("Aggregated %d events into %d windows (boundary=%s)",
		len(events), len(windows), boundary.Format(time.RFC3339))
	return len(events), nil
}

// RunPeriodically drives Run on a fixed interval until ctx is done.
func (a *Aggregator) RunPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			boundary := time.Now().UTC().Truncate(time.Minute)
			if _, err := a.Run(ctx, boundary); err != nil {
				a.logger.Printf("❌ Aggregation run failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
