package meter

import (
	"context"
	"time"

	"github.com/wopr/platform/internal/catalog"
)

// Reporter answers the billing usage endpoints from the aggregated windows,
// falling back to raw events for the most recent (not yet rolled up) minute.
type Reporter struct {
	store EventStore
}

// NewReporter creates a reporter over the given store.
func NewReporter(store EventStore) *Reporter {
	return &Reporter{store: store}
}

// Usage returns raw events matching the filter, newest first, capped at
// 1000 rows.
func (r *Reporter) Usage(ctx context.Context, filter UsageFilter) ([]*Event, error) {
	return r.store.Query(ctx, filter)
}

// History returns aggregated windows matching the filter.
func (r *Reporter) History(ctx context.Context, filter UsageFilter) ([]*Window, error) {
	return r.store.Windows(ctx, filter)
}

// Summary totals a tenant's usage over [periodStart, periodEnd) from the
// aggregated windows.
func (r *Reporter) Summary(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (*UsageSummary, error) {
	windows, err := r.store.Windows(ctx, UsageFilter{
		TenantID:  tenantID,
		StartDate: periodStart,
		EndDate:   periodEnd,
	})
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{
		TenantID:     tenantID,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		ByCapability: make(map[catalog.Capability]CapUsage),
	}
	for _, w := range windows {
		summary.TotalCost += w.SumCost
		summary.TotalCharge += w.SumCharge
		summary.EventCount += w.EventCount

		cu := summary.ByCapability[w.Capability]
		cu.Cost += w.SumCost
		cu.Charge += w.SumCharge
		cu.Count += w.EventCount
		summary.ByCapability[w.Capability] = cu
	}
	return summary, nil
}
