// Package meter implements the usage metering pipeline: per-request cost
// events, a non-blocking in-process emit queue, minute-window aggregation,
// and usage reporting.
package meter

import (
	"time"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

// Event is one billable upstream call. Cost is the wholesale amount (may be
// fractional cents); Charge is what the tenant is billed.
type Event struct {
	ID         string             `json:"id"`
	TenantID   string             `json:"tenant_id"`
	Capability catalog.Capability `json:"capability"`
	Provider   string             `json:"provider"`
	Cost       money.Cost         `json:"cost_cents"`
	Charge     money.Cents        `json:"charge_cents"`
	Timestamp  time.Time          `json:"timestamp"`
	Units      float64            `json:"units,omitempty"`
	UnitType   string             `json:"unit_type,omitempty"`
	Tier       string             `json:"tier,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
}

// Window is an aggregated rollup of events for one
// (tenant, capability, provider, minute) cell.
type Window struct {
	TenantID    string             `json:"tenant_id"`
	Capability  catalog.Capability `json:"capability"`
	Provider    string             `json:"provider"`
	WindowStart time.Time          `json:"window_start"`
	SumCost     money.Cost         `json:"sum_cost_cents"`
	SumCharge   money.Cents        `json:"sum_charge_cents"`
	EventCount  int64              `json:"event_count"`
}

// UsageFilter narrows usage queries. Zero values mean "no filter".
type UsageFilter struct {
	TenantID   string
	Capability catalog.Capability
	Provider   string
	StartDate  time.Time
	EndDate    time.Time
	Limit      int
}

// UsageSummary is the per-period rollup returned by the summary endpoint.
type UsageSummary struct {
	TenantID     string                            `json:"tenant_id"`
	PeriodStart  time.Time                         `json:"period_start"`
	PeriodEnd    time.Time                         `json:"period_end"`
	TotalCost    money.Cost                        `json:"total_cost_cents"`
	TotalCharge  money.Cents                       `json:"total_charge_cents"`
	EventCount   int64                             `json:"event_count"`
	ByCapability map[catalog.Capability]CapUsage   `json:"by_capability"`
}

// CapUsage is one capability's slice of a summary.
type CapUsage struct {
	Cost   money.Cost  `json:"cost_cents"`
	Charge money.Cents `json:"charge_cents"`
	Count  int64       `json:"count"`
}
