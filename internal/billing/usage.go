package billing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/meter"
)

// UsageAPI serves the read-side billing surface from the meter store.
type UsageAPI struct {
	reporter *meter.Reporter
}

func NewUsageAPI(reporter *meter.Reporter) *UsageAPI {
	return &UsageAPI{reporter: reporter}
}

func parseFilter(r *http.Request, tenantID string) meter.UsageFilter {
	q := r.URL.Query()
	filter := meter.UsageFilter{
		TenantID:   tenantID,
		Capability: catalog.Capability(q.Get("capability")),
		Provider:   q.Get("provider"),
	}
	if v := q.Get("startDate"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartDate = ts
		}
	}
	if v := q.Get("endDate"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndDate = ts
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	return filter
}

// HandleUsage lists raw meter events, newest first.
func (u *UsageAPI) HandleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	events, err := u.reporter.Usage(r.Context(), parseFilter(r, tenantID))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "usage query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// HandleSummary returns per-period totals. Default period: current month.
func (u *UsageAPI) HandleSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := now
	filter := parseFilter(r, tenantID)
	if !filter.StartDate.IsZero() {
		start = filter.StartDate
	}
	if !filter.EndDate.IsZero() {
		end = filter.EndDate
	}

	summary, err := u.reporter.Summary(r.Context(), tenantID, start, end)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "summary query failed"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleHistory returns aggregated minute windows, capped at 1000 rows.
func (u *UsageAPI) HandleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	filter := parseFilter(r, tenantID)
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 1000
	}
	windows, err := u.reporter.History(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "history query failed"})
		return
	}
	if len(windows) > filter.Limit {
		windows = windows[:filter.Limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"windows": windows})
}
