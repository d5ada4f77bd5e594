package meter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

// PostgresEventStore persists events and windows in Postgres.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore wraps an open database handle.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

const meterSchema = `
CREATE TABLE IF NOT EXISTS meter_events (
    id           UUID PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    capability   TEXT NOT NULL,
    provider     TEXT NOT NULL,
    cost_cents   DOUBLE PRECISION NOT NULL,
    charge_cents BIGINT NOT NULL,
    ts           TIMESTAMPTZ NOT NULL,
    units        DOUBLE PRECISION,
    unit_type    TEXT,
    tier         TEXT,
    metadata     JSONB,
    aggregated   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_meter_events_tenant_ts ON meter_events (tenant_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_meter_events_pending ON meter_events (ts) WHERE NOT aggregated;
CREATE TABLE IF NOT EXISTS meter_windows (
    tenant_id    TEXT NOT NULL,
    capability   TEXT NOT NULL,
    provider     TEXT NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    sum_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
    sum_charge   BIGINT NOT NULL DEFAULT 0,
    event_count  BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, capability, provider, window_start)
);
`

// EnsureSchema creates the meter tables if they do not exist.
func (s *PostgresEventStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, meterSchema)
	return err
}

func (s *PostgresEventStore) Insert(ctx context.Context, e *Event) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		meta, _ = json.Marshal(e.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meter_events (id, tenant_id, capability, provider, cost_cents, charge_cents, ts, units, unit_type, tier, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.TenantID, string(e.Capability), e.Provider, float64(e.Cost), int64(e.Charge),
		e.Timestamp, nullFloat(e.Units), nullStr(e.UnitType), nullStr(e.Tier), meta)
	return err
}

func (s *PostgresEventStore) EventsBefore(ctx context.Context, boundary time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, capability, provider, cost_cents, charge_cents, ts
		 FROM meter_events WHERE NOT aggregated AND ts < $1 ORDER BY ts ASC`, boundary)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ApplyAggregation runs every window upsert and the event mark in one
// transaction. The additive upserts are not idempotent on their own, so a
// batch that fails after some upserts must roll back or the next run would
// double-count the same events.
func (s *PostgresEventStore) ApplyAggregation(ctx context.Context, windows []*Window, eventIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, w := range windows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meter_windows (tenant_id, capability, provider, window_start, sum_cost, sum_charge, event_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (tenant_id, capability, provider, window_start)
			 DO UPDATE SET sum_cost = meter_windows.sum_cost + EXCLUDED.sum_cost,
			               sum_charge = meter_windows.sum_charge + EXCLUDED.sum_charge,
			               event_count = meter_windows.event_count + EXCLUDED.event_count`,
			w.TenantID, string(w.Capability), w.Provider, w.WindowStart,
			float64(w.SumCost), int64(w.SumCharge), w.EventCount); err != nil {
			return err
		}
	}

	// Mark in chunks to keep the parameter list bounded.
	const chunk = 500
	for start := 0; start < len(eventIDs); start += chunk {
		end := start + chunk
		if end > len(eventIDs) {
			end = len(eventIDs)
		}
		args := make([]interface{}, 0, end-start)
		placeholders := ""
		for i, id := range eventIDs[start:end] {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "$" + strconv.Itoa(i+1)
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE meter_events SET aggregated = TRUE WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresEventStore) Query(ctx context.Context, f UsageFilter) ([]*Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `SELECT id, tenant_id, capability, provider, cost_cents, charge_cents, ts FROM meter_events WHERE 1=1`
	var args []interface{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.TenantID != "" {
		add("tenant_id =", f.TenantID)
	}
	if f.Capability != "" {
		add("capability =", string(f.Capability))
	}
	if f.Provider != "" {
		add("provider =", f.Provider)
	}
	if !f.StartDate.IsZero() {
		add("ts >=", f.StartDate)
	}
	if !f.EndDate.IsZero() {
		add("ts <", f.EndDate)
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresEventStore) Windows(ctx context.Context, f UsageFilter) ([]*Window, error) {
	query := `SELECT tenant_id, capability, provider, window_start, sum_cost, sum_charge, event_count FROM meter_windows WHERE 1=1`
	var args []interface{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.TenantID != "" {
		add("tenant_id =", f.TenantID)
	}
	if f.Capability != "" {
		add("capability =", string(f.Capability))
	}
	if f.Provider != "" {
		add("provider =", f.Provider)
	}
	if !f.StartDate.IsZero() {
		add("window_start >=", f.StartDate)
	}
	if !f.EndDate.IsZero() {
		add("window_start <", f.EndDate)
	}
	query += " ORDER BY window_start ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Window
	for rows.Next() {
		var w Window
		var capability string
		var cost float64
		var charge int64
		if err := rows.Scan(&w.TenantID, &capability, &w.Provider, &w.WindowStart, &cost, &charge, &w.EventCount); err != nil {
			return nil, err
		}
		w.Capability = catalog.Capability(capability)
		w.SumCost = money.Cost(cost)
		w.SumCharge = money.Cents(charge)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		var e Event
		var capability string
		var cost float64
		var charge int64
		if err := rows.Scan(&e.ID, &e.TenantID, &capability, &e.Provider, &cost, &charge, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Capability = catalog.Capability(capability)
		e.Cost = money.Cost(cost)
		e.Charge = money.Cents(charge)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}
