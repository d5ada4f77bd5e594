// Package recurring re-bills provisioned phone numbers every month.
package recurring

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/meter"
	"github.com/wopr/platform/internal/money"
)

// Subscription is one phone number enrolled for monthly billing.
type Subscription struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	NumberSID    string      `json:"number_sid"`
	PhoneNumber  string      `json:"phone_number"`
	MonthlyCents money.Cents `json:"monthly_cents"`
	EnrolledAt   time.Time   `json:"enrolled_at"`
	NextBillAt   time.Time   `json:"next_bill_at"`
}

// Tracker holds subscriptions and performs the periodic re-debit. The
// provisioning handler bills the first month itself; the tracker owns every
// month after that.
type Tracker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	ledger *ledger.Ledger
	meter  *meter.Pipeline
	logger *log.Logger
}

func NewTracker(l *ledger.Ledger, m *meter.Pipeline) *Tracker {
	return &Tracker{
		subs:   make(map[string]*Subscription),
		ledger: l,
		meter:  m,
		logger: log.New(log.Writer(), "[RECURRING] ", log.LstdFlags),
	}
}

// Enroll registers a number. The first recurring debit lands one month from
// now.
func (t *Tracker) Enroll(tenantID, numberSID, phoneNumber string, monthlyCents money.Cents) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	sub := &Subscription{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		NumberSID:    numberSID,
		PhoneNumber:  phoneNumber,
		MonthlyCents: monthlyCents,
		EnrolledAt:   now,
		NextBillAt:   now.AddDate(0, 1, 0),
	}
	t.subs[numberSID] = sub
	t.logger.Printf("Enrolled %s for tenant %s at %s/month", phoneNumber, tenantID, monthlyCents)
	return sub
}

// Cancel removes a number from recurring billing, reporting whether it was
// enrolled.
func (t *Tracker) Cancel(numberSID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[numberSID]
	delete(t.subs, numberSID)
	return ok
}

// Subscriptions lists a tenant's enrolled numbers.
func (t *Tracker) Subscriptions(tenantID string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Subscription
	for _, s := range t.subs {
		if s.TenantID == tenantID {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out
}

// RunOnce bills every subscription whose NextBillAt has passed. The debit
// reference includes the billing period, so a crashed-and-restarted sweep
// never double-bills.
func (t *Tracker) RunOnce(ctx context.Context, now time.Time) {
	t.mu.Lock()
	var due []*Subscription
	for _, s := range t.subs {
		if !s.NextBillAt.After(now) {
			due = append(due, s)
		}
	}
	t.mu.Unlock()

	for _, s := range due {
		ref := fmt.Sprintf("number:%s:%s", s.NumberSID, s.NextBillAt.Format("2006-01"))
		res, err := t.ledger.Debit(ctx, s.TenantID, s.MonthlyCents, ledger.KindDebit, ref)
		if err != nil {
			t.logger.Printf("❌ Monthly debit failed for %s (tenant %s): %v", s.PhoneNumber, s.TenantID, err)
			continue
		}
		if res.Applied {
			t.meter.Emit(&meter.Event{
				TenantID:   s.TenantID,
				Capability: catalog.CapPhoneNumber,
				Provider:   "twilio",
				Cost:       money.Cost(s.MonthlyCents),
				Charge:     s.MonthlyCents,
				Units:      1,
				UnitType:   string(catalog.UnitPerMonth),
				Metadata:   map[string]string{"phone_number": s.PhoneNumber, "number_sid": s.NumberSID},
			})
		}

		t.mu.Lock()
		if cur, ok := t.subs[s.NumberSID]; ok {
			cur.NextBillAt = cur.NextBillAt.AddDate(0, 1, 0)
		}
		t.mu.Unlock()
	}
}

// Run sweeps on the given interval until the context ends.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.RunOnce(ctx, now.UTC())
		}
	}
}
