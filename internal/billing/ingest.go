package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/money"
)

// Source identifies the payment processor in penalty and replay keys.
const Source = "stripe"

// SignatureVerifier turns a raw payload and signature header into a
// processor event. Tests substitute a fake.
type SignatureVerifier interface {
	Verify(payload []byte, sigHeader string) (stripe.Event, error)
}

// StripeVerifier verifies against the endpoint's signing secret.
type StripeVerifier struct {
	Secret string
}

func (v StripeVerifier) Verify(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, v.Secret)
}

// CustomerDirectory remembers the processor customer id per tenant, learned
// from completed checkouts.
type CustomerDirectory struct {
	mu       sync.RWMutex
	byTenant map[string]string
}

func NewCustomerDirectory() *CustomerDirectory {
	return &CustomerDirectory{byTenant: make(map[string]string)}
}

func (d *CustomerDirectory) Record(tenantID, customerID string) {
	if tenantID == "" || customerID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byTenant[tenantID] = customerID
}

func (d *CustomerDirectory) Lookup(tenantID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byTenant[tenantID]
	return id, ok
}

// Ingestor is the payment-webhook state machine: signature gate, IP penalty,
// replay guard, then dispatch. Every handler must stay idempotent; the
// replay guard acknowledges duplicates without re-crediting.
type Ingestor struct {
	verifier  SignatureVerifier
	penalties PenaltyStore
	seen      SeenStore
	ledger    *ledger.Ledger
	customers *CustomerDirectory
	logger    *log.Logger
}

func NewIngestor(verifier SignatureVerifier, penalties PenaltyStore, seen SeenStore, l *ledger.Ledger, customers *CustomerDirectory) *Ingestor {
	return &Ingestor{
		verifier:  verifier,
		penalties: penalties,
		seen:      seen,
		ledger:    l,
		customers: customers,
		logger:    log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleWebhook processes one inbound delivery. The raw body is captured
// before any JSON decoding; HMAC verification needs the exact bytes.
func (i *Ingestor) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "unreadable body"})
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "missing signature"})
		return
	}

	ip := clientIP(r)
	blocked, retryAfter, err := i.penalties.Blocked(r.Context(), ip, Source)
	if err != nil {
		i.logger.Printf("⚠️  Penalty lookup failed for %s: %v", ip, err)
	}
	if blocked {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", ceilSeconds(retryAfter)))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "too many signature failures"})
		return
	}

	event, err := i.verifier.Verify(payload, sig)
	if err != nil {
		if _, ferr := i.penalties.Fail(r.Context(), ip, Source); ferr != nil {
			i.logger.Printf("⚠️  Failed to record penalty for %s: %v", ip, ferr)
		}
		i.logger.Printf("⚠️  Signature verification failed from %s: %v", ip, err)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "signature verification failed"})
		return
	}
	if err := i.penalties.Clear(r.Context(), ip, Source); err != nil {
		i.logger.Printf("⚠️  Failed to clear penalty for %s: %v", ip, err)
	}

	first, err := i.seen.MarkSeen(r.Context(), event.ID, Source)
	if err != nil {
		i.logger.Printf("❌ Replay guard failed for event %s: %v", event.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "replay check failed"})
		return
	}
	if !first {
		writeJSON(w, http.StatusOK, map[string]interface{}{"handled": true, "duplicate": true})
		return
	}

	if err := i.dispatch(r.Context(), w, event); err != nil {
		// The mark happened before the failed grant; release it so the
		// processor's retry is not swallowed as a duplicate.
		if ferr := i.seen.Forget(r.Context(), event.ID, Source); ferr != nil {
			i.logger.Printf("❌ Failed to release replay guard for event %s: %v", event.ID, ferr)
		}
	}
}

// dispatch handles one verified, first-delivery event. It writes the HTTP
// response itself and returns an error only when the delivery should be
// retried by the processor.
func (i *Ingestor) dispatch(ctx context.Context, w http.ResponseWriter, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "malformed session payload"})
			return nil
		}
		tenantID := session.ClientReferenceID
		if tenantID == "" || session.AmountTotal <= 0 {
			writeJSON(w, http.StatusOK, map[string]interface{}{"handled": false, "event_type": string(event.Type)})
			return nil
		}

		res, err := i.ledger.Grant(ctx, tenantID, money.Cents(session.AmountTotal), ledger.KindPurchase, event.ID)
		if err != nil {
			i.logger.Printf("❌ Credit grant failed for tenant %s (event %s): %v", tenantID, event.ID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "credit grant failed"})
			return err
		}
		if session.Customer != nil {
			i.customers.Record(tenantID, session.Customer.ID)
		}

		i.logger.Printf("✅ Credited %d cents to tenant %s (event %s, applied=%v)",
			session.AmountTotal, tenantID, event.ID, res.Applied)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"handled":       true,
			"tenant":        tenantID,
			"creditedCents": session.AmountTotal,
		})
		return nil
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"handled": false, "event_type": string(event.Type)})
		return nil
	}
}

func ceilSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
