package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/money"
)

// fakeVerifier accepts exactly one signature value.
type fakeVerifier struct {
	accept string
	event  stripe.Event
}

func (f fakeVerifier) Verify(payload []byte, sigHeader string) (stripe.Event, error) {
	if sigHeader != f.accept {
		return stripe.Event{}, errors.New("signature mismatch")
	}
	event := f.event
	if len(payload) > 0 && event.Data == nil {
		event.Data = &stripe.EventData{Raw: json.RawMessage(payload)}
	}
	return event, nil
}

func checkoutEvent(id, tenant string, amount int64) (stripe.Event, string) {
	body := `{"amount_total":` + jsonInt(amount) + `,"client_reference_id":"` + tenant + `","customer":"cus_123"}`
	return stripe.Event{
		ID:   id,
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: json.RawMessage(body)},
	}, body
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newIngestorEnv(t *testing.T, event stripe.Event) (*Ingestor, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	ing := NewIngestor(
		fakeVerifier{accept: "good-sig", event: event},
		NewMemoryPenaltyStore(),
		NewMemorySeenStore(),
		l,
		NewCustomerDirectory(),
	)
	return ing, l
}

func deliver(ing *Ingestor, body, sig, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", strings.NewReader(body))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	req.RemoteAddr = ip + ":44321"
	rec := httptest.NewRecorder()
	ing.HandleWebhook(rec, req)
	return rec
}

func TestCheckoutCompletedCreditsTenant(t *testing.T) {
	event, body := checkoutEvent("evt_1", "acme", 2500)
	ing, l := newIngestorEnv(t, event)

	rec := deliver(ing, body, "good-sig", "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["handled"])
	assert.Equal(t, "acme", resp["tenant"])
	assert.Equal(t, float64(2500), resp["creditedCents"])

	bal, err := l.Balance(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(2500), bal)
}

func TestReplayedEventIsAcknowledgedWithoutRecrediting(t *testing.T) {
	event, body := checkoutEvent("evt_1", "acme", 2500)
	ing, l := newIngestorEnv(t, event)

	deliver(ing, body, "good-sig", "10.0.0.1")
	rec := deliver(ing, body, "good-sig", "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["duplicate"])

	bal, err := l.Balance(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(2500), bal)
}

// flakyLedgerStore fails a number of grants before recovering, as a ledger
// backed by an unavailable database would.
type flakyLedgerStore struct {
	ledger.Store
	grantFailures int
}

func (s *flakyLedgerStore) Grant(ctx context.Context, tenantID string, amount money.Cents, kind ledger.Kind, externalRef string) (ledger.GrantResult, error) {
	if s.grantFailures > 0 {
		s.grantFailures--
		return ledger.GrantResult{}, errors.New("ledger unavailable")
	}
	return s.Store.Grant(ctx, tenantID, amount, kind, externalRef)
}

func TestFailedGrantReleasesReplayGuard(t *testing.T) {
	event, body := checkoutEvent("evt_1", "acme", 2500)
	store := &flakyLedgerStore{Store: ledger.NewMemoryStore(), grantFailures: 1}
	l := ledger.New(store)
	ing := NewIngestor(
		fakeVerifier{accept: "good-sig", event: event},
		NewMemoryPenaltyStore(),
		NewMemorySeenStore(),
		l,
		NewCustomerDirectory(),
	)

	// First delivery hits the ledger outage: 500, nothing credited.
	rec := deliver(ing, body, "good-sig", "10.0.0.1")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	bal, err := l.Balance(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(0), bal)

	// The processor retry must not be swallowed as a duplicate.
	rec = deliver(ing, body, "good-sig", "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["handled"])
	assert.Nil(t, resp["duplicate"])

	bal, err = l.Balance(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(2500), bal)
}

func TestMissingSignatureIs400(t *testing.T) {
	event, body := checkoutEvent("evt_1", "acme", 2500)
	ing, _ := newIngestorEnv(t, event)

	rec := deliver(ing, body, "", "10.0.0.1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignaturePenaltyEscalatesPerIP(t *testing.T) {
	event, body := checkoutEvent("evt_1", "acme", 2500)
	ing, _ := newIngestorEnv(t, event)

	// First failure from X: recorded, 400.
	rec := deliver(ing, body, "bad-sig", "10.0.0.1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Second request from X while blocked: 429 with Retry-After.
	rec = deliver(ing, body, "bad-sig", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Concurrent bad signature from Y is an independent 400.
	rec = deliver(ing, body, "bad-sig", "10.0.0.2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuccessfulVerificationClearsPenalty(t *testing.T) {
	event, body := checkoutEvent("evt_1", "acme", 2500)
	ing, _ := newIngestorEnv(t, event)
	ctx := context.Background()

	_, err := ing.penalties.Fail(ctx, "10.0.0.1", Source)
	require.NoError(t, err)

	// The block window is 1s after a single failure; wait it out so the
	// good request gets through and clears the counter.
	time.Sleep(1100 * time.Millisecond)

	rec := deliver(ing, body, "good-sig", "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	blocked, _, err := ing.penalties.Blocked(ctx, "10.0.0.1", Source)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestUnknownEventTypeIsUnhandled(t *testing.T) {
	event := stripe.Event{ID: "evt_9", Type: "invoice.paid", Data: &stripe.EventData{Raw: json.RawMessage(`{}`)}}
	ing, _ := newIngestorEnv(t, event)

	rec := deliver(ing, `{}`, "good-sig", "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["handled"])
}

func TestBackoffDoublingAndCap(t *testing.T) {
	assert.Equal(t, time.Second, backoffFor(1))
	assert.Equal(t, 2*time.Second, backoffFor(2))
	assert.Equal(t, 8*time.Second, backoffFor(4))
	assert.Equal(t, time.Hour, backoffFor(60))
}

func TestRedisStoresMatchMemorySemantics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	penalties := NewRedisPenaltyStore(client)
	d, err := penalties.Fail(ctx, "10.0.0.1", Source)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	blocked, remaining, err := penalties.Blocked(ctx, "10.0.0.1", Source)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Greater(t, remaining, time.Duration(0))

	// Distinct ip is unaffected.
	blocked, _, err = penalties.Blocked(ctx, "10.0.0.2", Source)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, penalties.Clear(ctx, "10.0.0.1", Source))
	blocked, _, err = penalties.Blocked(ctx, "10.0.0.1", Source)
	require.NoError(t, err)
	assert.False(t, blocked)

	seen := NewRedisSeenStore(client)
	first, err := seen.MarkSeen(ctx, "evt_1", Source)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = seen.MarkSeen(ctx, "evt_1", Source)
	require.NoError(t, err)
	assert.False(t, first)

	// Same id under a different source is independent.
	first, err = seen.MarkSeen(ctx, "evt_1", "other")
	require.NoError(t, err)
	assert.True(t, first)

	// Forget releases the mark so a retry counts as a first delivery.
	require.NoError(t, seen.Forget(ctx, "evt_1", Source))
	first, err = seen.MarkSeen(ctx, "evt_1", Source)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestAffiliateCodesAndReferrals(t *testing.T) {
	m := NewAffiliateManager()

	code := m.CodeFor("acme")
	assert.Equal(t, code.Code, m.CodeFor("acme").Code)

	assert.True(t, m.RecordReferral(code.Code, "newco"))
	assert.False(t, m.RecordReferral(code.Code, "acme")) // self-referral
	assert.False(t, m.RecordReferral("ref-nope", "newco"))

	refs := m.Referrals("acme")
	require.Len(t, refs, 1)
	assert.Equal(t, "newco", refs[0].ReferredTenant)
}
