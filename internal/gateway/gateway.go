// Package gateway is the metering proxy: authenticated tenants call
// capability endpoints, the budget gate screens them, arbitrage picks a
// provider, and every successful call emits a meter event and a ledger
// debit.
package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/arbitrage"
	"github.com/wopr/platform/internal/budget"
	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/meter"
	"github.com/wopr/platform/internal/money"
	"github.com/wopr/platform/internal/providers"
	"github.com/wopr/platform/internal/recurring"
)

// Deps carries everything the gateway handlers need. Tests inject fakes
// through this record.
type Deps struct {
	Auth      *Authenticator
	Ledger    *ledger.Ledger
	Checker   *budget.Checker
	Meter     *meter.Pipeline
	Router    *arbitrage.Router
	Catalog   *catalog.Catalog
	Twilio    *providers.Twilio
	Streamer  *providers.OpenRouter
	Recurring *recurring.Tracker
	// Limits resolves a tenant's spend limits; nil means no limits.
	Limits func(tenantID string) budget.SpendLimits
	// WebhookBaseURL enables deferred telephony billing when set.
	WebhookBaseURL string
}

// Gateway owns the /v1/* surface.
type Gateway struct {
	deps    Deps
	numbers *numberRegistry
	logger  *log.Logger
}

func New(deps Deps) *Gateway {
	if deps.Limits == nil {
		deps.Limits = func(string) budget.SpendLimits { return budget.SpendLimits{} }
	}
	return &Gateway{
		deps:    deps,
		numbers: newNumberRegistry(),
		logger:  log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// RegisterRoutes mounts the /v1 surface on the router. Auth middleware wraps
// every route except provider-facing webhooks, which authenticate by
// signature instead.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()

	authed := v1.NewRoute().Subrouter()
	authed.Use(g.deps.Auth.Middleware)
	authed.HandleFunc("/chat/completions", g.handleChatCompletions).Methods(http.MethodPost)
	authed.HandleFunc("/completions", g.handleCompletions).Methods(http.MethodPost)
	authed.HandleFunc("/embeddings", g.handleEmbeddings).Methods(http.MethodPost)
	authed.HandleFunc("/audio/transcriptions", g.handleTranscription).Methods(http.MethodPost)
	authed.HandleFunc("/audio/speech", g.handleSpeech).Methods(http.MethodPost)
	authed.HandleFunc("/images/generations", g.handleImages).Methods(http.MethodPost)
	authed.HandleFunc("/video/generations", g.handleVideo).Methods(http.MethodPost)
	authed.HandleFunc("/phone/outbound", g.handlePhoneOutbound).Methods(http.MethodPost)
	authed.HandleFunc("/messages/sms", g.handleSMSOutbound).Methods(http.MethodPost)
	authed.HandleFunc("/phone/numbers", g.handleNumberSearch).Methods(http.MethodGet)
	authed.HandleFunc("/phone/numbers", g.handleNumberProvision).Methods(http.MethodPost)
	authed.HandleFunc("/phone/numbers/{id}", g.handleNumberRelease).Methods(http.MethodDelete)

	// Provider callbacks: HMAC-verified, no bearer token.
	v1.HandleFunc("/phone/outbound/status/{tenantId}", g.handlePhoneStatus).Methods(http.MethodPost)
	v1.HandleFunc("/phone/inbound", g.handlePhoneInbound).Methods(http.MethodPost)
	v1.HandleFunc("/phone/twiml/hangup", g.handleTwimlHangup).Methods(http.MethodGet, http.MethodPost)
	v1.HandleFunc("/messages/sms/inbound", g.handleSMSInbound).Methods(http.MethodPost)
	v1.HandleFunc("/messages/sms/status", g.handleSMSStatus).Methods(http.MethodPost)
}

// guard runs the shared pre-call checks: identity, budget gate, and the
// 1-cent free-balance floor. It writes the error response itself and
// returns ok=false when the request must not proceed.
func (g *Gateway) guard(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok || id.TenantID == "" {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing_tenant", "tenant-scoped token required")
		return "", false
	}
	tenantID := id.TenantID

	decision, err := g.deps.Checker.Check(r.Context(), tenantID, g.deps.Limits(tenantID))
	if err != nil {
		g.logger.Printf("❌ Budget check failed for %s: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal", "budget check failed")
		return "", false
	}
	if !decision.Allowed {
		observeRejection(string(decision.Reason))
		if decision.Reason == budget.ReasonInsufficientCredits {
			writeInsufficientCredits(w)
		} else {
			writeError(w, decision.HTTPStatus, "billing_error", string(decision.Reason), "spend limit exceeded for this period")
		}
		return "", false
	}

	balance, err := g.deps.Ledger.Balance(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "internal", "balance check failed")
		return "", false
	}
	if balance < 1 {
		writeInsufficientCredits(w)
		return "", false
	}
	return tenantID, true
}

// settle emits the meter event and applies the debit. Runs after the
// upstream call succeeded; failures here are logged, never surfaced. The
// debit runs on a detached context so a client disconnect cannot cancel it.
func (g *Gateway) settle(_ context.Context, tenantID string, capability catalog.Capability, provider string, cost money.Cost, usage *providers.Usage, metadata map[string]string) {
	margin := g.deps.Catalog.MarginFor(capability, provider)
	charge := cost.Charge(margin)

	event := &meter.Event{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Capability: capability,
		Provider:   provider,
		Cost:       cost,
		Charge:     charge,
		Metadata:   metadata,
	}
	if usage != nil {
		event.Units = usage.Units
	}
	g.deps.Meter.Emit(event)
	observeCharge(capability, provider, charge)

	if charge <= 0 {
		return
	}
	debitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := g.deps.Ledger.Debit(debitCtx, tenantID, charge, ledger.KindDebit, event.ID); err != nil {
		g.logger.Printf("❌ Debit failed for tenant %s (event %s, charge %s): %v", tenantID, event.ID, charge, err)
	}
}
