package billing

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/setupintent"

	"github.com/wopr/platform/internal/gateway"
)

// Payments owns the processor-facing endpoints: checkout, portal, saved
// payment methods.
type Payments struct {
	customers *CustomerDirectory
	baseURL   string
	logger    *log.Logger
}

// NewPayments configures the processor SDK from STRIPE_SECRET_KEY.
func NewPayments(customers *CustomerDirectory, publicBaseURL string) *Payments {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	return &Payments{
		customers: customers,
		baseURL:   publicBaseURL,
		logger:    log.New(log.Writer(), "[BILLING] ", log.LstdFlags),
	}
}

func (p *Payments) Configured() bool {
	return stripe.Key != ""
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := gateway.IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "authorization required"})
		return "", false
	}
	tenant := id.TenantID
	if requested := r.URL.Query().Get("tenant"); requested != "" {
		if requested != tenant && id.Scope != gateway.ScopeAdmin {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "tenant mismatch"})
			return "", false
		}
		tenant = requested
	}
	if tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "tenant required"})
		return "", false
	}
	return tenant, true
}

type checkoutRequest struct {
	AmountCents int64  `json:"amountCents"`
	SuccessURL  string `json:"successUrl,omitempty"`
	CancelURL   string `json:"cancelUrl,omitempty"`
}

// HandleCheckout creates a credit-purchase checkout session. The tenant id
// rides in client_reference_id so the webhook can credit the right account.
func (p *Payments) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if !p.Configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "payments not configured"})
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AmountCents < 100 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "amountCents must be at least 100"})
		return
	}
	successURL := req.SuccessURL
	if successURL == "" {
		successURL = p.baseURL + "/dashboard/credits?status=success"
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = p.baseURL + "/dashboard/credits?status=cancelled"
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(tenantID),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Platform credits"),
				},
			},
		}},
	}
	if customerID, found := p.customers.Lookup(tenantID); found {
		params.Customer = stripe.String(customerID)
	}

	session, err := checkoutsession.New(params)
	if err != nil {
		p.logger.Printf("❌ Checkout session failed for tenant %s: %v", tenantID, err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": "payment processor error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": session.ID, "url": session.URL})
}

// HandlePortal opens the processor's self-service portal for a tenant with a
// known customer record.
func (p *Payments) HandlePortal(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if !p.Configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "payments not configured"})
		return
	}
	customerID, found := p.customers.Lookup(tenantID)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no billing profile for tenant"})
		return
	}

	session, err := portalsession.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.baseURL + "/dashboard/credits"),
	})
	if err != nil {
		p.logger.Printf("❌ Portal session failed for tenant %s: %v", tenantID, err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": "payment processor error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"url": session.URL})
}

// HandleSetupIntent begins saved-payment-method setup.
func (p *Payments) HandleSetupIntent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if !p.Configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "payments not configured"})
		return
	}

	params := &stripe.SetupIntentParams{}
	if customerID, found := p.customers.Lookup(tenantID); found {
		params.Customer = stripe.String(customerID)
	}
	intent, err := setupintent.New(params)
	if err != nil {
		p.logger.Printf("❌ Setup intent failed for tenant %s: %v", tenantID, err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": "payment processor error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clientSecret": intent.ClientSecret})
}

// HandleDetachPaymentMethod removes a saved payment method.
func (p *Payments) HandleDetachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	if !p.Configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "payments not configured"})
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := paymentmethod.Detach(id, nil); err != nil {
		p.logger.Printf("❌ Payment method detach failed (%s): %v", id, err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": "payment processor error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
