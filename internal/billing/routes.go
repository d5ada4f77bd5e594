package billing

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/gateway"
)

// RegisterRoutes mounts the /billing surface. The webhook authenticates by
// processor signature, everything else by bearer token.
func RegisterRoutes(r *mux.Router, auth *gateway.Authenticator, ingestor *Ingestor, payments *Payments, usage *UsageAPI, affiliates *AffiliateManager) {
	r.HandleFunc("/billing/webhook", ingestor.HandleWebhook).Methods(http.MethodPost)

	authed := r.PathPrefix("/billing").Subrouter()
	authed.Use(auth.Middleware)
	authed.HandleFunc("/credits/checkout", gateway.RequireScope(gateway.ScopeWrite, payments.HandleCheckout)).Methods(http.MethodPost)
	authed.HandleFunc("/portal", gateway.RequireScope(gateway.ScopeWrite, payments.HandlePortal)).Methods(http.MethodPost)
	authed.HandleFunc("/setup-intent", payments.HandleSetupIntent).Methods(http.MethodPost)
	authed.HandleFunc("/payment-methods/{id}", payments.HandleDetachPaymentMethod).Methods(http.MethodDelete)
	authed.HandleFunc("/usage", usage.HandleUsage).Methods(http.MethodGet)
	authed.HandleFunc("/usage/summary", usage.HandleSummary).Methods(http.MethodGet)
	authed.HandleFunc("/usage/history", usage.HandleHistory).Methods(http.MethodGet)
	authed.HandleFunc("/affiliate", affiliates.HandleGetCode).Methods(http.MethodGet)
	authed.HandleFunc("/affiliate/referrals", affiliates.HandleRecordReferral).Methods(http.MethodPost)
}
