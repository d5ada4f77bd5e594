package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wopr/platform/internal/arbitrage"
	"github.com/wopr/platform/internal/providers"
)

// errorBody is the wire shape of every gateway error.
type errorBody struct {
	Error errorDetail `json:"error"`
	// BuyURL is set on billing errors so the dashboard can route the user
	// to a top-up.
	BuyURL string `json:"buyUrl,omitempty"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: kind, Code: code, Message: message}})
}

func writeInsufficientCredits(w http.ResponseWriter) {
	writeJSON(w, http.StatusPaymentRequired, errorBody{
		Error:  errorDetail{Type: "billing_error", Code: "insufficient_credits", Message: "credit balance exhausted"},
		BuyURL: "/dashboard/credits",
	})
}

// mapProviderError translates routing and upstream failures into tenant-facing
// responses. Actionable upstream statuses (401, 403, 429) keep their status
// with a generic message; everything else collapses to 502. Upstream bodies
// are never echoed.
func mapProviderError(w http.ResponseWriter, err error) {
	if errors.Is(err, arbitrage.ErrNoProviderAvailable) {
		writeError(w, http.StatusServiceUnavailable, "server_error", "service_unavailable", "no provider available for this capability")
		return
	}
	if errors.Is(err, providers.ErrUpstreamUnreachable) {
		writeError(w, http.StatusBadGateway, "server_error", "upstream_unreachable", "upstream provider unreachable")
		return
	}
	var ue *providers.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
			writeError(w, ue.Status, "server_error", "upstream_rejected", "upstream provider rejected the request")
		default:
			writeError(w, http.StatusBadGateway, "server_error", "upstream_error", "upstream provider error")
		}
		return
	}
	writeError(w, http.StatusBadGateway, "server_error", "upstream_error", "upstream provider error")
}
