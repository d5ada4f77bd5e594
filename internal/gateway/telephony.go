package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/providers"
)

// hangupTwiml is the self-hosted default call script.
const hangupTwiml = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`

// ==== OUTBOUND CALLS ====

type outboundCallRequest struct {
	To    string `json:"to"`
	From  string `json:"from"`
	Twiml string `json:"twiml,omitempty"`
}

// handlePhoneOutbound initiates a call. With WEBHOOK_BASE_URL configured,
// billing is deferred to the status callback which knows the real duration;
// without it, a flat one-minute estimate is billed at submission, which
// over-charges failed connects.
func (g *Gateway) handlePhoneOutbound(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.guard(w, r)
	if !ok {
		return
	}
	var req outboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.From == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_body", "to and from are required")
		return
	}

	form := map[string]string{"To": req.To, "From": req.From}
	if req.Twiml != "" {
		form["Twiml"] = req.Twiml
	} else {
		form["Url"] = g.deps.WebhookBaseURL + "/v1/phone/twiml/hangup"
	}
	deferred := g.deps.WebhookBaseURL != ""
	if deferred {
		form["StatusCallback"] = fmt.Sprintf("%s/v1/phone/outbound/status/%s", g.deps.WebhookBaseURL, tenantID)
		form["StatusCallbackEvent"] = "completed"
	}

	rate, err := g.deps.Catalog.Rate(catalog.CapPhoneOutbound, g.deps.Twilio.Name())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "server_error", "service_unavailable", "telephony not configured")
		return
	}
	res, err := g.deps.Twilio.Invoke(r.Context(), &providers.Request{
		Capability: catalog.CapPhoneOutbound,
		Form:       form,
	}, rate)
	if err != nil {
		mapProviderError(w, err)
		return
	}

	if !deferred {
		g.settle(r.Context(), tenantID, catalog.CapPhoneOutbound, g.deps.Twilio.Name(),
			rate.UnitCost(1), &providers.Usage{Units: 1}, map[string]string{"billing": "flat_estimate"})
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

// handlePhoneStatus is the provider's call-completion callback. Only
// connected calls (duration > 0) are metered.
func (g *Gateway) handlePhoneStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	form, ok := g.verifiedForm(w, r)
	if !ok {
		return
	}

	duration, _ := strconv.ParseFloat(form.Get("CallDuration"), 64)
	if duration <= 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rate, err := g.deps.Catalog.Rate(catalog.CapPhoneOutbound, g.deps.Twilio.Name())
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	minutes := duration / 60
	g.settle(r.Context(), tenantID, catalog.CapPhoneOutbound, g.deps.Twilio.Name(),
		rate.UnitCost(minutes), &providers.Usage{DurationSeconds: duration, Units: minutes},
		map[string]string{"call_sid": form.Get("CallSid")})
	w.WriteHeader(http.StatusNoContent)
}

// handlePhoneInbound answers inbound calls. Completed-call callbacks with a
// duration are metered against the number's owner; ringing calls get the
// default script.
func (g *Gateway) handlePhoneInbound(w http.ResponseWriter, r *http.Request) {
	form, ok := g.verifiedForm(w, r)
	if !ok {
		return
	}

	duration, _ := strconv.ParseFloat(form.Get("CallDuration"), 64)
	if duration > 0 {
		if tenantID, owned := g.numbers.ownerOf(form.Get("To")); owned {
			if rate, err := g.deps.Catalog.Rate(catalog.CapPhoneInbound, g.deps.Twilio.Name()); err == nil {
				minutes := duration / 60
				g.settle(r.Context(), tenantID, catalog.CapPhoneInbound, g.deps.Twilio.Name(),
					rate.UnitCost(minutes), &providers.Usage{DurationSeconds: duration, Units: minutes},
					map[string]string{"call_sid": form.Get("CallSid")})
			}
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(hangupTwiml))
}

func (g *Gateway) handleTwimlHangup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(hangupTwiml))
}

// ==== SMS / MMS ====

type outboundMessageRequest struct {
	To        string   `json:"to"`
	From      string   `json:"from"`
	Body      string   `json:"body"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}

// handleSMSOutbound sends one message. Media attachments make it MMS, which
// bills under its own capability and margin.
func (g *Gateway) handleSMSOutbound(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.guard(w, r)
	if !ok {
		return
	}
	var req outboundMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.From == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_body", "to and from are required")
		return
	}

	capability := catalog.CapSMSOutbound
	form := map[string]string{"To": req.To, "From": req.From, "Body": req.Body}
	var repeat map[string][]string
	if len(req.MediaURLs) > 0 {
		capability = catalog.CapMMSOutbound
		// The vendor takes one MediaUrl parameter per attachment.
		repeat = map[string][]string{"MediaUrl": req.MediaURLs}
	}

	rate, err := g.deps.Catalog.Rate(capability, g.deps.Twilio.Name())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "server_error", "service_unavailable", "messaging not configured")
		return
	}
	res, err := g.deps.Twilio.Invoke(r.Context(), &providers.Request{Capability: capability, Form: form, FormRepeat: repeat}, rate)
	if err != nil {
		mapProviderError(w, err)
		return
	}

	g.settle(r.Context(), tenantID, capability, g.deps.Twilio.Name(),
		res.Cost, res.Usage, nil)

	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

// handleSMSInbound meters received messages against the number's owner.
// num_media > 0 reclassifies the message as MMS.
func (g *Gateway) handleSMSInbound(w http.ResponseWriter, r *http.Request) {
	form, ok := g.verifiedForm(w, r)
	if !ok {
		return
	}

	tenantID, owned := g.numbers.ownerOf(form.Get("To"))
	if owned {
		capability := catalog.CapSMSInbound
		if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
			capability = catalog.CapMMSInbound
		}
		if rate, err := g.deps.Catalog.Rate(capability, g.deps.Twilio.Name()); err == nil {
			g.settle(r.Context(), tenantID, capability, g.deps.Twilio.Name(),
				rate.UnitCost(1), &providers.Usage{Units: 1},
				map[string]string{"message_sid": form.Get("MessageSid")})
		}
	}

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response/>`))
}

// handleSMSStatus acknowledges delivery callbacks. Delivery state is not
// billable; the message was metered at send time.
func (g *Gateway) handleSMSStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.verifiedForm(w, r); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// verifiedForm parses the form body and checks the provider signature.
func (g *Gateway) verifiedForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "webhook_error", "bad_body", "could not parse form body")
		return nil, false
	}
	fullURL := g.deps.WebhookBaseURL + r.URL.Path
	if !g.deps.Twilio.ValidateSignature(fullURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		writeError(w, http.StatusForbidden, "webhook_error", "bad_signature", "signature verification failed")
		return nil, false
	}
	return r.PostForm, true
}

// ==== PHONE NUMBERS ====

// numberRegistry tracks which tenant owns each provisioned number.
type numberRegistry struct {
	mu     sync.RWMutex
	bySID  map[string]ownedNumber
	byE164 map[string]string // phone number -> sid
}

type ownedNumber struct {
	tenantID    string
	phoneNumber string
}

func newNumberRegistry() *numberRegistry {
	return &numberRegistry{bySID: make(map[string]ownedNumber), byE164: make(map[string]string)}
}

func (n *numberRegistry) add(sid, tenantID, phoneNumber string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bySID[sid] = ownedNumber{tenantID: tenantID, phoneNumber: phoneNumber}
	n.byE164[phoneNumber] = sid
}

func (n *numberRegistry) remove(sid string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if owned, ok := n.bySID[sid]; ok {
		delete(n.byE164, owned.phoneNumber)
	}
	delete(n.bySID, sid)
}

func (n *numberRegistry) get(sid string) (ownedNumber, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	owned, ok := n.bySID[sid]
	return owned, ok
}

func (n *numberRegistry) ownerOf(phoneNumber string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sid, ok := n.byE164[phoneNumber]
	if !ok {
		return "", false
	}
	return n.bySID[sid].tenantID, true
}

func (g *Gateway) handleNumberSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.guard(w, r); !ok {
		return
	}
	numbers, err := g.deps.Twilio.SearchNumbers(r.Context(), r.URL.Query().Get("country"), r.URL.Query().Get("areaCode"))
	if err != nil {
		mapProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"numbers": numbers})
}

type provisionRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// handleNumberProvision purchases a number, bills the first month, and
// enrolls it for monthly re-billing.
func (g *Gateway) handleNumberProvision(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.guard(w, r)
	if !ok {
		return
	}
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_body", "phoneNumber is required")
		return
	}

	rate, err := g.deps.Catalog.Rate(catalog.CapPhoneNumber, g.deps.Twilio.Name())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "server_error", "service_unavailable", "telephony not configured")
		return
	}

	voiceURL, smsURL := "", ""
	if g.deps.WebhookBaseURL != "" {
		voiceURL = g.deps.WebhookBaseURL + "/v1/phone/inbound"
		smsURL = g.deps.WebhookBaseURL + "/v1/messages/sms/inbound"
	}
	num, err := g.deps.Twilio.ProvisionNumber(r.Context(), req.PhoneNumber, voiceURL, smsURL)
	if err != nil {
		mapProviderError(w, err)
		return
	}

	g.numbers.add(num.SID, tenantID, num.PhoneNumber)
	monthly := rate.UnitCost(1)
	g.settle(r.Context(), tenantID, catalog.CapPhoneNumber, g.deps.Twilio.Name(),
		monthly, &providers.Usage{Units: 1}, map[string]string{"number_sid": num.SID})
	g.deps.Recurring.Enroll(tenantID, num.SID, num.PhoneNumber, monthly.Charge(rate.EffectiveMargin()))

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sid":         num.SID,
		"phoneNumber": num.PhoneNumber,
	})
}

func (g *Gateway) handleNumberRelease(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.guard(w, r)
	if !ok {
		return
	}
	sid := mux.Vars(r)["id"]
	owned, exists := g.numbers.get(sid)
	if !exists {
		writeError(w, http.StatusNotFound, "invalid_request_error", "not_found", "unknown phone number")
		return
	}
	if owned.tenantID != tenantID {
		writeError(w, http.StatusForbidden, "auth_error", "not_owner", "number belongs to another tenant")
		return
	}

	if err := g.deps.Twilio.ReleaseNumber(r.Context(), sid); err != nil {
		mapProviderError(w, err)
		return
	}
	g.numbers.remove(sid)
	g.deps.Recurring.Cancel(sid)
	w.WriteHeader(http.StatusNoContent)
}
