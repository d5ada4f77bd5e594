package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

// Twilio serves outbound calls, SMS/MMS, and phone-number lifecycle.
// All endpoints are form-encoded against the 2010-04-01 REST API with
// account-SID basic auth.
type Twilio struct {
	baseURL    string
	accountSID string
	authToken  string
	client     *http.Client
}

// NewTwilio builds the adapter from TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN.
func NewTwilio() *Twilio {
	return &Twilio{
		baseURL:    envOr("TWILIO_BASE_URL", "https://api.twilio.com/2010-04-01"),
		accountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		authToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		client:     newHTTPClient(30 * time.Second),
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Healthy(ctx context.Context) bool {
	return t.accountSID != "" && t.authToken != ""
}

func (t *Twilio) Estimate(req *Request, rate *catalog.ProviderRate) (money.Cost, error) {
	switch req.Capability {
	case catalog.CapPhoneOutbound:
		// One minute; the status callback settles the real duration.
		return rate.UnitCost(1), nil
	case catalog.CapSMSOutbound, catalog.CapMMSOutbound:
		return rate.UnitCost(1), nil
	case catalog.CapPhoneNumber:
		return rate.UnitCost(1), nil
	default:
		return 0, fmt.Errorf("twilio does not serve %s", req.Capability)
	}
}

func (t *Twilio) Invoke(ctx context.Context, req *Request, rate *catalog.ProviderRate) (*Response, error) {
	switch req.Capability {
	case catalog.CapPhoneOutbound:
		return t.createCall(ctx, req, rate)
	case catalog.CapSMSOutbound, catalog.CapMMSOutbound:
		return t.createMessage(ctx, req, rate)
	default:
		return nil, fmt.Errorf("twilio does not serve %s", req.Capability)
	}
}

func requestForm(req *Request) url.Values {
	form := url.Values{}
	for k, v := range req.Form {
		form.Set(k, v)
	}
	for k, vs := range req.FormRepeat {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	return form
}

func (t *Twilio) createCall(ctx context.Context, req *Request, rate *catalog.ProviderRate) (*Response, error) {
	resp, body, err := t.post(ctx, "/Accounts/"+t.accountSID+"/Calls.json", requestForm(req))
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Cost:        rate.UnitCost(1),
		Usage:       &Usage{Units: 1},
	}, nil
}

func (t *Twilio) createMessage(ctx context.Context, req *Request, rate *catalog.ProviderRate) (*Response, error) {
	resp, body, err := t.post(ctx, "/Accounts/"+t.accountSID+"/Messages.json", requestForm(req))
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Cost:        rate.UnitCost(1),
		Usage:       &Usage{Units: 1},
	}, nil
}

// AvailableNumber is one entry from a number search.
type AvailableNumber struct {
	PhoneNumber  string `json:"phone_number"`
	FriendlyName string `json:"friendly_name"`
	Locality     string `json:"locality"`
	Region       string `json:"region"`
}

// ProvisionedNumber is an incoming phone number owned by the account.
type ProvisionedNumber struct {
	SID         string `json:"sid"`
	PhoneNumber string `json:"phone_number"`
}

// SearchNumbers lists purchasable local numbers, optionally filtered by
// area code.
func (t *Twilio) SearchNumbers(ctx context.Context, country, areaCode string) ([]AvailableNumber, error) {
	if country == "" {
		country = "US"
	}
	u := t.baseURL + "/Accounts/" + t.accountSID + "/AvailablePhoneNumbers/" + country + "/Local.json"
	if areaCode != "" {
		u += "?AreaCode=" + url.QueryEscape(areaCode)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(t.accountSID, t.authToken)

	_, body, err := doRequest(t.client, httpReq, t.Name())
	if err != nil {
		return nil, err
	}
	var parsed struct {
		AvailablePhoneNumbers []AvailableNumber `json:"available_phone_numbers"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("twilio: decode search: %w", err)
	}
	return parsed.AvailablePhoneNumbers, nil
}

// ProvisionNumber purchases a phone number and points its voice and SMS
// webhooks at the given URLs when set.
func (t *Twilio) ProvisionNumber(ctx context.Context, phoneNumber, voiceURL, smsURL string) (*ProvisionedNumber, error) {
	form := url.Values{}
	form.Set("PhoneNumber", phoneNumber)
	if voiceURL != "" {
		form.Set("VoiceUrl", voiceURL)
	}
	if smsURL != "" {
		form.Set("SmsUrl", smsURL)
	}
	_, body, err := t.post(ctx, "/Accounts/"+t.accountSID+"/IncomingPhoneNumbers.json", form)
	if err != nil {
		return nil, err
	}
	var num ProvisionedNumber
	if err := json.Unmarshal(body, &num); err != nil {
		return nil, fmt.Errorf("twilio: decode provision: %w", err)
	}
	return &num, nil
}

// ReleaseNumber returns a provisioned number to the vendor.
func (t *Twilio) ReleaseNumber(ctx context.Context, sid string) error {
	u := t.baseURL + "/Accounts/" + t.accountSID + "/IncomingPhoneNumbers/" + sid + ".json"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	httpReq.SetBasicAuth(t.accountSID, t.authToken)
	_, _, err = doRequest(t.client, httpReq, t.Name())
	return err
}

func (t *Twilio) post(ctx context.Context, path string, form url.Values) (*http.Response, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(t.accountSID, t.authToken)
	return doRequest(t.client, httpReq, t.Name())
}

// ValidateSignature checks an inbound webhook's X-Twilio-Signature: HMAC-SHA1
// over the full request URL concatenated with the form parameters sorted by
// key, base64-encoded.
func (t *Twilio) ValidateSignature(fullURL string, form url.Values, signature string) bool {
	return ValidateTwilioSignature(t.authToken, fullURL, form, signature)
}

// ValidateTwilioSignature implements the vendor's webhook signing scheme.
func ValidateTwilioSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
