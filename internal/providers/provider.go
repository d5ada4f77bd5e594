// Package providers contains the upstream vendor adapters the gateway and
// the arbitrage router fan requests out to.
//
// Adapters never interpret tenant credentials or budgets; they translate a
// capability request into the vendor's wire format, execute it with a
// request-scoped deadline, and report the wholesale cost when the vendor
// exposes one.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

// ErrUpstreamUnreachable marks transport-level failures (dial, timeout,
// reset). The arbitrage router advances to the next candidate only on this
// class of error.
var ErrUpstreamUnreachable = errors.New("upstream_unreachable")

// UpstreamError is a non-2xx response from a provider. The gateway's error
// mapper decides what leaks back to the tenant.
type UpstreamError struct {
	Provider string
	Status   int
	Body     []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned %d", e.Provider, e.Status)
}

// Request is a capability call in platform-neutral form. Body is the
// already-validated tenant payload; adapters rewrite it as needed.
type Request struct {
	Capability catalog.Capability
	Model      string
	Body       []byte
	// Form carries non-JSON payloads (telephony, multipart audio).
	Form map[string]string
	// FormRepeat carries parameters that appear more than once in the
	// encoded body, like Twilio's MediaUrl.
	FormRepeat map[string][]string
	// Raw carries binary payloads (audio bytes for STT).
	Raw         []byte
	ContentType string
}

// Usage is the vendor-reported consumption of a call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	DurationSeconds  float64 `json:"duration_seconds,omitempty"`
	Characters       int     `json:"characters,omitempty"`
	Units            float64 `json:"units,omitempty"`
}

// Response is a completed provider call. Cost is the wholesale cost in
// fractional cents when the vendor reports one; zero means "estimate it".
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Cost        money.Cost
	Usage       *Usage
}

// Adapter is one upstream vendor for one or more capabilities.
type Adapter interface {
	Name() string
	// Healthy is a cheap liveness signal consulted during arbitrage.
	Healthy(ctx context.Context) bool
	// Estimate prices a call before it is made, using the catalog rate.
	Estimate(req *Request, rate *catalog.ProviderRate) (money.Cost, error)
	// Invoke executes the call. Transport failures wrap
	// ErrUpstreamUnreachable; HTTP failures return *UpstreamError.
	Invoke(ctx context.Context, req *Request, rate *catalog.ProviderRate) (*Response, error)
}

// Registry maps provider names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// transportError reports whether err is a network-level failure rather than
// an HTTP status.
func transportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset")
}

// doRequest executes an HTTP request, translating failures into the
// adapter error taxonomy and capping the body read.
func doRequest(client *http.Client, req *http.Request, provider string) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if transportError(err) {
			return nil, nil, fmt.Errorf("%s: %w: %v", provider, ErrUpstreamUnreachable, err)
		}
		return nil, nil, fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: read body: %w: %v", provider, ErrUpstreamUnreachable, err)
	}
	if resp.StatusCode >= 400 {
		return resp, nil, &UpstreamError{Provider: provider, Status: resp.StatusCode, Body: body}
	}
	return resp, body, nil
}

// estimateTokens approximates the token count of a JSON chat payload.
// Roughly four bytes per token; good enough for pre-call arbitrage.
func estimateTokens(body []byte) int {
	n := len(body) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// parseUsage extracts an OpenAI-style usage block from a response body.
func parseUsage(body []byte) *Usage {
	var envelope struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	return envelope.Usage
}

// newHTTPClient builds a client with the platform's standard transport and
// the given total timeout.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
