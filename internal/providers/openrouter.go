package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

// OpenRouter serves chat completions, text completions, and embeddings.
// Actual wholesale cost comes from the x-openrouter-cost response header
// (dollars); usage token counts are the fallback.
type OpenRouter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenRouter builds the adapter from OPENROUTER_API_KEY.
func NewOpenRouter() *OpenRouter {
	return &OpenRouter{
		baseURL: envOr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		apiKey:  os.Getenv("OPENROUTER_API_KEY"),
		client:  newHTTPClient(30 * time.Second),
	}
}

func (o *OpenRouter) Name() string { return "openrouter" }

func (o *OpenRouter) Healthy(ctx context.Context) bool {
	return o.apiKey != ""
}

func (o *OpenRouter) path(capability catalog.Capability) (string, error) {
	switch capability {
	case catalog.CapChatCompletions:
		return "/chat/completions", nil
	case catalog.CapCompletions:
		return "/completions", nil
	case catalog.CapEmbeddings:
		return "/embeddings", nil
	default:
		return "", fmt.Errorf("openrouter does not serve %s", capability)
	}
}

func (o *OpenRouter) Estimate(req *Request, rate *catalog.ProviderRate) (money.Cost, error) {
	tokens := estimateTokens(req.Body)
	// Assume a response roughly the size of the prompt for chat calls.
	out := tokens
	if req.Capability == catalog.CapEmbeddings {
		out = 0
	}
	return rate.TokenCost(tokens, out), nil
}

func (o *OpenRouter) Invoke(ctx context.Context, req *Request, rate *catalog.ProviderRate) (*Response, error) {
	path, err := o.path(req.Capability)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, body, err := doRequest(o.client, httpReq, o.Name())
	if err != nil {
		return nil, err
	}

	out := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Usage:       parseUsage(body),
	}
	out.Cost = o.costFrom(resp.Header, out.Usage, rate)
	return out, nil
}

// StreamOpen starts a streaming chat completion, returning the raw HTTP
// response for SSE passthrough. The caller owns Body.Close.
func (o *OpenRouter) StreamOpen(ctx context.Context, req *Request) (*http.Response, error) {
	path, err := o.path(req.Capability)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	// No total timeout on streams; the request context carries the deadline.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		if transportError(err) {
			return nil, fmt.Errorf("%s: %w: %v", o.Name(), ErrUpstreamUnreachable, err)
		}
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body := make([]byte, 0, 4096)
		buf := make([]byte, 4096)
		if n, _ := resp.Body.Read(buf); n > 0 {
			body = append(body, buf[:n]...)
		}
		return nil, &UpstreamError{Provider: o.Name(), Status: resp.StatusCode, Body: body}
	}
	return resp, nil
}

// costFrom prefers the vendor cost header, then token usage, then zero.
// The x-openrouter-cost header is denominated in dollars.
func (o *OpenRouter) costFrom(header http.Header, usage *Usage, rate *catalog.ProviderRate) money.Cost {
	if v := header.Get("x-openrouter-cost"); v != "" {
		if dollars, err := strconv.ParseFloat(v, 64); err == nil {
			return money.Cost(dollars * 100)
		}
	}
	if usage != nil && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		return rate.TokenCost(usage.PromptTokens, usage.CompletionTokens)
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
