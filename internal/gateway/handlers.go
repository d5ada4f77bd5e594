package gateway

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/providers"
)

const maxRequestBody = 10 << 20

// chatEnvelope is the subset of the request body the gateway itself reads.
type chatEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.guard(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_body", "could not read request body")
		return
	}
	var envelope chatEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_json", "request body is not valid JSON")
		return
	}

	if envelope.Stream {
		g.streamChat(w, r, tenantID, envelope.Model, body)
		return
	}
	g.routeAndRespond(w, r, tenantID, catalog.CapChatCompletions, envelope.Model, body)
}

func (g *Gateway) handleCompletions(w http.ResponseWriter, r *http.Request) {
	g.jsonCapability(w, r, catalog.CapCompletions)
}

func (g *Gateway) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	g.jsonCapability(w, r, catalog.CapEmbeddings)
}

func (g *Gateway) handleImages(w http.ResponseWriter, r *http.Request) {
	g.jsonCapability(w, r, catalog.CapImageGen)
}

func (g *Gateway) handleVideo(w http.ResponseWriter, r *http.Request) {
	g.jsonCapability(w, r, catalog.CapVideoGen)
}

// jsonCapability is the shared non-streaming JSON path.
func (g *Gateway) jsonCapability(w http.ResponseWriter, r *http.Request, capability catalog.Capability) {
	tenantID, ok := g.guard(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_body", "could not read request body")
		return
	}
	var envelope chatEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_json", "request body is not valid JSON")
		return
	}
	g.routeAndRespond(w, r, tenantID, capability, envelope.Model, body)
}

func (g *Gateway) routeAndRespond(w http.ResponseWriter, r *http.Request, tenantID string, capability catalog.Capability, model string, body []byte) {
	res, err := g.deps.Router.Route(r.Context(), &providers.Request{
		Capability: capability,
		Model:      model,
		Body:       body,
	})
	if err != nil {
		mapProviderError(w, err)
		return
	}

	g.settle(r.Context(), tenantID, capability, res.Provider, res.Response.Cost, res.Response.Usage, nil)

	contentType := res.Response.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(res.Response.StatusCode)
	_, _ = w.Write(res.Response.Body)
}

// handleTranscription accepts raw audio and meters per minute.
func (g *Gateway) handleTranscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.guard(w, r)
	if !ok {
		return
	}
	audio, err := io.ReadAll(io.LimitReader(r.Body, 100<<20))
	if err != nil || len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_body", "audio body required")
		return
	}
	res, err := g.deps.Router.Route(r.Context(), &providers.Request{
		Capability:  catalog.CapSTT,
		Raw:         audio,
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		mapProviderError(w, err)
		return
	}
	g.settle(r.Context(), tenantID, catalog.CapSTT, res.Provider, res.Response.Cost, res.Response.Usage, nil)
	w.Header().Set("Content-Type", res.Response.ContentType)
	w.WriteHeader(res.Response.StatusCode)
	_, _ = w.Write(res.Response.Body)
}

// handleSpeech synthesizes text and meters per character.
func (g *Gateway) handleSpeech(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.guard(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "bad_body", "could not read request body")
		return
	}
	res, err := g.deps.Router.Route(r.Context(), &providers.Request{
		Capability: catalog.CapTTS,
		Body:       body,
	})
	if err != nil {
		mapProviderError(w, err)
		return
	}
	g.settle(r.Context(), tenantID, catalog.CapTTS, res.Provider, res.Response.Cost, res.Response.Usage, nil)
	w.Header().Set("Content-Type", res.Response.ContentType)
	w.WriteHeader(res.Response.StatusCode)
	_, _ = w.Write(res.Response.Body)
}

// streamChat proxies an SSE stream from the designated streaming provider.
// Usage hints are buffered from the terminal chunk; if the client
// disconnects mid-stream, tokens observed so far are still settled.
func (g *Gateway) streamChat(w http.ResponseWriter, r *http.Request, tenantID, model string, body []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming_unsupported", "streaming not supported by this server")
		return
	}

	streamProvider := g.deps.Streamer.Name()
	rate, err := g.deps.Catalog.Rate(catalog.CapChatCompletions, streamProvider)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "server_error", "service_unavailable", "streaming provider not configured")
		return
	}

	upstream, err := g.deps.Streamer.StreamOpen(r.Context(), &providers.Request{
		Capability: catalog.CapChatCompletions,
		Model:      model,
		Body:       body,
	})
	if err != nil {
		mapProviderError(w, err)
		return
	}
	defer upstream.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	promptTokens := len(body) / 4
	completionTokens := 0
	usage := &providers.Usage{}

	scanner := bufio.NewScanner(upstream.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if _, werr := w.Write(append(line, '\n')); werr != nil {
			// Client went away; stop reading and settle what we saw.
			break
		}
		flusher.Flush()

		payload, found := strings.CutPrefix(string(line), "data: ")
		if !found || payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Usage *providers.Usage `json:"usage"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if jerr := json.Unmarshal([]byte(payload), &chunk); jerr != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			completionTokens += len(c.Delta.Content) / 4
		}
	}

	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = promptTokens
		usage.CompletionTokens = completionTokens
	}
	cost := rate.TokenCost(usage.PromptTokens, usage.CompletionTokens)
	g.settle(r.Context(), tenantID, catalog.CapChatCompletions, streamProvider, cost, usage,
		map[string]string{"stream": "true"})
}
