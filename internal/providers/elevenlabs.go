package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

// ElevenLabs serves text-to-speech. Billing is per input character.
type ElevenLabs struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewElevenLabs builds the adapter from ELEVENLABS_API_KEY.
func NewElevenLabs() *ElevenLabs {
	return &ElevenLabs{
		baseURL: envOr("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io/v1"),
		apiKey:  os.Getenv("ELEVENLABS_API_KEY"),
		client:  newHTTPClient(30 * time.Second),
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Healthy(ctx context.Context) bool {
	return e.apiKey != ""
}

// ttsRequest is the platform's TTS body shape.
type ttsRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	Model          string `json:"model,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

func (e *ElevenLabs) Estimate(req *Request, rate *catalog.ProviderRate) (money.Cost, error) {
	var body ttsRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return 0, fmt.Errorf("invalid tts body: %w", err)
	}
	cost := rate.UnitCost(float64(len(body.Input)))
	if cost < minimumCost {
		cost = minimumCost
	}
	return cost, nil
}

func (e *ElevenLabs) Invoke(ctx context.Context, req *Request, rate *catalog.ProviderRate) (*Response, error) {
	if req.Capability != catalog.CapTTS {
		return nil, fmt.Errorf("elevenlabs does not serve %s", req.Capability)
	}

	var body ttsRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, fmt.Errorf("invalid tts body: %w", err)
	}
	if body.Voice == "" {
		body.Voice = "21m00Tcm4TlvDq8ikWAM" // vendor default voice id
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"text":     body.Input,
		"model_id": body.Model,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/text-to-speech/"+body.Voice, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.apiKey)
	if body.ResponseFormat != "" {
		q := httpReq.URL.Query()
		q.Set("output_format", body.ResponseFormat)
		httpReq.URL.RawQuery = q.Encode()
	}

	resp, audio, err := doRequest(e.client, httpReq, e.Name())
	if err != nil {
		return nil, err
	}

	chars := len(body.Input)
	cost := rate.UnitCost(float64(chars))
	if cost < minimumCost {
		cost = minimumCost
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        audio,
		Cost:        cost,
		Usage:       &Usage{Characters: chars, Units: float64(chars)},
	}, nil
}
