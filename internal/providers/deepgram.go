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

// minimumCost floors duration- and character-metered calls at 0.1c so
// zero-length inputs never meter for free.
const minimumCost = money.Cost(0.1)

// Deepgram serves speech-to-text. Billing is per audio minute, read from
// the response metadata.
type Deepgram struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewDeepgram builds the adapter from DEEPGRAM_API_KEY.
func NewDeepgram() *Deepgram {
	return &Deepgram{
		baseURL: envOr("DEEPGRAM_BASE_URL", "https://api.deepgram.com/v1"),
		apiKey:  os.Getenv("DEEPGRAM_API_KEY"),
		client:  newHTTPClient(30 * time.Second),
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Healthy(ctx context.Context) bool {
	return d.apiKey != ""
}

func (d *Deepgram) Estimate(req *Request, rate *catalog.ProviderRate) (money.Cost, error) {
	// Without decoding the audio, assume one minute.
	cost := rate.UnitCost(1)
	if cost < minimumCost {
		cost = minimumCost
	}
	return cost, nil
}

func (d *Deepgram) Invoke(ctx context.Context, req *Request, rate *catalog.ProviderRate) (*Response, error) {
	if req.Capability != catalog.CapSTT {
		return nil, fmt.Errorf("deepgram does not serve %s", req.Capability)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/listen", bytes.NewReader(req.Raw))
	if err != nil {
		return nil, err
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Token "+d.apiKey)

	resp, body, err := doRequest(d.client, httpReq, d.Name())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Metadata struct {
			Duration float64 `json:"duration"`
		} `json:"metadata"`
	}
	_ = json.Unmarshal(body, &parsed)

	minutes := parsed.Metadata.Duration / 60
	cost := rate.UnitCost(minutes)
	if cost < minimumCost {
		cost = minimumCost
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Cost:        cost,
		Usage:       &Usage{DurationSeconds: parsed.Metadata.Duration, Units: minutes},
	}, nil
}
