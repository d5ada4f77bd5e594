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

// Replicate serves image and video generation through its synchronous
// predictions API (Prefer: wait).
type Replicate struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewReplicate builds the adapter from REPLICATE_API_TOKEN.
func NewReplicate() *Replicate {
	return &Replicate{
		baseURL: envOr("REPLICATE_BASE_URL", "https://api.replicate.com/v1"),
		token:   os.Getenv("REPLICATE_API_TOKEN"),
		client:  newHTTPClient(120 * time.Second),
	}
}

func (r *Replicate) Name() string { return "replicate" }

func (r *Replicate) Healthy(ctx context.Context) bool {
	return r.token != ""
}

type imageGenRequest struct {
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type videoGenRequest struct {
	Prompt   string  `json:"prompt"`
	Duration float64 `json:"duration,omitempty"`
}

func (r *Replicate) Estimate(req *Request, rate *catalog.ProviderRate) (money.Cost, error) {
	units, err := r.units(req)
	if err != nil {
		return 0, err
	}
	return rate.UnitCost(units), nil
}

// units returns image count or video seconds depending on capability.
func (r *Replicate) units(req *Request) (float64, error) {
	switch req.Capability {
	case catalog.CapImageGen:
		var body imageGenRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return 0, fmt.Errorf("invalid image body: %w", err)
		}
		n := body.N
		if n <= 0 {
			n = 1
		}
		return float64(n), nil
	case catalog.CapVideoGen:
		var body videoGenRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return 0, fmt.Errorf("invalid video body: %w", err)
		}
		d := body.Duration
		if d <= 0 {
			d = 5
		}
		return d, nil
	default:
		return 0, fmt.Errorf("replicate does not serve %s", req.Capability)
	}
}

func (r *Replicate) Invoke(ctx context.Context, req *Request, rate *catalog.ProviderRate) (*Response, error) {
	units, err := r.units(req)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		if req.Capability == catalog.CapImageGen {
			model = envOr("REPLICATE_IMAGE_MODEL", "black-forest-labs/flux-schnell")
		} else {
			model = envOr("REPLICATE_VIDEO_MODEL", "minimax/video-01")
		}
	}

	var input map[string]interface{}
	_ = json.Unmarshal(req.Body, &input)
	payload, _ := json.Marshal(map[string]interface{}{"input": input})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/models/"+model+"/predictions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.token)
	httpReq.Header.Set("Prefer", "wait")

	resp, body, err := doRequest(r.client, httpReq, r.Name())
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Cost:        rate.UnitCost(units),
		Usage:       &Usage{Units: units},
	}, nil
}
