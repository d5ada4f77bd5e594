package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/money"
)

func chatRate() *catalog.ProviderRate {
	return &catalog.ProviderRate{
		Provider:    "openrouter",
		Capability:  catalog.CapChatCompletions,
		Unit:        catalog.UnitPer1KTokens,
		InputPer1K:  0.25,
		OutputPer1K: 0.25,
	}
}

func TestOpenRouterCostHeaderWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("x-openrouter-cost", "0.0125")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":50}}`))
	}))
	defer srv.Close()

	o := &OpenRouter{baseURL: srv.URL, apiKey: "test-key", client: srv.Client()}
	resp, err := o.Invoke(context.Background(), &Request{
		Capability: catalog.CapChatCompletions,
		Body:       []byte(`{"model":"test","messages":[]}`),
	}, chatRate())
	require.NoError(t, err)

	// 0.0125 dollars = 1.25 cents.
	assert.InDelta(t, 1.25, float64(resp.Cost), 1e-9)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 100, resp.Usage.PromptTokens)
}

func TestOpenRouterUsageFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usage":{"prompt_tokens":1000,"completion_tokens":1000}}`))
	}))
	defer srv.Close()

	o := &OpenRouter{baseURL: srv.URL, apiKey: "k", client: srv.Client()}
	resp, err := o.Invoke(context.Background(), &Request{
		Capability: catalog.CapChatCompletions,
		Body:       []byte(`{}`),
	}, chatRate())
	require.NoError(t, err)

	// 1000 in + 1000 out at 0.25c/1K each side.
	assert.InDelta(t, 0.5, float64(resp.Cost), 1e-9)
}

func TestOpenRouterUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	o := &OpenRouter{baseURL: srv.URL, apiKey: "k", client: srv.Client()}
	_, err := o.Invoke(context.Background(), &Request{
		Capability: catalog.CapChatCompletions,
		Body:       []byte(`{}`),
	}, chatRate())
	require.Error(t, err)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, "openrouter", ue.Provider)
}

func TestTransportFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	o := &OpenRouter{baseURL: srv.URL, apiKey: "k", client: &http.Client{Timeout: time.Second}}
	_, err := o.Invoke(context.Background(), &Request{
		Capability: catalog.CapChatCompletions,
		Body:       []byte(`{}`),
	}, chatRate())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnreachable))
}

func TestDeepgramMinutesFromMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listen", r.URL.Path)
		assert.Equal(t, "Token dg-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"metadata":{"duration":120.0},"results":{}}`))
	}))
	defer srv.Close()

	d := &Deepgram{baseURL: srv.URL, apiKey: "dg-key", client: srv.Client()}
	rate := &catalog.ProviderRate{Provider: "deepgram", Capability: catalog.CapSTT, Unit: catalog.UnitPerMinute, PerUnit: 0.43}
	resp, err := d.Invoke(context.Background(), &Request{
		Capability: catalog.CapSTT,
		Raw:        []byte("fake-audio"),
	}, rate)
	require.NoError(t, err)
	assert.InDelta(t, 0.86, float64(resp.Cost), 1e-9)
	assert.InDelta(t, 120.0, resp.Usage.DurationSeconds, 1e-9)
}

func TestDeepgramCostFloor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"metadata":{"duration":0.5}}`))
	}))
	defer srv.Close()

	d := &Deepgram{baseURL: srv.URL, apiKey: "k", client: srv.Client()}
	rate := &catalog.ProviderRate{Provider: "deepgram", Capability: catalog.CapSTT, Unit: catalog.UnitPerMinute, PerUnit: 0.43}
	resp, err := d.Invoke(context.Background(), &Request{Capability: catalog.CapSTT, Raw: []byte("x")}, rate)
	require.NoError(t, err)
	assert.Equal(t, minimumCost, resp.Cost)
}

func TestElevenLabsPerCharacter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/text-to-speech/")
		assert.Equal(t, "el-key", r.Header.Get("xi-api-key"))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	e := &ElevenLabs{baseURL: srv.URL, apiKey: "el-key", client: srv.Client()}
	rate := &catalog.ProviderRate{Provider: "elevenlabs", Capability: catalog.CapTTS, Unit: catalog.UnitPerCharacter, PerUnit: 0.003}
	input := make([]byte, 1000)
	for i := range input {
		input[i] = 'a'
	}
	resp, err := e.Invoke(context.Background(), &Request{
		Capability: catalog.CapTTS,
		Body:       []byte(`{"input":"` + string(input) + `","voice":"v1"}`),
	}, rate)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, float64(resp.Cost), 1e-9)
	assert.Equal(t, 1000, resp.Usage.Characters)
}

func TestReplicateImageUnits(t *testing.T) {
	r := NewReplicate()

	units, err := r.units(&Request{Capability: catalog.CapImageGen, Body: []byte(`{"prompt":"cat","n":3}`)})
	require.NoError(t, err)
	assert.Equal(t, 3.0, units)

	units, err = r.units(&Request{Capability: catalog.CapImageGen, Body: []byte(`{"prompt":"cat"}`)})
	require.NoError(t, err)
	assert.Equal(t, 1.0, units)

	units, err = r.units(&Request{Capability: catalog.CapVideoGen, Body: []byte(`{"prompt":"cat","duration":8}`)})
	require.NoError(t, err)
	assert.Equal(t, 8.0, units)
}

func TestTwilioSignatureValidation(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallDuration", "42")
	form.Set("From", "+15551230000")

	fullURL := "https://api.example.com/v1/phone/outbound/status/tenant-1"

	// Signature computed the same way the vendor does: HMAC-SHA1 over the
	// URL plus the form params sorted by key.
	sign := func(token string) string {
		keys := make([]string, 0, len(form))
		for k := range form {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		payload := fullURL
		for _, k := range keys {
			payload += k + form.Get(k)
		}
		mac := hmac.New(sha1.New, []byte(token))
		mac.Write([]byte(payload))
		return base64.StdEncoding.EncodeToString(mac.Sum(nil))
	}

	good := sign("secret-token")
	assert.True(t, ValidateTwilioSignature("secret-token", fullURL, form, good))
	assert.False(t, ValidateTwilioSignature("secret-token", fullURL, form, "bogus"))
	assert.False(t, ValidateTwilioSignature("other-token", fullURL, form, good))
	assert.False(t, ValidateTwilioSignature("", fullURL, form, good))

	// Any parameter change invalidates the signature.
	tampered := url.Values{}
	for k := range form {
		tampered.Set(k, form.Get(k))
	}
	tampered.Set("CallDuration", "9999")
	assert.False(t, ValidateTwilioSignature("secret-token", fullURL, tampered, good))
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(NewOpenRouter(), NewTwilio())

	a, ok := reg.Get("openrouter")
	require.True(t, ok)
	assert.Equal(t, "openrouter", a.Name())

	_, ok = reg.Get("nonexistent")
	assert.False(t, ok)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, estimateTokens([]byte("")))
	assert.Equal(t, 25, estimateTokens(make([]byte, 100)))
}

func TestMoneyCostFloorIndependentOfRate(t *testing.T) {
	rate := &catalog.ProviderRate{Provider: "elevenlabs", Capability: catalog.CapTTS, Unit: catalog.UnitPerCharacter, PerUnit: 0.003}
	e := &ElevenLabs{}
	cost, err := e.Estimate(&Request{Body: []byte(`{"input":"hi","voice":"v"}`)}, rate)
	require.NoError(t, err)
	assert.Equal(t, money.Cost(0.1), cost)
}
