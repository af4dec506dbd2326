package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tidwall/gjson"

	agauth "github.com/router-for-me/antigravity-openai-proxy/internal/auth/antigravity"
)

type stubFingerprints struct{}

func (stubFingerprints) FingerprintHeaders(string) agauth.Fingerprint {
	return agauth.Fingerprint{QuotaUser: "abcdef0123456789", DeviceID: "abcdef01234567890000000000000000"}
}

func newTestClient(antigravity, geminiCLI []string) *Client {
	return &Client{
		HTTPClient:           &http.Client{},
		AntigravityEndpoints: antigravity,
		GeminiCLIEndpoints:   geminiCLI,
		Fingerprints:         stubFingerprints{},
	}
}

func sseServer(t *testing.T, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[]}\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequest_Success(t *testing.T) {
	var seen atomic.Value
	srv := sseServer(t, func(r *http.Request) { seen.Store(r.Clone(context.Background())) })
	c := newTestClient([]string{srv.URL}, nil)

	resp, err := c.Request(context.Background(), []byte(`{"model":"claude-opus-4-5"}`), "at-1", Options{
		Model:        "claude-opus-4-5",
		RefreshToken: "rt-1",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer resp.Body.Close()

	r := seen.Load().(*http.Request)
	if r.URL.Path != agauth.StreamGeneratePath {
		t.Errorf("path = %q", r.URL.Path)
	}
	if r.URL.Query().Get("alt") != "sse" {
		t.Errorf("alt = %q", r.URL.Query().Get("alt"))
	}
	if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
		t.Errorf("authorization = %q", got)
	}
	if got := r.Header.Get("anthropic-beta"); got != "interleaved-thinking-2025-05-14" {
		t.Errorf("anthropic-beta = %q", got)
	}
	if r.Header.Get("X-Goog-QuotaUser") == "" || r.Header.Get("X-Client-Device-Id") == "" {
		t.Error("fingerprint headers missing for antigravity style")
	}
	if r.Header.Get("User-Agent") == "" {
		t.Error("user agent missing")
	}
}

func TestRequest_EndpointFailover(t *testing.T) {
	var firstCalls int64
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&firstCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"boom"}`)
	}))
	defer failing.Close()
	healthy := sseServer(t, nil)

	c := newTestClient([]string{failing.URL, healthy.URL}, nil)
	resp, err := c.Request(context.Background(), []byte(`{}`), "at", Options{Model: "claude-opus-4-5"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer resp.Body.Close()

	if got := atomic.LoadInt64(&firstCalls); got != 1 {
		t.Errorf("failing endpoint called %d times, want 1", got)
	}
}

func TestRequest_CapacityRetrySameEndpoint(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[]}\n\n")
	}))
	defer srv.Close()

	c := newTestClient([]string{srv.URL}, nil)
	resp, err := c.Request(context.Background(), []byte(`{}`), "at", Options{Model: "claude-opus-4-5"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer resp.Body.Close()

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("endpoint called %d times, want 2 (capacity retry)", got)
	}
}

func TestRequest_CrossStyleFallback(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"no access"}`)
	}))
	defer failing.Close()

	var fallbackBody atomic.Value
	geminiCLI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fallbackBody.Store(body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[]}\n\n")
	}))
	defer geminiCLI.Close()

	c := newTestClient([]string{failing.URL}, []string{geminiCLI.URL})
	payload := []byte(`{"model":"gemini-3-pro-high","userAgent":"antigravity","requestId":"agent-1","requestType":"agent","request":{}}`)
	resp, err := c.Request(context.Background(), payload, "at", Options{Model: "gemini-3-pro-high"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer resp.Body.Close()

	rebuilt := fallbackBody.Load().([]byte)
	if got := gjson.GetBytes(rebuilt, "model").String(); got != "gemini-3-pro-preview" {
		t.Errorf("fallback model = %q, want gemini-3-pro-preview", got)
	}
	for _, field := range []string{"requestType", "userAgent", "requestId"} {
		if gjson.GetBytes(rebuilt, field).Exists() {
			t.Errorf("fallback payload still carries %s", field)
		}
	}
}

func TestRequest_ClaudeNoFallback(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"no access"}`)
	}))
	defer failing.Close()

	var cliCalls int64
	geminiCLI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&cliCalls, 1)
	}))
	defer geminiCLI.Close()

	c := newTestClient([]string{failing.URL}, []string{geminiCLI.URL})
	_, err := c.Request(context.Background(), []byte(`{}`), "at", Options{Model: "claude-opus-4-5"})

	statusErr, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusForbidden {
		t.Errorf("status = %d", statusErr.Code)
	}
	if atomic.LoadInt64(&cliCalls) != 0 {
		t.Error("Claude model fell back to gemini-cli style")
	}
}

func TestRequest_GeminiCLIStyleOmitsFingerprints(t *testing.T) {
	var seen atomic.Value
	srv := sseServer(t, func(r *http.Request) { seen.Store(r.Clone(context.Background())) })

	c := newTestClient(nil, []string{srv.URL})
	resp, err := c.Request(context.Background(), []byte(`{}`), "at", Options{
		Style:        StyleGeminiCLI,
		Model:        "gemini-3-flash-preview",
		RefreshToken: "rt-1",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer resp.Body.Close()

	r := seen.Load().(*http.Request)
	if r.Header.Get("X-Goog-QuotaUser") != "" || r.Header.Get("X-Client-Device-Id") != "" {
		t.Error("fingerprint headers present for gemini-cli style")
	}
}

func TestCapacityBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < maxCapacityAttempts; attempt++ {
		d := capacityBackoff(attempt)
		if d < backoffBase || d > backoffCap+backoffJitter {
			t.Errorf("attempt %d: backoff %v out of bounds", attempt, d)
		}
	}
}

func TestIsCapacityExhausted(t *testing.T) {
	if !isCapacityExhausted([]byte(`{"status":"RESOURCE_EXHAUSTED"}`)) {
		t.Error("RESOURCE_EXHAUSTED not detected")
	}
	if !isCapacityExhausted([]byte(`{"message":"model_capacity_exhausted"}`)) {
		t.Error("lowercase capacity reason not detected")
	}
	if isCapacityExhausted([]byte(`{"error":"quota"}`)) {
		t.Error("false positive capacity detection")
	}
}
