// Package upstream implements the HTTP client for the Antigravity generate
// endpoint: base URL failover, capacity-exhaustion backoff, randomized header
// profiles, and the cross-style gemini-cli fallback for non-Claude models.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	agauth "github.com/router-for-me/antigravity-openai-proxy/internal/auth/antigravity"
	"github.com/router-for-me/antigravity-openai-proxy/internal/thinking"
)

// Style selects a wire profile: header pool, endpoint list, and model
// identifier shape.
type Style string

const (
	StyleAntigravity Style = "antigravity"
	StyleGeminiCLI   Style = "gemini-cli"
)

const (
	// maxCapacityAttempts bounds the per-endpoint retries on capacity errors.
	maxCapacityAttempts = 5

	backoffBase   = time.Second
	backoffCap    = 8 * time.Second
	backoffJitter = 500 * time.Millisecond
)

var (
	randSource      = rand.New(rand.NewSource(time.Now().UnixNano()))
	randSourceMutex sync.Mutex
)

// StatusError carries a non-2xx upstream status to the caller.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error: status %d: %s", e.Code, e.Msg)
}

type headerProfile struct {
	UserAgent      string
	APIClient      string
	ClientMetadata string
}

const antigravityClientMetadata = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`

var antigravityProfiles = []headerProfile{
	{UserAgent: "antigravity/1.104.0 darwin/arm64", APIClient: "google-cloud-sdk vscode_cloudshelleditor/0.1", ClientMetadata: antigravityClientMetadata},
	{UserAgent: "antigravity/1.104.0 darwin/x64", APIClient: "google-cloud-sdk vscode_cloudshelleditor/0.1", ClientMetadata: antigravityClientMetadata},
	{UserAgent: "antigravity/1.104.0 win32/x64", APIClient: "google-cloud-sdk vscode_cloudshelleditor/0.1", ClientMetadata: antigravityClientMetadata},
	{UserAgent: "antigravity/1.104.0 linux/x64", APIClient: "google-cloud-sdk vscode_cloudshelleditor/0.1", ClientMetadata: antigravityClientMetadata},
	{UserAgent: "antigravity/1.104.0 linux/arm64", APIClient: "google-cloud-sdk vscode_cloudshelleditor/0.1", ClientMetadata: antigravityClientMetadata},
}

var geminiCLIProfiles = []headerProfile{
	{UserAgent: "google-api-nodejs-client/9.15.1", APIClient: "gl-node/22.12.0", ClientMetadata: antigravityClientMetadata},
	{UserAgent: "google-api-nodejs-client/9.15.1", APIClient: "gl-node/20.18.1", ClientMetadata: antigravityClientMetadata},
	{UserAgent: "google-api-nodejs-client/9.14.0", APIClient: "gl-node/22.11.0", ClientMetadata: antigravityClientMetadata},
}

// FingerprintProvider yields the stable identity headers for a refresh token.
type FingerprintProvider interface {
	FingerprintHeaders(refreshToken string) agauth.Fingerprint
}

// Client posts generate requests to the Antigravity upstream.
type Client struct {
	// HTTPClient performs the outbound requests.
	HTTPClient *http.Client
	// AntigravityEndpoints/GeminiCLIEndpoints are the failover orders per
	// style; overridable in tests.
	AntigravityEndpoints []string
	GeminiCLIEndpoints   []string
	// Fingerprints supplies X-Goog-QuotaUser / X-Client-Device-Id values for
	// antigravity-style requests.
	Fingerprints FingerprintProvider
}

// NewClient constructs a client against the production endpoint lists.
func NewClient(fingerprints FingerprintProvider) *Client {
	return &Client{
		HTTPClient:           &http.Client{},
		AntigravityEndpoints: agauth.DefaultEndpoints(),
		GeminiCLIEndpoints:   []string{agauth.EndpointProd},
		Fingerprints:         fingerprints,
	}
}

// Options configures a single upstream request.
type Options struct {
	Style        Style
	Model        string
	RefreshToken string
}

// Request posts the payload, walking the style's endpoint list with capacity
// backoff on each endpoint. When every antigravity endpoint fails for a
// non-Claude model the request is retried once under the gemini-cli style with
// a rewritten payload. On success the response is returned with its streaming
// body intact.
func (c *Client) Request(ctx context.Context, payload []byte, accessToken string, opts Options) (*http.Response, error) {
	style := opts.Style
	if style == "" {
		style = StyleAntigravity
	}

	endpoints := c.AntigravityEndpoints
	if style == StyleGeminiCLI {
		endpoints = c.GeminiCLIEndpoints
	}

	var lastErr error

	for idx, endpoint := range endpoints {
		lastEndpoint := idx == len(endpoints)-1

	attemptLoop:
		for attempt := 0; attempt < maxCapacityAttempts; attempt++ {
			httpReq, errReq := c.buildRequest(ctx, endpoint, payload, accessToken, style, opts.RefreshToken)
			if errReq != nil {
				return nil, errReq
			}

			httpResp, errDo := c.HTTPClient.Do(httpReq)
			if errDo != nil {
				if errors.Is(errDo, context.Canceled) || errors.Is(errDo, context.DeadlineExceeded) {
					return nil, errDo
				}
				lastErr = errDo
				if !lastEndpoint {
					log.Debugf("upstream: request error on %s, trying next endpoint: %v", endpoint, errDo)
				}
				break attemptLoop
			}

			if httpResp.StatusCode >= http.StatusOK && httpResp.StatusCode < http.StatusMultipleChoices {
				return httpResp, nil
			}

			bodyBytes := readAndDiscard(httpResp)
			lastErr = &StatusError{Code: httpResp.StatusCode, Msg: string(bodyBytes)}

			if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode == http.StatusServiceUnavailable {
				if isCapacityExhausted(bodyBytes) && attempt+1 < maxCapacityAttempts {
					delay := capacityBackoff(attempt)
					log.Debugf("upstream: capacity exhausted on %s, retrying in %s (attempt %d/%d)", endpoint, delay, attempt+1, maxCapacityAttempts)
					if errWait := wait(ctx, delay); errWait != nil {
						return nil, errWait
					}
					continue attemptLoop
				}
			}

			// Any other failure moves on to the next endpoint.
			break attemptLoop
		}
	}

	if style == StyleAntigravity && !thinking.IsClaudeModel(opts.Model) {
		fallbackModel := thinking.ResolveModelForHeaderStyle(opts.Model, string(StyleGeminiCLI))
		rebuilt := rebuildPayloadForGeminiCLI(payload, fallbackModel)
		log.Debugf("upstream: all antigravity endpoints failed for %s, falling back to gemini-cli style", opts.Model)
		return c.Request(ctx, rebuilt, accessToken, Options{
			Style:        StyleGeminiCLI,
			Model:        fallbackModel,
			RefreshToken: opts.RefreshToken,
		})
	}

	if lastErr == nil {
		lastErr = &StatusError{Code: http.StatusServiceUnavailable, Msg: "no base url available"}
	}
	return nil, lastErr
}

func (c *Client) buildRequest(ctx context.Context, endpoint string, payload []byte, accessToken string, style Style, refreshToken string) (*http.Request, error) {
	requestURL := strings.TrimSuffix(endpoint, "/") + agauth.StreamGeneratePath + "?alt=sse"
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(payload))
	if errReq != nil {
		return nil, errReq
	}

	profile := pickProfile(style)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
	httpReq.Header.Set("User-Agent", profile.UserAgent)
	httpReq.Header.Set("X-Goog-Api-Client", profile.APIClient)
	httpReq.Header.Set("Client-Metadata", profile.ClientMetadata)

	if style == StyleAntigravity && refreshToken != "" && c.Fingerprints != nil {
		fp := c.Fingerprints.FingerprintHeaders(refreshToken)
		httpReq.Header.Set("X-Goog-QuotaUser", fp.QuotaUser)
		httpReq.Header.Set("X-Client-Device-Id", fp.DeviceID)
	}

	return httpReq, nil
}

func pickProfile(style Style) headerProfile {
	pool := antigravityProfiles
	if style == StyleGeminiCLI {
		pool = geminiCLIProfiles
	}
	randSourceMutex.Lock()
	defer randSourceMutex.Unlock()
	return pool[randSource.Intn(len(pool))]
}

// isCapacityExhausted sniffs the error body for a retryable capacity reason.
func isCapacityExhausted(body []byte) bool {
	msg := strings.ToUpper(string(body))
	return strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "MODEL_CAPACITY_EXHAUSTED")
}

func capacityBackoff(attempt int) time.Duration {
	delay := backoffBase << uint(attempt)
	if delay > backoffCap {
		delay = backoffCap
	}
	randSourceMutex.Lock()
	jitter := time.Duration(randSource.Int63n(int64(backoffJitter)))
	randSourceMutex.Unlock()
	return delay + jitter
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readAndDiscard drains and closes an error response body, best effort.
func readAndDiscard(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	bodyBytes, errRead := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if errRead != nil {
		log.Debugf("upstream: read error body: %v", errRead)
	}
	if errClose := resp.Body.Close(); errClose != nil {
		log.Debugf("upstream: close error body: %v", errClose)
	}
	return bodyBytes
}

// rebuildPayloadForGeminiCLI strips the antigravity envelope fields and
// rewrites the model identifier for the gemini-cli wire profile.
func rebuildPayloadForGeminiCLI(payload []byte, model string) []byte {
	payload, _ = sjson.DeleteBytes(payload, "requestType")
	payload, _ = sjson.DeleteBytes(payload, "userAgent")
	payload, _ = sjson.DeleteBytes(payload, "requestId")
	payload, _ = sjson.SetBytes(payload, "model", model)
	return payload
}
