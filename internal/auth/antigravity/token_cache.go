package antigravity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// maxEntries caps the cache size; the least recently used entries are
	// evicted beyond this.
	maxEntries = 1000

	// cleanupInterval controls how often expired entries are purged.
	cleanupInterval = 5 * time.Minute

	// expirySafetyMargin is subtracted from the upstream expires_in so a token
	// is refreshed before it actually lapses.
	expirySafetyMargin = time.Minute
)

// CacheMetrics is a snapshot of the cache counters.
type CacheMetrics struct {
	Hits             int64 `json:"hits"`
	Misses           int64 `json:"misses"`
	Refreshes        int64 `json:"refreshes"`
	EvictedByCleanup int64 `json:"evictedByCleanup"`
	EvictedByLRU     int64 `json:"evictedByLRU"`
}

// Fingerprint carries the stable per-credential upstream identity headers.
type Fingerprint struct {
	QuotaUser string
	DeviceID  string
}

// Token error kinds.
const (
	ErrKindInvalidToken = "invalid_token"
	ErrKindRateLimit    = "rate_limit"
	ErrKindNetwork      = "network_error"
)

// TokenError describes a failed token refresh.
type TokenError struct {
	Kind       string
	StatusCode int
	Message    string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token refresh failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
}

type tokenEntry struct {
	accessToken    string
	expiresAt      time.Time
	projectID      string
	lastAccessedAt time.Time
}

// TokenCache exchanges Google refresh tokens for access tokens and caches them
// per refresh token with TTL and LRU eviction. Concurrent misses for the same
// refresh token share a single outbound refresh.
type TokenCache struct {
	mu           sync.Mutex
	entries      map[string]*tokenEntry
	fingerprints map[string]Fingerprint
	metrics      CacheMetrics
	cleanupStop  chan struct{}

	group singleflight.Group

	// ClientID/ClientSecret authenticate the refresh grant.
	ClientID     string
	ClientSecret string
	// TokenURL is the OAuth token endpoint; overridable in tests.
	TokenURL string
	// Endpoints are probed in order for project discovery.
	Endpoints []string
	// HTTPClient performs the outbound calls.
	HTTPClient *http.Client
}

// NewTokenCache constructs a cache with the compiled-in endpoints.
func NewTokenCache(clientID, clientSecret string) *TokenCache {
	if clientID == "" {
		clientID = ClientID
	}
	if clientSecret == "" {
		clientSecret = ClientSecret
	}
	return &TokenCache{
		entries:      make(map[string]*tokenEntry),
		fingerprints: make(map[string]Fingerprint),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     TokenEndpoint,
		Endpoints:    DefaultEndpoints(),
		HTTPClient:   &http.Client{},
	}
}

// GetAccessToken returns a valid access token for the refresh token, refreshing
// through the token endpoint on miss. Concurrent callers for the same refresh
// token await one shared refresh.
func (c *TokenCache) GetAccessToken(ctx context.Context, refreshToken string) (string, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[refreshToken]; ok && e.expiresAt.After(now) {
		e.lastAccessedAt = now
		c.metrics.Hits++
		token := e.accessToken
		c.mu.Unlock()
		return token, nil
	}
	c.metrics.Misses++
	c.startCleanupLocked()
	c.mu.Unlock()

	v, err, _ := c.group.Do(refreshToken, func() (any, error) {
		return c.refresh(ctx, refreshToken)
	})

	c.mu.Lock()
	c.evictLRULocked()
	c.mu.Unlock()

	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh posts the refresh grant and writes the result back into the cache.
func (c *TokenCache) refresh(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if errReq != nil {
		return "", errReq
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, errDo := c.HTTPClient.Do(httpReq)
	if errDo != nil {
		return "", &TokenError{Kind: ErrKindNetwork, Message: errDo.Error()}
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("token cache: close response body error: %v", errClose)
		}
	}()

	bodyBytes, errRead := io.ReadAll(httpResp.Body)
	if errRead != nil {
		return "", &TokenError{Kind: ErrKindNetwork, Message: errRead.Error()}
	}

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		kind := ErrKindNetwork
		switch httpResp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			kind = ErrKindInvalidToken
		case http.StatusTooManyRequests:
			kind = ErrKindRateLimit
		}
		if kind == ErrKindInvalidToken {
			c.evict(refreshToken)
		}
		return "", &TokenError{Kind: kind, StatusCode: httpResp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}

	accessToken := gjson.GetBytes(bodyBytes, "access_token").String()
	expiresIn := gjson.GetBytes(bodyBytes, "expires_in").Int()
	if accessToken == "" {
		return "", &TokenError{Kind: ErrKindNetwork, StatusCode: httpResp.StatusCode, Message: "token response missing access_token"}
	}

	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[refreshToken]
	if !ok {
		e = &tokenEntry{}
		c.entries[refreshToken] = e
	}
	e.accessToken = accessToken
	e.expiresAt = now.Add(time.Duration(expiresIn)*time.Second - expirySafetyMargin)
	e.lastAccessedAt = now
	c.metrics.Refreshes++
	c.mu.Unlock()

	return accessToken, nil
}

// GetProjectID returns the discovered Cloud Code project for the credential,
// probing loadCodeAssist across the endpoint list on first use.
func (c *TokenCache) GetProjectID(ctx context.Context, refreshToken string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[refreshToken]; ok && e.projectID != "" {
		projectID := e.projectID
		c.mu.Unlock()
		return projectID, nil
	}
	c.mu.Unlock()

	token, errToken := c.GetAccessToken(ctx, refreshToken)
	if errToken != nil {
		return "", errToken
	}

	var lastErr error
	for _, endpoint := range c.Endpoints {
		projectID, errFetch := c.loadCodeAssistProject(ctx, endpoint, token)
		if errFetch != nil {
			lastErr = errFetch
			continue
		}
		if projectID == "" {
			continue
		}
		c.mu.Lock()
		if e, ok := c.entries[refreshToken]; ok {
			e.projectID = projectID
		}
		c.mu.Unlock()
		return projectID, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("project discovery: no endpoint returned a project id")
	}
	return "", lastErr
}

func (c *TokenCache) loadCodeAssistProject(ctx context.Context, endpoint, accessToken string) (string, error) {
	body := `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(endpoint, "/")+LoadCodeAssistPath, strings.NewReader(body))
	if errReq != nil {
		return "", errReq
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	httpResp, errDo := c.HTTPClient.Do(httpReq)
	if errDo != nil {
		return "", errDo
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("token cache: close response body error: %v", errClose)
		}
	}()

	bodyBytes, errRead := io.ReadAll(httpResp.Body)
	if errRead != nil {
		return "", errRead
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("loadCodeAssist failed with status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	// cloudaicompanionProject is either a plain string or an object with id.
	project := gjson.GetBytes(bodyBytes, "cloudaicompanionProject")
	if project.Type == gjson.String {
		return strings.TrimSpace(project.String()), nil
	}
	return strings.TrimSpace(project.Get("id").String()), nil
}

// FingerprintHeaders derives the stable QuotaUser/DeviceId pair for a refresh
// token: the hex form of the first eight SHA-256 bytes, with the device id
// right-padded to 32 characters.
func (c *TokenCache) FingerprintHeaders(refreshToken string) Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fp, ok := c.fingerprints[refreshToken]; ok {
		return fp
	}
	sum := sha256.Sum256([]byte(refreshToken))
	quotaUser := hex.EncodeToString(sum[:8])
	deviceID := quotaUser
	for len(deviceID) < 32 {
		deviceID += "0"
	}
	fp := Fingerprint{QuotaUser: quotaUser, DeviceID: deviceID}
	c.fingerprints[refreshToken] = fp
	return fp
}

// Metrics returns a snapshot of the cache counters.
func (c *TokenCache) Metrics() CacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// ClearCache drops every entry, fingerprint, and counter. Test hook.
func (c *TokenCache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*tokenEntry)
	c.fingerprints = make(map[string]Fingerprint)
	c.metrics = CacheMetrics{}
}

// ResetCleanupTimer stops the periodic cleanup task; the next miss restarts it.
// Test hook.
func (c *TokenCache) ResetCleanupTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanupStop != nil {
		close(c.cleanupStop)
		c.cleanupStop = nil
	}
}

func (c *TokenCache) evict(refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, refreshToken)
	delete(c.fingerprints, refreshToken)
}

// startCleanupLocked launches the periodic expired-entry sweeper on first miss.
// Callers must hold mu.
func (c *TokenCache) startCleanupLocked() {
	if c.cleanupStop != nil {
		return
	}
	stop := make(chan struct{})
	c.cleanupStop = stop
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepExpired()
			case <-stop:
				return
			}
		}
	}()
}

func (c *TokenCache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			delete(c.fingerprints, key)
			c.metrics.EvictedByCleanup++
		}
	}
}

// evictLRULocked drops the least recently used entries beyond maxEntries.
// Callers must hold mu.
func (c *TokenCache) evictLRULocked() {
	excess := len(c.entries) - maxEntries
	if excess <= 0 {
		return
	}
	type keyed struct {
		key  string
		last time.Time
	}
	all := make([]keyed, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, keyed{key: key, last: e.lastAccessedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
	for i := 0; i < excess; i++ {
		delete(c.entries, all[i].key)
		delete(c.fingerprints, all[i].key)
		c.metrics.EvictedByLRU++
	}
}
