// Package antigravity provides OAuth2 credential handling for the Antigravity
// upstream: per-refresh-token access token caching, fingerprint derivation, and
// project discovery.
package antigravity

// OAuth client credentials and endpoints. The client id/secret defaults are
// overridable through ANTIGRAVITY_CLIENT_ID / ANTIGRAVITY_CLIENT_SECRET.
const (
	ClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	ClientSecret = "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"

	TokenEndpoint = "https://oauth2.googleapis.com/token"
)

// Antigravity API base URLs in failover order.
const (
	EndpointDaily    = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	EndpointAutopush = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
	EndpointProd     = "https://cloudcode-pa.googleapis.com"

	LoadCodeAssistPath = "/v1internal:loadCodeAssist"
	StreamGeneratePath = "/v1internal:streamGenerateContent"
)

// DefaultEndpoints returns the antigravity-style base URL failover order.
func DefaultEndpoints() []string {
	return []string{EndpointDaily, EndpointAutopush, EndpointProd}
}
