// Package registry holds the static model catalog exposed on /v1/models.
package registry

// ModelInfo describes one catalog entry in OpenAI list format.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`

	// Thinking marks reasoning-capable models. Not serialized; consumed by
	// catalog consumers that need the capability split.
	Thinking bool `json:"-"`
}

const catalogCreated = 1735689600

// models is the static catalog served through the upstream.
var models = []ModelInfo{
	{ID: "gemini-3-pro", Object: "model", Created: catalogCreated, OwnedBy: "google", Thinking: true},
	{ID: "gemini-3-pro-low", Object: "model", Created: catalogCreated, OwnedBy: "google", Thinking: true},
	{ID: "gemini-3-pro-high", Object: "model", Created: catalogCreated, OwnedBy: "google", Thinking: true},
	{ID: "gemini-3-flash", Object: "model", Created: catalogCreated, OwnedBy: "google", Thinking: true},
	{ID: "gemini-2.5-pro", Object: "model", Created: catalogCreated, OwnedBy: "google"},
	{ID: "gemini-2.5-flash", Object: "model", Created: catalogCreated, OwnedBy: "google"},
	{ID: "claude-sonnet-4-5", Object: "model", Created: catalogCreated, OwnedBy: "anthropic"},
	{ID: "claude-sonnet-4-5-thinking", Object: "model", Created: catalogCreated, OwnedBy: "anthropic", Thinking: true},
	{ID: "claude-opus-4-5", Object: "model", Created: catalogCreated, OwnedBy: "anthropic", Thinking: true},
	{ID: "claude-opus-4-5-thinking", Object: "model", Created: catalogCreated, OwnedBy: "anthropic", Thinking: true},
}

// Models returns a copy of the catalog.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(models))
	copy(out, models)
	return out
}
