// Package thinking maps OpenAI reasoning_effort values onto the per-family
// reasoning controls of the Antigravity upstream: model-name tier suffixes for
// Gemini 3 Pro/Flash, numeric token budgets for Claude, and thinkingConfig
// injection into generationConfig.
package thinking

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultBudget is the thinking token budget used when no reasoning_effort is
// supplied. Overridable via THINKING_BUDGET.
const DefaultBudget = 16000

// claudeMaxOutputFloor is forced as maxOutputTokens for Claude thinking
// requests whose limit would not exceed the thinking budget.
const claudeMaxOutputFloor = 64000

var tierSuffixes = []string{"-low", "-medium", "-high", "-minimal"}

// IsClaudeModel reports whether the model identifier belongs to the Claude
// family served through Antigravity.
func IsClaudeModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "claude") || strings.Contains(m, "opus")
}

// IsThinkingModel reports whether the model supports reasoning output.
func IsThinkingModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "thinking") || strings.Contains(m, "gemini-3") || strings.Contains(m, "opus")
}

// ProSuffix maps reasoning_effort onto the Gemini 3 Pro tier suffix.
func ProSuffix(effort string) string {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "high":
		return "high"
	default:
		return "low"
	}
}

// FlashSuffix maps reasoning_effort onto the Gemini 3 Flash thinking level.
func FlashSuffix(effort string) string {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "minimal":
		return "minimal"
	case "low":
		return "low"
	case "high":
		return "high"
	case "medium":
		return "medium"
	default:
		return "medium"
	}
}

// Budget maps reasoning_effort onto a thinking token budget. defaultBudget is
// used when no effort was supplied; pass 0 to use DefaultBudget.
func Budget(effort string, defaultBudget int) int {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "minimal", "low":
		return 8192
	case "medium":
		return 16384
	case "high":
		return 32768
	}
	if defaultBudget > 0 {
		return defaultBudget
	}
	return DefaultBudget
}

// HasTierSuffix reports whether the model already carries an explicit tier
// suffix chosen by the client.
func HasTierSuffix(model string) bool {
	m := strings.ToLower(model)
	for _, suffix := range tierSuffixes {
		if strings.HasSuffix(m, suffix) {
			return true
		}
	}
	return false
}

// StripTierSuffix removes a trailing tier suffix, if any.
func StripTierSuffix(model string) string {
	for _, suffix := range tierSuffixes {
		if strings.HasSuffix(strings.ToLower(model), suffix) {
			return model[:len(model)-len(suffix)]
		}
	}
	return model
}

// NormalizeModelForAntigravity folds reasoning effort into the Gemini 3 Pro
// model identifier. An explicit suffix in the client's model string wins over
// the reasoning_effort parameter.
func NormalizeModelForAntigravity(model, effort string) string {
	lower := strings.ToLower(model)
	if !strings.HasPrefix(lower, "gemini-3-pro") {
		return model
	}
	if HasTierSuffix(model) {
		return model
	}
	return model + "-" + ProSuffix(effort)
}

// ResolveModelForHeaderStyle restores the canonical model identifier for the
// given header style. The gemini-cli wire profile uses -preview model names and
// no tier suffixes.
func ResolveModelForHeaderStyle(model, style string) string {
	if style != "gemini-cli" {
		return model
	}
	model = StripTierSuffix(model)
	if strings.Contains(strings.ToLower(model), "gemini-3") && !strings.HasSuffix(strings.ToLower(model), "-preview") {
		model = model + "-preview"
	}
	return model
}

// Apply injects the reasoning configuration for the model family into the
// request-level payload's generationConfig. Non-thinking models pass through
// unchanged.
func Apply(payload []byte, model, effort string, defaultBudget int) []byte {
	if !IsThinkingModel(model) {
		return payload
	}

	lower := strings.ToLower(model)
	cfgPath := "generationConfig.thinkingConfig"

	switch {
	case strings.Contains(lower, "gemini-3-pro"):
		payload, _ = sjson.SetBytes(payload, cfgPath+".thinkingLevel", ProSuffix(effort))
		payload, _ = sjson.SetBytes(payload, cfgPath+".includeThoughts", true)
	case strings.Contains(lower, "gemini-3-flash"):
		payload, _ = sjson.SetBytes(payload, cfgPath+".thinkingLevel", FlashSuffix(effort))
		payload, _ = sjson.SetBytes(payload, cfgPath+".includeThoughts", true)
	case IsClaudeModel(model):
		budget := Budget(effort, defaultBudget)
		payload, _ = sjson.SetBytes(payload, cfgPath+".include_thoughts", true)
		payload, _ = sjson.SetBytes(payload, cfgPath+".thinking_budget", budget)
		maxTok := gjson.GetBytes(payload, "generationConfig.maxOutputTokens")
		if !maxTok.Exists() || maxTok.Int() <= int64(budget) {
			payload, _ = sjson.SetBytes(payload, "generationConfig.maxOutputTokens", claudeMaxOutputFloor)
		}
	default:
		payload, _ = sjson.SetBytes(payload, cfgPath+".thinkingBudget", Budget(effort, defaultBudget))
		payload, _ = sjson.SetBytes(payload, cfgPath+".includeThoughts", true)
	}

	return payload
}
