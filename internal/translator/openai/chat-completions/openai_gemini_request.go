// Package chat_completions converts OpenAI Chat Completions requests into
// Antigravity/Gemini compatible JSON using gjson/sjson only.
package chat_completions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/antigravity-openai-proxy/internal/thinking"
	"github.com/router-for-me/antigravity-openai-proxy/internal/util"
)

// FunctionThoughtSignature is sent on every function-call part. The upstream
// Claude-thinking validator accepts this sentinel in place of a real per-thought
// signature, which a stateless proxy cannot reproduce.
const FunctionThoughtSignature = "skip_thought_signature_validator"

var dataImageURLPattern = regexp.MustCompile(`^data:(image/[a-zA-Z0-9.+-]+);base64,(.+)$`)

// NewCallID synthesizes an OpenAI-style tool call identifier.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// ConvertOpenAIRequestToGemini converts the messages of an OpenAI Chat
// Completions request (raw JSON) into Gemini contents plus an optional
// systemInstruction. The result carries exactly two top-level fields:
// "contents" and, when a system message was present, "systemInstruction"
// wrapped as a user-role content.
func ConvertOpenAIRequestToGemini(rawJSON []byte) []byte {
	out := []byte(`{"contents":[]}`)

	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.IsArray() {
		return out
	}
	arr := messages.Array()

	// Assistant tool_calls id->name map, for tool messages that omit "name".
	tcID2Name := map[string]string{}
	for _, m := range arr {
		if m.Get("role").String() != "assistant" {
			continue
		}
		for _, tc := range m.Get("tool_calls").Array() {
			id := tc.Get("id").String()
			name := tc.Get("function.name").String()
			if id != "" && name != "" {
				tcID2Name[id] = name
			}
		}
	}

	// Pending tool-call ids per function name; tool responses without a
	// tool_call_id bind to the oldest unmatched call for that name.
	pending := map[string][]string{}
	systemText := ""

	for _, m := range arr {
		role := m.Get("role").String()
		content := m.Get("content")

		switch role {
		case "system":
			if text := contentText(content); text != "" {
				systemText = text
			}
		case "tool":
			name := m.Get("name").String()
			callID := m.Get("tool_call_id").String()
			if name == "" && callID != "" {
				name = tcID2Name[callID]
			}
			if callID == "" {
				if queue := pending[name]; len(queue) > 0 {
					callID = queue[0]
					pending[name] = queue[1:]
				} else {
					callID = "unknown"
				}
			}
			node := []byte(`{"role":"user","parts":[]}`)
			node, _ = sjson.SetBytes(node, "parts.0.functionResponse.id", callID)
			node, _ = sjson.SetBytes(node, "parts.0.functionResponse.name", name)
			node, _ = sjson.SetBytes(node, "parts.0.functionResponse.response.result", rawContentString(content))
			out, _ = sjson.SetRawBytes(out, "contents.-1", node)
		case "assistant":
			tcs := m.Get("tool_calls")
			if tcs.IsArray() && len(tcs.Array()) > 0 {
				node := []byte(`{"role":"model","parts":[]}`)
				p := 0
				if content.Type == gjson.String && content.String() != "" {
					node, _ = sjson.SetBytes(node, "parts.0.text", content.String())
					p++
				}
				for _, tc := range tcs.Array() {
					id := tc.Get("id").String()
					if id == "" {
						id = NewCallID()
					}
					name := tc.Get("function.name").String()
					args := tc.Get("function.arguments").String()
					if !gjson.Valid(args) || !gjson.Parse(args).IsObject() {
						args = "{}"
					}
					node, _ = sjson.SetBytes(node, "parts."+itoa(p)+".functionCall.id", id)
					node, _ = sjson.SetBytes(node, "parts."+itoa(p)+".functionCall.name", name)
					node, _ = sjson.SetRawBytes(node, "parts."+itoa(p)+".functionCall.args", []byte(args))
					node, _ = sjson.SetBytes(node, "parts."+itoa(p)+".thoughtSignature", FunctionThoughtSignature)
					pending[name] = append(pending[name], id)
					p++
				}
				out, _ = sjson.SetRawBytes(out, "contents.-1", node)
				continue
			}
			if node, ok := plainContentNode("model", content); ok {
				out, _ = sjson.SetRawBytes(out, "contents.-1", node)
			}
		default: // user
			if node, ok := plainContentNode("user", content); ok {
				out, _ = sjson.SetRawBytes(out, "contents.-1", node)
			}
		}
	}

	if systemText != "" {
		out, _ = sjson.SetBytes(out, "systemInstruction.role", "user")
		out, _ = sjson.SetBytes(out, "systemInstruction.parts.0.text", systemText)
	}

	return out
}

// ConvertOpenAIToolsToGemini wraps the request's function tools into a single
// functionDeclarations group, cleaning each parameter schema for the target
// model family.
func ConvertOpenAIToolsToGemini(rawJSON []byte, modelName string) []byte {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.IsArray() || len(tools.Array()) == 0 {
		return nil
	}

	decls := []byte(`[]`)
	count := 0
	for _, t := range tools.Array() {
		if t.Get("type").String() != "function" {
			continue
		}
		fn := t.Get("function")
		if !fn.IsObject() {
			continue
		}
		decl := []byte(`{}`)
		decl, _ = sjson.SetBytes(decl, "name", fn.Get("name").String())
		if desc := fn.Get("description"); desc.Exists() {
			decl, _ = sjson.SetBytes(decl, "description", desc.String())
		}
		params := fn.Get("parameters").Raw
		if params == "" {
			params = `{"type":"object","properties":{}}`
		}
		if thinking.IsClaudeModel(modelName) {
			params = util.CleanJSONSchemaForClaude(params)
		} else {
			params = util.CleanJSONSchemaForGemini(params)
		}
		decl, _ = sjson.SetRawBytes(decl, "parameters", []byte(params))
		decls, _ = sjson.SetRawBytes(decls, "-1", decl)
		count++
	}
	if count == 0 {
		return nil
	}

	group := []byte(`[{}]`)
	group, _ = sjson.SetRawBytes(group, "0.functionDeclarations", decls)
	return group
}

// plainContentNode builds a content node for a plain user/assistant message.
// Returns ok=false when no usable parts were produced.
func plainContentNode(role string, content gjson.Result) ([]byte, bool) {
	node := []byte(`{"role":"","parts":[]}`)
	node, _ = sjson.SetBytes(node, "role", role)
	p := 0

	switch {
	case content.Type == gjson.String:
		if content.String() == "" {
			return nil, false
		}
		node, _ = sjson.SetBytes(node, "parts.0.text", content.String())
		p++
	case content.IsArray():
		for _, item := range content.Array() {
			switch item.Get("type").String() {
			case "text":
				node, _ = sjson.SetBytes(node, "parts."+itoa(p)+".text", item.Get("text").String())
				p++
			case "image_url":
				match := dataImageURLPattern.FindStringSubmatch(item.Get("image_url.url").String())
				if match == nil {
					continue
				}
				node, _ = sjson.SetBytes(node, "parts."+itoa(p)+".inlineData.mimeType", match[1])
				node, _ = sjson.SetBytes(node, "parts."+itoa(p)+".inlineData.data", match[2])
				p++
			}
		}
	}

	if p == 0 {
		return nil, false
	}
	return node, true
}

// contentText extracts the textual content of a message for the system
// instruction: either the string itself or the concatenated text items.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		for _, item := range content.Array() {
			if item.Get("type").String() == "text" {
				parts = append(parts, item.Get("text").String())
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// rawContentString returns tool message content as the raw string handed to
// functionResponse.response.result.
func rawContentString(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.Exists() {
		return content.Raw
	}
	return ""
}

// itoa converts int to string without strconv import for few usages.
func itoa(i int) string { return fmt.Sprintf("%d", i) }
