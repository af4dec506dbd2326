// Package openai provides the OpenAI-compatible HTTP handlers: chat
// completions with streaming and non-streaming responses, the model catalog,
// health, and cache metrics.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	agauth "github.com/router-for-me/antigravity-openai-proxy/internal/auth/antigravity"
	"github.com/router-for-me/antigravity-openai-proxy/internal/config"
	"github.com/router-for-me/antigravity-openai-proxy/internal/registry"
	"github.com/router-for-me/antigravity-openai-proxy/internal/thinking"
	chatcompletions "github.com/router-for-me/antigravity-openai-proxy/internal/translator/openai/chat-completions"
	"github.com/router-for-me/antigravity-openai-proxy/internal/upstream"
)

const defaultModel = "gemini-3-flash"

// Handler serves the OpenAI-compatible surface against the Antigravity
// upstream.
type Handler struct {
	Cfg      *config.Config
	Tokens   *agauth.TokenCache
	Upstream *upstream.Client

	startedAt time.Time
}

// NewHandler wires the handler with its collaborators.
func NewHandler(cfg *config.Config, tokens *agauth.TokenCache, client *upstream.Client) *Handler {
	return &Handler{
		Cfg:       cfg,
		Tokens:    tokens,
		Upstream:  client,
		startedAt: time.Now(),
	}
}

// Health handles GET /.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "antigravity-openai-proxy"})
}

// Metrics handles GET /metrics.
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"oauth": gin.H{
			"cache":  h.Tokens.Metrics(),
			"uptime": time.Since(h.startedAt).Round(time.Second).String(),
		},
	})
}

// Models handles GET /v1/models and GET /models.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": registry.Models()})
}

// ChatCompletions handles POST /v1/chat/completions and POST /chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	refreshToken := bearerToken(c.GetHeader("Authorization"))
	if refreshToken == "" {
		writeError(c, http.StatusUnauthorized, "missing bearer token")
		return
	}

	rawJSON, errRead := c.GetRawData()
	if errRead != nil || !gjson.ValidBytes(rawJSON) {
		writeError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		writeError(c, http.StatusBadRequest, "messages is required")
		return
	}

	model := gjson.GetBytes(rawJSON, "model").String()
	if model == "" {
		model = defaultModel
	}
	streamMode := true
	if s := gjson.GetBytes(rawJSON, "stream"); s.Exists() {
		streamMode = s.Bool()
	}
	effort := gjson.GetBytes(rawJSON, "reasoning_effort").String()

	payload, errBuild := h.buildPayload(c.Request.Context(), rawJSON, model, effort, refreshToken)
	if errBuild != nil {
		writeError(c, http.StatusInternalServerError, errBuild.Error())
		return
	}

	accessToken, errToken := h.Tokens.GetAccessToken(c.Request.Context(), refreshToken)
	if errToken != nil {
		writeError(c, http.StatusInternalServerError, errToken.Error())
		return
	}

	resp, errUpstream := h.Upstream.Request(c.Request.Context(), payload, accessToken, upstream.Options{
		Style:        upstream.StyleAntigravity,
		Model:        model,
		RefreshToken: refreshToken,
	})
	if errUpstream != nil {
		writeError(c, http.StatusInternalServerError, errUpstream.Error())
		return
	}
	if resp.Body == nil {
		writeError(c, http.StatusBadGateway, "empty upstream body")
		return
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("chat completions: close upstream body: %v", errClose)
		}
	}()

	transformer := chatcompletions.NewStreamTransformer(h.Cfg.KeepThinking)
	chunks := transformer.Run(c.Request.Context(), resp.Body)

	completionID := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:29]
	created := time.Now().Unix()

	if streamMode {
		h.streamResponse(c, chunks, completionID, created, model)
		return
	}
	h.accumulateResponse(c, chunks, completionID, created, model)
}

// buildPayload composes the Antigravity request envelope from the client's
// OpenAI request.
func (h *Handler) buildPayload(ctx context.Context, rawJSON []byte, model, effort, refreshToken string) ([]byte, error) {
	converted := chatcompletions.ConvertOpenAIRequestToGemini(rawJSON)

	request := []byte(`{}`)
	request, _ = sjson.SetRawBytes(request, "contents", []byte(gjson.GetBytes(converted, "contents").Raw))
	if si := gjson.GetBytes(converted, "systemInstruction"); si.Exists() {
		request, _ = sjson.SetRawBytes(request, "systemInstruction", []byte(si.Raw))
	}

	tools := chatcompletions.ConvertOpenAIToolsToGemini(rawJSON, model)
	if tools != nil {
		request, _ = sjson.SetRawBytes(request, "tools", tools)
		if thinking.IsClaudeModel(model) {
			request, _ = sjson.SetBytes(request, "toolConfig.functionCallingConfig.mode", "VALIDATED")
		}
	}

	if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Exists() {
		request, _ = sjson.SetBytes(request, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Exists() {
		request, _ = sjson.SetBytes(request, "generationConfig.temperature", v.Float())
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Exists() {
		request, _ = sjson.SetBytes(request, "generationConfig.topP", v.Float())
	}
	if v := gjson.GetBytes(rawJSON, "stop"); v.Exists() {
		if v.IsArray() {
			request, _ = sjson.SetRawBytes(request, "generationConfig.stopSequences", []byte(v.Raw))
		} else {
			request, _ = sjson.SetBytes(request, "generationConfig.stopSequences", []string{v.String()})
		}
	}

	request = thinking.Apply(request, model, effort, h.Cfg.ThinkingBudget)
	request, _ = sjson.SetBytes(request, "sessionId", "session-"+uuid.NewString())

	projectID := h.Cfg.ProjectID
	if projectID == "" {
		discovered, errProject := h.Tokens.GetProjectID(ctx, refreshToken)
		if errProject != nil {
			return nil, fmt.Errorf("project discovery: %w", errProject)
		}
		projectID = discovered
	}

	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "project", projectID)
	payload, _ = sjson.SetBytes(payload, "model", thinking.NormalizeModelForAntigravity(model, effort))
	payload, _ = sjson.SetBytes(payload, "userAgent", "antigravity")
	payload, _ = sjson.SetBytes(payload, "requestId", "agent-"+uuid.NewString())
	payload, _ = sjson.SetBytes(payload, "requestType", "agent")
	payload, _ = sjson.SetRawBytes(payload, "request", request)
	return payload, nil
}

// streamResponse re-frames transformer chunks as OpenAI SSE, ending with a
// single data: [DONE] sentinel.
func (h *Handler) streamResponse(c *gin.Context, chunks <-chan []byte, completionID string, created int64, model string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, _ := c.Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	for chunk := range chunks {
		chunk = enrichChunk(chunk, completionID, created, model)
		if _, errWrite := fmt.Fprintf(c.Writer, "data: %s\n\n", chunk); errWrite != nil {
			log.Debugf("chat completions: client write failed: %v", errWrite)
			return
		}
		flush()
	}

	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flush()
}

// accumulateResponse drains the transformer into one JSON completion object.
// Tool calls are collected verbatim, deduplicated by id and name.
func (h *Handler) accumulateResponse(c *gin.Context, chunks <-chan []byte, completionID string, created int64, model string) {
	var content strings.Builder
	toolCalls := []byte(`[]`)
	seenCalls := map[string]struct{}{}
	haveCalls := false
	finishReason := "stop"

	for chunk := range chunks {
		delta := gjson.GetBytes(chunk, "choices.0.delta")
		if text := delta.Get("content"); text.Exists() {
			content.WriteString(text.String())
		}
		for _, call := range delta.Get("tool_calls").Array() {
			key := call.Get("id").String() + "|" + call.Get("function.name").String()
			if _, ok := seenCalls[key]; ok {
				continue
			}
			seenCalls[key] = struct{}{}
			toolCalls, _ = sjson.SetRawBytes(toolCalls, "-1", []byte(call.Raw))
			haveCalls = true
		}
	}
	if haveCalls {
		finishReason = "tool_calls"
	}

	out := []byte(`{"choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":""}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`)
	out, _ = sjson.SetBytes(out, "id", completionID)
	out, _ = sjson.SetBytes(out, "object", "chat.completion")
	out, _ = sjson.SetBytes(out, "created", created)
	out, _ = sjson.SetBytes(out, "model", model)
	if content.Len() > 0 {
		out, _ = sjson.SetBytes(out, "choices.0.message.content", content.String())
	} else {
		out, _ = sjson.SetRawBytes(out, "choices.0.message.content", []byte("null"))
	}
	if haveCalls {
		out, _ = sjson.SetRawBytes(out, "choices.0.message.tool_calls", toolCalls)
	}
	out, _ = sjson.SetBytes(out, "choices.0.finish_reason", finishReason)

	c.Data(http.StatusOK, "application/json", out)
}

// enrichChunk stamps the transformer's bare chunk with the completion envelope.
func enrichChunk(chunk []byte, completionID string, created int64, model string) []byte {
	chunk, _ = sjson.SetBytes(chunk, "id", completionID)
	chunk, _ = sjson.SetBytes(chunk, "object", "chat.completion.chunk")
	chunk, _ = sjson.SetBytes(chunk, "created", created)
	chunk, _ = sjson.SetBytes(chunk, "model", model)
	return chunk
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message}})
}
