// Streaming response translation: the Antigravity upstream emits Gemini SSE
// frames with cumulative parts semantics (each frame repeats every previously
// seen part), which this file converts into incremental OpenAI chunk deltas.
package chat_completions

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StreamTransformer converts one upstream SSE response body into OpenAI chunk
// objects. A transformer is scoped to a single response and is not safe for
// concurrent use.
type StreamTransformer struct {
	// KeepThinking passes thought-flagged text parts through instead of
	// dropping them.
	KeepThinking bool

	toolCallIndex int
	emittedCalls  map[int]struct{}
}

// NewStreamTransformer creates a transformer for a single upstream response.
func NewStreamTransformer(keepThinking bool) *StreamTransformer {
	return &StreamTransformer{
		KeepThinking: keepThinking,
		emittedCalls: map[int]struct{}{},
	}
}

// Run reads the upstream body and delivers OpenAI chunk JSON objects on the
// returned channel. The channel is closed after the terminal stop chunk. A mid
// stream read error is surfaced to the client as a final error delta with
// finish_reason "stop"; the channel never delivers a Go error.
func (t *StreamTransformer) Run(ctx context.Context, body io.Reader) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)

		emit := func(chunk []byte) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(body)
		var remainder bytes.Buffer
		sawSSE := false

		for {
			line, errRead := reader.ReadString('\n')
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "data:") {
				sawSSE = true
				payload := strings.TrimSpace(trimmed[len("data:"):])
				if payload != "" && payload != "[DONE]" {
					for _, chunk := range t.transformChunk([]byte(payload)) {
						if !emit(chunk) {
							return
						}
					}
				}
			} else if trimmed != "" {
				remainder.WriteString(trimmed)
			}

			if errRead != nil {
				if errRead != io.EOF {
					log.Debugf("stream transformer: upstream read error: %v", errRead)
					errChunk := []byte(`{"choices":[{"index":0,"delta":{"content":""},"finish_reason":"stop"}]}`)
					errChunk, _ = sjson.SetBytes(errChunk, "choices.0.delta.content", "\n\nStream error: "+errRead.Error())
					emit(errChunk)
					return
				}
				break
			}
		}

		// Permissive non-SSE endpoints return a bare JSON object or array.
		if !sawSSE && remainder.Len() > 0 {
			raw := bytes.TrimSpace(remainder.Bytes())
			if gjson.ValidBytes(raw) {
				parsed := gjson.ParseBytes(raw)
				if parsed.IsArray() {
					for _, frame := range parsed.Array() {
						for _, chunk := range t.transformChunk([]byte(frame.Raw)) {
							if !emit(chunk) {
								return
							}
						}
					}
				} else if parsed.IsObject() {
					for _, chunk := range t.transformChunk(raw) {
						if !emit(chunk) {
							return
						}
					}
				}
			}
		}

		emit([]byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))
	}()
	return out
}

// transformChunk converts one upstream frame into zero or more OpenAI chunks.
// Function-call parts are deduplicated by their position in the candidate's
// parts list: the cumulative protocol keeps every call at a stable index, so a
// position seen once is never emitted again. Text parts are not deduplicated;
// upstream does not resend text at the same position in practice.
func (t *StreamTransformer) transformChunk(payload []byte) [][]byte {
	parts := gjson.GetBytes(payload, "response.candidates.0.content.parts")
	if !parts.Exists() {
		parts = gjson.GetBytes(payload, "candidates.0.content.parts")
	}
	if !parts.IsArray() {
		return nil
	}

	var chunks [][]byte
	for i, part := range parts.Array() {
		if text := part.Get("text"); text.Exists() {
			if part.Get("thought").Bool() && !t.KeepThinking {
				continue
			}
			chunk := []byte(`{"choices":[{"index":0,"delta":{"content":""},"finish_reason":null}]}`)
			chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.content", text.String())
			chunks = append(chunks, chunk)
			continue
		}

		fc := part.Get("functionCall")
		if !fc.Exists() {
			continue
		}
		if _, emitted := t.emittedCalls[i]; emitted {
			continue
		}

		args := fc.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		args, _ = sjson.Delete(args, "__thinking_text")

		call := []byte(`{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`)
		call, _ = sjson.SetBytes(call, "index", t.toolCallIndex)
		call, _ = sjson.SetBytes(call, "id", NewCallID())
		call, _ = sjson.SetBytes(call, "function.name", fc.Get("name").String())
		call, _ = sjson.SetBytes(call, "function.arguments", args)

		chunk := []byte(`{"choices":[{"index":0,"delta":{"tool_calls":[]},"finish_reason":null}]}`)
		chunk, _ = sjson.SetRawBytes(chunk, "choices.0.delta.tool_calls.-1", call)
		chunks = append(chunks, chunk)

		t.emittedCalls[i] = struct{}{}
		t.toolCallIndex++
	}
	return chunks
}
