package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/logging"
	"github.com/pysugar/llm-relay/internal/upstream"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      json.RawMessage    `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature"`
	Stream      bool               `json:"stream"`
	Tools       []anthropicTool    `json:"tools"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// AnthropicMessagesHandler handles POST /anthropic/v1/messages. Like the
// OpenAI surface, streaming responses are synthesized from the completed
// normalized result.
func AnthropicMessagesHandler(rt ChatRouter, store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeAnthropicError(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		logVerbosePayload(r, "/anthropic/v1/messages request", body)

		var req anthropicRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeAnthropicError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeAnthropicError(w, "messages is required", http.StatusBadRequest)
			return
		}

		res, err := rt.Execute(r.Context(), req.Model, anthropicToCompletionRequest(req))
		if err != nil {
			status, message := routerFailure(w, err)
			recordRequest(store, r, req.Model, res, err, status, started)
			logging.Entry(r.Context()).Warnf("❌ /anthropic/v1/messages %s: %s", req.Model, message)
			writeAnthropicError(w, message, status)
			return
		}

		recordRequest(store, r, req.Model, res, nil, http.StatusOK, started)
		if req.Stream {
			writeAnthropicStream(w, req.Model, res.Completion)
			return
		}
		writeJSON(w, http.StatusOK, anthropicMessageBody(req.Model, res.Completion))
	}
}

func anthropicToCompletionRequest(req anthropicRequest) upstream.CompletionRequest {
	out := upstream.CompletionRequest{
		System:      flattenAnthropicContent(req.System),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, upstream.Message{
			Role:    msg.Role,
			Content: flattenAnthropicContent(msg.Content),
		})
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, upstream.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return out
}

// flattenAnthropicContent accepts the string form and the block-array
// form. Text blocks concatenate; tool_result blocks contribute their
// textual content so multi-turn tool conversations keep context.
func flattenAnthropicContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type    string          `json:"type"`
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case "text":
			b.WriteString(block.Text)
		case "tool_result":
			b.WriteString(flattenAnthropicContent(block.Content))
		}
	}
	return b.String()
}

func anthropicContentBlocks(result *upstream.CompletionResult) []map[string]interface{} {
	blocks := []map[string]interface{}{}
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			blocks = append(blocks, map[string]interface{}{
				"type": "text",
				"text": block.Text,
			})
		case "tool_use":
			id := block.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, map[string]interface{}{
				"type":  "tool_use",
				"id":    id,
				"name":  block.Name,
				"input": input,
			})
		}
	}
	return blocks
}

func anthropicMessageBody(model string, result *upstream.CompletionResult) map[string]interface{} {
	return map[string]interface{}{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       anthropicContentBlocks(result),
		"stop_reason":   anthropicStopReason(result.StopReason),
		"stop_sequence": nil,
		"usage": map[string]interface{}{
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
		},
	}
}

// writeAnthropicStream replays a completed result as the Anthropic event
// sequence: message_start, one content block per result block, then
// message_delta with the stop reason and usage, then message_stop.
func writeAnthropicStream(w http.ResponseWriter, model string, result *upstream.CompletionResult) {
	SetSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	emit := func(event string, payload map[string]interface{}) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            "msg_" + uuid.NewString(),
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]interface{}{
				"input_tokens":  result.Usage.InputTokens,
				"output_tokens": 0,
			},
		},
	})

	for i, block := range anthropicContentBlocks(result) {
		blockType := block["type"].(string)
		start := map[string]interface{}{"type": blockType}
		if blockType == "tool_use" {
			start["id"] = block["id"]
			start["name"] = block["name"]
			start["input"] = map[string]interface{}{}
		} else {
			start["text"] = ""
		}
		emit("content_block_start", map[string]interface{}{
			"type":          "content_block_start",
			"index":         i,
			"content_block": start,
		})

		var delta map[string]interface{}
		if blockType == "tool_use" {
			input, _ := json.Marshal(block["input"])
			delta = map[string]interface{}{"type": "input_json_delta", "partial_json": string(input)}
		} else {
			delta = map[string]interface{}{"type": "text_delta", "text": block["text"]}
		}
		emit("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": i,
			"delta": delta,
		})
		emit("content_block_stop", map[string]interface{}{
			"type":  "content_block_stop",
			"index": i,
		})
	}

	emit("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   anthropicStopReason(result.StopReason),
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"output_tokens": result.Usage.OutputTokens,
		},
	})
	emit("message_stop", map[string]interface{}{"type": "message_stop"})
}
