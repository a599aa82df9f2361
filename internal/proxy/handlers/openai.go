package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pysugar/llm-relay/internal/catalog"
	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/logging"
	"github.com/pysugar/llm-relay/internal/routing"
	"github.com/pysugar/llm-relay/internal/upstream"
)

type openaiChatRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Stream              bool            `json:"stream"`
	MaxTokens           int             `json:"max_tokens"`
	MaxCompletionTokens int             `json:"max_completion_tokens"`
	Temperature         *float64        `json:"temperature"`
	Tools               []openaiTool    `json:"tools"`
}

type openaiMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// OpenAIChatHandler handles POST /v1/chat/completions. Streaming requests
// are answered by synthesizing SSE chunks from the completed normalized
// result; chunk-level upstream streaming is not translated through.
func OpenAIChatHandler(rt ChatRouter, store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeOpenAIError(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		logVerbosePayload(r, "/v1/chat/completions request", body)

		var req openaiChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeOpenAIError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeOpenAIError(w, "messages is required", http.StatusBadRequest)
			return
		}

		res, err := rt.Execute(r.Context(), req.Model, toCompletionRequest(req))
		if err != nil {
			status, message := routerFailure(w, err)
			recordRequest(store, r, req.Model, res, err, status, started)
			logging.Entry(r.Context()).Warnf("❌ /v1/chat/completions %s: %s", req.Model, message)
			writeOpenAIError(w, message, status)
			return
		}

		recordRequest(store, r, req.Model, res, nil, http.StatusOK, started)
		if req.Stream {
			writeOpenAIStream(w, req.Model, res.Completion)
			return
		}
		writeJSON(w, http.StatusOK, openaiCompletionBody(req.Model, res.Completion))
	}
}

// toCompletionRequest flattens the OpenAI wire shape into the normalized
// request. System and developer turns merge into the system prompt.
func toCompletionRequest(req openaiChatRequest) upstream.CompletionRequest {
	out := upstream.CompletionRequest{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = req.MaxCompletionTokens
	}

	var system []string
	for _, msg := range req.Messages {
		text := flattenOpenAIContent(msg.Content)
		switch msg.Role {
		case "system", "developer":
			if text != "" {
				system = append(system, text)
			}
		default:
			out.Messages = append(out.Messages, upstream.Message{Role: msg.Role, Content: text})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, tool := range req.Tools {
		if tool.Type != "" && tool.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, upstream.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	return out
}

// flattenOpenAIContent accepts both the string form and the content-part
// array form, concatenating text parts. Non-text parts are dropped.
func flattenOpenAIContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" || p.Type == "input_text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func openaiToolCalls(result *upstream.CompletionResult) []map[string]interface{} {
	var calls []map[string]interface{}
	for _, block := range result.Content {
		if block.Type != "tool_use" {
			continue
		}
		id := block.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := string(block.Input)
		if args == "" {
			args = "{}"
		}
		calls = append(calls, map[string]interface{}{
			"index": len(calls),
			"id":    id,
			"type":  "function",
			"function": map[string]interface{}{
				"name":      block.Name,
				"arguments": args,
			},
		})
	}
	return calls
}

func openaiCompletionBody(model string, result *upstream.CompletionResult) map[string]interface{} {
	message := map[string]interface{}{
		"role":    "assistant",
		"content": result.Text(),
	}
	if calls := openaiToolCalls(result); len(calls) > 0 {
		message["tool_calls"] = calls
		message["content"] = nil
	}
	return map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason(result.StopReason),
		}},
		"usage": map[string]interface{}{
			"prompt_tokens":     result.Usage.InputTokens,
			"completion_tokens": result.Usage.OutputTokens,
			"total_tokens":      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
	}
}

// writeOpenAIStream replays a completed result as chat.completion.chunk
// events: role first, then content, then tool calls, then the finishing
// chunk with usage, then [DONE].
func writeOpenAIStream(w http.ResponseWriter, model string, result *upstream.CompletionResult) {
	SetSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	emit := func(delta map[string]interface{}, finish interface{}, usage map[string]interface{}) {
		chunk := map[string]interface{}{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]interface{}{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		if usage != nil {
			chunk["usage"] = usage
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(map[string]interface{}{"role": "assistant"}, nil, nil)
	if text := result.Text(); text != "" {
		emit(map[string]interface{}{"content": text}, nil, nil)
	}
	if calls := openaiToolCalls(result); len(calls) > 0 {
		emit(map[string]interface{}{"tool_calls": calls}, nil, nil)
	}
	emit(map[string]interface{}{}, finishReason(result.StopReason), map[string]interface{}{
		"prompt_tokens":     result.Usage.InputTokens,
		"completion_tokens": result.Usage.OutputTokens,
		"total_tokens":      result.Usage.InputTokens + result.Usage.OutputTokens,
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// OpenAIModelsHandler handles GET /v1/models: the canonical catalog plus
// every configured flow, since flows are addressable as models.
func OpenAIModelsHandler(cat *catalog.Catalog, cfg func() *routing.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		created := time.Now().Unix()
		data := []map[string]interface{}{}
		for _, info := range cat.Models() {
			data = append(data, map[string]interface{}{
				"id":       info.ID,
				"object":   "model",
				"created":  created,
				"owned_by": string(info.Provider),
			})
		}
		for _, flow := range cfg().Flows {
			data = append(data, map[string]interface{}{
				"id":       flow.Name,
				"object":   "model",
				"created":  created,
				"owned_by": "flow",
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}
