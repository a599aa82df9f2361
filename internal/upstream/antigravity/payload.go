package antigravity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pysugar/llm-relay/internal/upstream"
)

// isPremiumModel reports whether the model needs the streaming endpoint
// plus the Antigravity identity enhancement.
func isPremiumModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "claude") || strings.Contains(model, "gemini-3-pro")
}

// buildPayload assembles the cloudcode envelope around a normalized
// request: top-level model/project/userAgent/requestType with the
// Gemini-shaped request nested under "request".
func buildPayload(cred upstream.Credential, req upstream.CompletionRequest) []byte {
	body := []byte(`{"userAgent":"antigravity","requestType":"agent"}`)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	if cred.ProjectID != "" {
		body, _ = sjson.SetBytes(body, "project", cred.ProjectID)
	}

	for i, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		body, _ = sjson.SetBytes(body, fmt.Sprintf("request.contents.%d.role", i), role)
		body, _ = sjson.SetBytes(body, fmt.Sprintf("request.contents.%d.parts.0.text", i), m.Content)
	}
	if req.System != "" {
		body, _ = sjson.SetBytes(body, "request.systemInstruction.role", "user")
		body, _ = sjson.SetBytes(body, "request.systemInstruction.parts.0.text", req.System)
	}
	if req.MaxTokens > 0 {
		body, _ = sjson.SetBytes(body, "request.generationConfig.maxOutputTokens", req.MaxTokens)
	}
	if req.Temperature != nil {
		body, _ = sjson.SetBytes(body, "request.generationConfig.temperature", *req.Temperature)
	}
	if len(req.Tools) > 0 {
		for i, t := range req.Tools {
			base := fmt.Sprintf("request.tools.0.functionDeclarations.%d", i)
			body, _ = sjson.SetBytes(body, base+".name", t.Name)
			if t.Description != "" {
				body, _ = sjson.SetBytes(body, base+".description", t.Description)
			}
			if len(t.Parameters) > 0 {
				body, _ = sjson.SetRawBytes(body, base+".parameters", t.Parameters)
			}
		}
		// toolConfig only when tools are present: adding it bare trips
		// 429s on gemini-3-pro.
		body, _ = sjson.SetBytes(body, "request.toolConfig.functionCallingConfig.mode", "VALIDATED")
	}

	if isPremiumModel(req.Model) {
		body = enhancePremium(body, req.System != "")
	}
	return body
}

// enhancePremium adds the fields premium models reject without: a
// session id, a validated tool config, and the Antigravity identity
// when the caller supplied no system prompt of their own.
func enhancePremium(body []byte, hasSystem bool) []byte {
	body, _ = sjson.SetBytes(body, "request.sessionId", fmt.Sprintf("-%d", rand.Int63n(9_000_000_000_000_000_000)))
	if !gjson.GetBytes(body, "request.toolConfig").Exists() {
		body, _ = sjson.SetBytes(body, "request.toolConfig.functionCallingConfig.mode", "VALIDATED")
	}
	if !hasSystem {
		body, _ = sjson.SetBytes(body, "request.systemInstruction.role", "user")
		body, _ = sjson.SetBytes(body, "request.systemInstruction.parts.0.text", identitySystemInstruction)
		body, _ = sjson.SetBytes(body, "request.systemInstruction.parts.1.text",
			fmt.Sprintf("Please ignore following [ignore]%s[/ignore]", identitySystemInstruction))
	}
	return body
}

// parseResponse normalizes a generateContent body. Cloudcode wraps the
// Gemini response in a "response" envelope; bare responses also occur.
func parseResponse(body []byte) (*upstream.CompletionResult, error) {
	root := gjson.GetBytes(body, "response")
	if !root.Exists() {
		root = gjson.ParseBytes(body)
	}
	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return nil, fmt.Errorf("antigravity response has no candidates")
	}

	b := &resultBuilder{}
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		b.addPart(part)
		return true
	})
	b.setFinish(candidate.Get("finishReason").String())
	b.setUsage(root.Get("usageMetadata"))
	return b.result(), nil
}

// parseStream merges an alt=sse stream into one result, keeping tool
// calls and text boundaries intact across chunks.
func parseStream(r io.Reader) (*upstream.CompletionResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	b := &resultBuilder{}
	sawCandidate := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		chunk := gjson.Parse(data)
		root := chunk.Get("response")
		if !root.Exists() {
			root = chunk
		}
		if usage := root.Get("usageMetadata"); usage.Exists() {
			b.setUsage(usage)
		}
		candidate := root.Get("candidates.0")
		if !candidate.Exists() {
			continue
		}
		sawCandidate = true
		b.setFinish(candidate.Get("finishReason").String())
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			b.addPart(part)
			return true
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read antigravity stream: %w", err)
	}
	if !sawCandidate {
		return nil, fmt.Errorf("antigravity stream carried no candidates")
	}
	return b.result(), nil
}

// resultBuilder accumulates parts across chunks. Adjacent text parts
// merge into one block; a tool call flushes pending text first so block
// order matches upstream order.
type resultBuilder struct {
	blocks  []upstream.ContentBlock
	text    strings.Builder
	finish  string
	usage   upstream.Usage
	toolSeq int
}

func (b *resultBuilder) addPart(part gjson.Result) {
	if part.Get("thought").Bool() {
		return
	}
	if fc := part.Get("functionCall"); fc.Exists() {
		b.flushText()
		b.toolSeq++
		args := fc.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		b.blocks = append(b.blocks, upstream.ContentBlock{
			Type:  "tool_use",
			ID:    fmt.Sprintf("call_%d", b.toolSeq),
			Name:  fc.Get("name").String(),
			Input: json.RawMessage(args),
		})
		return
	}
	if text := part.Get("text"); text.Exists() {
		b.text.WriteString(text.String())
	}
}

func (b *resultBuilder) flushText() {
	if b.text.Len() > 0 {
		b.blocks = append(b.blocks, upstream.ContentBlock{Type: "text", Text: b.text.String()})
		b.text.Reset()
	}
}

func (b *resultBuilder) setFinish(reason string) {
	if reason != "" {
		b.finish = reason
	}
}

func (b *resultBuilder) setUsage(usage gjson.Result) {
	if !usage.Exists() {
		return
	}
	b.usage = upstream.Usage{
		InputTokens:  int(usage.Get("promptTokenCount").Int()),
		OutputTokens: int(usage.Get("candidatesTokenCount").Int()),
	}
}

func (b *resultBuilder) result() *upstream.CompletionResult {
	b.flushText()
	return &upstream.CompletionResult{
		Content:    b.blocks,
		StopReason: b.stopReason(),
		Usage:      b.usage,
	}
}

func (b *resultBuilder) stopReason() string {
	for _, blk := range b.blocks {
		if blk.Type == "tool_use" {
			return "tool_use"
		}
	}
	switch b.finish {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return strings.ToLower(b.finish)
	}
}
