// Package codex implements the executor for ChatGPT OAuth accounts
// against the Codex Responses API.
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pysugar/llm-relay/internal/upstream"
)

const (
	// BaseURL is the ChatGPT Backend API endpoint for Codex.
	BaseURL = "https://chatgpt.com/backend-api/codex"
	// TokenURL is the OpenAI OAuth token refresh endpoint.
	TokenURL = "https://auth.openai.com/oauth/token"
	// ClientID is the Codex CLI OAuth client.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	// UserAgent mimics the Codex CLI.
	UserAgent = "codex_cli_rs/0.94.0 (Mac OS 26.0.1; arm64)"

	clientVersion = "0.94.0"
)

// Executor drives the Codex Responses API. The upstream only answers in
// SSE, so Complete consumes the stream and returns the merged result.
type Executor struct {
	client *http.Client
	base   string
}

// New builds the executor on the shared upstream HTTP client.
func New(client *http.Client) *Executor {
	return &Executor{client: client, base: BaseURL}
}

func (e *Executor) Identifier() upstream.Provider { return upstream.ProviderCodex }

func (e *Executor) Complete(ctx context.Context, cred upstream.Credential, req upstream.CompletionRequest) (*upstream.CompletionResult, error) {
	payload := buildResponsesPayload(req)

	resp, err := upstream.Post(ctx, e.client, e.base+"/responses", e.headers(cred), payload)
	if err != nil {
		return nil, fmt.Errorf("codex request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_, err := upstream.ReadBody(upstream.ProviderCodex, resp)
		return nil, err
	}
	defer resp.Body.Close()
	return collectResponses(resp.Body)
}

// Refresh exchanges the refresh token at OpenAI's OAuth endpoint. Codex
// rotates refresh tokens, so the result may carry a replacement.
func (e *Executor) Refresh(ctx context.Context, cred upstream.Credential) (*upstream.RefreshResult, error) {
	form := url.Values{
		"client_id":     {ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"scope":         {"openid profile email"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("codex refresh failed (%d): %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse codex refresh response: %w", err)
	}

	return &upstream.RefreshResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

// FetchModels: ChatGPT exposes no per-model quota endpoint.
func (e *Executor) FetchModels(ctx context.Context, cred upstream.Credential) (*upstream.QuotaSnapshot, error) {
	return nil, upstream.ErrQuotaUnsupported
}

func (e *Executor) headers(cred upstream.Credential) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cred.AccessToken)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	h.Set("User-Agent", UserAgent)
	h.Set("Version", clientVersion)
	h.Set("Openai-Beta", "responses=experimental")
	h.Set("Originator", "codex_cli_rs")

	if claims, err := ParseAccountClaims(cred.AccessToken); err == nil && claims.AuthInfo.ChatgptAccountID != "" {
		h.Set("Chatgpt-Account-Id", claims.AuthInfo.ChatgptAccountID)
	}
	return h
}

// buildResponsesPayload converts the normalized request to Responses
// format: system prompt becomes instructions, turns become typed input
// items. Codex rejects sampling parameters, so none are sent.
func buildResponsesPayload(req upstream.CompletionRequest) []byte {
	body := []byte(`{"stream":true,"store":false}`)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	body, _ = sjson.SetBytes(body, "instructions", req.System)

	for i, m := range req.Messages {
		contentType := "input_text"
		if m.Role == "assistant" {
			contentType = "output_text"
		}
		base := fmt.Sprintf("input.%d", i)
		body, _ = sjson.SetBytes(body, base+".type", "message")
		body, _ = sjson.SetBytes(body, base+".role", m.Role)
		body, _ = sjson.SetBytes(body, base+".content.0.type", contentType)
		body, _ = sjson.SetBytes(body, base+".content.0.text", m.Content)
	}

	for i, t := range req.Tools {
		base := fmt.Sprintf("tools.%d", i)
		body, _ = sjson.SetBytes(body, base+".type", "function")
		body, _ = sjson.SetBytes(body, base+".name", t.Name)
		if t.Description != "" {
			body, _ = sjson.SetBytes(body, base+".description", t.Description)
		}
		if len(t.Parameters) > 0 {
			body, _ = sjson.SetRawBytes(body, base+".parameters", t.Parameters)
		}
	}
	return body
}

// collectResponses merges the SSE event stream into one result. Text
// arrives as output_text deltas; tool calls and usage arrive whole on
// output_item.done and response.completed.
func collectResponses(r io.Reader) (*upstream.CompletionResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var text strings.Builder
	var blocks []upstream.ContentBlock
	var usage upstream.Usage
	completed := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		event := gjson.Parse(strings.TrimPrefix(line, "data: "))

		switch event.Get("type").String() {
		case "response.output_text.delta":
			text.WriteString(event.Get("delta").String())
		case "response.output_item.done":
			item := event.Get("item")
			if item.Get("type").String() != "function_call" {
				continue
			}
			args := item.Get("arguments").String()
			if args == "" {
				args = "{}"
			}
			blocks = append(blocks, upstream.ContentBlock{
				Type:  "tool_use",
				ID:    item.Get("call_id").String(),
				Name:  item.Get("name").String(),
				Input: json.RawMessage(args),
			})
		case "response.completed":
			u := event.Get("response.usage")
			usage = upstream.Usage{
				InputTokens:  int(u.Get("input_tokens").Int()),
				OutputTokens: int(u.Get("output_tokens").Int()),
			}
			completed = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read codex stream: %w", err)
	}
	if !completed && text.Len() == 0 && len(blocks) == 0 {
		return nil, fmt.Errorf("codex stream ended without output")
	}

	result := &upstream.CompletionResult{Usage: usage, StopReason: "stop"}
	if text.Len() > 0 {
		result.Content = append(result.Content, upstream.ContentBlock{Type: "text", Text: text.String()})
	}
	if len(blocks) > 0 {
		result.Content = append(result.Content, blocks...)
		result.StopReason = "tool_use"
	}
	return result, nil
}
