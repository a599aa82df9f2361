// Package claude implements the executor for Anthropic OAuth accounts
// against the Messages API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pysugar/llm-relay/internal/upstream"
)

const (
	// BaseURL is the Anthropic API root.
	BaseURL = "https://api.anthropic.com"
	// TokenURL is the Anthropic OAuth token refresh endpoint.
	TokenURL = "https://console.anthropic.com/v1/oauth/token"
	// ClientID is the Claude CLI OAuth client.
	ClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	// UserAgent mimics the Claude CLI.
	UserAgent = "claude-cli/1.0.83 (external, cli)"

	anthropicVersion = "2023-06-01"
	oauthBetas       = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14,prompt-caching-2024-07-31"

	// identityPrompt must lead the system prompt on OAuth tokens or the
	// API rejects the request.
	identityPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

	defaultMaxTokens = 4096
)

// Executor drives the Anthropic Messages API with OAuth bearer tokens.
type Executor struct {
	client *http.Client
	base   string
}

// New builds the executor on the shared upstream HTTP client.
func New(client *http.Client) *Executor {
	return &Executor{client: client, base: BaseURL}
}

func (e *Executor) Identifier() upstream.Provider { return upstream.ProviderClaude }

func (e *Executor) Complete(ctx context.Context, cred upstream.Credential, req upstream.CompletionRequest) (*upstream.CompletionResult, error) {
	payload := buildMessagesPayload(req)

	url := e.base + "/v1/messages?beta=true"
	resp, err := upstream.Post(ctx, e.client, url, e.headers(cred.AccessToken), payload)
	if err != nil {
		return nil, fmt.Errorf("claude request failed: %w", err)
	}
	body, err := upstream.ReadBody(upstream.ProviderClaude, resp)
	if err != nil {
		return nil, err
	}
	return parseMessagesResponse(body)
}

// Refresh exchanges the refresh token at Anthropic's OAuth endpoint.
func (e *Executor) Refresh(ctx context.Context, cred upstream.Credential) (*upstream.RefreshResult, error) {
	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
		"client_id":     ClientID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claude refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claude refresh failed (%d): %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse claude refresh response: %w", err)
	}

	return &upstream.RefreshResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

// FetchModels: Anthropic exposes no per-model quota endpoint.
func (e *Executor) FetchModels(ctx context.Context, cred upstream.Credential) (*upstream.QuotaSnapshot, error) {
	return nil, upstream.ErrQuotaUnsupported
}

func (e *Executor) headers(accessToken string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set("Anthropic-Version", anthropicVersion)
	h.Set("Anthropic-Beta", oauthBetas)
	h.Set("Anthropic-Dangerous-Direct-Browser-Access", "true")
	h.Set("X-App", "cli")
	h.Set("User-Agent", UserAgent)
	return h
}

// buildMessagesPayload converts the normalized request to Messages
// format. The Claude Code identity is prepended as its own system block
// so OAuth tokens are accepted without clobbering the caller's prompt.
func buildMessagesPayload(req upstream.CompletionRequest) []byte {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", req.Model)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, _ = sjson.SetBytes(body, "max_tokens", maxTokens)

	body, _ = sjson.SetBytes(body, "system.0.type", "text")
	body, _ = sjson.SetBytes(body, "system.0.text", identityPrompt)
	if req.System != "" {
		body, _ = sjson.SetBytes(body, "system.1.type", "text")
		body, _ = sjson.SetBytes(body, "system.1.text", req.System)
	}

	for i, m := range req.Messages {
		body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.role", i), m.Role)
		body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.content", i), m.Content)
	}

	for i, t := range req.Tools {
		base := fmt.Sprintf("tools.%d", i)
		body, _ = sjson.SetBytes(body, base+".name", t.Name)
		if t.Description != "" {
			body, _ = sjson.SetBytes(body, base+".description", t.Description)
		}
		if len(t.Parameters) > 0 {
			body, _ = sjson.SetRawBytes(body, base+".input_schema", t.Parameters)
		}
	}

	if req.Temperature != nil {
		body, _ = sjson.SetBytes(body, "temperature", *req.Temperature)
	}
	return body
}

func parseMessagesResponse(body []byte) (*upstream.CompletionResult, error) {
	root := gjson.ParseBytes(body)
	content := root.Get("content")
	if !content.Exists() {
		return nil, fmt.Errorf("claude response has no content")
	}

	var blocks []upstream.ContentBlock
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			blocks = append(blocks, upstream.ContentBlock{Type: "text", Text: block.Get("text").String()})
		case "tool_use":
			input := block.Get("input").Raw
			if input == "" {
				input = "{}"
			}
			blocks = append(blocks, upstream.ContentBlock{
				Type:  "tool_use",
				ID:    block.Get("id").String(),
				Name:  block.Get("name").String(),
				Input: json.RawMessage(input),
			})
		}
		return true
	})

	stop := root.Get("stop_reason").String()
	switch stop {
	case "end_turn", "":
		stop = "stop"
	case "max_tokens":
		stop = "max_tokens"
	}

	return &upstream.CompletionResult{
		Content:    blocks,
		StopReason: stop,
		Usage: upstream.Usage{
			InputTokens:  int(root.Get("usage.input_tokens").Int()),
			OutputTokens: int(root.Get("usage.output_tokens").Int()),
		},
	}, nil
}
