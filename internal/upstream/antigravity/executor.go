// Package antigravity implements the primary provider executor against
// Google's cloudcode API, the backend the Antigravity IDE talks to.
package antigravity

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"

	"github.com/pysugar/llm-relay/internal/auth"
	"github.com/pysugar/llm-relay/internal/upstream"
)

// BaseURLs are tried in order (daily → prod → sandbox-daily). The daily
// endpoint is primary; its quota pool is separate from prod, so hopping
// on throttles is worthwhile.
var BaseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal",
}

const (
	// DefaultUserAgent must report windows/amd64 for cloudcode
	// compatibility. Override with RELAY_ANTIGRAVITY_USER_AGENT when the
	// IDE version string goes stale.
	DefaultUserAgent = "antigravity/1.11.9 windows/amd64"

	apiClientHeader = "google-cloud-sdk vscode_cloudshelleditor/0.1"

	// identitySystemInstruction is the Antigravity identity the cloudcode
	// API requires for premium models. This is a required identity string,
	// not a bypass.
	identitySystemInstruction = "You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**"

	// defaultProjectID is the shared fallback project when discovery
	// returns nothing usable.
	defaultProjectID = "bamboo-precept-lgxtn"

	clientMetadata = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
)

// Executor talks to the cloudcode generateContent family of endpoints.
type Executor struct {
	client *http.Client
	bases  []string
}

// New builds the executor on the shared upstream HTTP client.
func New(client *http.Client) *Executor {
	return &Executor{client: client, bases: BaseURLs}
}

func (e *Executor) Identifier() upstream.Provider { return upstream.ProviderAntigravity }

// Complete runs one completion. Premium models only answer on the
// streaming endpoint, so their SSE stream is merged into a single result.
func (e *Executor) Complete(ctx context.Context, cred upstream.Credential, req upstream.CompletionRequest) (*upstream.CompletionResult, error) {
	payload := buildPayload(cred, req)

	method, query := "generateContent", ""
	if isPremiumModel(req.Model) {
		method, query = "streamGenerateContent", "alt=sse"
	}

	resp, err := e.doWithFallback(ctx, method, query, cred.AccessToken, payload)
	if err != nil {
		return nil, err
	}
	if method == "streamGenerateContent" && resp.StatusCode == http.StatusOK {
		defer resp.Body.Close()
		return parseStream(resp.Body)
	}
	body, err := upstream.ReadBody(upstream.ProviderAntigravity, resp)
	if err != nil {
		return nil, err
	}
	return parseResponse(body)
}

// Refresh exchanges the stored refresh token for a fresh access token
// via Google's OAuth endpoint.
func (e *Executor) Refresh(ctx context.Context, cred upstream.Credential) (*upstream.RefreshResult, error) {
	conf := auth.GoogleConfig()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("antigravity token refresh: %w", err)
	}
	out := &upstream.RefreshResult{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry.UnixMilli(),
	}
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// FetchModels probes live per-model quota. Single endpoint, no fallback:
// a probe that gets throttled should report that, not mask it.
func (e *Executor) FetchModels(ctx context.Context, cred upstream.Credential) (*upstream.QuotaSnapshot, error) {
	payload := []byte(`{}`)
	if cred.ProjectID != "" {
		payload, _ = sjson.SetBytes(payload, "project", cred.ProjectID)
	}
	url := fmt.Sprintf("%s:fetchAvailableModels", e.bases[0])
	resp, err := upstream.Post(ctx, e.client, url, e.headers(cred.AccessToken), payload)
	if err != nil {
		return nil, err
	}
	body, err := upstream.ReadBody(upstream.ProviderAntigravity, resp)
	if err != nil {
		return nil, err
	}

	snap := &upstream.QuotaSnapshot{
		Models:    make(map[string]upstream.ModelQuota),
		FetchedAt: time.Now(),
	}
	gjson.GetBytes(body, "models").ForEach(func(key, value gjson.Result) bool {
		var q upstream.ModelQuota
		info := value.Get("quotaInfo")
		if f := info.Get("remainingFraction"); f.Exists() {
			q.RemainingFraction = f.Float()
			q.HasFraction = true
		}
		if rt := info.Get("resetTime").String(); rt != "" {
			if t, err := time.Parse(time.RFC3339, rt); err == nil {
				q.ResetTime = t
			}
		}
		snap.Models[key.String()] = q
		return true
	})
	if pid := gjson.GetBytes(body, "projectId").String(); pid != "" {
		snap.ProjectID = pid
	}
	return snap, nil
}

// LoadProject resolves the account's cloudcode project the way the IDE
// does. A 200 without a project field falls back to env then the shared
// default rather than erroring.
func (e *Executor) LoadProject(ctx context.Context, cred upstream.Credential) (string, error) {
	url := fmt.Sprintf("%s:loadCodeAssist", e.bases[0])
	payload := []byte(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)
	resp, err := upstream.Post(ctx, e.client, url, e.headers(cred.AccessToken), payload)
	if err != nil {
		return "", err
	}
	body, err := upstream.ReadBody(upstream.ProviderAntigravity, resp)
	if err != nil {
		return "", err
	}
	if pid := gjson.GetBytes(body, "codeAssistConfig.projectId").String(); pid != "" {
		return pid, nil
	}
	if pid := gjson.GetBytes(body, "cloudaicompanionProject").String(); pid != "" {
		return pid, nil
	}
	return fallbackProjectID(), nil
}

func fallbackProjectID() string {
	if id := os.Getenv("GOOGLE_CLOUD_PROJECT"); id != "" {
		return id
	}
	if id := os.Getenv("DEFAULT_PROJECT_ID"); id != "" {
		return id
	}
	return defaultProjectID
}

// doWithFallback tries each endpoint in order, hopping on 429, 403 and
// 5xx. 403 is included because the sandbox endpoint may demand a
// subscription while prod works. The last error response is returned
// (not closed) so the caller can read its body for classification.
func (e *Executor) doWithFallback(ctx context.Context, method, query, accessToken string, payload []byte) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for i, base := range e.bases {
		url := fmt.Sprintf("%s:%s", base, method)
		if query != "" {
			url += "?" + query
		}

		resp, err := upstream.Post(ctx, e.client, url, e.headers(accessToken), payload)
		if err != nil {
			lastErr = err
			log.Warnf("⚠️ Endpoint %d (%s) failed: %v", i+1, base, err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			if i > 0 {
				log.Infof("✅ Fallback to endpoint %d succeeded", i+1)
			}
			return resp, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden || resp.StatusCode >= 500 {
			log.Warnf("⚠️ Endpoint %d returned %d, trying next", i+1, resp.StatusCode)
			if lastResp != nil {
				lastResp.Body.Close()
			}
			lastResp = resp
			lastErr = fmt.Errorf("endpoint %d returned %d", i+1, resp.StatusCode)
			continue
		}

		// Other 4xx are account or request problems, no point hopping.
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func (e *Executor) headers(accessToken string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", configuredUserAgent())
	h.Set("X-Goog-Api-Client", apiClientHeader)
	h.Set("Client-Metadata", clientMetadata)
	return h
}

func configuredUserAgent() string {
	if ua := os.Getenv("RELAY_ANTIGRAVITY_USER_AGENT"); ua != "" {
		return ua
	}
	return DefaultUserAgent
}
