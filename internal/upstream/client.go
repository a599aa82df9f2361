package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// DefaultTimeout bounds one upstream call end to end. Long enough for
// slow completions, short enough that a wedged connection frees its
// account lock within the request's lifetime.
const DefaultTimeout = 5 * time.Minute

// NewHTTPClient builds the client shared by all provider executors.
// HTTP/2 multiplexes the many per-account probes onto few connections.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warnf("⚠️ HTTP/2 setup failed, staying on HTTP/1.1: %v", err)
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Post sends a JSON payload and returns the raw response. The caller
// owns resp.Body. Transport failures come back as plain errors; HTTP
// status handling is the caller's job (streaming callers need the live
// body even on non-2xx).
func Post(ctx context.Context, client *http.Client, url string, header http.Header, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

// ReadBody drains and closes resp, converting any non-2xx status into
// *Error with the body and Retry-After header preserved for the
// rate-limit classifier.
func ReadBody(provider Provider, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: provider, Status: resp.StatusCode, Body: "response body unreadable: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Provider:   provider,
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}
	return body, nil
}
