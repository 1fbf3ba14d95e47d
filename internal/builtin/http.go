package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/enact/pkg/schema"
)

// HTTPConfig configures the HTTP activities.
type HTTPConfig struct {
	MaxResponseBody int64         `json:"max_response_body,omitempty"`
	DefaultTimeout  time.Duration `json:"default_timeout,omitempty"`
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// NewHTTPGetActivity returns "http.get": fetches the "url" input with
// optional "headers" (object of strings) and "timeout" (duration string).
// Outputs are status_code, content_type and body; a JSON body is decoded.
// 5xx responses and transport errors fail as retryable invocation failures,
// 4xx responses as data failures.
func NewHTTPGetActivity(cfg HTTPConfig) *Activity {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	client := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}

	return newActivity("http.get", []string{"url", "headers", "timeout"}, []string{"status_code", "content_type", "body"},
		func(ctx context.Context, in inputs) (map[string]any, error) {
			rawURL, err := in.text("url", "")
			if err != nil {
				return nil, err
			}
			u, err := url.ParseRequestURI(rawURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL)
			}

			timeout := cfg.DefaultTimeout
			ts, err := in.text("timeout", cfg.DefaultTimeout.String())
			if err != nil {
				return nil, err
			}
			if d, parseErr := time.ParseDuration(ts); parseErr == nil && d > 0 {
				timeout = d
			}

			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "create request").WithCause(err)
			}
			headers, ok, err := in.value("headers")
			if err != nil {
				return nil, err
			}
			if ok {
				hm, isMap := headers.(map[string]any)
				if !isMap {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "input %q must be an object, got %T", "headers", headers)
				}
				for k, v := range hm {
					req.Header.Set(k, fmt.Sprintf("%v", v))
				}
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInvocation, "GET %s failed", rawURL).WithCause(err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody+1))
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInvocation, "read response from %s", rawURL).WithCause(err)
			}
			if int64(len(body)) > cfg.MaxResponseBody {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "response from %s exceeds %d bytes", rawURL, cfg.MaxResponseBody)
			}

			switch {
			case resp.StatusCode >= 500:
				return nil, schema.NewErrorf(schema.ErrCodeInvocation, "GET %s: %s", rawURL, resp.Status)
			case resp.StatusCode >= 400:
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "GET %s: %s", rawURL, resp.Status)
			}

			contentType := resp.Header.Get("Content-Type")
			return map[string]any{
				"status_code":  resp.StatusCode,
				"content_type": contentType,
				"body":         decodeBody(body, contentType),
			}, nil
		})
}

// decodeBody parses JSON bodies; anything else is returned as text.
func decodeBody(body []byte, contentType string) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}
