package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// HTTPConfig configures the http action.
type HTTPConfig struct {
	MaxResponseBody int64
	// Transport overrides the transport used for requests. Tests inject
	// httptest transports here.
	Transport http.RoundTripper
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultMaxRedirects    = 10

	// OutputKeyHTTP is where the http action stores its response.
	OutputKeyHTTP = "httpResponse"
)

// HTTPAction performs an outbound HTTP call. A non-2xx response is not an
// error; the status is recorded for later actions to interpret.
type HTTPAction struct {
	config HTTPConfig
}

// NewHTTPAction creates the http action.
func NewHTTPAction(cfg HTTPConfig) *HTTPAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &HTTPAction{config: cfg}
}

func (a *HTTPAction) Type() schema.ActionType         { return schema.ActionHTTP }
func (a *HTTPAction) OutputKey(map[string]any) string { return OutputKeyHTTP }
func (a *HTTPAction) Description() string {
	return "Call an HTTP endpoint and store status, headers and body under httpResponse."
}

func (a *HTTPAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	params := input.Config

	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.ConfigurationError("http: invalid url %q", rawURL)
	}
	if q := mapParam(params, "query"); len(q) > 0 {
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = vals.Encode()
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))

	bodyReader, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(params, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	applyAuth(req, mapParam(params, "auth"))

	client := &http.Client{Transport: a.config.Transport}
	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= defaultMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", defaultMaxRedirects)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
	case strings.Contains(respContentType, "json"):
		if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status":       resp.StatusCode,
		"status_text":  resp.Status,
		"ok":           resp.StatusCode >= 200 && resp.StatusCode < 300,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}, nil
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", schema.ConfigurationError("http: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "", nil
	default:
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.ConfigurationError("http: body is not JSON-serializable").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}
