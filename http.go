package flowkit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rendis/flowkit/pkg/schema"
)

const maxHTTPResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPOption configures an HTTPStep handler.
type HTTPOption func(*httpStep)

type httpStep struct {
	method  string
	url     func(rc *schema.RunContext) string
	headers map[string]string
	body    func(ctx context.Context, rc *schema.RunContext) (io.Reader, string, error)
	client  *http.Client
	maxBody int64
	failOn  bool
}

// WithHeader sets a request header.
func WithHeader(name, value string) HTTPOption {
	return func(s *httpStep) { s.headers[name] = value }
}

// WithBearer sets bearer-token authorization.
func WithBearer(token string) HTTPOption {
	return func(s *httpStep) { s.headers["Authorization"] = "Bearer " + token }
}

// WithJSONBody derives a JSON request body from the run context.
func WithJSONBody(fn func(rc *schema.RunContext) any) HTTPOption {
	return func(s *httpStep) {
		s.body = func(ctx context.Context, rc *schema.RunContext) (io.Reader, string, error) {
			raw, err := json.Marshal(fn(rc))
			if err != nil {
				return nil, "", schema.NewErrorf(schema.ErrCodeValidation,
					"marshal request body: %s", err.Error()).WithCause(err)
			}
			return strings.NewReader(string(raw)), "application/json", nil
		}
	}
}

// WithFormBody derives a form-encoded request body from the run context.
func WithFormBody(fn func(rc *schema.RunContext) map[string]string) HTTPOption {
	return func(s *httpStep) {
		s.body = func(ctx context.Context, rc *schema.RunContext) (io.Reader, string, error) {
			vals := url.Values{}
			for k, v := range fn(rc) {
				vals.Set(k, v)
			}
			return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
		}
	}
}

// WithClient substitutes the HTTP client, e.g. for custom transports.
func WithClient(c *http.Client) HTTPOption {
	return func(s *httpStep) { s.client = c }
}

// FailOnErrorStatus makes 4xx and 5xx responses fail the step instead of
// returning them as output.
func FailOnErrorStatus() HTTPOption {
	return func(s *httpStep) { s.failOn = true }
}

// HTTPStep builds a step handler performing one HTTP call. The url function
// resolves per run, so payload and prior step outputs can shape the target.
// Output: {"status": int, "headers": map, "body": any} with JSON response
// bodies decoded. Wrap with Retry and Timeout on the builder as needed.
func HTTPStep(method string, urlFn func(rc *schema.RunContext) string, opts ...HTTPOption) schema.HandlerFunc {
	s := &httpStep{
		method:  strings.ToUpper(method),
		url:     urlFn,
		headers: make(map[string]string),
		client:  http.DefaultClient,
		maxBody: maxHTTPResponseBody,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s.handle
}

// HTTPGet is HTTPStep shorthand for GET against a fixed URL.
func HTTPGet(rawURL string, opts ...HTTPOption) schema.HandlerFunc {
	return HTTPStep(http.MethodGet, func(*schema.RunContext) string { return rawURL }, opts...)
}

func (s *httpStep) handle(ctx context.Context, rc *schema.RunContext) (any, error) {
	rawURL := s.url(rc)
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL)
	}

	var body io.Reader
	var contentType string
	if s.body != nil {
		body, contentType, err = s.body(ctx, rc)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, s.method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "build request: %s", err.Error()).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "%s %s: %s", s.method, rawURL, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "read response: %s", err.Error()).WithCause(err)
	}

	if s.failOn && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "%s %s returned %d",
			s.method, rawURL, resp.StatusCode).WithDetails(map[string]any{
			"status": resp.StatusCode,
			"body":   string(raw),
		})
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var decoded any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			decoded = v
		}
	}

	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    decoded,
	}, nil
}
