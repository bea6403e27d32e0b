package clients

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/settle/internal/domain"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=clients_test -destination=mock_http_client_test.go -source=http.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// base holds what every provider client shares.
type base struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
	header     http.Header
}

// Option is a configuration option shared by the provider clients.
type Option func(*base)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) Option {
	return func(b *base) {
		b.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(b *base) {
		b.httpClient = httpClient
	}
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(b *base) {
		b.apiKey = key
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) Option {
	return func(b *base) {
		for key, values := range header {
			for _, value := range values {
				b.header.Add(key, value)
			}
		}
	}
}

func newBase(defaultURL string, opts []Option) base {
	b := base{
		baseURL:    defaultURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		header:     http.Header{},
	}

	for _, opt := range opts {
		opt(&b)
	}

	return b
}

func (b *base) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	for key, values := range b.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	return req, nil
}

// rawResponse is a fully read HTTP response.
type rawResponse struct {
	statusCode  int
	contentType string
	body        []byte
}

func (r rawResponse) ok() bool {
	return r.statusCode >= 200 && r.statusCode < 300
}

// do sends the request and reads the body. Only transport failures are returned as errors.
func (b *base) do(req *http.Request, op string) (rawResponse, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return rawResponse{}, &domain.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return rawResponse{}, &domain.NetworkError{Op: op, Err: errors.Wrap(err, "failed to read response body")}
	}

	return rawResponse{
		statusCode:  resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

// decodeJSON rejects bodies declared as something other than JSON and then unmarshals.
func decodeJSON(endpoint string, r rawResponse, v any) error {
	if r.contentType != "" && !isJSONContentType(r.contentType) {
		return &domain.ProtocolError{
			Endpoint:   endpoint,
			StatusCode: r.statusCode,
			Err:        errors.Errorf("unexpected content type %q", r.contentType),
		}
	}

	if err := json.Unmarshal(r.body, v); err != nil {
		return &domain.ProtocolError{
			Endpoint:   endpoint,
			StatusCode: r.statusCode,
			Err:        errors.Wrap(err, "failed to unmarshal response"),
		}
	}

	return nil
}

// requireJSON rejects responses that do not declare a JSON content type at all.
func requireJSON(endpoint string, r rawResponse) error {
	if isJSONContentType(r.contentType) {
		return nil
	}

	return &domain.ProtocolError{
		Endpoint:   endpoint,
		StatusCode: r.statusCode,
		Err:        errors.Errorf("expected a JSON response, got content type %q", r.contentType),
	}
}

func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}

	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// errorEnvelope covers the error shapes providers answer with.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e errorEnvelope) text() string {
	if e.Message != "" {
		return e.Message
	}

	return e.Error
}

// describeFailure extracts a readable message from a non-2xx response.
func describeFailure(r rawResponse) string {
	var env errorEnvelope
	if isJSONContentType(r.contentType) && json.Unmarshal(r.body, &env) == nil && env.text() != "" {
		return env.text()
	}

	text := strings.TrimSpace(string(r.body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		text = http.StatusText(r.statusCode)
	}

	return text
}
