package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vitalsync/vitalsync/internal/store"
)

// HTTPTransport dispatches operations to a REST backend. Conflicts are
// signaled by 409 responses whose body carries the server's current entity.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithAuthToken sets a bearer token sent on every request.
func WithAuthToken(token string) HTTPOption {
	return func(t *HTTPTransport) { t.token = token }
}

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// NewHTTPTransport creates a transport rooted at baseURL, e.g.
// "https://api.example.com/v1".
func NewHTTPTransport(baseURL string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Create(ctx context.Context, entityType string, entity map[string]any) error {
	return t.do(ctx, http.MethodPost, t.entityPath(entityType, ""), entity)
}

func (t *HTTPTransport) Update(ctx context.Context, entityType, entityID string, payload map[string]any) error {
	return t.do(ctx, http.MethodPatch, t.entityPath(entityType, entityID), payload)
}

func (t *HTTPTransport) Delete(ctx context.Context, entityType, entityID string) error {
	return t.do(ctx, http.MethodDelete, t.entityPath(entityType, entityID), nil)
}

func (t *HTTPTransport) Toggle(ctx context.Context, entityType, entityID string, on bool) error {
	return t.do(ctx, http.MethodPatch, t.entityPath(entityType, entityID), map[string]any{"enabled": on})
}

func (t *HTTPTransport) entityPath(entityType, entityID string) string {
	p := t.baseURL + "/" + url.PathEscape(entityType)
	if entityID != "" {
		p += "/" + url.PathEscape(entityID)
	}
	return p
}

func (t *HTTPTransport) do(ctx context.Context, method, rawURL string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if key, ok := IdempotencyKeyFromContext(ctx); ok {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// Network failures are transient by definition here; the caller
		// retries with backoff.
		return store.NewRetryableError(fmt.Sprintf("%s %s", method, rawURL), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusConflict:
		var server map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&server); err != nil {
			server = nil
		}
		return store.NewConflictError(fmt.Sprintf("%s %s: remote entity diverged", method, rawURL), server)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return store.NewRetryableError(fmt.Sprintf("%s %s: status %d: %s", method, rawURL, resp.StatusCode, data), nil)
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, rawURL, resp.StatusCode, data)
	}
}

var _ Transport = (*HTTPTransport)(nil)
