// Package gateway provides the HTTP client for the AutoControl cloud
// backend. It is the single place where transport failures are turned
// into the domain error taxonomy the state container branches on.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("gateway")

// tokenHeader is the custom header carrying the session token on every
// authenticated call.
const tokenHeader = "X-Auth-Token"

// Client wraps HTTP calls to the cloud REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
	cfg        resilience.Config
	logger     *zap.Logger

	mu             sync.RWMutex
	token          string
	onUnauthorized func()
}

// NewClient creates a cloud API client.
func NewClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
		cfg:        cfg,
		logger:     logger,
	}
}

// SetToken installs the session token attached to subsequent calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// OnUnauthorized registers a hook invoked whenever the backend answers
// 401. The state container uses it to tear down the session; a 401 is a
// policy rejection, never an availability problem.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// Get performs an authenticated GET. GETs are idempotent, so transport
// failures are retried with backoff before giving up.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out, true)
}

// Post performs an authenticated POST. Mutations are single-shot: the
// caller's fallback path, not a blind retry, handles unavailability.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, http.MethodPost, path, body, out, false)
}

// Put performs an authenticated PUT.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, http.MethodPut, path, body, out, false)
}

// Delete performs an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodDelete, path, nil, nil, false)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any, idempotent bool) error {
	ctx, span := tracer.Start(ctx, "Gateway."+method)
	defer span.End()
	span.SetAttributes(attribute.String("http.path", path))

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return &domain.ErrUnavailable{Op: method + " " + path, Err: err}
	}
	defer c.bulkhead.Release()

	do := func() error {
		return c.doRequest(ctx, method, path, body, out)
	}
	if idempotent {
		// Retry transport failures only; 401s and application errors
		// must surface on the first definitive response.
		inner := do
		do = func() error {
			return resilience.RetryWithBackoff(ctx, c.cfg, isTransportError, inner)
		}
	}

	// Only no-response failures count against the breaker. A definitive
	// response, even a 4xx/5xx, proves the backend is reachable and is
	// passed through as the Execute result instead.
	res, err := c.cb.Execute(func() (any, error) {
		callErr := do()
		if callErr != nil && !isTransportError(callErr) {
			return callErr, nil
		}
		return nil, callErr
	})
	if err != nil {
		// An open breaker means we already know the backend is down.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &domain.ErrUnavailable{Op: method + " " + path, Err: err}
		}
		return err
	}
	if resErr, ok := res.(error); ok && resErr != nil {
		return resErr
	}
	return nil
}

// errBody is the structured error payload the backend returns on 4xx/5xx.
type errBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	url := c.baseURL + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// No HTTP response at all: DNS, refused connection, timeout.
		c.logger.Warn("gateway: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return &domain.ErrUnavailable{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.ErrUnavailable{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("gateway: session rejected",
			zap.String("method", method),
			zap.String("path", path),
		)
		c.mu.RLock()
		hook := c.onUnauthorized
		c.mu.RUnlock()
		if hook != nil {
			hook()
		}
		return &domain.ErrUnauthorized{Message: serverMessage(raw, "Sesión expirada")}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("gateway: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(raw)),
		)
		return &domain.ErrBackend{
			Status:  resp.StatusCode,
			Message: serverMessage(raw, fmt.Sprintf("backend returned status %d", resp.StatusCode)),
		}
	}

	c.logger.Debug("gateway: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// serverMessage extracts the human-readable message from an error body,
// surfaced verbatim to the user per the error-handling contract.
func serverMessage(raw []byte, fallback string) string {
	var b errBody
	if err := json.Unmarshal(raw, &b); err == nil {
		if b.Message != "" {
			return b.Message
		}
		if b.Error != "" {
			return b.Error
		}
	}
	return fallback
}

// isTransportError reports whether the error is worth retrying: only
// no-response failures are, policy rejections are not.
func isTransportError(err error) bool {
	var unavailable *domain.ErrUnavailable
	return errors.As(err, &unavailable)
}
