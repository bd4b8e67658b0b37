package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/gateway"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/resilience"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, baseURL string, timeout time.Duration) *gateway.Client {
	t.Helper()
	cfg := resilience.Config{MaxRetries: 1, InitialBackoff: 5 * time.Millisecond, MaxConcurrency: 4}
	return gateway.NewClient(
		&http.Client{Timeout: timeout},
		baseURL,
		resilience.NewCircuitBreaker("test"),
		cfg,
		zap.NewNop(),
	)
}

func TestGet_DecodesResponseAndSendsToken(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Auth-Token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"u-1","name":"Ana"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, time.Second)
	c.SetToken("tok-123")

	var user domain.User
	if err := c.Get(context.Background(), "/api/users/u-1", &user); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user.Name != "Ana" {
		t.Errorf("expected decoded name 'Ana', got %q", user.Name)
	}
	if gotToken != "tok-123" {
		t.Errorf("expected X-Auth-Token header 'tok-123', got %q", gotToken)
	}
}

func TestCall_401MapsToUnauthorizedAndFiresHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"token expired"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, time.Second)
	hookFired := 0
	c.OnUnauthorized(func() { hookFired++ })

	err := c.Post(context.Background(), "/api/users", map[string]string{"name": "x"}, nil)
	var unauthorized *domain.ErrUnauthorized
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if unauthorized.Message != "token expired" {
		t.Errorf("expected server message verbatim, got %q", unauthorized.Message)
	}
	if hookFired != 1 {
		t.Errorf("expected the unauthorized hook to fire once, fired %d times", hookFired)
	}
}

func TestCall_ApplicationErrorSurfacesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"El proveedor es obligatorio"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, time.Second)
	err := c.Post(context.Background(), "/api/records/delivery", map[string]string{}, nil)

	var backend *domain.ErrBackend
	if !errors.As(err, &backend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if backend.Message != "El proveedor es obligatorio" {
		t.Errorf("expected verbatim server message, got %q", backend.Message)
	}
	if backend.Status != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422, got %d", backend.Status)
	}
}

func TestCall_ConnectionRefusedMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // deliberately refuse connections

	c := newTestClient(t, srv.URL, time.Second)
	err := c.Post(context.Background(), "/api/records/delivery", map[string]string{"supplier": "x"}, nil)

	var unavailable *domain.ErrUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCall_TimeoutMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 30*time.Millisecond)
	err := c.Get(context.Background(), "/api/users", nil)

	var unavailable *domain.ErrUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected hung call to become ErrUnavailable, got %v", err)
	}
}

func TestCall_OpenBreakerMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL, 100*time.Millisecond)

	// Hammer the dead backend until the breaker trips, then verify the
	// fast-fail path still reports unavailability.
	for i := 0; i < 10; i++ {
		_ = c.Post(context.Background(), "/api/records/delivery", nil, nil)
	}

	err := c.Post(context.Background(), "/api/records/delivery", nil, nil)
	var unavailable *domain.ErrUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrUnavailable with open breaker, got %v", err)
	}
}
