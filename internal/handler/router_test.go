package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
	"github.com/autocontrolpro/edge-agent-go/internal/handler"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/gateway"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/notify"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/observability"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/resilience"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/store"
	"github.com/autocontrolpro/edge-agent-go/internal/service"

	"go.uber.org/zap"
)

// newAgent wires a full agent against a fake cloud backend.
func newAgent(t *testing.T, backend http.Handler) http.Handler {
	t.Helper()

	cloud := httptest.NewServer(backend)
	t.Cleanup(cloud.Close)

	logger := zap.NewNop()
	cfg := resilience.Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxConcurrency: 4}
	gw := gateway.NewClient(cloud.Client(), cloud.URL, resilience.NewCircuitBreaker("test"), cfg, logger)

	metrics := observability.NewMetrics()
	feed := notify.NewFeed(10, logger)
	c := service.NewContainer(gw, store.NewMemory(), feed, metrics, logger)
	incidents := service.NewIncidentService(c, time.Millisecond)
	t.Cleanup(incidents.Close)

	return handler.NewRouter(c, incidents, feed, metrics, logger)
}

// fakeCloud is a minimal AutoControl cloud backend.
func fakeCloud() http.Handler {
	mux := http.NewServeMux()
	user := domain.User{ID: "u1", Name: "Ana", Email: "ana@example.com", Role: domain.RoleAdministrator}

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": testToken, "user": user})
	})
	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]domain.User{user})
	})
	mux.HandleFunc("GET /api/establishment", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.EstablishmentInfo{ID: "e1", Name: "Bar Manolo"})
	})
	mux.HandleFunc("GET /api/records/delivery", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]domain.DeliveryRecord{})
	})
	mux.HandleFunc("POST /api/records/delivery", func(w http.ResponseWriter, r *http.Request) {
		var rec domain.DeliveryRecord
		json.NewDecoder(r.Body).Decode(&rec)
		rec.ID = "srv-d1"
		json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("POST /api/incidents", func(w http.ResponseWriter, r *http.Request) {
		var inc domain.Incident
		json.NewDecoder(r.Body).Decode(&inc)
		inc.ID = "srv-i1"
		json.NewEncoder(w).Encode(inc)
	})
	mux.HandleFunc("DELETE /api/incidents/srv-i1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	})
	return mux
}

// static HS256 token with a far-future exp, parsed but never verified
// by the agent.
const testToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
	"eyJzdWIiOiJ1MSIsImV4cCI6NDEwMjQ0NDgwMH0." +
	"L8i6g3PfcHlioHCCPURC9pmel8DiPSjcbzHQB3DGEJI"

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, router http.Handler) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "ana@example.com", "password": "secreto123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	router := newAgent(t, fakeCloud())

	rec := do(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newAgent(t, fakeCloud())

	rec := do(t, router, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestLoginAndAddRecord(t *testing.T) {
	router := newAgent(t, fakeCloud())
	login(t, router)

	rec := do(t, router, http.MethodPost, "/v1/records/delivery", domain.DeliveryRecord{
		Supplier: "Pescados Ría", Product: "Merluza",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add record: %d %s", rec.Code, rec.Body.String())
	}
	var created domain.DeliveryRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "srv-d1" {
		t.Errorf("id = %q", created.ID)
	}

	rec = do(t, router, http.MethodGet, "/v1/records/delivery", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "srv-d1") {
		t.Errorf("list: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMutationWithoutSessionRejected(t *testing.T) {
	router := newAgent(t, fakeCloud())

	rec := do(t, router, http.MethodPost, "/v1/records/delivery", domain.DeliveryRecord{
		Supplier: "X", Product: "Y",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a session, got %d", rec.Code)
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	router := newAgent(t, fakeCloud())
	login(t, router)

	rec := do(t, router, http.MethodPost, "/v1/incidents", domain.Incident{
		Title: "Cámara averiada", Severity: domain.SeverityHigh,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add incident: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, http.MethodDelete, "/v1/incidents/srv-i1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unconfirmed delete should 400, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodDelete, "/v1/incidents/srv-i1?confirm=true", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("confirmed delete: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBackendValidationErrorPassedThrough(t *testing.T) {
	mux := http.NewServeMux()
	base := fakeCloud()
	mux.HandleFunc("POST /api/records/delivery", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "El proveedor es obligatorio"})
	})
	mux.Handle("/", base)

	router := newAgent(t, mux)
	login(t, router)

	rec := do(t, router, http.MethodPost, "/v1/records/delivery", domain.DeliveryRecord{
		Supplier: "X", Product: "Y",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 passthrough, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "El proveedor es obligatorio") {
		t.Errorf("server message lost: %s", rec.Body.String())
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	router := newAgent(t, fakeCloud())
	login(t, router)

	rec := do(t, router, http.MethodGet, "/v1/sync/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status: %d", rec.Code)
	}
	var status domain.SyncStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.SessionActive {
		t.Error("session should be active after login")
	}
}
