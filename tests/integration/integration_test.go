package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
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

// cloudBackend is a mock of the AutoControl cloud API that can be
// switched between healthy and unreachable mid-test.
type cloudBackend struct {
	mu        sync.Mutex
	down      bool
	incidents map[string]domain.Incident
	seq       int
}

const validToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
	"eyJzdWIiOiJ1MSIsImV4cCI6NDEwMjQ0NDgwMH0." +
	"L8i6g3PfcHlioHCCPURC9pmel8DiPSjcbzHQB3DGEJI"

func (b *cloudBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		// Connection-level failure: hijack and drop.
		hj, ok := w.(http.Hijacker)
		if ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		panic("cannot simulate network failure")
	}

	user := domain.User{ID: "u1", Name: "Ana", Email: "ana@example.com", Role: domain.RoleAdministrator}
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/login":
		json.NewEncoder(w).Encode(map[string]any{"token": validToken, "user": user})
	case r.Method == http.MethodGet && r.URL.Path == "/api/auth":
		json.NewEncoder(w).Encode(user)
	case r.Method == http.MethodGet && r.URL.Path == "/api/users":
		json.NewEncoder(w).Encode([]domain.User{user})
	case r.Method == http.MethodGet && r.URL.Path == "/api/establishment":
		json.NewEncoder(w).Encode(domain.EstablishmentInfo{ID: "e1", Name: "Casa Pepe"})
	case r.Method == http.MethodGet && r.URL.Path == "/api/records/delivery":
		json.NewEncoder(w).Encode([]domain.DeliveryRecord{})
	case r.Method == http.MethodPost && r.URL.Path == "/api/incidents":
		var inc domain.Incident
		json.NewDecoder(r.Body).Decode(&inc)
		b.seq++
		inc.ID = fmt.Sprintf("inc-%d", b.seq)
		b.incidents[inc.ID] = inc
		json.NewEncoder(w).Encode(inc)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/incidents/"):
		var inc domain.Incident
		json.NewDecoder(r.Body).Decode(&inc)
		b.incidents[inc.ID] = inc
		json.NewEncoder(w).Encode(inc)
	default:
		json.NewEncoder(w).Encode(map[string]any{})
	}
}

func (b *cloudBackend) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

type agent struct {
	router http.Handler
	store  *store.Memory
}

func newAgent(t *testing.T, cloudURL string, mem *store.Memory) agent {
	t.Helper()
	logger := zap.NewNop()
	cfg := resilience.Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxConcurrency: 8}
	httpClient := &http.Client{Timeout: 500 * time.Millisecond}
	gw := gateway.NewClient(httpClient, cloudURL, resilience.NewCircuitBreaker("integration"), cfg, logger)

	metrics := observability.NewMetrics()
	feed := notify.NewFeed(20, logger)
	c := service.NewContainer(gw, mem, feed, metrics, logger)
	incidents := service.NewIncidentService(c, 2*time.Millisecond)
	t.Cleanup(incidents.Close)

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return agent{
		router: handler.NewRouter(c, incidents, feed, metrics, logger),
		store:  mem,
	}
}

func (a agent) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// TestIntegration_OfflineLifecycleAndRestart drives the full flow: log
// in online, lose the backend mid-session, keep working against the
// local store, then restart the agent while still offline and find the
// session and data intact.
func TestIntegration_OfflineLifecycleAndRestart(t *testing.T) {
	backend := &cloudBackend{incidents: map[string]domain.Incident{}}
	cloud := httptest.NewServer(backend)
	defer cloud.Close()

	mem := store.NewMemory()
	a := newAgent(t, cloud.URL, mem)

	// --- Online login ---
	rec := a.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "ana@example.com", "password": "secreto123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}

	// --- Online incident ---
	rec = a.do(t, http.MethodPost, "/v1/incidents", domain.Incident{
		Title: "Cámara 2 a 9 grados", Severity: domain.SeverityHigh, AffectedArea: "Cámara 2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add incident online: %d %s", rec.Code, rec.Body.String())
	}
	var online domain.Incident
	json.Unmarshal(rec.Body.Bytes(), &online)
	if strings.HasPrefix(online.ID, "local-") {
		t.Fatalf("online incident got a local id: %q", online.ID)
	}

	// --- Backend goes down; the lifecycle keeps working locally ---
	backend.setDown(true)

	rec = a.do(t, http.MethodPost, "/v1/incidents/"+online.ID+"/actions", domain.CorrectiveAction{
		Description: "Llamar al técnico de frío",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("offline add action: %d %s", rec.Code, rec.Body.String())
	}
	var updated domain.Incident
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Status != domain.IncidentInProgress {
		t.Errorf("offline status = %q, want InProgress", updated.Status)
	}

	rec = a.do(t, http.MethodPost, "/v1/incidents", domain.Incident{
		Title: "Detectado envase dañado", Severity: domain.SeverityLow,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("offline add incident: %d %s", rec.Code, rec.Body.String())
	}
	var offline domain.Incident
	json.Unmarshal(rec.Body.Bytes(), &offline)
	if !strings.HasPrefix(offline.ID, "local-") {
		t.Errorf("offline incident id = %q, want local- prefix", offline.ID)
	}

	// Fallback writes are visible in the sync status.
	rec = a.do(t, http.MethodGet, "/v1/sync/status", nil)
	var status domain.SyncStatus
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.FallbackWrites == 0 {
		t.Error("fallback writes not accounted")
	}

	// --- Restart while still offline: same store, new process ---
	b := newAgent(t, cloud.URL, mem)

	rec = b.do(t, http.MethodGet, "/v1/auth/session", nil)
	var sess domain.Session
	json.Unmarshal(rec.Body.Bytes(), &sess)
	if !sess.Active() || !sess.Offline {
		t.Fatalf("restarted session = %+v, want active offline", sess)
	}

	rec = b.do(t, http.MethodGet, "/v1/incidents", nil)
	body := rec.Body.String()
	if !strings.Contains(body, online.ID) || !strings.Contains(body, offline.ID) {
		t.Fatalf("incidents lost across restart: %s", body)
	}

	// --- Backend returns: new mutations reach the server again ---
	backend.setDown(false)
	rec = b.do(t, http.MethodPost, "/v1/incidents", domain.Incident{
		Title: "Revisión de etiquetado", Severity: domain.SeverityMedium,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post-recovery add: %d %s", rec.Code, rec.Body.String())
	}
	var recovered domain.Incident
	json.Unmarshal(rec.Body.Bytes(), &recovered)
	if strings.HasPrefix(recovered.ID, "local-") {
		t.Errorf("post-recovery incident still local: %q", recovered.ID)
	}
}
