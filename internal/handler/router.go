package handler

import (
	"net/http"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/notify"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/observability"
	"github.com/autocontrolpro/edge-agent-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter creates the HTTP router the local UI talks to. The agent
// listens on the loopback interface only, so there is no auth layer of
// its own: session state lives in the container and the cloud backend
// enforces access on every forwarded call.
func NewRouter(c *service.Container, incidents *service.IncidentService, feed *notify.Feed, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", metrics.Handler())

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// Sesión
		// =============================================
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", loginHandler(c, logger))
			r.Post("/register", registerHandler(c, logger))
			r.Post("/logout", logoutHandler(c, logger))
			r.Get("/session", sessionHandler(c, logger))
		})

		// =============================================
		// Usuarios
		// =============================================
		r.Get("/users", listUsersHandler(c, logger))
		r.Post("/users", addUserHandler(c, logger))
		r.Put("/users/{id}", updateUserHandler(c, logger))
		r.Delete("/users/{id}", deleteUserHandler(c, logger))

		// =============================================
		// Establecimiento
		// =============================================
		r.Get("/establishment", getEstablishmentHandler(c, logger))
		r.Post("/establishment", saveEstablishmentHandler(c, logger))

		// =============================================
		// Registros de autocontrol
		// =============================================
		mountRecords(r, "/records/delivery", recordEndpoints[domain.DeliveryRecord]{
			list: c.DeliveryRecords, add: c.AddDeliveryRecord, remove: c.DeleteDeliveryRecord,
		}, logger)
		mountRecords(r, "/records/storage", recordEndpoints[domain.StorageRecord]{
			list: c.StorageRecords, add: c.AddStorageRecord, remove: c.DeleteStorageRecord,
		}, logger)
		mountRecords(r, "/records/cleaning", recordEndpoints[domain.DailyCleaningRecord]{
			list: c.CleaningRecords, add: c.AddCleaningRecord, remove: c.DeleteCleaningRecord,
		}, logger)
		mountRecords(r, "/records/outgoing", recordEndpoints[domain.OutgoingRecord]{
			list: c.OutgoingRecords, add: c.AddOutgoingRecord, remove: c.DeleteOutgoingRecord,
		}, logger)
		mountRecords(r, "/records/elaborated", recordEndpoints[domain.ElaboratedRecord]{
			list: c.ElaboratedRecords, add: c.AddElaboratedRecord, remove: c.DeleteElaboratedRecord,
		}, logger)
		mountRecords(r, "/technical-sheets", recordEndpoints[domain.TechnicalSheet]{
			list: c.TechnicalSheets, add: c.AddTechnicalSheet, remove: c.DeleteTechnicalSheet,
		}, logger)
		mountRecords(r, "/costings", recordEndpoints[domain.Costing]{
			list: c.Costings, add: c.AddCosting, remove: c.DeleteCosting,
		}, logger)

		// =============================================
		// Incidencias
		// =============================================
		r.Get("/incidents", listIncidentsHandler(incidents, logger))
		r.Post("/incidents", addIncidentHandler(incidents, logger))
		r.Get("/incidents/search", liveSearchHandler(incidents, logger))
		r.Get("/incidents/{id}", getIncidentHandler(incidents, logger))
		r.Delete("/incidents/{id}", deleteIncidentHandler(incidents, logger))
		r.Post("/incidents/{id}/actions", addActionHandler(incidents, logger))
		r.Put("/incidents/{id}/actions/{actionId}", updateActionStatusHandler(incidents, logger))
		r.Delete("/incidents/{id}/actions/{actionId}", deleteActionHandler(incidents, logger))
		r.Post("/incidents/{id}/resolve", resolveIncidentHandler(incidents, logger))
		r.Put("/incidents/{id}/resolution-notes", updateResolutionNotesHandler(incidents, logger))

		// =============================================
		// Notificaciones / sincronización
		// =============================================
		r.Get("/notifications", listNotificationsHandler(feed, logger))
		r.Get("/sync/status", syncStatusHandler(c, logger))
	})

	return r
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
