package handler

import (
	"net/http"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
	"github.com/autocontrolpro/edge-agent-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func listIncidentsHandler(svc *service.IncidentService, _ *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := incidentFilterFromQuery(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, svc.Filter(f))
	}
}

// incidentFilterFromQuery builds the structured filter from the query
// string. Dates are accepted as RFC 3339 or plain YYYY-MM-DD.
func incidentFilterFromQuery(w http.ResponseWriter, r *http.Request) (domain.IncidentFilter, bool) {
	q := r.URL.Query()
	f := domain.IncidentFilter{
		Status:       domain.IncidentStatus(q.Get("status")),
		Severity:     domain.Severity(q.Get("severity")),
		AffectedArea: q.Get("area"),
		Query:        q.Get("q"),
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ts, err = time.Parse("2006-01-02", v)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+p.name+" date")
			return domain.IncidentFilter{}, false
		}
		*p.dst = ts
	}
	return f, true
}

func getIncidentHandler(svc *service.IncidentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inc, err := svc.Incident(chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inc)
	}
}

func addIncidentHandler(svc *service.IncidentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in domain.Incident
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		created, err := svc.AddIncident(r.Context(), in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func deleteIncidentHandler(svc *service.IncidentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireConfirm(w, r) {
			return
		}
		if err := svc.DeleteIncident(r.Context(), chi.URLParam(r, "id")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func addActionHandler(svc *service.IncidentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in domain.CorrectiveAction
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		inc, err := svc.AddAction(r.Context(), chi.URLParam(r, "id"), in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, inc)
	}
}

func updateActionStatusHandler(svc *service.IncidentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Status domain.ActionStatus `json:"status"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		inc, err := svc.UpdateActionStatus(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "actionId"), in.Status)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inc)
	}
}

func deleteActionHandler(svc *service.IncidentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireConfirm(w, r) {
			return
		}
		inc, err := svc.DeleteAction(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "actionId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inc)
	}
}

func resolveIncidentHandler(svc *service.IncidentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Notes string `json:"notes"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		inc, err := svc.ResolveIncident(r.Context(), chi.URLParam(r, "id"), in.Notes)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inc)
	}
}

func updateResolutionNotesHandler(svc *service.IncidentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Notes string `json:"notes"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		inc, err := svc.UpdateResolutionNotes(r.Context(), chi.URLParam(r, "id"), in.Notes)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inc)
	}
}

// liveSearchHandler feeds the debounced free-text search. Each call
// registers the current query; the response carries the results of the
// last completed recompute, which trail the typing by one debounce
// interval.
func liveSearchHandler(svc *service.IncidentService, _ *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.SetLiveQuery(r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, svc.LiveResults())
	}
}
