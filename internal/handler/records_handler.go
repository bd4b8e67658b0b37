package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// recordEndpoints builds the list/add/delete trio shared by every
// self-control record type. The three closures bind the chi routes to
// the container's typed operations.
type recordEndpoints[T any] struct {
	list   func() []T
	add    func(context.Context, T) (T, error)
	remove func(context.Context, string) error
}

func mountRecords[T any](r chi.Router, base string, ep recordEndpoints[T], logger *zap.Logger) {
	r.Get(base, func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, ep.list())
	})

	r.Post(base, func(w http.ResponseWriter, req *http.Request) {
		var in T
		if err := decodeJSON(req, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		created, err := ep.add(req.Context(), in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	r.Delete(base+"/{id}", func(w http.ResponseWriter, req *http.Request) {
		if !requireConfirm(w, req) {
			return
		}
		if err := ep.remove(req.Context(), chi.URLParam(req, "id")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
