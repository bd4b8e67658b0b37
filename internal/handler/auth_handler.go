package handler

import (
	"net/http"

	"github.com/autocontrolpro/edge-agent-go/internal/service"

	"go.uber.org/zap"
)

func loginHandler(c *service.Container, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.LoginInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		sess, err := c.Login(r.Context(), in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func registerHandler(c *service.Container, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.RegisterInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		sess, err := c.Register(r.Context(), in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func logoutHandler(c *service.Container, _ *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.Logout(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

func sessionHandler(c *service.Container, _ *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Session())
	}
}
