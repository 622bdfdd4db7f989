// Package api exposes the application state facade over HTTP. It stands in
// for the excluded UI layer: every route is a thin translation between JSON
// and facade operations.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"peerchat/pkg/replog"
	"peerchat/pkg/session"
	"peerchat/pkg/state"
)

// Server carries the facade into the handlers.
type Server struct {
	app *state.App
}

// New builds an API server over the facade.
func New(app *state.App) *Server { return &Server{app: app} }

// Router returns the configured mux router for /v1.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/auth/register", s.register).Methods(http.MethodPost)
	v1.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout", s.logout).Methods(http.MethodPost)
	v1.HandleFunc("/profile", s.getProfile).Methods(http.MethodGet)
	v1.HandleFunc("/profile", s.updateProfile).Methods(http.MethodPut)
	v1.HandleFunc("/password", s.changePassword).Methods(http.MethodPut)

	v1.HandleFunc("/messages", s.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/messages", s.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/messages/refresh", s.refresh).Methods(http.MethodPost)
	v1.HandleFunc("/messages/older", s.loadOlder).Methods(http.MethodPost)

	v1.HandleFunc("/log/connect", s.connectLog).Methods(http.MethodPost)
	v1.HandleFunc("/log/create", s.createLog).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.status).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUsernameTaken):
		code = http.StatusConflict
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrNotAuthenticated):
		code = http.StatusUnauthorized
	case errors.Is(err, replog.ErrInvalidAddress):
		code = http.StatusBadRequest
	case errors.Is(err, replog.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}
