package api

import (
	"net/http"

	"peerchat/pkg/models"
	"peerchat/pkg/session"
)

type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.Sessions().Register(r.Context(), req.Username, req.Password); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.Sessions().Login(r.Context(), req.Username, req.Password); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": req.Username,
		"profile":  s.app.Sessions().Profile(),
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.app.Sessions().Logout()
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	if username := r.URL.Query().Get("username"); username != "" {
		p, ok, err := s.app.Sessions().Lookup(r.Context(), username)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown user"})
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}
	if _, ok := s.app.Sessions().Current(); !ok {
		writeErr(w, session.ErrNotAuthenticated)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Sessions().Profile())
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var upd session.ProfileUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	if err := s.app.Sessions().UpdateProfile(r.Context(), upd); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Sessions().Profile())
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Old string `json:"old"`
		New string `json:"new"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.Sessions().ChangePassword(r.Context(), req.Old, req.New); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.app.Messages()
	writeJSON(w, http.StatusOK, struct {
		Messages []models.Message `json:"messages"`
		Oldest   string           `json:"oldest,omitempty"`
	}{Messages: msgs, Oldest: s.app.Engine().OldestLoaded()})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.Send(r.Context(), req.Content); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Refresh(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Snapshot())
}

func (s *Server) loadOlder(w http.ResponseWriter, r *http.Request) {
	page, err := s.app.LoadOlderPage(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Loaded  []models.Message `json:"loaded"`
		Oldest  string           `json:"oldest,omitempty"`
		Entries int              `json:"entries"`
	}{Loaded: page, Oldest: s.app.Engine().OldestLoaded(), Entries: len(s.app.Messages())})
}

func (s *Server) connectLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.Connect(r.Context(), req.Address); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Snapshot())
}

func (s *Server) createLog(w http.ResponseWriter, r *http.Request) {
	addr, err := s.app.CreateLog(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": addr})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Snapshot())
}
