package server

import (
	"net/http"
)

func (s *Server) oauthStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authURL, err := s.flow.Start()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to start OAuth login")
		s.writeErrorJSON(w, http.StatusInternalServerError, "Failed to start login")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

func (s *Server) oauthCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	result := s.flow.Callback(r.Context(),
		q.Get("code"),
		q.Get("state"),
		q.Get("error"),
		q.Get("error_description"),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(result.StatusCode)
	if _, err := w.Write([]byte(result.HTML())); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write callback page")
	}
}

func (s *Server) tokensHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tokens := s.store.Snapshot().Codex
	s.writeJSON(w, http.StatusOK, map[string]any{
		"authenticated":    tokens.Authenticated(),
		"account_id":       tokens.AccountID,
		"has_access_token": tokens.AccessToken != "",
		"last_refresh":     tokens.LastRefresh,
	})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, err := s.flow.Logout(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist logout")
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
