package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvcrn/codex-gateway/internal/codex"
	"github.com/dvcrn/codex-gateway/internal/config"
	"github.com/dvcrn/codex-gateway/internal/oauth"
)

// sseFlushWriter wraps a ResponseWriter to flush after each write.
type sseFlushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw sseFlushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

// upstreamDispatcher opens one translated stream against the Responses
// backend.
type upstreamDispatcher interface {
	Dispatch(ctx context.Context, req codex.DispatchRequest) (*http.Response, error)
}

type Server struct {
	store      *config.Store
	dispatcher upstreamDispatcher
	flow       *oauth.Flow
	mux        *http.ServeMux
	logger     zerolog.Logger
}

func New(logger zerolog.Logger, store *config.Store, dispatcher upstreamDispatcher, flow *oauth.Flow) *Server {
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		flow:       flow,
		mux:        http.NewServeMux(),
		logger:     logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/codex/v1/chat/completions", s.bearerMiddleware(s.chatCompletionsHandler))
	s.mux.HandleFunc("/codex/v1/completions", s.bearerMiddleware(s.completionsHandler))
	s.mux.HandleFunc("/codex/v1/models", s.bearerMiddleware(s.modelsHandler))
	s.mux.HandleFunc("/api/codex/oauth/start", s.adminMiddleware(s.oauthStartHandler))
	s.mux.HandleFunc("/api/codex/tokens", s.adminMiddleware(s.tokensHandler))
	s.mux.HandleFunc("/api/codex/logout", s.adminMiddleware(s.logoutHandler))
	s.mux.HandleFunc(oauth.CallbackPath, s.oauthCallbackHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.loggingMiddleware(s.mux).ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Incoming request")
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(codex.SupportedModels()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode models response")
	}
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

// writeErrorJSON emits the OpenAI-style {"error": {"message": ...}} envelope.
func (s *Server) writeErrorJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message},
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
