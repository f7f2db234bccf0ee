package server

import (
	"net/http"
	"strings"
)

// bearerMiddleware guards the completion routes with the configured API key,
// expected as 'Authorization: Bearer <key>'. An empty configured key leaves
// the route open.
func (s *Server) bearerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.store.Snapshot().APIKey
		if apiKey == "" {
			next(w, r)
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing or malformed Authorization header")
			s.writeErrorJSON(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if token != apiKey {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid API key provided")
			s.writeErrorJSON(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next(w, r)
	}
}

// adminMiddleware checks for a valid admin key from either
// 'Authorization: Bearer <key>' or 'X-API-Key: <key>' headers. An empty
// configured key leaves the route open.
func (s *Server) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminKey := s.store.Snapshot().AdminKey
		if adminKey == "" {
			next(w, r)
			return
		}

		var providedToken string
		authHeader := r.Header.Get("Authorization")
		xAPIKeyHeader := r.Header.Get("X-API-Key")

		if authHeader != "" {
			token, ok := bearerToken(authHeader)
			if !ok {
				s.logger.Warn().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid Authorization header format for admin endpoint")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			providedToken = token
		} else if xAPIKeyHeader != "" {
			providedToken = xAPIKeyHeader
		} else {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing required Authorization or X-API-Key header for admin endpoint")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if providedToken != adminKey {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid admin key provided")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// bearerToken extracts the token from a 'Bearer <token>' header,
// case-insensitive on the scheme.
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
