package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// adminMiddleware checks for valid admin API key from either
// 'Authorization: Bearer <key>' or 'X-API-Key: <key>' headers.
func (s *Server) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminKey := s.opts.AdminAPIKey
		if adminKey == "" {
			s.logger.Error().Msg("ADMIN_API_KEY not set")
			s.writeError(w, http.StatusInternalServerError, errTypeInternal, "admin_not_configured", "Admin API not configured")
			return
		}

		var providedToken string
		authHeader := r.Header.Get("Authorization")
		xAPIKeyHeader := r.Header.Get("X-API-Key")

		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				s.logger.Warn().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid Authorization header format for admin endpoint")
				s.writeError(w, http.StatusUnauthorized, errTypeInvalidRequest, "invalid_api_key", "Invalid Authorization header format")
				return
			}
			providedToken = parts[1]
		} else if xAPIKeyHeader != "" {
			providedToken = xAPIKeyHeader
		} else {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing required Authorization or X-API-Key header for admin endpoint")
			s.writeError(w, http.StatusUnauthorized, errTypeInvalidRequest, "invalid_api_key", "Missing admin API key")
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedToken), []byte(adminKey)) != 1 {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid admin API key provided")
			s.writeError(w, http.StatusUnauthorized, errTypeInvalidRequest, "invalid_api_key", "Invalid admin API key")
			return
		}

		next(w, r)
	}
}

// modelsStatusHandler reports the registry snapshot.
func (s *Server) modelsStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Status())
}
