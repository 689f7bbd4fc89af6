package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dvcrn/dify-proxy/internal/logger"
)

// apiKeyMiddleware validates 'Authorization: Bearer <key>' against the
// configured client keys. Requests failing the check never reach Dify.
func (s *Server) apiKeyMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.rejectClient(w, r, "Missing Authorization header")
			return
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			s.rejectClient(w, r, "Invalid Authorization header format. Expected: Bearer <API_KEY>")
			return
		}

		if !s.validClientKey(parts[1]) {
			s.logger.Warn().
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Str("key", logger.Preview(parts[1])).
				Msg("Invalid API key provided")
			s.rejectClient(w, r, "Invalid API key")
			return
		}

		next(w, r)
	}
}

func (s *Server) validClientKey(key string) bool {
	for _, k := range s.opts.ValidAPIKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) rejectClient(w http.ResponseWriter, r *http.Request, message string) {
	s.logger.Debug().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("reason", message).
		Msg("Rejected client request")
	s.writeError(w, http.StatusUnauthorized, errTypeInvalidRequest, "invalid_api_key", message)
}
