package server

import (
	"encoding/json"
	"net/http"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAPI            = "api_error"
	errTypeInternal       = "internal_error"
)

func errorBody(errType string, code interface{}, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}

// writeError writes an OpenAI style error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, errType string, code interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody(errType, code, message)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
