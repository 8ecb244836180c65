package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/logging"
)

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code and a JSON body. Unexpected
// errors are logged and reported generically in production, with the
// request ID so they can be found in the logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *apperrors.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, apperrors.ErrUnsupportedTable):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: "table"})
	case errors.Is(err, apperrors.ErrAlertNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "alert not found"})
	case errors.Is(err, apperrors.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, apperrors.ErrInvalidSignature):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
	case errors.Is(err, apperrors.ErrMonitorStopped):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "monitor is not running"})
	default:
		logger := s.requestLogger(r)
		logger.Error().Err(err).Msg("Request failed")
		msg := "internal server error"
		if !s.cfg.Server.Production {
			msg = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg, RequestID: logging.RequestID(r.Context())})
	}
}

// requestLogger returns the logger attached by logRequests, or the server
// logger for requests that bypassed it.
func (s *Server) requestLogger(r *http.Request) zerolog.Logger {
	if _, ok := r.Context().Value(logging.LoggerKey).(zerolog.Logger); ok {
		return logging.FromContext(r.Context())
	}
	return s.logger
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("body", nil, "invalid JSON: "+err.Error())
	}
	return nil
}
