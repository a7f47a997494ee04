package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/stocklend/borrowdesk/internal/models"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("write response")
	}
}

// writeError maps a domain error to its wire status and envelope. Internal
// details never leave the service; the correlation ID links the response to
// the full log line.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, retryAfter time.Duration) {
	kind := models.Kind(err)
	status := statusFor(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("request failed")
		message = "internal error"
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
	}
	s.writeErrorMessage(w, r, status, kind, message)
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	s.writeJSON(w, r, status, errorBody{
		Status:    "error",
		Error:     kind,
		Message:   message,
		RequestID: requestID(r.Context()),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTickerNotFound), errors.Is(err, models.ErrClientNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrTimeout), errors.Is(err, models.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
