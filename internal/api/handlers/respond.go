// Package handlers provides HTTP handlers for the tracker API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/api/middleware"
	"github.com/carepath/medtrack/internal/domain/familyaccess"
	"github.com/carepath/medtrack/internal/domain/schedule"
	"github.com/carepath/medtrack/pkg/circuitbreaker"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeDomainError maps tracker and grant errors onto status codes.
// Validation problems are 400, missing records 404 and store outages 503.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var ve *schedule.ValidationError
	var nf *schedule.NotFoundError

	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Message, Field: ve.Field})
	case errors.As(err, &nf):
		jsonError(w, nf.Error(), http.StatusNotFound)
	case schedule.IsTransient(err), errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, familyaccess.ErrUnavailable):
		logger.Warn("store unavailable",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "storage temporarily unavailable, retry later", http.StatusServiceUnavailable)
	case errors.Is(err, familyaccess.ErrInvalidInput):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, familyaccess.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, familyaccess.ErrUnauthorized):
		jsonError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, familyaccess.ErrForbidden):
		jsonError(w, err.Error(), http.StatusForbidden)
	default:
		logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}
