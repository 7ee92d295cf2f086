// Package transport contains the HTTP router, middleware chain, and request
// handlers of the approval API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/signoff/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrInvalidArgument:   http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrStepUnauthorized:  http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrStaleState:        http.StatusConflict,
	model.ErrInstanceNotActive: http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrIllegalTransition: http.StatusUnprocessableEntity,
	model.ErrUnavailable:       http.StatusServiceUnavailable,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// StatusFor returns the HTTP status an error is rendered with.
func StatusFor(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as {"error": envelope} with the matching HTTP status.
// Errors that are not envelopes are rendered as a generic INTERNAL_ERROR so
// that infrastructure details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
