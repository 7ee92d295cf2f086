package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type handlers struct {
	engine *workflow.Engine
	api    *openapi.Index
	logger *zap.Logger
}

// fail renders err. Server-side failures are logged with the request logger
// since the client only sees a generic envelope.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		observability.LoggerFrom(r.Context(), h.logger).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	WriteError(w, err)
}

// decode reads a JSON body, checks the members the API document marks as
// required for operationID, then unmarshals it into dst. An empty body is
// treated as an empty object. It writes the error response and returns false
// when the body is unusable.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, operationID string, dst any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, model.NewBadRequestError("unreadable request body"))
		return false
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	if h.api != nil {
		if errs := h.api.ValidateRequest(operationID, raw); len(errs) > 0 {
			WriteValidationError(w, errs)
			return false
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		WriteError(w, model.NewBadRequestError(fmt.Sprintf("invalid JSON body: %v", err)))
		return false
	}
	return true
}

func (h *handlers) document(w http.ResponseWriter, _ *http.Request) {
	if h.api == nil {
		WriteError(w, model.NewNotFoundError("API document not available"))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(h.api.Document())
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.NewInvalidArgumentError(name, fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}

func entityRef(r *http.Request) model.EntityRef {
	return model.EntityRef{
		Type: chi.URLParam(r, "entityType"),
		ID:   chi.URLParam(r, "entityId"),
	}
}

// listResponse is the envelope of list endpoints.
type listResponse[T any] struct {
	Data []T `json:"data"`
}
