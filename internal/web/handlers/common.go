package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kozaktomas/facepoke/internal/engine"
	"github.com/kozaktomas/facepoke/internal/expression"
	"github.com/kozaktomas/facepoke/internal/portrait"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// Engine is the portrait pipeline used by the handlers.
type Engine interface {
	Preprocess(ctx context.Context, data []byte) (engine.Upload, error)
	PreprocessUncached(ctx context.Context, data []byte) (engine.Upload, error)
	Transform(ctx context.Context, id string, params expression.Params) (engine.Result, error)
	Deform(id string, params expression.Params) (engine.Deformation, error)
	Apply(ctx context.Context, data []byte, params expression.Params) (engine.Upload, engine.Result, error)
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string        `json:"error"`
	Kind  portrait.Kind `json:"kind"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message, Kind: kindForStatus(status)})
}

// respondEngineError maps a pipeline error to its HTTP status.
func respondEngineError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	respondJSON(w, status, body)
}

func errorBody(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Error: "request timed out", Kind: portrait.KindInternal}
	case errors.Is(err, context.Canceled):
		// client went away; the status is never seen
		return http.StatusServiceUnavailable, errorResponse{Error: "request cancelled", Kind: portrait.KindInternal}
	}
	kind := portrait.KindOf(err)
	msg := err.Error()
	if kind == portrait.KindInternal {
		msg = "internal error"
	}
	return statusForKind(kind), errorResponse{Error: msg, Kind: kind}
}

func statusForKind(kind portrait.Kind) int {
	switch kind {
	case portrait.KindDecode, portrait.KindInvalidRequest:
		return http.StatusBadRequest
	case portrait.KindNoFace:
		return http.StatusUnprocessableEntity
	case portrait.KindSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) portrait.Kind {
	switch {
	case status == http.StatusNotFound:
		return portrait.KindSessionNotFound
	case status >= 400 && status < 500:
		return portrait.KindInvalidRequest
	default:
		return portrait.KindInternal
	}
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
