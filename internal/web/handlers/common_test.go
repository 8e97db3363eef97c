package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

func TestRespondJSON_SetsContentTypeAndStatus(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondJSON(recorder, http.StatusCreated, map[string]string{"status": "ok"})

	assertStatusCode(t, recorder, http.StatusCreated)
	assertContentType(t, recorder, "application/json")
	if recorder.Body.String() != "{\"status\":\"ok\"}\n" {
		t.Errorf("unexpected body '%s'", recorder.Body.String())
	}
}

func TestRespondJSON_NilData(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondJSON(recorder, http.StatusOK, nil)

	if recorder.Body.Len() != 0 {
		t.Errorf("expected empty body for nil data, got '%s'", recorder.Body.String())
	}
}

func TestRespondError_Kind(t *testing.T) {
	tests := []struct {
		status int
		kind   string
	}{
		{http.StatusBadRequest, "invalid_request"},
		{http.StatusRequestEntityTooLarge, "invalid_request"},
		{http.StatusNotFound, "session_not_found"},
		{http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			recorder := httptest.NewRecorder()
			respondError(recorder, tc.status, "test error")

			assertStatusCode(t, recorder, tc.status)
			assertJSONError(t, recorder, tc.kind)
		})
	}
}

func TestRespondEngineError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"decode", portrait.NewDecodeError(errors.New("bad header")), http.StatusBadRequest, "decode_error"},
		{"no face", portrait.NewNoFaceError(nil), http.StatusUnprocessableEntity, "no_face_detected"},
		{"missing session", portrait.NewSessionNotFoundError("abc"), http.StatusNotFound, "session_not_found"},
		{"synthesis", portrait.NewSynthesisError("stitch", errors.New("nan")), http.StatusInternalServerError, "synthesis_error"},
		{"invalid", portrait.NewInvalidRequestError("bad dial"), http.StatusBadRequest, "invalid_request"},
		{"wrapped", fmt.Errorf("outer: %w", portrait.NewSessionNotFoundError("abc")), http.StatusNotFound, "session_not_found"},
		{"untyped", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "internal_error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			respondEngineError(recorder, tc.err)

			assertStatusCode(t, recorder, tc.status)
			assertJSONError(t, recorder, tc.kind)
		})
	}
}

func TestRespondEngineError_HidesInternalDetails(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondEngineError(recorder, errors.New("password=hunter2"))

	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	if result["error"] != "internal error" {
		t.Errorf("expected generic message, got '%s'", result["error"])
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("abc\r\nINFO forged"); got != "abcINFO forged" {
		t.Errorf("unexpected sanitized value '%s'", got)
	}
}

func TestHealthCheck_ReturnsStatusOk(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	recorder := httptest.NewRecorder()

	HealthCheck(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", result["status"])
	}
}
