package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/facepoke/internal/config"
	"github.com/kozaktomas/facepoke/internal/engine"
	"github.com/kozaktomas/facepoke/internal/neural/synthetic"
)

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Pipeline.CropSize = 64
	cfg.Pipeline.Workers = 4
	cfg.Output.Format = "png"
	return cfg
}

// newTestEngine creates an engine backed by the synthetic model
func newTestEngine(t *testing.T, cfg *config.Config) *engine.Engine {
	t.Helper()
	e, err := engine.New(context.Background(), cfg, synthetic.New(cfg.Pipeline.CropSize))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// testFace renders a simple face-like PNG of the given size
func testFace(t *testing.T, w, h int, seed uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	cx, cy, r := float64(w)/2, float64(h)/2, float64(min(w, h))*0.35
	for y := range h {
		for x := range w {
			c := color.NRGBA{R: uint8(x * 255 / w), G: seed, B: uint8(y * 255 / h), A: 255}
			if math.Hypot(float64(x)-cx, float64(y)-cy) < r {
				c = color.NRGBA{R: 230, G: 190, B: 160, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

// upload creates a session for a test image and returns its id
func upload(t *testing.T, e *engine.Engine, data []byte) string {
	t.Helper()
	up, err := e.Preprocess(context.Background(), data)
	if err != nil {
		t.Fatalf("failed to preprocess test image: %v", err)
	}
	return up.ID
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error of the expected kind
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedKind string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["kind"] != expectedKind {
		t.Errorf("expected error kind '%s', got '%s' (%s)", expectedKind, result["kind"], result["error"])
	}
	if result["error"] == "" {
		t.Error("expected non-empty error message")
	}
}

var testLogger = zap.NewNop()
