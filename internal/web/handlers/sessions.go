package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/facepoke/internal/engine"
	"github.com/kozaktomas/facepoke/internal/expression"
	"github.com/kozaktomas/facepoke/internal/portrait"
)

// SessionsHandler serves uploads and transforms of cached portraits.
type SessionsHandler struct {
	engine Engine
	logger *zap.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(e Engine, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{engine: e, logger: logger}
}

// uploadResponse carries the session id twice: "uuid" is what websocket
// clients send back with transform requests.
type uploadResponse struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
	portrait.BBox
}

func newUploadResponse(up engine.Upload) uploadResponse {
	return uploadResponse{ID: up.ID, UUID: up.ID, BBox: up.BBox}
}

// respondReadError reports a failure to extract the image from a request.
func respondReadError(w http.ResponseWriter, err error) {
	var pe *portrait.Error
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &pe):
		respondEngineError(w, err)
	case errors.As(err, &tooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", tooLarge.Limit))
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

// Upload preprocesses an image into a session. Identical images reuse the
// session while it is cached.
func (h *SessionsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	data, err := readImage(w, r)
	if err != nil {
		respondReadError(w, err)
		return
	}

	up, err := h.engine.Preprocess(r.Context(), data)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, newUploadResponse(up))
}

// decodeParams accepts {"params": {...}}; a bare dial object is accepted too.
// Unrecognized keys are ignored whatever their value.
func decodeParams(body io.Reader) (expression.Params, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return expression.Params{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if nested, ok := fields["params"]; ok {
		fields = nil
		if err := json.Unmarshal(nested, &fields); err != nil {
			return nil, errors.New("params must be an object")
		}
	}
	return dialsFromJSON(fields)
}

// dialsFromJSON parses the recognized dials of a JSON object.
func dialsFromJSON(fields map[string]json.RawMessage) (expression.Params, error) {
	params := make(expression.Params, len(fields))
	for k, v := range fields {
		if !expression.IsRecognized(k) {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return nil, fmt.Errorf("parameter %q must be a number", k)
		}
		params[k] = f
	}
	return params, nil
}

// Transform renders the session's portrait with the requested dial values.
func (h *SessionsHandler) Transform(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	params, err := decodeParams(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	res, err := h.engine.Transform(r.Context(), id, params)
	if err != nil {
		h.logger.Debug("transform rejected", zap.String("session", sanitizeForLog(id)), zap.Error(err))
		respondEngineError(w, err)
		return
	}
	writeImage(w, res)
}

func writeImage(w http.ResponseWriter, res engine.Result) {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
}

// keypointsResponse exposes the target keypoints for inspection.
type keypointsResponse struct {
	Keypoints [][3]float64 `json:"keypoints"`
	Pose      poseResponse `json:"pose"`
}

type poseResponse struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// Keypoints returns the deformed keypoints for dial values given as query
// parameters, e.g. ?smile=1&rotate_yaw=10.
func (h *SessionsHandler) Keypoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	params := make(expression.Params)
	for k, vs := range r.URL.Query() {
		if len(vs) == 0 || !expression.IsRecognized(k) {
			continue
		}
		v, err := strconv.ParseFloat(vs[len(vs)-1], 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("parameter %q must be a number", k))
			return
		}
		params[k] = v
	}

	d, err := h.engine.Deform(id, params)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, keypointsResponse{
		Keypoints: d.Keypoints.Rows3(),
		Pose:      poseResponse{Pitch: d.Pose.Pitch, Yaw: d.Pose.Yaw, Roll: d.Pose.Roll},
	})
}
