package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kozaktomas/facepoke/internal/config"
)

// EmotionsHandler applies named expression presets.
type EmotionsHandler struct {
	config *config.Config
	engine Engine
	logger *zap.Logger
}

// NewEmotionsHandler creates a new emotions handler.
func NewEmotionsHandler(cfg *config.Config, e Engine, logger *zap.Logger) *EmotionsHandler {
	return &EmotionsHandler{config: cfg, engine: e, logger: logger}
}

// Presets lists the available presets and their dial values.
func (h *EmotionsHandler) Presets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.config.Presets.Presets)
}

// Apply preprocesses the uploaded image and renders it with a preset.
// The emotion comes from the "emotion" form field or query parameter.
func (h *EmotionsHandler) Apply(w http.ResponseWriter, r *http.Request) {
	data, err := readImage(w, r)
	if err != nil {
		respondReadError(w, err)
		return
	}

	emotion := r.FormValue("emotion")
	if emotion == "" {
		respondError(w, http.StatusBadRequest, "emotion is required")
		return
	}
	params, ok := h.config.Preset(emotion)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown emotion %q, valid emotions: %s",
			emotion, strings.Join(h.config.PresetNames(), ", ")))
		return
	}

	up, res, err := h.engine.Apply(r.Context(), data, params)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	h.logger.Info("emotion applied",
		zap.String("emotion", sanitizeForLog(emotion)),
		zap.String("session", up.ID))

	w.Header().Set("X-Session-ID", up.ID)
	writeImage(w, res)
}
