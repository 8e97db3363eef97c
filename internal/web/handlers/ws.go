package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kozaktomas/facepoke/internal/constants"
	"github.com/kozaktomas/facepoke/internal/portrait"
)

// WSHandler serves the interactive websocket. A binary message is an image
// upload and is answered with the session summary as JSON. A text message
// {"uuid": "...", "params": {...}} is a transform request and is answered
// with the encoded image as a binary message. Failures are reported as
// {"error": "...", "kind": "..."} and the connection stays open.
type WSHandler struct {
	engine   Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler creates a websocket handler. checkOrigin decides which
// browser origins may connect.
func NewWSHandler(e Engine, checkOrigin func(*http.Request) bool, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		engine: e,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
		},
		logger: logger,
	}
}

type wsTransformRequest struct {
	UUID   string                     `json:"uuid"`
	Params map[string]json.RawMessage `json:"params"`
}

// Serve upgrades the connection and handles messages until the client leaves.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}
	defer ws.Close()

	logger := h.logger.With(zap.String("remote", r.RemoteAddr))
	logger.Info("websocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws.SetReadLimit(constants.MaxUploadSize)
	extendDeadline := func() error {
		return ws.SetReadDeadline(time.Now().Add(constants.WSPongWait))
	}
	_ = extendDeadline()
	ws.SetPongHandler(func(string) error { return extendDeadline() })
	go keepAlive(ctx, ws)

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", zap.Error(err))
			} else {
				logger.Info("websocket client disconnected")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			err = h.handleUpload(ctx, ws, msg)
		case websocket.TextMessage:
			err = h.handleTransform(ctx, ws, msg, logger)
		}
		if err != nil {
			logger.Warn("websocket write failed", zap.Error(err))
			return
		}
		_ = extendDeadline()
	}
}

func (h *WSHandler) handleUpload(ctx context.Context, ws *websocket.Conn, data []byte) error {
	up, err := h.engine.Preprocess(ctx, data)
	if err != nil {
		return writeWSError(ws, err)
	}
	return writeWS(ws, func() error { return ws.WriteJSON(newUploadResponse(up)) })
}

func (h *WSHandler) handleTransform(ctx context.Context, ws *websocket.Conn, msg []byte, logger *zap.Logger) error {
	var req wsTransformRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return writeWSError(ws, portrait.NewInvalidRequestError(errInvalidRequestBody))
	}
	if req.UUID == "" || len(req.Params) == 0 {
		logger.Debug("ignoring websocket message without uuid or params")
		return nil
	}
	params, err := dialsFromJSON(req.Params)
	if err != nil {
		return writeWSError(ws, portrait.NewInvalidRequestError(err.Error()))
	}

	res, err := h.engine.Transform(ctx, req.UUID, params)
	if err != nil {
		return writeWSError(ws, err)
	}
	return writeWS(ws, func() error { return ws.WriteMessage(websocket.BinaryMessage, res.Data) })
}

func writeWS(ws *websocket.Conn, write func() error) error {
	if err := ws.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout)); err != nil {
		return err
	}
	return write()
}

func writeWSError(ws *websocket.Conn, err error) error {
	_, body := errorBody(err)
	return writeWS(ws, func() error { return ws.WriteJSON(body) })
}

// keepAlive pings the client until ctx ends. WriteControl may run
// concurrently with the reader's data writes.
func keepAlive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(constants.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.WSWriteTimeout)); err != nil {
				return
			}
		}
	}
}
