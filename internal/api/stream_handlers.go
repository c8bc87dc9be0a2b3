package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/observability"
	"github.com/alvesdmateus/instance-deployer/internal/progress"
)

// StreamHandler serves live progress lines over websocket
type StreamHandler struct {
	hub      *progress.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewStreamHandler creates a stream handler fed by hub
func NewStreamHandler(hub *progress.Hub, metrics *observability.Metrics, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		hub:     hub,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "log-stream").Logger(),
	}
}

// StreamLogs handles GET /api/v1/logs/stream
func (h *StreamHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	// clear the deadline the server set for the plain request
	_ = conn.SetReadDeadline(time.Time{})

	client := progress.NewWSClient(conn, h.logger)
	h.hub.Register(userID, client)
	if h.metrics != nil {
		h.metrics.StreamOpened("logs")
	}
	h.logger.Debug().Str("user_id", userID).Msg("Log stream opened")

	defer func() {
		h.hub.Unregister(userID, client)
		client.Close()
		if h.metrics != nil {
			h.metrics.StreamClosed("logs")
		}
		h.logger.Debug().Str("user_id", userID).Msg("Log stream closed")
	}()

	// inbound frames are ignored; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
