package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/crosslogic/session-billing/pkg/apperr"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	liveWriteWait    = 10 * time.Second
	liveMaxFrameSize = 4096
)

// liveFrame is what the server sends for each client heartbeat frame.
type liveFrame struct {
	Type      string        `json:"type"`
	Heartbeat interface{}   `json:"heartbeat,omitempty"`
	Error     *apperr.Error `json:"error,omitempty"`
}

func (g *Gateway) upgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(g.opts.AllowedOrigins))
	for _, origin := range g.opts.AllowedOrigins {
		allowed[origin] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin.
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// handleLive upgrades to a WebSocket where every client frame is a
// heartbeat ({"status": "..."} or empty) and every server frame is the
// heartbeat result or an error. The channel closes when the session leaves
// the open states or the client goes silent for LiveIdleTimeout.
func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	usageID, ok := g.authorizeParticipant(w, r)
	if !ok {
		return
	}

	conn, err := g.upgrader().Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			zap.String("usage_id", usageID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	liveConnections.Inc()
	defer liveConnections.Dec()

	conn.SetReadLimit(liveMaxFrameSize)
	ctx := r.Context()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(g.opts.LiveIdleTimeout)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("live channel closed",
					zap.String("usage_id", usageID),
					zap.Error(err),
				)
			}
			return
		}

		var req heartbeatRequest
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				if !g.writeFrame(conn, liveFrame{Type: "error", Error: apperr.InvalidInput("malformed heartbeat frame")}) {
					return
				}
				continue
			}
		}

		result, err := g.machine.Heartbeat(ctx, usageID, req.Status)
		if err != nil {
			appErr := apperr.As(err)
			if !g.writeFrame(conn, liveFrame{Type: "error", Error: appErr}) {
				return
			}
			// A paused session rejects heartbeats but may resume; only a
			// closed one ends the channel.
			if appErr.Code == apperr.CodeInvalidState || appErr.Code == apperr.CodeNotFound {
				if u, err := g.machine.Get(ctx, usageID); err != nil || !u.Status.Open() {
					g.closeLive(conn, "session closed")
					return
				}
			}
			continue
		}

		if !g.writeFrame(conn, liveFrame{Type: "heartbeat", Heartbeat: result}) {
			return
		}
	}
}

func (g *Gateway) writeFrame(conn *websocket.Conn, frame liveFrame) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
		return false
	}
	if err := conn.WriteJSON(frame); err != nil {
		g.logger.Debug("failed to write live frame", zap.Error(err))
		return false
	}
	return true
}

func (g *Gateway) closeLive(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(liveWriteWait))
}
