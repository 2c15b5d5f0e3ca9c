package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxFrameSize      = 1 << 20
	disconnectTimeout = 15 * time.Second
)

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := h.protocol.Connect(ctx, identity)
	if err != nil {
		h.logger.Warn("realtime connect failed", zap.String("user_id", identity.UserID), zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection rejected"),
			time.Now().Add(writeWait))
		return
	}

	done := make(chan struct{})
	writerStopped := make(chan struct{})
	go func() {
		defer close(writerStopped)
		h.writePump(ws, conn, done)
	}()

	h.readPump(ctx, ws, conn)
	cancel()

	disconnectCtx, cancelDisconnect := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancelDisconnect()
	h.protocol.Disconnect(disconnectCtx, conn)

	close(done)
	<-writerStopped
}

// readPump dispatches client frames in arrival order until the socket fails.
func (h *httpHandler) readPump(ctx context.Context, ws *websocket.Conn, conn *realtime.Connection) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		frame, err := realtime.DecodeFrame(raw)
		if err == nil {
			err = h.protocol.Dispatch(ctx, conn, frame)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			h.protocol.ReportError(conn, err)
		}
	}
}

// writePump is the only writer of ws.
func (h *httpHandler) writePump(ws *websocket.Conn, conn *realtime.Connection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-conn.Outbox():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", zap.String("conn_id", conn.ID()), zap.Error(err))
				_ = ws.Close()
				<-done
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = ws.Close()
				<-done
				return
			}
		case <-done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
