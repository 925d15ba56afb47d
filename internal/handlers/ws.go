package handlers

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/marska/chatline/internal/events"
	"github.com/marska/chatline/internal/hub"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 70 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsIdentifyWait = 10 * time.Second
	wsReadLimit    = 64 << 10
)

// HandleWebSocket accepts a signaling connection. The first frame must be an
// identify event binding the connection to a user; everything after that is
// dispatched to the event router in arrival order.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "ip", c.ClientIP(), "error", err)
		return
	}

	wsConn.SetReadLimit(wsReadLimit)

	userID, ok := h.awaitIdentify(wsConn)
	if !ok {
		_ = wsConn.Close()
		return
	}

	conn := hub.NewConn(userID, wsConn)
	h.registry.Register(conn)
	h.logger.Debug("ws identified", "user_id", userID, "conn_id", conn.ID(), "ip", c.ClientIP())

	go h.writePump(conn, wsConn)
	h.readPump(conn, wsConn)
}

// awaitIdentify reads the mandatory first frame. Anything else, or silence
// past the deadline, closes the connection before it touches any state.
func (h *Handlers) awaitIdentify(wsConn *websocket.Conn) (string, bool) {
	_ = wsConn.SetReadDeadline(time.Now().Add(wsIdentifyWait))

	_, frame, err := wsConn.ReadMessage()
	if err != nil {
		return "", false
	}

	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type != events.TypeIdentify {
		h.logger.Debug("ws first frame was not identify")
		return "", false
	}

	var p events.Identify
	if err := json.Unmarshal(env.Data, &p); err != nil || p.Validate() != nil {
		h.logger.Debug("ws invalid identify payload")
		return "", false
	}

	return p.UserID, true
}

func (h *Handlers) readPump(conn *hub.Conn, wsConn *websocket.Conn) {
	defer func() {
		_ = wsConn.Close()
		h.registry.Unregister(conn.ID())
	}()

	_ = wsConn.SetReadDeadline(time.Now().Add(wsPongWait))
	wsConn.SetPongHandler(func(string) error {
		_ = wsConn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(h.config.EventRate), h.config.EventBurst)

	for {
		_, frame, err := wsConn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws read loop ended", "user_id", conn.UserID(), "conn_id", conn.ID(), "error", err)
			return
		}

		if !limiter.Allow() {
			h.logger.Debug("ws event rate limit exceeded, dropping frame", "user_id", conn.UserID())
			continue
		}

		h.router.Dispatch(conn, frame)
	}
}

func (h *Handlers) writePump(conn *hub.Conn, wsConn *websocket.Conn) {
	defer func() {
		_ = wsConn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-conn.Outbound():
			if !ok {
				_ = wsConn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = wsConn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = wsConn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := wsConn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = wsConn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
