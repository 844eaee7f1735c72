package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/digitalclinic/consult-relay/internal/metrics"
	"github.com/digitalclinic/consult-relay/internal/ratelimit"
)

// Time allowed to write a frame or control message to the peer.
const writeWait = 10 * time.Second

type client struct {
	hub         *Hub
	conn        *websocket.Conn
	principal   string
	displayName string
	remoteAddr  string

	// send carries pre-encoded frames to writePump. Closed by unregister.
	send    chan []byte
	limiter *ratelimit.TokenBucket
}

// readPump owns all reads on the connection. It runs in the handler
// goroutine and returns when the connection dies or misbehaves.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	idle := c.hub.cfg.WSIdleTimeout
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ws read failed", "principal", c.principal, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(c.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !c.limiter.Allow() {
			c.hub.met.Inc(metrics.DropRateLimited)
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		c.hub.router.Dispatch(ctx, c.principal, raw)
	}
}

// writePump owns all writes on the connection, including keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
