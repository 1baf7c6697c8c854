package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/auth"
	"github.com/bifrost-io/bifrost/internal/metrics"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the peer has to answer a ping before the read
	// deadline expires and the connection is torn down.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the next ping goes out
	// before the previous deadline lapses.
	pingPeriod = pongWait * 9 / 10

	// sendBuffer is the per-client outbound queue. A full buffer marks the
	// client as too slow and it is disconnected.
	sendBuffer = 32

	// maxMessageSize caps inbound control messages. Clients only send small
	// JSON commands.
	maxMessageSize = 4096
)

// clientMessage is the inbound command shape. Unknown types and malformed
// JSON are ignored.
type clientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// client is one connected session.
type client struct {
	hub      *Hub
	conn     *gws.Conn
	identity *auth.Identity
	logger   *zap.Logger

	send     chan []byte
	channels map[string]struct{} // guarded by hub.mu

	// locked sessions ignore subscribe/unsubscribe (the per-execution
	// endpoint pins exactly one channel).
	locked bool

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *gws.Conn, identity *auth.Identity, locked bool, logger *zap.Logger) *client {
	return &client{
		hub:      hub,
		conn:     conn,
		identity: identity,
		logger:   logger,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]struct{}),
		locked:   locked,
	}
}

// close tears the session down once. Detaching from the hub first guarantees
// no Broadcast can reach the send channel after it is closed.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.hub.drop(context.Background(), c)
		close(c.send)
		_ = c.conn.Close()
	})
}

// run drives both pumps and blocks until the session ends.
func (c *client) run(ctx context.Context) {
	metrics.WebSocketSessions.Inc()
	defer metrics.WebSocketSessions.Dec()

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	c.readPump(ctx)
	c.close()
	<-done
}

// enqueue hands the client a payload without blocking; the caller already
// tolerates drops.
func (c *client) enqueue(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	defer func() {
		// Losing the race with close() panics on the closed channel; the
		// session is over either way.
		_ = recover()
	}()
	select {
	case c.send <- raw:
	default:
	}
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			c.enqueue(map[string]string{"type": "pong"})
		case "subscribe":
			if !c.locked && len(msg.Channels) > 0 {
				c.hub.subscribe(ctx, c, msg.Channels...)
			}
		case "unsubscribe":
			if !c.locked && len(msg.Channels) > 0 {
				c.hub.unsubscribe(ctx, c, msg.Channels...)
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(gws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gws.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
