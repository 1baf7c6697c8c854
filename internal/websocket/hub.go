// Package websocket is the live side of the fabric: one hub per server
// instance fans Redis pub/sub traffic out to connected clients. Channel
// subscriptions are refcounted against a shared cache.Subscriber, so the
// instance holds exactly one Redis subscription per channel regardless of how
// many clients watch it.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/cache"
)

// Hub routes channel payloads to the local clients subscribed to them.
type Hub struct {
	sub    *cache.Subscriber
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]map[*client]struct{}
}

// NewHub creates a Hub bridged over the given subscriber. Run must be
// started for cross-instance traffic to flow.
func NewHub(sub *cache.Subscriber, logger *zap.Logger) *Hub {
	return &Hub{
		sub:      sub,
		logger:   logger.Named("ws"),
		channels: make(map[string]map[*client]struct{}),
	}
}

// Run pumps bridge messages into the local clients until ctx is done. The
// subscriber's own Run loop handles reconnects.
func (h *Hub) Run(ctx context.Context) {
	go h.sub.Run(ctx)
	for msg := range h.sub.Messages() {
		h.Broadcast(msg.Channel, msg.Payload)
	}
}

// Broadcast delivers a payload to every local client on the channel. Sends
// never block: a client whose buffer is full is dropped, because a consumer
// that cannot keep up with live updates has to re-sync from the API anyway.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.mu.Lock()
	var slow []*client
	for c := range h.channels[channel] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", zap.String("channel", channel))
		c.close()
	}
}

// subscribe attaches a client to channels, bridging each newly seen channel
// onto Redis.
func (h *Hub) subscribe(ctx context.Context, c *client, channels ...string) {
	h.mu.Lock()
	var fresh []string
	for _, ch := range channels {
		set := h.channels[ch]
		if set == nil {
			set = make(map[*client]struct{})
			h.channels[ch] = set
			fresh = append(fresh, ch)
		}
		set[c] = struct{}{}
		c.channels[ch] = struct{}{}
	}
	h.mu.Unlock()

	if len(fresh) > 0 {
		h.sub.Subscribe(ctx, fresh...)
	}
}

// unsubscribe detaches a client from channels, releasing the Redis
// subscription of any channel left without watchers.
func (h *Hub) unsubscribe(ctx context.Context, c *client, channels ...string) {
	h.mu.Lock()
	var dead []string
	for _, ch := range channels {
		set := h.channels[ch]
		if set == nil {
			continue
		}
		delete(set, c)
		delete(c.channels, ch)
		if len(set) == 0 {
			delete(h.channels, ch)
			dead = append(dead, ch)
		}
	}
	h.mu.Unlock()

	if len(dead) > 0 {
		h.sub.Unsubscribe(ctx, dead...)
	}
}

// drop removes a client from every channel it watches.
func (h *Hub) drop(ctx context.Context, c *client) {
	h.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()
	h.unsubscribe(ctx, c, channels...)
}

// channelList returns the client's current subscriptions.
func (h *Hub) channelList(c *client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	return channels
}
