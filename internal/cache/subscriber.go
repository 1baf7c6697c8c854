package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is one pub/sub delivery surfaced by a Subscriber.
type Message struct {
	Channel string
	Payload []byte
}

const (
	subscriberMinBackoff = 500 * time.Millisecond
	subscriberMaxBackoff = 30 * time.Second
)

// Subscriber is an auto-reconnecting pub/sub listener. On any transport
// error it redials with exponential backoff and replays its full channel
// list. Messages published while disconnected are lost — publishers must
// tolerate drop, which is why every lifecycle notification in the fabric is
// advisory and the DB row stays authoritative.
//
// Channels can be added and removed while the subscriber runs; the WebSocket
// bridge uses this to track its refcounted channel set.
type Subscriber struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]struct{}
	pubsub   *redis.PubSub

	out chan Message
}

// NewSubscriber creates a subscriber for the given initial channels.
// Call Run in a goroutine; read deliveries from Messages.
func (c *Client) NewSubscriber(channels ...string) *Subscriber {
	s := &Subscriber{
		rdb:      c.rdb,
		logger:   c.logger.Named("subscriber"),
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan Message, 64),
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return s
}

// Messages is the stream of deliveries. Closed when Run returns.
func (s *Subscriber) Messages() <-chan Message { return s.out }

// Subscribe adds channels to the live subscription. Safe to call while Run
// is active; the additions survive reconnects.
func (s *Subscriber) Subscribe(ctx context.Context, channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	if s.pubsub != nil {
		if err := s.pubsub.Subscribe(ctx, channels...); err != nil {
			// The reconnect loop replays the channel set, so a failed
			// subscribe here heals on the next redial.
			s.logger.Warn("subscribe failed", zap.Strings("channels", channels), zap.Error(err))
		}
	}
}

// Unsubscribe removes channels from the live subscription.
func (s *Subscriber) Unsubscribe(ctx context.Context, channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	if s.pubsub != nil {
		if err := s.pubsub.Unsubscribe(ctx, channels...); err != nil {
			s.logger.Warn("unsubscribe failed", zap.Strings("channels", channels), zap.Error(err))
		}
	}
}

// Run connects, consumes, and reconnects until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.out)

	backoff := subscriberMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("pub/sub connection lost, reconnecting",
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > subscriberMaxBackoff {
			backoff = subscriberMaxBackoff
		}
	}
}

// consume opens one pub/sub connection, replays the channel list, and reads
// until an error. Returns the transport error that ended the session.
func (s *Subscriber) consume(ctx context.Context) error {
	s.mu.Lock()
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	pubsub := s.rdb.Subscribe(ctx, channels...)
	s.pubsub = pubsub
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pubsub = nil
		s.mu.Unlock()
		_ = pubsub.Close()
	}()

	// Confirm the subscription before reporting a healthy session.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		select {
		case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
