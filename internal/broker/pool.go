package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// maxPooledConnections bounds the shared publisher connections: the
	// expected consumer count plus two of headroom.
	maxPooledConnections = 6

	// maxPooledChannels bounds the publish channel pool. Publishers follow
	// acquire-publish-release; consumers never use this pool because
	// consumption cannot cleanly share a channel with publishes.
	maxPooledChannels = 10
)

// ErrClosed is returned by operations on a closed pool.
var ErrClosed = errors.New("broker: pool is closed")

// Pool is the process-wide AMQP connection and channel pool. Connections are
// dialed lazily. Consumers take a dedicated connection for their lifetime;
// publishers borrow a channel and return it.
type Pool struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	conns     []*amqp.Connection
	next      int
	dedicated []*amqp.Connection
	closed    bool

	channels chan *amqp.Channel
}

// NewPool creates an idle pool for the given AMQP URL. No connection is
// dialed until the first operation.
func NewPool(url string, logger *zap.Logger) *Pool {
	return &Pool{
		url:      url,
		logger:   logger.Named("broker"),
		channels: make(chan *amqp.Channel, maxPooledChannels),
	}
}

// connection returns a shared connection, dialing a new one while the pool
// is below its bound, then rotating round-robin. Dead connections are
// replaced in place.
func (p *Pool) connection() (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	// Drop closed connections before picking one.
	live := p.conns[:0]
	for _, c := range p.conns {
		if !c.IsClosed() {
			live = append(live, c)
		}
	}
	p.conns = live

	if len(p.conns) < maxPooledConnections {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			if len(p.conns) == 0 {
				return nil, fmt.Errorf("broker: dial: %w", err)
			}
			// A dial failure with live connections available is tolerable.
			p.logger.Warn("dial for pool growth failed, reusing existing connection", zap.Error(err))
		} else {
			p.conns = append(p.conns, conn)
		}
	}

	conn := p.conns[p.next%len(p.conns)]
	p.next++
	return conn, nil
}

// DedicatedConnection dials a connection the caller owns for its lifetime.
// Consumers use this: a consuming channel must not share a connection with
// the publish pool. Callers hand the connection back through
// releaseDedicated when the session ends; the pool closes any remaining on
// shutdown.
func (p *Pool) DedicatedConnection() (*amqp.Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial dedicated: %w", err)
	}

	p.mu.Lock()
	p.dedicated = append(p.dedicated, conn)
	p.mu.Unlock()
	return conn, nil
}

// releaseDedicated closes a dedicated connection and forgets it, so a
// reconnecting consumer replaces its tracking entry instead of stacking a
// new one per session.
func (p *Pool) releaseDedicated(conn *amqp.Connection) {
	p.forgetDedicated(conn)
	_ = conn.Close()
}

func (p *Pool) forgetDedicated(conn *amqp.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.dedicated {
		if c == conn {
			p.dedicated = append(p.dedicated[:i], p.dedicated[i+1:]...)
			return
		}
	}
}

// acquireChannel pops a pooled channel or opens a fresh one.
func (p *Pool) acquireChannel() (*amqp.Channel, error) {
	select {
	case ch := <-p.channels:
		if !ch.IsClosed() {
			return ch, nil
		}
		// Fall through and open a replacement.
	default:
	}

	conn, err := p.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	return ch, nil
}

// releaseChannel returns a healthy channel to the pool, closing it when the
// pool is full.
func (p *Pool) releaseChannel(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		return
	}
	select {
	case p.channels <- ch:
	default:
		_ = ch.Close()
	}
}

// withChannel runs fn with a pooled channel, retrying once on a closed
// channel or connection: broker restarts close channels underneath us and a
// single redial heals the common case.
func (p *Pool) withChannel(fn func(ch *amqp.Channel) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ch, err := p.acquireChannel()
		if err != nil {
			lastErr = err
			continue
		}
		if err := fn(ch); err != nil {
			lastErr = err
			_ = ch.Close()
			continue
		}
		p.releaseChannel(ch)
		return nil
	}
	return lastErr
}

// Publish sends a persistent message to a durable queue, declaring the
// dead-letter topology first so enqueue and consume can never diverge.
// Priority is clamped to 0-9.
func (p *Pool) Publish(ctx context.Context, queue string, body []byte, priority uint8) error {
	if priority > maxPriority {
		priority = maxPriority
	}
	err := p.withChannel(func(ch *amqp.Channel) error {
		if err := DeclareWithDLX(ch, queue); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Body:         body,
		})
	})
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}
	return nil
}

// PublishBroadcast sends a persistent message to a durable fanout exchange.
func (p *Pool) PublishBroadcast(ctx context.Context, exchange string, body []byte) error {
	err := p.withChannel(func(ch *amqp.Channel) error {
		if err := DeclareBroadcast(ch, exchange); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	})
	if err != nil {
		return fmt.Errorf("broker: broadcast to %s: %w", exchange, err)
	}
	return nil
}

// PublishStream sends a transient frame to a streaming fanout. Frames are
// non-persistent: a stream with no live subscriber has no audience to save
// them for.
func (p *Pool) PublishStream(ctx context.Context, exchange string, body []byte) error {
	err := p.withChannel(func(ch *amqp.Channel) error {
		if err := DeclareStream(ch, exchange); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Body:         body,
		})
	})
	if err != nil {
		return fmt.Errorf("broker: stream to %s: %w", exchange, err)
	}
	return nil
}

// Close tears down pooled channels, then every connection, shared and
// dedicated. Safe to call once; later operations return ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := append([]*amqp.Connection{}, p.conns...)
	conns = append(conns, p.dedicated...)
	p.conns = nil
	p.dedicated = nil
	p.mu.Unlock()

	close(p.channels)
	for ch := range p.channels {
		_ = ch.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}
