package broker

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	consumerMinBackoff = time.Second
	consumerMaxBackoff = 30 * time.Second
)

// HandlerFunc processes one delivery body. A nil return acknowledges the
// message; an error NACKs it without requeue, dead-lettering it into the
// poison queue.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer is a competing consumer on a durable queue. It owns one dedicated
// connection, sets prefetch, declares the dead-letter topology, and spawns
// one goroutine per delivery bounded by a semaphore equal to the prefetch.
// Steps for a single delivery always run on its one goroutine, which is what
// keeps per-execution ordering total.
type Consumer struct {
	pool     *Pool
	queue    string
	prefetch int
	handler  HandlerFunc
	logger   *zap.Logger
}

// NewConsumer creates a consumer for the queue. Prefetch bounds both the
// broker window and the in-process concurrency.
func NewConsumer(pool *Pool, queue string, prefetch int, handler HandlerFunc, logger *zap.Logger) *Consumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Consumer{
		pool:     pool,
		queue:    queue,
		prefetch: prefetch,
		handler:  handler,
		logger:   logger.Named("consumer").With(zap.String("queue", queue)),
	}
}

// Run consumes until ctx is cancelled, reconnecting with backoff on any
// transport failure. Unacknowledged in-flight messages are redelivered by
// the broker after a reconnect — processing is at-least-once.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := consumerMinBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consume session ended, reconnecting",
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > consumerMaxBackoff {
			backoff = consumerMaxBackoff
		}
	}
}

// consume runs one session on a fresh dedicated connection.
func (c *Consumer) consume(ctx context.Context) error {
	conn, err := c.pool.DedicatedConnection()
	if err != nil {
		return err
	}
	defer c.pool.releaseDedicated(conn)

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}
	if err := DeclareWithDLX(ch, c.queue); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info("consuming", zap.Int("prefetch", c.prefetch))

	sem := semaphore.NewWeighted(int64(c.prefetch))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			go func(d amqp.Delivery) {
				defer sem.Release(1)
				c.dispatch(ctx, d)
			}(d)
		}
	}
}

// dispatch runs the handler and settles the delivery. A handler panic is
// treated the same as an error return: the message dead-letters and the
// worker stays up.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panicked", zap.Any("panic", r))
				err = amqp.ErrClosed
			}
		}()
		err = c.handler(ctx, d.Body)
	}()

	if err != nil {
		c.logger.Warn("handler failed, dead-lettering message", zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Warn("nack failed", zap.Error(nackErr))
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Warn("ack failed", zap.Error(ackErr))
	}
}

// BroadcastConsumer subscribes to a durable fanout exchange through its own
// exclusive auto-delete queue, so every live instance receives every
// message. Deliveries are auto-acked: broadcasts are advisory and a missed
// one self-heals (caches re-expire, installs re-announce).
type BroadcastConsumer struct {
	pool     *Pool
	exchange string
	handler  HandlerFunc
	logger   *zap.Logger
}

// NewBroadcastConsumer creates a consumer on the fanout exchange.
func NewBroadcastConsumer(pool *Pool, exchange string, handler HandlerFunc, logger *zap.Logger) *BroadcastConsumer {
	return &BroadcastConsumer{
		pool:     pool,
		exchange: exchange,
		handler:  handler,
		logger:   logger.Named("broadcast").With(zap.String("exchange", exchange)),
	}
}

// Run consumes broadcasts until ctx is cancelled, reconnecting with backoff.
func (b *BroadcastConsumer) Run(ctx context.Context) error {
	backoff := consumerMinBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("broadcast session ended, reconnecting", zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > consumerMaxBackoff {
			backoff = consumerMaxBackoff
		}
	}
}

func (b *BroadcastConsumer) consume(ctx context.Context) error {
	conn, err := b.pool.DedicatedConnection()
	if err != nil {
		return err
	}
	defer b.pool.releaseDedicated(conn)

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := DeclareBroadcast(ch, b.exchange); err != nil {
		return err
	}
	queue, err := bindSubscriberQueue(ch, b.exchange)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(queue, "", true, true, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			if err := b.handler(ctx, d.Body); err != nil {
				b.logger.Warn("broadcast handler failed", zap.Error(err))
			}
		}
	}
}

// ConsumeStream subscribes to a transient streaming fanout and returns a
// channel of frames that closes after the sentinel ("done" or "error") or
// when ctx is cancelled. The subscriber queue auto-deletes on return.
func ConsumeStream(ctx context.Context, pool *Pool, exchange string, logger *zap.Logger) (<-chan StreamMessage, error) {
	conn, err := pool.DedicatedConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		pool.releaseDedicated(conn)
		return nil, err
	}
	if err := DeclareStream(ch, exchange); err != nil {
		ch.Close()
		pool.releaseDedicated(conn)
		return nil, err
	}
	queue, err := bindSubscriberQueue(ch, exchange)
	if err != nil {
		ch.Close()
		pool.releaseDedicated(conn)
		return nil, err
	}
	deliveries, err := ch.Consume(queue, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		pool.releaseDedicated(conn)
		return nil, err
	}

	out := make(chan StreamMessage)
	go func() {
		defer close(out)
		defer pool.releaseDedicated(conn)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg StreamMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					logger.Warn("malformed stream frame", zap.String("exchange", exchange), zap.Error(err))
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
				if msg.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}
