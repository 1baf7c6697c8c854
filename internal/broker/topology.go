package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// maxPriority is the highest message priority the execution queue accepts.
// Publishers may set 0-9; higher is delivered first.
const maxPriority = 9

// Declarer is the subset of *amqp.Channel the topology helpers need.
// Abstracted so topology declarations can be unit-tested without a broker.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLXName returns the dead-letter exchange name for a queue.
func DLXName(queue string) string { return queue + "-dlx" }

// PoisonQueueName returns the poison queue name for a queue.
func PoisonQueueName(queue string) string { return queue + "-poison" }

// DeclareWithDLX declares the full dead-letter topology for a logical queue:
// a direct durable DLX, a durable poison queue bound to it by the queue name,
// and the main durable queue whose rejected messages dead-letter into the
// poison queue. Both the publish and consume paths run this declaration so
// the two can never diverge on topology.
//
// Poison messages are never auto-drained; they wait for human inspection and
// optional replay.
func DeclareWithDLX(ch Declarer, queue string) error {
	dlx := DLXName(queue)

	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlx %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(PoisonQueueName(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare poison queue for %s: %w", queue, err)
	}
	if err := ch.QueueBind(PoisonQueueName(queue), queue, dlx, false, nil); err != nil {
		return fmt.Errorf("broker: bind poison queue for %s: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": queue,
		"x-max-priority":            int32(maxPriority),
	}); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", queue, err)
	}
	return nil
}

// DeclareBroadcast declares a durable fanout exchange. Each subscriber binds
// its own exclusive queue so every live consumer sees every message.
func DeclareBroadcast(ch Declarer, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare broadcast exchange %s: %w", exchange, err)
	}
	return nil
}

// DeclareStream declares a transient auto-delete fanout used for short-lived
// progress streams. Nothing about a stream survives its last subscriber.
func DeclareStream(ch Declarer, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "fanout", false, true, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare stream exchange %s: %w", exchange, err)
	}
	return nil
}

// bindSubscriberQueue declares an exclusive auto-delete queue and binds it
// to the exchange. Returns the server-generated queue name.
func bindSubscriberQueue(ch Declarer, exchange string) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("broker: declare subscriber queue for %s: %w", exchange, err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return "", fmt.Errorf("broker: bind subscriber queue for %s: %w", exchange, err)
	}
	return q.Name, nil
}
