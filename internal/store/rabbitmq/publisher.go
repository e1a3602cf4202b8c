// Package rabbitmq publishes task ids onto the durable scrape queue and owns
// its topology: the main queue dead-letters into <queue>.dlq, and
// <queue>.retry ticks expired messages back onto the main queue, so a
// consumer can Nack a bad delivery without losing it.
package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology is the trio of queues derived from one main queue name. Both the
// publisher and the consumer declare from it so their arguments always match.
type Topology struct {
	Main  string
	Retry string
	DLQ   string
}

func QueueTopology(queue string) Topology {
	return Topology{
		Main:  queue,
		Retry: queue + ".retry",
		DLQ:   queue + ".dlq",
	}
}

// MainArgs are the declaration arguments for the main queue: rejected
// deliveries dead-letter into the DLQ.
func (t Topology) MainArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DLQ,
	}
}

func (t Topology) retryArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Main,
	}
}

// Declare creates the three queues, durable and non-exclusive.
func (t Topology) Declare(ch *amqp.Channel) error {
	for _, q := range []struct {
		name string
		args amqp.Table
	}{
		{t.DLQ, nil},
		{t.Retry, t.retryArgs()},
		{t.Main, t.MainArgs()},
	} {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return err
		}
	}
	return nil
}

type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	topo Topology
}

// TaskMessage is the wire payload; the task id doubles as the idempotency key.
type TaskMessage struct {
	TaskID string `json:"task_id"`
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	topo := QueueTopology(queue)
	if err := topo.Declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, topo: topo}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishTask(ctx context.Context, taskID string) error {
	body, err := json.Marshal(TaskMessage{TaskID: taskID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",          // default exchange
		p.topo.Main, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			MessageId:    taskID,
			Timestamp:    time.Now(),
		},
	)
}
