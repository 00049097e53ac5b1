package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage is the body of a queued turn.
type JobMessage struct {
	JobID string `json:"job_id"`
}

// Queues names the three queues of one turn pipeline.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(name string) Queues {
	return Queues{Main: name, Retry: name + ".retry", DLQ: name + ".dlq"}
}

// declare sets up main, retry and dead-letter queues. Rejected main
// deliveries go to the DLQ; retry messages expire back into main.
func declare(ch *amqp.Channel, q Queues) error {
	if _, err := ch.QueueDeclare(q.DLQ, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare %s", q.DLQ)
	}
	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
	}); err != nil {
		return errors.Wrapf(err, "declare %s", q.Retry)
	}
	if _, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	}); err != nil {
		return errors.Wrapf(err, "declare %s", q.Main)
	}
	return nil
}

func dial(url string, q Queues) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rabbit dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "rabbit channel")
	}
	if err := declare(ch, q); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

type Publisher struct {
	conn   *amqp.Connection
	mu     sync.Mutex // amqp channels are not safe for concurrent publishing
	ch     *amqp.Channel
	queues Queues
}

func NewPublisher(url, queue string) (*Publisher, error) {
	q := QueuesFor(queue)
	conn, ch, err := dial(url, q)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queues: q}, nil
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

func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queues.Main, publishing(body, nil, ""))
}

func publishing(body []byte, headers amqp.Table, expiration string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      headers,
		Expiration:   expiration,
		Timestamp:    time.Now(),
	}
}

func (p *Publisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Wrap(p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	), "rabbit publish")
}
