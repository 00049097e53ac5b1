package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const retryHeader = "x-retry-count"

var errBadMessage = errors.New("bad job message")

// HandlerFunc processes one job. A returned error schedules a retry.
type HandlerFunc func(ctx context.Context, jobID string) error

type ConsumerOptions struct {
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

// Consumer runs a fixed pool of workers over the main queue.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	pub    *Publisher
	queues Queues
	opts   ConsumerOptions
}

func NewConsumer(url, queue string, opts ConsumerOptions) (*Consumer, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	q := QueuesFor(queue)
	conn, ch, err := dial(url, q)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(opts.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "qos")
	}
	retryCh, err := conn.Channel()
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "rabbit channel")
	}
	return &Consumer{
		conn:   conn,
		ch:     ch,
		pub:    &Publisher{ch: retryCh, queues: q},
		queues: q,
		opts:   opts,
	}, nil
}

func (c *Consumer) Close() error {
	_ = c.pub.Close()
	_ = c.ch.Close()
	return c.conn.Close()
}

func decodeJob(body []byte) (string, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return "", errors.Wrap(errBadMessage, err.Error())
	}
	if strings.TrimSpace(m.JobID) == "" {
		return "", errors.WithMessage(errBadMessage, "empty job_id")
	}
	return m.JobID, nil
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Run consumes until ctx is done, then waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	msgs, err := c.ch.Consume(c.queues.Main, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	log.WithFields(log.Fields{"queue": c.queues.Main, "concurrency": c.opts.Concurrency}).Info("worker started")

	jobs := make(chan amqp.Delivery, c.opts.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.deliver(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, workerID int, d amqp.Delivery, handle HandlerFunc) {
	logger := log.WithField("worker", workerID)
	jobID, err := decodeJob(d.Body)
	if err != nil {
		logger.WithError(err).Warn("dropping message")
		_ = d.Nack(false, false)
		return
	}
	logger = logger.WithField("job_id", jobID)

	start := time.Now()
	if err := handle(ctx, jobID); err != nil {
		attempt := retryCount(d.Headers) + 1
		logger.WithError(err).WithFields(log.Fields{"attempt": attempt, "took": time.Since(start).String()}).Warn("job failed")
		if attempt > c.opts.MaxRetries {
			_ = d.Nack(false, false)
			return
		}
		msg := publishing(d.Body, amqp.Table{retryHeader: int32(attempt)}, strconv.FormatInt(c.opts.RetryDelay.Milliseconds(), 10))
		if err := c.pub.publish(ctx, c.queues.Retry, msg); err != nil {
			logger.WithError(err).Error("schedule retry")
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
		return
	}
	if err := d.Ack(false); err != nil {
		logger.WithError(err).Error("ack failed")
	}
	logger.WithField("took", time.Since(start).String()).Debug("job done")
}
