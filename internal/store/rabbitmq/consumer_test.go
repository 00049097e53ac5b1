package rabbitmq

import (
	"testing"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuesFor(t *testing.T) {
	assert.Equal(t, Queues{Main: "turn_jobs", Retry: "turn_jobs.retry", DLQ: "turn_jobs.dlq"}, QueuesFor("turn_jobs"))
}

func TestDecodeJob(t *testing.T) {
	id, err := decodeJob([]byte(`{"job_id":"01J000"}`))
	require.NoError(t, err)
	assert.Equal(t, "01J000", id)

	for _, body := range []string{`not json`, `{}`, `{"job_id":"  "}`} {
		_, err := decodeJob([]byte(body))
		assert.True(t, errors.Is(err, errBadMessage), body)
	}
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 0, retryCount(amqp.Table{retryHeader: "x"}))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 3, retryCount(amqp.Table{retryHeader: int64(3)}))
}

func TestPublishing(t *testing.T) {
	p := publishing([]byte("{}"), amqp.Table{retryHeader: int32(1)}, "5000")
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "5000", p.Expiration)
	assert.False(t, p.Timestamp.IsZero())
}
