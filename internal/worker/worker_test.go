package worker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/poolctl/internal/envelope"
	"github.com/example/poolctl/internal/pool"
)

// fakeConn is an in-memory stand-in for *broker.Connection, recording
// every publish so tests can assert on routing without a real broker.
type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	failQueue string
	failTimes int
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: make(map[string][][]byte)}
}

func (f *fakeConn) DeclareDurable(string) error { return nil }
func (f *fakeConn) SetPrefetch(int) error        { return nil }
func (f *fakeConn) Consume(string, string) (<-chan amqp.Delivery, error) {
	return nil, nil
}
func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) PublishPersistent(queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failQueue == queue && f.failTimes > 0 {
		f.failTimes--
		return assert.AnError
	}
	f.published[queue] = append(f.published[queue], body)
	return nil
}

func (f *fakeConn) counts(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[queue])
}

func newTestWorker(conn *fakeConn, transform Transform) *Worker {
	handle := pool.NewHandle(func() {})
	return &Worker{
		cfg: Config{
			OutputQueue: "out",
			ErrorQueue:  "err",
			Transform:   transform,
			Handle:      handle,
		},
		log:  zap.NewNop(),
		conn: conn,
	}
}

func TestRoute_NoError_OutputOnlyNoErrorQueue(t *testing.T) {
	conn := newFakeConn()
	w := newTestWorker(conn, nil)

	err := w.route([]byte("payload"), envelope.NoError, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, conn.counts("out"))
	assert.Equal(t, 0, conn.counts("err"))
}

func TestRoute_Critical_ErrorOnlyNothingOnOutput(t *testing.T) {
	conn := newFakeConn()
	w := newTestWorker(conn, nil)

	env := envelope.New("worker", "worker", "boom", "input", envelope.Critical)
	err := w.route(nil, envelope.Critical, env)
	require.NoError(t, err)

	assert.Equal(t, 0, conn.counts("out"))
	assert.Equal(t, 1, conn.counts("err"))
}

func TestRoute_PartialError_BothQueues(t *testing.T) {
	for _, status := range []envelope.Status{envelope.Low, envelope.Medium, envelope.High} {
		conn := newFakeConn()
		w := newTestWorker(conn, nil)

		env := envelope.New("worker", "worker", "partial", "input", status)
		err := w.route([]byte("payload"), status, env)
		require.NoError(t, err)

		assert.Equal(t, 1, conn.counts("out"), "status=%v", status)
		assert.Equal(t, 1, conn.counts("err"), "status=%v", status)
	}
}

func TestRoute_ErrorEnvelopeOnErrorQueueIsValidJSON(t *testing.T) {
	conn := newFakeConn()
	w := newTestWorker(conn, nil)

	env := envelope.New("worker", "worker", "boom", "input", envelope.High)
	require.NoError(t, w.route([]byte("payload"), envelope.High, env))

	require.Equal(t, 1, conn.counts("err"))
	var decoded envelope.Envelope
	require.NoError(t, json.Unmarshal(conn.published["err"][0], &decoded))
	assert.Equal(t, envelope.High, decoded.Severity)
}

func TestPublishWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	original := publishBackoff
	publishBackoff = []time.Duration{time.Microsecond, time.Microsecond, time.Microsecond, time.Microsecond}
	defer func() { publishBackoff = original }()

	conn := newFakeConn()
	conn.failQueue = "out"
	conn.failTimes = 2 // fails attempt 1 and 2, succeeds on attempt 3
	w := newTestWorker(conn, nil)

	err := w.publishWithRetry("out", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 1, conn.counts("out"))
}

func TestPublishWithRetry_TerminalFailureAfterExhaustingBackoff(t *testing.T) {
	original := publishBackoff
	publishBackoff = []time.Duration{time.Microsecond, time.Microsecond, time.Microsecond, time.Microsecond}
	defer func() { publishBackoff = original }()

	conn := newFakeConn()
	conn.failQueue = "out"
	conn.failTimes = 100 // always fails
	w := newTestWorker(conn, nil)

	err := w.publishWithRetry("out", []byte("payload"))
	assert.Error(t, err)
	assert.Equal(t, 0, conn.counts("out"))
}

func TestInvokeTransform_PanicSynthesizesCriticalEnvelope(t *testing.T) {
	w := newTestWorker(newFakeConn(), func([]byte) ([]byte, envelope.Status, *envelope.Envelope) {
		panic("transform exploded")
	})

	payload, status, env := w.invokeTransform([]byte("raw input"))
	assert.Nil(t, payload)
	assert.Equal(t, envelope.Critical, status)
	require.NotNil(t, env)
	assert.Equal(t, "worker", env.Blame)
	assert.Equal(t, envelope.Critical, env.Severity)
	assert.Contains(t, env.Payload.ErrorMessage, "transform exploded")
	assert.Equal(t, "raw input", env.Payload.Input)
}

func TestInvokeTransform_PassesThroughOnSuccess(t *testing.T) {
	w := newTestWorker(newFakeConn(), func(body []byte) ([]byte, envelope.Status, *envelope.Envelope) {
		return body, envelope.NoError, nil
	})

	payload, status, env := w.invokeTransform([]byte("hello"))
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, envelope.NoError, status)
	assert.Nil(t, env)
}
