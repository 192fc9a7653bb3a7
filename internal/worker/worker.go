// Package worker implements the per-worker consume/process/publish/ack
// loop described in spec.md §4.1: receive one delivery, invoke the
// host-supplied transform, route the result by error status, ack, and
// either await the next delivery or exit if marked for termination.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/poolctl/internal/broker"
	"github.com/example/poolctl/internal/envelope"
	"github.com/example/poolctl/internal/pool"
)

// Transform is the host-supplied message transform, specified only by
// its contract (spec.md §6): raw bytes in, processed bytes plus an
// error status plus an optional envelope out. It must be reentrant and
// stateless with respect to other workers, and it must not panic — if
// it does, the worker synthesizes a Critical envelope on its behalf.
type Transform func(message []byte) ([]byte, envelope.Status, *envelope.Envelope)

// publishBackoff is the bounded exponential backoff schedule for a
// failed publish: one entry per attempt, 4 attempts in all. After a
// failed attempt the worker sleeps that attempt's delay (100ms, 200ms,
// 400ms, 800ms) before the next attempt or, after the last one, before
// giving up, per spec.md §4.1.
var publishBackoff = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// Config bundles everything one worker goroutine needs to run
// independently of every other worker — its own broker connection, its
// own roster handle, and the shared (stateless) transform.
type Config struct {
	Dialer      broker.Dialer
	InputQueue  string
	OutputQueue string
	ErrorQueue  string
	Transform   Transform
	Logger      *zap.Logger
	Handle      *pool.Handle

	// Speed is where per-message processing latency is reported for the
	// supervisor's advisory status line (spec.md §3 SpeedWindow). May be
	// nil in tests that don't care about the status line.
	Speed LatencyRecorder
}

// LatencyRecorder accepts one processing-latency sample. Implemented by
// *supervisor.SpeedWindow; kept as a narrow interface here so worker does
// not import supervisor.
type LatencyRecorder interface {
	Record(time.Duration)
}

// brokerConn is the narrow slice of *broker.Connection this package
// relies on — kept as an interface so tests can exercise the routing
// and retry logic without a real AMQP broker.
type brokerConn interface {
	DeclareDurable(name string) error
	SetPrefetch(n int) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	PublishPersistent(queue string, body []byte) error
	Close() error
}

// Worker consumes one message at a time from InputQueue, routes the
// transform's output to OutputQueue and/or ErrorQueue, and acknowledges
// the delivery as its last act.
type Worker struct {
	cfg  Config
	log  *zap.Logger
	conn brokerConn
}

// New constructs a worker. It does not connect to the broker — call Run
// to start it.
func New(cfg Config) *Worker {
	return &Worker{
		cfg: cfg,
		log: cfg.Logger.With(zap.String("worker_id", cfg.Handle.ID)),
	}
}

// Run opens the broker connection, declares the three queues durable,
// sets prefetch=1, and consumes until the worker's context is cancelled
// while idle or a terminal publish failure forces an early exit. It
// always calls Handle.SetExited before returning.
func (w *Worker) Run(ctx context.Context) error {
	defer w.cfg.Handle.SetExited()

	conn, err := w.cfg.Dialer.Dial()
	if err != nil {
		return errors.Wrap(err, "worker start")
	}
	w.conn = conn
	defer conn.Close()

	for _, q := range []string{w.cfg.InputQueue, w.cfg.OutputQueue, w.cfg.ErrorQueue} {
		if err := conn.DeclareDurable(q); err != nil {
			return errors.Wrap(err, "worker start")
		}
	}

	if err := conn.SetPrefetch(1); err != nil {
		return errors.Wrap(err, "worker start")
	}

	deliveries, err := conn.Consume(w.cfg.InputQueue, w.cfg.Handle.ID)
	if err != nil {
		return errors.Wrap(err, "worker start")
	}

	w.log.Info("worker online")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker draining: marked while idle")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if terminal := w.handle(delivery); terminal {
				return nil
			}
			if w.cfg.Handle.Marked() {
				w.log.Info("worker exiting after ack: marked during processing")
				return nil
			}
		}
	}
}

// handle runs one full receive→transform→route→ack cycle. It returns
// true if a terminal publish failure occurred and the worker must exit
// (the delivery has already been nacked with requeue in that case).
func (w *Worker) handle(delivery amqp.Delivery) (terminal bool) {
	w.cfg.Handle.SetBusy(true)
	defer w.cfg.Handle.SetBusy(false)

	start := time.Now()
	payload, status, env := w.invokeTransform(delivery.Body)
	elapsed := time.Since(start)
	if w.cfg.Speed != nil {
		w.cfg.Speed.Record(elapsed)
	}

	if err := w.route(payload, status, env); err != nil {
		w.log.Error("publish exhausted retries, nacking with requeue", zap.Error(err))
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			w.log.Error("nack failed", zap.Error(nackErr))
		}
		return true
	}

	if err := delivery.Ack(false); err != nil {
		w.log.Error("ack failed", zap.Error(err))
	}

	w.log.Debug("processed delivery", zap.Duration("elapsed", elapsed), zap.String("status", status.String()))
	return false
}

// invokeTransform calls the host transform, recovering from a panic and
// synthesizing a Critical envelope in its place (spec.md §4.1, §7).
func (w *Worker) invokeTransform(body []byte) (payload []byte, status envelope.Status, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("transform panicked", zap.Any("recover", r))
			status = envelope.Critical
			env = envelope.New("worker", "worker", fmt.Sprintf("transform panic: %v", r), string(body), envelope.Critical)
			payload = nil
		}
	}()
	return w.cfg.Transform(body)
}

// route publishes payload/env to the appropriate queues for status, per
// the routing table in spec.md §4.1 step 3.
func (w *Worker) route(payload []byte, status envelope.Status, env *envelope.Envelope) error {
	if status.Forwarded() {
		if err := w.publishWithRetry(w.cfg.OutputQueue, payload); err != nil {
			return err
		}
	}
	if status.Errored() {
		body, err := marshalEnvelope(env)
		if err != nil {
			return err
		}
		if err := w.publishWithRetry(w.cfg.ErrorQueue, body); err != nil {
			return err
		}
	}
	return nil
}

func marshalEnvelope(env *envelope.Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil error envelope for errored status")
	}
	return env.MarshalJSON()
}

// publishWithRetry makes one publish attempt per entry of publishBackoff
// (4 attempts), sleeping with the bounded exponential backoff schedule
// (100ms -> 800ms) after each failed attempt, and gives up once every
// attempt has failed.
func (w *Worker) publishWithRetry(queue string, body []byte) error {
	var lastErr error
	for i, delay := range publishBackoff {
		err := w.conn.PublishPersistent(queue, body)
		if err == nil {
			return nil
		}
		lastErr = err
		w.log.Warn("publish attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(delay)
	}
	return errors.Wrapf(lastErr, "publish to %q exhausted retries", queue)
}
