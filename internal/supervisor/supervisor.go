// Package supervisor implements the control loop of spec.md §4.3: every
// tick it reaps exited handles, samples queue depth, applies the scaling
// policy, acts on the roster, and reports a status line. It owns the
// PoolRoster exclusively — no other goroutine mutates it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/poolctl/internal/broker"
	"github.com/example/poolctl/internal/policy"
	"github.com/example/poolctl/internal/pool"
	"github.com/example/poolctl/internal/worker"
)

// ErrStartupFailed marks a failure that occurred before the tick loop
// began — opening the sampling connection or declaring the three queues.
// Callers distinguish it (via errors.Is) from a generic runtime error so
// it can be mapped to the unrecoverable-startup-broker-error exit code
// from spec.md §6/§7, rather than the exit code for an already-running
// pool's failure.
var ErrStartupFailed = errors.New("supervisor: startup failed")

const (
	tickInterval     = 1 * time.Second
	maxSpawnPerTick  = 5
	shutdownGrace    = 30 * time.Second
	sampleRPCTimeout = 2 * time.Second
)

// Config configures one Supervisor instance. There is exactly one
// Supervisor per process, owned by main — no package-global state.
type Config struct {
	Dialer         broker.Dialer
	InputQueue     string
	OutputQueue    string
	ErrorQueue     string
	MaxWorkerCount int
	BlockingLimit  int
	Transform      worker.Transform
	Logger         *zap.Logger

	// newWorker is overridden in tests to avoid dialing a real broker.
	// Production code always leaves it nil, in which case New installs
	// the real worker.Worker factory.
	newWorker func(handle *pool.Handle, speed *SpeedWindow) runnable
}

// runnable is the narrow interface Supervisor needs from a spawned
// worker — just enough to drive it in its own goroutine.
type runnable interface {
	Run(ctx context.Context) error
}

// Supervisor is the single control-loop owner for one local worker pool.
type Supervisor struct {
	cfg    Config
	log    *zap.Logger
	roster *pool.Roster
	speed  *SpeedWindow

	sampleConn *broker.Connection

	mu        sync.Mutex
	lastLabel string
}

// New constructs a Supervisor. It does not start the tick loop or spawn
// any workers until Run is called.
func New(cfg Config) *Supervisor {
	if cfg.newWorker == nil {
		cfg.newWorker = func(handle *pool.Handle, speed *SpeedWindow) runnable {
			return worker.New(worker.Config{
				Dialer:      cfg.Dialer,
				InputQueue:  cfg.InputQueue,
				OutputQueue: cfg.OutputQueue,
				ErrorQueue:  cfg.ErrorQueue,
				Transform:   cfg.Transform,
				Logger:      cfg.Logger,
				Handle:      handle,
				Speed:       speed,
			})
		}
	}
	return &Supervisor{
		cfg:    cfg,
		log:    cfg.Logger,
		roster: pool.NewRoster(),
		speed:  &SpeedWindow{},
	}
}

// Run enters the control loop. It ticks every second, performing
// reap/sample/decide/act/report, until ctx is cancelled — at which point
// it marks every worker for termination, waits up to a grace interval
// for them to drain, and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	conn, err := s.cfg.Dialer.Dial()
	if err != nil {
		return fmt.Errorf("open sampling connection: %w: %w", ErrStartupFailed, err)
	}
	s.sampleConn = conn
	defer conn.Close()

	for _, q := range []string{s.cfg.InputQueue, s.cfg.OutputQueue, s.cfg.ErrorQueue} {
		if err := conn.DeclareDurable(q); err != nil {
			return fmt.Errorf("declare %q: %w: %w", q, ErrStartupFailed, err)
		}
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one full reap/sample/decide/act/report cycle.
func (s *Supervisor) tick() {
	s.reap()

	inLoad, outLoad, err := s.sample()
	if err != nil {
		s.log.Warn("sample failed, skipping tick", zap.Error(err))
		return
	}

	direction, magnitude := policy.Decide(inLoad, outLoad)
	label := s.act(direction, magnitude, inLoad > 0)
	s.report(label)
}

// reap walks the roster and removes every handle that is marked, idle,
// and fully exited (spec.md §4.3 Reap).
func (s *Supervisor) reap() {
	for _, h := range s.roster.Reap() {
		s.log.Info("reaped worker", zap.String("worker_id", h.ID))
	}
}

// sample queries the broker for current backlog on both queues and
// converts message counts to loads (spec.md §4.3 Sample).
func (s *Supervisor) sample() (inLoad, outLoad float64, err error) {
	inCount, err := s.sampleConn.MessageCount(s.cfg.InputQueue)
	if err != nil {
		return 0, 0, err
	}
	outCount, err := s.sampleConn.MessageCount(s.cfg.OutputQueue)
	if err != nil {
		return 0, 0, err
	}

	limit := float64(s.cfg.BlockingLimit)
	return float64(inCount) / limit, float64(outCount) / limit, nil
}

// act applies the policy's decision to the roster: spawning workers on
// Up, marking the oldest unmarked handles on Down, and bootstrapping a
// single worker when the magnitude is 0 and the roster is empty. A Down
// decision on an empty roster spawns nothing (spec.md §4.3 Act).
func (s *Supervisor) act(direction policy.Direction, magnitude int, backlogPresent bool) string {
	if magnitude == 0 {
		if s.roster.Len() == 0 {
			s.spawn(1)
			return "Scaled Up"
		}
		return "Consistent"
	}

	switch direction {
	case policy.Up:
		active := s.roster.ActiveCount()
		room := s.cfg.MaxWorkerCount - s.roster.Len()
		n := magnitude - active
		if n > maxSpawnPerTick {
			n = maxSpawnPerTick
		}
		if n > room {
			n = room
		}
		if n > 0 {
			s.spawn(n)
		}
		return "Scaled Up"
	case policy.Down:
		if s.roster.Len() == 0 {
			return "Consistent"
		}
		k := magnitude
		if s.roster.Len()-k < 1 && backlogPresent {
			k = s.roster.Len() - 1
		}
		if k > 0 {
			marked := s.roster.MarkOldestUnmarked(k)
			for _, h := range marked {
				s.log.Info("marked worker for termination", zap.String("worker_id", h.ID))
			}
		}
		return "Scaled Down"
	default:
		return "Consistent"
	}
}

// spawn starts n new workers and appends them to the roster.
func (s *Supervisor) spawn(n int) {
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		handle := pool.NewHandle(cancel)
		w := s.cfg.newWorker(handle, s.speed)

		s.roster.Append(handle)

		go func() {
			if err := w.Run(ctx); err != nil {
				s.log.Error("worker exited with error", zap.String("worker_id", handle.ID), zap.Error(err))
				handle.SetExited()
			}
		}()
	}
}

// report emits the single-line operator status (spec.md §4.3 Report).
func (s *Supervisor) report(label string) {
	live := s.roster.Len()
	rps := s.speed.RecordsPerSecond(live)

	s.mu.Lock()
	s.lastLabel = label
	s.mu.Unlock()

	s.log.Info("pool status",
		zap.Int("live_workers", live),
		zap.Float64("records_per_sec", rps),
		zap.String("action", label),
	)
}

// shutdown marks every worker for termination and waits up to
// shutdownGrace for them all to drain, per spec.md §5.
func (s *Supervisor) shutdown() {
	s.log.Info("shutdown signal observed, marking all workers")
	s.roster.MarkAll()

	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		s.reap()
		if s.roster.Len() == 0 {
			s.log.Info("all workers drained cleanly")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	remaining := s.roster.Snapshot()
	s.log.Warn("shutdown grace period elapsed, stragglers remain", zap.Int("count", len(remaining)))
}

// Status returns a snapshot suitable for an operator-visible report —
// live worker count, advisory throughput, and the last action label.
func (s *Supervisor) Status() (live int, recordsPerSec float64, lastAction string) {
	s.mu.Lock()
	label := s.lastLabel
	s.mu.Unlock()

	live = s.roster.Len()
	return live, s.speed.RecordsPerSecond(live), label
}
