// Package alerting fans CRITICAL/WARNING/INFO events (spec.md §7's
// "user-visible behavior") out to an AlertSink without ever blocking the
// single-threaded trading cycle. The Discord notifier itself is out of scope
// (spec.md §1); only the sink interface and a log-only default live here.
package alerting

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"bitbank-trader/internal/logging"
)

// PoolConfig configures the bounded worker pool backing non-blocking sinks.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// Pool wraps alitto/pond, grounded on the teacher's pkg/concurrency/pool.go,
// adapted here specifically for alert fan-out instead of generic stream
// processing.
type Pool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger logging.ILogger
}

// NewPool creates a new non-blocking worker pool.
func NewPool(cfg PoolConfig, logger logging.ILogger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("alert pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &Pool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "alert_pool").WithField("pool", cfg.Name),
	}
}

// Submit enqueues a task without blocking; a full pool drops the task and
// returns an error rather than stalling the caller (the orchestrator's cycle
// loop). Submit itself logs nothing; the caller decides what to do with the error.
func (p *Pool) Submit(task func()) error {
	if !p.pool.TrySubmit(task) {
		return fmt.Errorf("alert pool %q is full (capacity %d)", p.config.Name, p.config.MaxCapacity)
	}
	return nil
}

// Stop drains and stops the pool.
func (p *Pool) Stop() {
	p.pool.StopAndWait()
}
