// Package timeout implements the runtime's deadline manager: one active
// timer per machine id, cancelled on every state change and replaced
// whenever a state that declares a timeout is entered. Firing dispatches
// through a bounded worker pool so a burst of simultaneous deadlines
// never blocks the timer goroutines themselves.
package timeout

import (
	"context"
	"sync"
	"time"

	"github.com/telcofsm/runtime/pkg/concurrency"
	"github.com/telcofsm/runtime/pkg/failfast"
	"github.com/telcofsm/runtime/pkg/fsm"
	"github.com/telcofsm/runtime/pkg/logx"
	"github.com/telcofsm/runtime/pkg/telemetry"
)

// CurrentStateFunc returns the machine's current state, or false if the
// machine is no longer tracked (evicted, archived, or never existed).
// The manager calls it at fire time to discard a timer that raced with
// a competing event and lost.
type CurrentStateFunc func(machineID string) (fsm.State, bool)

// FireFunc is invoked when a non-stale timeout elapses. It should
// enqueue a TIMEOUT event onto the machine's mailbox; the manager does
// not dispatch events itself.
type FireFunc func(machineID string)

type armedTimer struct {
	timer       *time.Timer
	armedState  fsm.State
	generation  uint64
}

// Manager owns the one-timer-per-machine map and the worker pool that
// runs FireFunc without blocking the standard library timer machinery.
type Manager struct {
	mu      sync.Mutex
	timers  map[string]*armedTimer
	gen     map[string]uint64
	exec    concurrency.Executor
	current CurrentStateFunc
	fire    FireFunc
	logger  logx.Logger
	metrics *telemetry.Metrics

	scheduled int64
	cancelled int64
	fired     int64
	stale     int64
}

// Config configures the manager's worker pool sizing.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig mirrors the executor's own defaults: enough workers to
// absorb a burst of simultaneous deadlines without serializing them.
func DefaultConfig() Config {
	return Config{Workers: 10, QueueSize: 1000}
}

// NewManager constructs a Manager. ctx bounds the worker pool's
// lifetime; callers should cancel it (or call Shutdown) on process
// shutdown.
func NewManager(ctx context.Context, cfg Config, current CurrentStateFunc, fire FireFunc, logger logx.Logger) *Manager {
	failfast.NotNil(current, "current")
	failfast.NotNil(fire, "fire")
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	exec := concurrency.NewExecutor(ctx, concurrency.ExecutorConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	})
	return &Manager{
		timers:  make(map[string]*armedTimer),
		gen:     make(map[string]uint64),
		exec:    exec,
		current: current,
		fire:    fire,
		logger:  logger,
	}
}

// WithMetrics attaches a telemetry.Metrics instance, wiring scheduled,
// cancelled, fired, and stale counters. Returns m for chaining.
func (m *Manager) WithMetrics(metrics *telemetry.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Schedule arms a deadline for machineID, replacing any timer already
// armed for it. armedState is the state the machine was in when the
// deadline was set; if the machine has moved to a different state by
// the time the timer fires, the fire is discarded as stale.
func (m *Manager) Schedule(machineID string, d time.Duration, armedState fsm.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.timers[machineID]; ok {
		existing.timer.Stop()
		m.cancelled++
		if m.metrics != nil {
			m.metrics.TimeoutsCancelled.Inc()
		}
	}

	m.gen[machineID]++
	generation := m.gen[machineID]

	t := time.AfterFunc(d, func() {
		m.onFire(machineID, armedState, generation)
	})
	m.timers[machineID] = &armedTimer{timer: t, armedState: armedState, generation: generation}
	m.scheduled++
	if m.metrics != nil {
		m.metrics.TimeoutsScheduled.Inc()
	}
}

// Cancel discards any timer armed for machineID. Safe to call when none
// is armed.
func (m *Manager) Cancel(machineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[machineID]; ok {
		existing.timer.Stop()
		delete(m.timers, machineID)
		m.cancelled++
		if m.metrics != nil {
			m.metrics.TimeoutsCancelled.Inc()
		}
	}
}

func (m *Manager) onFire(machineID string, armedState fsm.State, generation uint64) {
	m.mu.Lock()
	current, ok := m.timers[machineID]
	isCurrent := ok && current.generation == generation
	if isCurrent {
		delete(m.timers, machineID)
	}
	m.mu.Unlock()

	if !isCurrent {
		// superseded by a later Schedule/Cancel; nothing to do.
		return
	}

	if m.current != nil {
		state, tracked := m.current(machineID)
		if !tracked || state != armedState {
			m.mu.Lock()
			m.stale++
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.TimeoutsStale.Inc()
			}
			return
		}
	}

	err := m.exec.Submit(concurrency.NewNamedTask("timeout-fire:"+machineID, func(ctx context.Context) error {
		m.fire(machineID)
		return nil
	}))
	if err != nil {
		m.logger.Warnf("timeout: dropped fire for machine %s: %v", machineID, err)
		return
	}

	m.mu.Lock()
	m.fired++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.TimeoutsFired.Inc()
	}
}

// Stats reports counters for observability.
type Stats struct {
	Scheduled int64
	Cancelled int64
	Fired     int64
	Stale     int64
	Armed     int
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Scheduled: m.scheduled,
		Cancelled: m.cancelled,
		Fired:     m.fired,
		Stale:     m.stale,
		Armed:     len(m.timers),
	}
}

// Shutdown stops all armed timers and drains the worker pool.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for id, t := range m.timers {
		t.timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	return m.exec.Shutdown(ctx)
}
