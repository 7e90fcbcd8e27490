// Package registry is the live-machine coordinator: it owns the
// in-memory map of active machines, routes events to each one through
// a dedicated mailbox (the unit of serialization described in
// spec.md §5), rehydrates machines that are not currently live, evicts
// offline-eligible ones, and archives machines that reach a final
// state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/telcofsm/runtime/pkg/concurrency"
	"github.com/telcofsm/runtime/pkg/failfast"
	"github.com/telcofsm/runtime/pkg/fsm"
	"github.com/telcofsm/runtime/pkg/history"
	"github.com/telcofsm/runtime/pkg/logx"
	"github.com/telcofsm/runtime/pkg/reqid"
	"github.com/telcofsm/runtime/pkg/store"
	"github.com/telcofsm/runtime/pkg/telemetry"
	"github.com/telcofsm/runtime/pkg/timeout"
)

// Context is what a caller's domain type must implement to be managed
// by a Registry: both the engine's persistent-context contract and the
// store's entity contract.
type Context interface {
	fsm.PersistentContext
	store.Entity
}

// ErrNotDelivered is returned by RouteEvent when the event could not be
// enqueued: the machine's mailbox is full, or rehydration failed.
var ErrNotDelivered = errors.New("registry: event not delivered")

type liveMachine struct {
	mailbox concurrency.Mailbox
	inst    *fsm.Instance
}

// CriticalFailureFunc is invoked when archival has exhausted its retry
// budget for a machine. The registry expects the process to shut down
// in response; it does not retry further itself.
type CriticalFailureFunc func(machineID string, err error)

// Config tunes the registry's per-machine resources and archival
// policy.
type Config struct {
	MailboxCapacity int
	ArchivalRetries int
	ArchivalBaseDelay time.Duration
}

// DefaultConfig mirrors the mailbox/executor defaults used elsewhere in
// this codebase.
func DefaultConfig() Config {
	return Config{MailboxCapacity: 100, ArchivalRetries: 5, ArchivalBaseDelay: 200 * time.Millisecond}
}

// Registry manages the live set of machine instances for one
// definition, generic over the caller's domain context type E.
type Registry[E Context] struct {
	def      *fsm.Definition
	active   store.Adapter[E]
	archive  store.Adapter[E]
	history  *history.Tracker
	timeouts *timeout.Manager
	factory  fsm.VolatileFactory
	onFail   CriticalFailureFunc
	logger   logx.Logger
	cfg      Config
	metrics  *telemetry.Metrics

	mu            sync.Mutex
	machines      map[string]*liveMachine
	runGen        uint64
	onStateChange func(fsm.StateChange)

	eventsRouted   int64
	eventsIgnored  int64
	archivedTotal  int64
}

// New constructs a Registry. active holds in-flight machines; archive
// holds machines that reached a final state. timeouts must be wired so
// its CurrentStateFunc/FireFunc point back at this registry (see
// WireTimeouts).
func New[E Context](def *fsm.Definition, active, archive store.Adapter[E], hist *history.Tracker, factory fsm.VolatileFactory, onFail CriticalFailureFunc, logger logx.Logger, cfg Config) *Registry[E] {
	failfast.NotNil(def, "def")
	failfast.NotNil(active, "active")
	failfast.NotNil(archive, "archive")
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 100
	}
	if cfg.ArchivalRetries <= 0 {
		cfg.ArchivalRetries = 5
	}
	if cfg.ArchivalBaseDelay <= 0 {
		cfg.ArchivalBaseDelay = 200 * time.Millisecond
	}
	return &Registry[E]{
		def:      def,
		active:   active,
		archive:  archive,
		history:  hist,
		factory:  factory,
		onFail:   onFail,
		logger:   logger,
		cfg:      cfg,
		machines: make(map[string]*liveMachine),
	}
}

// CurrentState satisfies timeout.CurrentStateFunc: it reports the
// machine's current state if it is live, so the timeout manager can
// discard a fire that raced with a transition.
func (r *Registry[E]) CurrentState(machineID string) (fsm.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lm, ok := r.machines[machineID]
	if !ok {
		return "", false
	}
	return lm.inst.Persistent.CurrentState(), true
}

// Fire satisfies timeout.FireFunc: it routes a synthesized TIMEOUT event
// onto the machine's own mailbox, so the timer competes fairly with any
// event that arrived first.
func (r *Registry[E]) Fire(machineID string) {
	if err := r.RouteEvent(context.Background(), machineID, fsm.NewEvent(fsm.TimeoutEventType, nil)); err != nil {
		r.logger.Warnf("registry: timeout delivery failed for %s: %v", machineID, err)
	}
}

// Register activates a machine for the given, already-persisted
// context: it builds volatile context, spins up its mailbox and
// consumer goroutine, and makes it routable.
func (r *Registry[E]) Register(ctx context.Context, pc E) error {
	r.mu.Lock()
	if _, exists := r.machines[pc.EntityID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: machine %s already registered", pc.EntityID())
	}
	r.runGen++
	runID := r.runGen
	r.mu.Unlock()

	vc, err := r.buildVolatile(pc)
	if err != nil {
		return fmt.Errorf("registry: build volatile context for %s: %w", pc.EntityID(), err)
	}

	inst := fsm.NewInstance(r.def, pc.EntityID(), pc, vc, runID)
	lm := &liveMachine{
		mailbox: concurrency.NewBoundedMailbox(r.cfg.MailboxCapacity),
		inst:    inst,
	}

	r.mu.Lock()
	r.machines[pc.EntityID()] = lm
	r.mu.Unlock()

	// a freshly activated machine has no timer running for it yet (it
	// was either never armed, or lost its timer across eviction): arm
	// the current state's declared timeout now, matching what Dispatch
	// does on every other state entry.
	if d, ok := r.def.TimeoutFor(pc.CurrentState()); ok && r.timeouts != nil && !r.def.IsFinal(pc.CurrentState()) {
		r.timeouts.Schedule(pc.EntityID(), d, pc.CurrentState())
	}
	fsm.RecordInitialEntry(inst, r.deps(ctx, lm))

	go r.consume(lm)
	if r.metrics != nil {
		r.metrics.ActiveMachines.Inc()
	}
	return nil
}

func (r *Registry[E]) buildVolatile(pc fsm.PersistentContext) (fsm.VolatileContext, error) {
	if r.factory == nil {
		return nil, nil
	}
	return r.factory(pc)
}

// RouteEvent delivers evt to machineID. If the machine is not
// currently live, it is rehydrated from the active store first. A full
// mailbox or a rehydration miss both report ErrNotDelivered.
func (r *Registry[E]) RouteEvent(ctx context.Context, machineID string, evt fsm.Event) error {
	r.mu.Lock()
	lm, ok := r.machines[machineID]
	r.mu.Unlock()

	if !ok {
		if err := r.rehydrate(ctx, machineID); err != nil {
			return fmt.Errorf("%w: %v", ErrNotDelivered, err)
		}
		r.mu.Lock()
		lm, ok = r.machines[machineID]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: machine %s not found", ErrNotDelivered, machineID)
		}
	}

	if err := lm.mailbox.Send(evt); err != nil {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	return nil
}

func (r *Registry[E]) rehydrate(ctx context.Context, machineID string) error {
	pc, found, err := r.active.FindByID(ctx, machineID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("machine %s not found in active store", machineID)
	}
	return r.Register(ctx, pc)
}

// consume is the single goroutine that serializes every event, timeout
// fire, and eviction/archival decision for one machine.
func (r *Registry[E]) consume(lm *liveMachine) {
	ctx := context.Background()
	for {
		msg, err := lm.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		evt, ok := msg.(fsm.Event)
		if !ok {
			continue
		}
		evtCtx := reqid.WithNewRequestID(ctx)
		r.handle(evtCtx, lm, evt)

		if lm.inst.IsFinal() {
			r.archiveWithRetry(ctx, lm)
			r.mu.Lock()
			delete(r.machines, lm.inst.ID)
			r.mu.Unlock()
			lm.mailbox.Close()
			return
		}
		if lm.inst.IsOffline() {
			r.evict(lm)
			return
		}
	}
}

// deps builds the callback bundle Dispatch (and RecordInitialEntry)
// needs for lm, bound to ctx for the store/log calls a Record or
// ArmTimeout callback makes.
func (r *Registry[E]) deps(ctx context.Context, lm *liveMachine) fsm.Deps {
	log := r.logger.WithContext(ctx)
	return fsm.Deps{
		ArmTimeout: func(machineID string, d time.Duration, state fsm.State) {
			if r.timeouts != nil {
				r.timeouts.Schedule(machineID, d, state)
			}
		},
		CancelTimeout: func(machineID string) {
			if r.timeouts != nil {
				r.timeouts.Cancel(machineID)
			}
		},
		Record: func(h fsm.HistoryEntry) {
			if r.history == nil {
				return
			}
			pctx, _ := history.EncodePayload(h.ContextAfter)
			vctx, _ := history.EncodePayload(h.VolatileAfter)
			payload, _ := history.EncodePayload(h.Payload)
			row := history.Row{
				DateTime:          h.OccurredAt,
				State:             string(h.From),
				Event:             string(h.EventType),
				EventIgnored:      h.Ignored,
				EventPayload:      payload,
				TransitionOrStay:  h.From != h.To,
				TransitionCounter: lm.inst.ReentryCount(h.To),
				PersistentContext: pctx,
				VolatileContext:   vctx,
			}
			if h.From != h.To {
				row.TransitionToState = string(h.To)
			}
			if err := r.history.Append(h.MachineID, row); err != nil {
				log.Debugf("registry: history append: %v", err)
			}
			if err := r.active.UpdateByID(ctx, h.MachineID, lm.inst.Persistent.(E)); err != nil {
				log.Warnf("registry: persist context for %s: %v", h.MachineID, err)
			}
		},
		Notify: func(sc fsm.StateChange) {
			if r.onStateChange != nil {
				r.onStateChange(sc)
			}
		},
	}
}

func (r *Registry[E]) handle(ctx context.Context, lm *liveMachine, evt fsm.Event) {
	log := r.logger.WithContext(ctx)
	deps := r.deps(ctx, lm)

	outcome, err := fsm.Dispatch(lm.inst, evt, deps)
	r.mu.Lock()
	if outcome.Ignored {
		r.eventsIgnored++
	} else {
		r.eventsRouted++
	}
	r.mu.Unlock()

	if r.metrics != nil {
		if outcome.Ignored {
			r.metrics.EventsIgnored.Inc()
		} else {
			r.metrics.EventsRouted.Inc()
			if outcome.Transitioned {
				r.metrics.TransitionsTotal.Inc()
			} else {
				r.metrics.StayTotal.Inc()
			}
		}
	}

	if err != nil {
		var ignored *fsm.IgnoredEventError
		if !errors.As(err, &ignored) {
			log.Warnf("registry: dispatch error for %s: %v", lm.inst.ID, err)
		}
		var actionErr *fsm.ActionError
		if errors.As(err, &actionErr) && r.metrics != nil {
			r.metrics.ActionErrorsTotal.WithLabelValues(actionErr.Phase).Inc()
		}
	}
}

func (r *Registry[E]) evict(lm *liveMachine) {
	lm.mailbox.Close()
	r.mu.Lock()
	delete(r.machines, lm.inst.ID)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveMachines.Dec()
	}
}

// archiveWithRetry inserts the machine's context into the archive store
// and removes it from the active store, retrying with exponential
// backoff. Exhausting the retry budget invokes the critical-failure
// callback, which is expected to shut the process down rather than
// leave the machine duplicated or lost between stores.
func (r *Registry[E]) archiveWithRetry(ctx context.Context, lm *liveMachine) {
	pc := lm.inst.Persistent.(E)
	var lastErr error
	for attempt := 0; attempt < r.cfg.ArchivalRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.ArchivalBaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			time.Sleep(delay)
		}
		if r.metrics != nil {
			r.metrics.ArchivalAttempts.Inc()
		}
		if err := r.archiveOnce(ctx, pc); err != nil {
			lastErr = err
			continue
		}
		r.mu.Lock()
		r.archivedTotal++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.ActiveMachines.Dec()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.ArchivalFailures.Inc()
	}
	if r.onFail != nil {
		r.onFail(pc.EntityID(), fmt.Errorf("registry: archival exhausted retries: %w", lastErr))
	}
}

// archiveOnce moves pc from the active store into the archive store.
// When the active store implements store.Archiver (the two adapters in
// this codebase both do), the move runs inside a single transaction, so
// a crash between the insert and the delete is impossible; ArchiveTo
// returns an error if the archive store is not the same adapter type
// sharing its connection pool. When the active store does not
// implement it, archiveOnce falls back to two independent calls — an accepted approximation for
// a deployment whose active and archive stores sit on separate
// databases, where a cross-database transaction isn't available; the
// retry loop around archiveOnce still makes that fallback eventually
// consistent, just not atomic.
func (r *Registry[E]) archiveOnce(ctx context.Context, pc E) error {
	if archiver, ok := r.active.(store.Archiver[E]); ok {
		return archiver.ArchiveTo(ctx, r.archive, pc)
	}
	if err := r.archive.Insert(ctx, pc); err != nil {
		return err
	}
	return r.active.DeleteByID(ctx, pc.EntityID())
}

// Stats reports counters for observability.
type Stats struct {
	Live          int
	EventsRouted  int64
	EventsIgnored int64
	Archived      int64
}

// Stats returns a snapshot of the registry's counters.
func (r *Registry[E]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Live:          len(r.machines),
		EventsRouted:  r.eventsRouted,
		EventsIgnored: r.eventsIgnored,
		Archived:      r.archivedTotal,
	}
}

// WithMetrics attaches a telemetry.Metrics instance the registry
// updates as it routes events, archives machines, and tracks the live
// set. Optional; a nil metrics pointer is never dereferenced.
func (r *Registry[E]) WithMetrics(m *telemetry.Metrics) *Registry[E] {
	r.metrics = m
	return r
}

// OnStateChange registers the callback invoked after every committed
// external transition, so a subscriber (the debug channel) can
// broadcast it without the registry depending on transport.
func (r *Registry[E]) OnStateChange(fn func(fsm.StateChange)) {
	r.onStateChange = fn
}

// WireTimeouts attaches a timeout manager built against this registry's
// CurrentState/Fire methods. Callers must construct the timeout.Manager
// with r.CurrentState and r.Fire, then pass it here.
func (r *Registry[E]) WireTimeouts(m *timeout.Manager) {
	r.timeouts = m
}

// StartupScan finds machines the active store still reports as
// complete (marked so but never archived, e.g. the process crashed
// between the state transition and archival) and archives them without
// waking a live consumer goroutine for each one.
func (r *Registry[E]) StartupScan(ctx context.Context, from, to time.Time) (int, error) {
	rows, err := r.active.FindAllByDateRange(ctx, from, to)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, pc := range rows {
		if !pc.EntityComplete() {
			continue
		}
		if err := r.archiveOnce(ctx, pc); err != nil {
			r.logger.Warnf("registry: startup archive failed for %s: %v", pc.EntityID(), err)
			continue
		}
		archived++
	}
	return archived, nil
}

// ListOffline scans the active store for entities currently sitting in
// an offline-flagged state, whether or not they are still live (an
// offline state is evictable, not necessarily already evicted).
func (r *Registry[E]) ListOffline(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := r.active.FindAllByDateRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, pc := range rows {
		if r.def.IsOffline(fsm.State(pc.EntityCurrentState())) {
			ids = append(ids, pc.EntityID())
		}
	}
	return ids, nil
}

// ListLive returns the ids of every currently live machine.
func (r *Registry[E]) ListLive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns the persistent context of a live machine, for the
// debug channel's GET_MACHINE_STATE handler.
func (r *Registry[E]) Snapshot(machineID string) (E, bool) {
	var zero E
	r.mu.Lock()
	defer r.mu.Unlock()
	lm, ok := r.machines[machineID]
	if !ok {
		return zero, false
	}
	return lm.inst.Persistent.(E), true
}
