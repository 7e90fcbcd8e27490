package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/telcofsm/runtime/pkg/failfast"
	"github.com/telcofsm/runtime/pkg/logx"
	"github.com/telcofsm/runtime/pkg/telemetry"
)

// Tracker owns one append queue and one background worker per machine
// id, all flushing into the same SQLite database but each into its own
// dedicated table. The bounded-queue, single-worker, flush-on-close
// shape mirrors the filesystem append log used elsewhere in this
// codebase, adapted from segment files to per-machine SQL rows.
type Tracker struct {
	db     *sql.DB
	logger logx.Logger

	mu     sync.Mutex
	queues map[string]*machineQueue

	queueCapacity int

	droppedTotal int64

	metrics *telemetry.Metrics
}

type machineQueue struct {
	ch        chan Row
	table     string
	machineID string
	wg        sync.WaitGroup
	closed    bool
}

// Config configures the tracker.
type Config struct {
	DSN           string
	QueueCapacity int
}

// DefaultConfig bounds each machine's queue at 256 pending records,
// enough to absorb a burst without unbounded memory growth.
func DefaultConfig(dsn string) Config {
	return Config{DSN: dsn, QueueCapacity: 256}
}

// NewTracker opens the SQLite database backing all per-machine tables.
func NewTracker(cfg Config, logger logx.Logger) (*Tracker, error) {
	failfast.If(cfg.DSN != "", "history: Config.DSN is required")
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}
	return &Tracker{
		db:            db,
		logger:        logger,
		queues:        make(map[string]*machineQueue),
		queueCapacity: cfg.QueueCapacity,
	}, nil
}

func (t *Tracker) queueFor(machineID string) (*machineQueue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := t.queues[machineID]; ok {
		return q, nil
	}

	table := TableName(machineID)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    datetime INTEGER NOT NULL,
    state TEXT NOT NULL,
    event TEXT NOT NULL,
    event_ignored INTEGER NOT NULL,
    event_payload TEXT,
    transition_or_stay INTEGER NOT NULL,
    transition_to_state TEXT,
    transition_counter INTEGER NOT NULL,
    persistent_context TEXT,
    volatile_context TEXT
)`, table)
	if _, err := t.db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("history: create table %s: %w", table, err)
	}
	for _, idx := range []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_datetime ON %s (datetime)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_state ON %s (state)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_event ON %s (event)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_state_counter ON %s (state, transition_counter)", table, table),
	} {
		if _, err := t.db.Exec(idx); err != nil {
			return nil, fmt.Errorf("history: create index on %s: %w", table, err)
		}
	}

	q := &machineQueue{ch: make(chan Row, t.queueCapacity), table: table, machineID: machineID}
	q.wg.Add(1)
	go t.flushLoop(q)
	t.queues[machineID] = q
	return q, nil
}

func (t *Tracker) flushLoop(q *machineQueue) {
	defer q.wg.Done()
	for row := range q.ch {
		if err := t.writeRow(q.table, row); err != nil {
			t.logger.Warnf("history: failed to write row to %s: %v", q.table, err)
		}
		if t.metrics != nil {
			t.metrics.HistoryQueueDepth.WithLabelValues(q.machineID).Set(float64(len(q.ch)))
		}
	}
}

func (t *Tracker) writeRow(table string, row Row) error {
	query := fmt.Sprintf(`INSERT INTO %s
        (datetime, state, event, event_ignored, event_payload, transition_or_stay, transition_to_state, transition_counter, persistent_context, volatile_context)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	_, err := t.db.Exec(query,
		row.DateTime.UnixMilli(), row.State, row.Event, row.EventIgnored,
		encodeBase64(row.EventPayload), row.TransitionOrStay, row.TransitionToState,
		row.TransitionCounter, encodeBase64(row.PersistentContext), encodeBase64(row.VolatileContext),
	)
	return err
}

// WithMetrics attaches a telemetry.Metrics instance, wiring the
// dropped-row counter and per-machine queue-depth gauge. Returns t for
// chaining.
func (t *Tracker) WithMetrics(metrics *telemetry.Metrics) *Tracker {
	t.metrics = metrics
	return t
}

// Append enqueues row for machineID's background worker. The send is
// non-blocking: if the queue is full the row is dropped and counted,
// rather than stalling the caller (the registry's per-machine
// dispatch goroutine).
func (t *Tracker) Append(machineID string, row Row) error {
	q, err := t.queueFor(machineID)
	if err != nil {
		return err
	}
	select {
	case q.ch <- row:
		if t.metrics != nil {
			t.metrics.HistoryQueueDepth.WithLabelValues(machineID).Set(float64(len(q.ch)))
		}
		return nil
	default:
		t.mu.Lock()
		t.droppedTotal++
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.HistoryDropped.Inc()
		}
		return fmt.Errorf("history: queue full for machine %s, row dropped", machineID)
	}
}

// ReadAll returns every history row for machineID, oldest first.
func (t *Tracker) ReadAll(ctx context.Context, machineID string) ([]Row, error) {
	return t.query(ctx, machineID, "SELECT id, datetime, state, event, event_ignored, event_payload, transition_or_stay, transition_to_state, transition_counter, persistent_context, volatile_context FROM %s ORDER BY datetime", nil)
}

// ReadSince returns rows with datetime >= since, oldest first.
func (t *Tracker) ReadSince(ctx context.Context, machineID string, since time.Time) ([]Row, error) {
	return t.query(ctx, machineID, "SELECT id, datetime, state, event, event_ignored, event_payload, transition_or_stay, transition_to_state, transition_counter, persistent_context, volatile_context FROM %s WHERE datetime >= ? ORDER BY datetime", []any{since.UnixMilli()})
}

func (t *Tracker) query(ctx context.Context, machineID, queryFmt string, args []any) ([]Row, error) {
	table := TableName(machineID)
	query := fmt.Sprintf(queryFmt, table)
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var dt int64
		var eventPayload, pctx, vctx sql.NullString
		var toState sql.NullString
		if err := rows.Scan(&r.ID, &dt, &r.State, &r.Event, &r.EventIgnored, &eventPayload, &r.TransitionOrStay, &toState, &r.TransitionCounter, &pctx, &vctx); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		r.DateTime = time.UnixMilli(dt).UTC()
		r.TransitionToState = toState.String
		if r.EventPayload, err = decodeBase64(eventPayload.String); err != nil {
			return nil, err
		}
		if r.PersistentContext, err = decodeBase64(pctx.String); err != nil {
			return nil, err
		}
		if r.VolatileContext, err = decodeBase64(vctx.String); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StateInstance groups consecutive history rows that share the same
// state and transition counter: one "visit" to that state.
type StateInstance struct {
	State             string
	TransitionCounter int
	Rows              []Row
}

// ReadGrouped returns the machine's full history partitioned into state
// instances, in chronological order.
func (t *Tracker) ReadGrouped(ctx context.Context, machineID string) ([]StateInstance, error) {
	rows, err := t.ReadAll(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return groupRows(rows), nil
}

// groupRows partitions rows, in order, into state instances.
func groupRows(rows []Row) []StateInstance {
	var out []StateInstance
	for _, r := range rows {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.State == r.State && last.TransitionCounter == r.TransitionCounter {
				last.Rows = append(last.Rows, r)
				continue
			}
		}
		out = append(out, StateInstance{State: r.State, TransitionCounter: r.TransitionCounter, Rows: []Row{r}})
	}
	return out
}

// DroppedTotal reports how many rows were dropped to backpressure since
// startup, for telemetry.
func (t *Tracker) DroppedTotal() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.droppedTotal
}

// Close drains and stops every per-machine worker, then closes the
// database.
func (t *Tracker) Close() error {
	t.mu.Lock()
	queues := make([]*machineQueue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.mu.Unlock()

	for _, q := range queues {
		close(q.ch)
		q.wg.Wait()
	}
	return t.db.Close()
}
