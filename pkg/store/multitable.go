package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/telcofsm/runtime/pkg/db"
)

// tableDriver captures the handful of SQL dialect differences between
// the two database/sql drivers this mode supports.
type tableDriver struct {
	// placeholder renders the i'th (1-based) bind parameter.
	placeholder func(i int) string
	// missingTable reports whether err means "this table does not
	// exist", which multi-table mode treats as a soft miss rather than
	// a failure.
	missingTable func(err error) bool
	timestampDDL string
	booleanDDL   string
}

func postgresDriver() tableDriver {
	return tableDriver{
		placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
		missingTable: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "does not exist")
		},
		timestampDDL: "timestamptz",
		booleanDDL:   "boolean",
	}
}

func sqliteDriver() tableDriver {
	return tableDriver{
		placeholder: func(i int) string { return "?" },
		missingTable: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "no such table")
		},
		timestampDDL: "timestamp",
		booleanDDL:   "integer",
	}
}

// MultiTable persists entities one table per day, fanning reads out
// across the tables that intersect a requested range. It is driven by
// database/sql so it works unmodified against lib/pq (Postgres) or
// mattn/go-sqlite3 (SQLite), selected via DriverName.
type MultiTable[E Entity] struct {
	pool   *db.Pool
	codec  Codec[E]
	driver tableDriver

	mu      sync.RWMutex
	known   map[string]bool // table names known to exist
	idTable map[string]string
}

// MultiTableConfig configures the multi-table adapter.
type MultiTableConfig struct {
	DSN        string
	DriverName string // "postgres" or "sqlite3"
}

// NewMultiTable opens the pool and resolves dialect-specific SQL from
// DriverName.
func NewMultiTable[E Entity](cfg MultiTableConfig, codec Codec[E]) (*MultiTable[E], error) {
	if codec.Table == "" {
		return nil, &PersistenceError{Op: "connect", Err: fmt.Errorf("codec.Table is required")}
	}

	var drv tableDriver
	switch cfg.DriverName {
	case "postgres":
		drv = postgresDriver()
	case "sqlite3":
		drv = sqliteDriver()
	default:
		return nil, &PersistenceError{Op: "connect", Err: fmt.Errorf("unsupported driver %q", cfg.DriverName)}
	}

	pool, err := db.NewPool(db.DefaultPoolConfig(cfg.DSN, cfg.DriverName))
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}

	return &MultiTable[E]{
		pool:    pool,
		codec:   codec,
		driver:  drv,
		known:   make(map[string]bool),
		idTable: make(map[string]string),
	}, nil
}

func (m *MultiTable[E]) tableFor(t time.Time) string {
	return fmt.Sprintf("%s_%s", m.codec.Table, t.UTC().Format("20060102"))
}

func (m *MultiTable[E]) allColumns() []string {
	return append([]string{"id", "current_state", "last_state_change", "complete", "created_at"}, m.codec.ExtraColumns...)
}

func (m *MultiTable[E]) ensureTable(ctx context.Context, table string) error {
	m.mu.RLock()
	ok := m.known[table]
	m.mu.RUnlock()
	if ok {
		return nil
	}

	extraDefs := make([]string, len(m.codec.ExtraColumns))
	for i, c := range m.codec.ExtraColumns {
		extraDefs[i] = c + " text"
	}
	cols := ""
	if len(extraDefs) > 0 {
		cols = ", " + strings.Join(extraDefs, ", ")
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id text PRIMARY KEY,
    current_state text NOT NULL,
    last_state_change %s NOT NULL,
    complete %s NOT NULL,
    created_at %s NOT NULL%s
)`, table, m.driver.timestampDDL, m.driver.booleanDDL, m.driver.timestampDDL, cols)

	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return &PersistenceError{Op: "create_table", Err: err}
	}

	m.mu.Lock()
	m.known[table] = true
	m.mu.Unlock()
	return nil
}

func (m *MultiTable[E]) ph(i int) string { return m.driver.placeholder(i) }

// Insert writes e into the table for its created-at day, creating the
// table on first use.
func (m *MultiTable[E]) Insert(ctx context.Context, e E) error {
	table := m.tableFor(e.EntityCreatedAt())
	if err := m.ensureTable(ctx, table); err != nil {
		return err
	}

	cols := m.allColumns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = m.ph(i + 1)
	}
	args := []any{e.EntityID(), e.EntityCurrentState(), e.EntityLastStateChange(), e.EntityComplete(), e.EntityCreatedAt()}
	args = append(args, m.codec.ExtraValues(e)...)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := m.pool.Exec(ctx, query, args...); err != nil {
		return &PersistenceError{Op: "insert", ID: e.EntityID(), Err: err}
	}

	m.mu.Lock()
	m.idTable[e.EntityID()] = table
	m.mu.Unlock()
	return nil
}

// FindByID checks the cached id->table mapping first, then falls back
// to scanning known tables, treating a dropped/never-created table as a
// soft miss rather than an error.
func (m *MultiTable[E]) FindByID(ctx context.Context, id string) (E, bool, error) {
	var zero E

	m.mu.RLock()
	table, cached := m.idTable[id]
	tables := make([]string, 0, len(m.known))
	for t := range m.known {
		tables = append(tables, t)
	}
	m.mu.RUnlock()

	if cached {
		e, found, err := m.findInTable(ctx, table, id)
		if err != nil {
			return zero, false, err
		}
		if found {
			return e, true, nil
		}
	}

	for _, t := range tables {
		if t == table {
			continue
		}
		e, found, err := m.findInTable(ctx, t, id)
		if err != nil {
			return zero, false, err
		}
		if found {
			m.mu.Lock()
			m.idTable[id] = t
			m.mu.Unlock()
			return e, true, nil
		}
	}
	return zero, false, nil
}

func (m *MultiTable[E]) findInTable(ctx context.Context, table, id string) (E, bool, error) {
	var zero E
	cols := m.allColumns()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", strings.Join(cols, ", "), table, m.ph(1))
	row := m.pool.QueryRow(ctx, query, id)

	e, err := m.codec.Scan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return zero, false, nil
		}
		if m.driver.missingTable(err) {
			return zero, false, nil
		}
		return zero, false, &PersistenceError{Op: "find_by_id", ID: id, Err: err}
	}
	return e, true, nil
}

// UpdateByID writes e's fixed and extra columns into its known table.
func (m *MultiTable[E]) UpdateByID(ctx context.Context, id string, e E) error {
	m.mu.RLock()
	table, ok := m.idTable[id]
	m.mu.RUnlock()
	if !ok {
		return &PersistenceError{Op: "update_by_id", ID: id, Err: fmt.Errorf("no known table for id")}
	}

	fixed := []string{"current_state", "last_state_change", "complete"}
	args := []any{e.EntityCurrentState(), e.EntityLastStateChange(), e.EntityComplete()}
	setClauses := make([]string, 0, len(fixed)+len(m.codec.ExtraColumns))
	idx := 1
	for _, c := range fixed {
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", c, m.ph(idx)))
		idx++
	}
	extra := m.codec.ExtraValues(e)
	for i, c := range m.codec.ExtraColumns {
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", c, m.ph(idx)))
		args = append(args, extra[i])
		idx++
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", table, strings.Join(setClauses, ", "), m.ph(idx))
	args = append(args, id)

	res, err := m.pool.Exec(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "update_by_id", ID: id, Err: err}
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &PersistenceError{Op: "update_by_id", ID: id, Err: fmt.Errorf("no row found")}
	}
	return nil
}

// DeleteByID removes id from its known table.
func (m *MultiTable[E]) DeleteByID(ctx context.Context, id string) error {
	m.mu.RLock()
	table, ok := m.idTable[id]
	m.mu.RUnlock()
	if !ok {
		return &PersistenceError{Op: "delete_by_id", ID: id, Err: fmt.Errorf("no known table for id")}
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = %s", table, m.ph(1))
	if _, err := m.pool.Exec(ctx, query, id); err != nil {
		return &PersistenceError{Op: "delete_by_id", ID: id, Err: err}
	}
	m.mu.Lock()
	delete(m.idTable, id)
	m.mu.Unlock()
	return nil
}

// ArchiveTo moves e into archive's table and out of this table within
// one transaction on this adapter's own pool: both tables live in the
// same database (same DSN, different table prefix) even though active
// and archive are separate MultiTable values, so a single
// BEGIN/INSERT/DELETE/COMMIT against either pool reaches both tables.
func (m *MultiTable[E]) ArchiveTo(ctx context.Context, archive Adapter[E], e E) error {
	dest, ok := archive.(*MultiTable[E])
	if !ok {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: fmt.Errorf("archive adapter is not a *MultiTable sharing this pool")}
	}

	destTable := dest.tableFor(e.EntityCreatedAt())
	if err := dest.ensureTable(ctx, destTable); err != nil {
		return err
	}

	m.mu.RLock()
	srcTable, known := m.idTable[e.EntityID()]
	m.mu.RUnlock()
	if !known {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: fmt.Errorf("no known table for id")}
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: err}
	}
	defer tx.Rollback()

	cols := m.allColumns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = m.ph(i + 1)
	}
	args := []any{e.EntityID(), e.EntityCurrentState(), e.EntityLastStateChange(), e.EntityComplete(), e.EntityCreatedAt()}
	args = append(args, m.codec.ExtraValues(e)...)
	insertQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", destTable, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, insertQuery, args...); err != nil {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: err}
	}

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = %s", srcTable, m.ph(1))
	if _, err := tx.ExecContext(ctx, deleteQuery, e.EntityID()); err != nil {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: err}
	}

	dest.mu.Lock()
	dest.idTable[e.EntityID()] = destTable
	dest.mu.Unlock()
	m.mu.Lock()
	delete(m.idTable, e.EntityID())
	m.mu.Unlock()
	return nil
}

// FindAllByDateRange builds one candidate table name per day in
// [from, to] and unions the rows found, silently skipping days whose
// table was never created.
func (m *MultiTable[E]) FindAllByDateRange(ctx context.Context, from, to time.Time) ([]E, error) {
	var out []E
	cols := m.allColumns()

	for d := dayStart(from); !d.After(dayStart(to)); d = d.AddDate(0, 0, 1) {
		table := m.tableFor(d)
		query := fmt.Sprintf("SELECT %s FROM %s WHERE created_at BETWEEN %s AND %s ORDER BY created_at", strings.Join(cols, ", "), table, m.ph(1), m.ph(2))
		rows, err := m.pool.Query(ctx, query, from, to)
		if err != nil {
			if m.driver.missingTable(err) {
				continue
			}
			return nil, &PersistenceError{Op: "find_by_date_range", Err: err}
		}

		for rows.Next() {
			e, err := m.codec.Scan(rows)
			if err != nil {
				rows.Close()
				return nil, &PersistenceError{Op: "find_by_date_range", Err: err}
			}
			out = append(out, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, &PersistenceError{Op: "find_by_date_range", Err: err}
		}
	}
	return out, nil
}

func dayStart(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// Close releases the underlying pool.
func (m *MultiTable[E]) Close() error {
	return m.pool.Close()
}
