package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PartitionedPostgres persists entities to a single logical table
// declared `PARTITION BY RANGE (created_at)` in Postgres, with monthly
// partitions auto-created as needed. Postgres routes reads and writes
// to the right partition itself, so FindByID/FindAllByDateRange query
// the parent table directly; only Insert needs to ensure the target
// partition exists first.
type PartitionedPostgres[E Entity] struct {
	pool  *pgxpool.Pool
	codec Codec[E]

	mu         sync.Mutex
	partitions map[string]bool
}

// NewPartitionedPostgres connects to dsn, creates the parent table if
// missing, and ensures partitions exist covering [now-retentionDays,
// now+1 month) so a burst of inserts never races table creation.
func NewPartitionedPostgres[E Entity](ctx context.Context, dsn string, codec Codec[E], retentionDays int) (*PartitionedPostgres[E], error) {
	if dsn == "" {
		return nil, &PersistenceError{Op: "connect", Err: fmt.Errorf("dsn is required")}
	}
	if codec.Table == "" {
		return nil, &PersistenceError{Op: "connect", Err: fmt.Errorf("codec.Table is required")}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &PersistenceError{Op: "ping", Err: err}
	}

	p := &PartitionedPostgres[E]{
		pool:       pool,
		codec:      codec,
		partitions: make(map[string]bool),
	}

	if err := p.ensureParentTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	now := time.Now().UTC()
	start := now.AddDate(0, 0, -retentionDays)
	for m := monthStart(start); !m.After(monthStart(now.AddDate(0, 1, 0))); m = m.AddDate(0, 1, 0) {
		if err := p.ensurePartition(ctx, m); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return p, nil
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (p *PartitionedPostgres[E]) ensureParentTable(ctx context.Context) error {
	extraDefs := make([]string, len(p.codec.ExtraColumns))
	for i, c := range p.codec.ExtraColumns {
		extraDefs[i] = c + " text"
	}
	cols := ""
	if len(extraDefs) > 0 {
		cols = ", " + strings.Join(extraDefs, ", ")
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id text NOT NULL,
    current_state text NOT NULL,
    last_state_change timestamptz NOT NULL,
    complete boolean NOT NULL DEFAULT false,
    created_at timestamptz NOT NULL%s,
    PRIMARY KEY (id, created_at)
) PARTITION BY RANGE (created_at)`, p.codec.Table, cols)
	_, err := p.pool.Exec(ctx, ddl)
	if err != nil {
		return &PersistenceError{Op: "create_parent_table", Err: err}
	}
	return nil
}

func (p *PartitionedPostgres[E]) ensurePartition(ctx context.Context, month time.Time) error {
	name := fmt.Sprintf("%s_p%s", p.codec.Table, month.Format("200601"))

	p.mu.Lock()
	if p.partitions[name] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	next := month.AddDate(0, 1, 0)
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, p.codec.Table, month.Format("2006-01-02"), next.Format("2006-01-02"),
	)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return &PersistenceError{Op: "create_partition", Err: err}
	}

	p.mu.Lock()
	p.partitions[name] = true
	p.mu.Unlock()
	return nil
}

func (p *PartitionedPostgres[E]) allColumns() []string {
	return append([]string{"id", "current_state", "last_state_change", "complete", "created_at"}, p.codec.ExtraColumns...)
}

// Insert ensures the entity's created-at partition exists, then writes
// the row.
func (p *PartitionedPostgres[E]) Insert(ctx context.Context, e E) error {
	if err := p.ensurePartition(ctx, monthStart(e.EntityCreatedAt())); err != nil {
		return err
	}

	cols := p.allColumns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	args := []any{e.EntityID(), e.EntityCurrentState(), e.EntityLastStateChange(), e.EntityComplete(), e.EntityCreatedAt()}
	args = append(args, p.codec.ExtraValues(e)...)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", p.codec.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return &PersistenceError{Op: "insert", ID: e.EntityID(), Err: err}
	}
	return nil
}

// FindByID queries the parent table; Postgres routes to the correct
// partition internally.
func (p *PartitionedPostgres[E]) FindByID(ctx context.Context, id string) (E, bool, error) {
	var zero E
	cols := p.allColumns()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 ORDER BY created_at DESC LIMIT 1", strings.Join(cols, ", "), p.codec.Table)
	row := p.pool.QueryRow(ctx, query, id)

	e, err := p.codec.Scan(pgxRowAdapter{row})
	if err != nil {
		if err == pgx.ErrNoRows {
			return zero, false, nil
		}
		return zero, false, &PersistenceError{Op: "find_by_id", ID: id, Err: err}
	}
	return e, true, nil
}

// UpdateByID replaces the fixed and extra columns for id, across all
// partitions (there is exactly one row per id in steady state).
func (p *PartitionedPostgres[E]) UpdateByID(ctx context.Context, id string, e E) error {
	fixed := []string{"current_state", "last_state_change", "complete"}
	args := []any{e.EntityCurrentState(), e.EntityLastStateChange(), e.EntityComplete()}

	setClauses := make([]string, 0, len(fixed)+len(p.codec.ExtraColumns))
	idx := 1
	for _, c := range fixed {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", c, idx))
		idx++
	}
	extra := p.codec.ExtraValues(e)
	for i, c := range p.codec.ExtraColumns {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", c, idx))
		args = append(args, extra[i])
		idx++
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", p.codec.Table, strings.Join(setClauses, ", "), idx)
	args = append(args, id)

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "update_by_id", ID: id, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &PersistenceError{Op: "update_by_id", ID: id, Err: fmt.Errorf("no row found")}
	}
	return nil
}

// DeleteByID removes every row for id across all partitions.
func (p *PartitionedPostgres[E]) DeleteByID(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.codec.Table)
	if _, err := p.pool.Exec(ctx, query, id); err != nil {
		return &PersistenceError{Op: "delete_by_id", ID: id, Err: err}
	}
	return nil
}

// ArchiveTo moves e into archive's parent table and out of this one
// within a single transaction: both live in the same Postgres database
// (same DSN, different table), so one pgx.Tx reaches both.
func (p *PartitionedPostgres[E]) ArchiveTo(ctx context.Context, archive Adapter[E], e E) error {
	dest, ok := archive.(*PartitionedPostgres[E])
	if !ok {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: fmt.Errorf("archive adapter is not a *PartitionedPostgres sharing this pool")}
	}
	if err := dest.ensurePartition(ctx, monthStart(e.EntityCreatedAt())); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: err}
	}
	defer tx.Rollback(ctx)

	cols := p.allColumns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	args := []any{e.EntityID(), e.EntityCurrentState(), e.EntityLastStateChange(), e.EntityComplete(), e.EntityCreatedAt()}
	args = append(args, dest.codec.ExtraValues(e)...)
	insertQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", dest.codec.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.Exec(ctx, insertQuery, args...); err != nil {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: err}
	}

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.codec.Table)
	if _, err := tx.Exec(ctx, deleteQuery, e.EntityID()); err != nil {
		return &PersistenceError{Op: "archive_to", ID: e.EntityID(), Err: err}
	}

	return tx.Commit(ctx)
}

// FindAllByDateRange queries the parent table over [from, to]; the
// planner prunes to intersecting partitions.
func (p *PartitionedPostgres[E]) FindAllByDateRange(ctx context.Context, from, to time.Time) ([]E, error) {
	cols := p.allColumns()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE created_at BETWEEN $1 AND $2 ORDER BY created_at", strings.Join(cols, ", "), p.codec.Table)
	rows, err := p.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, &PersistenceError{Op: "find_by_date_range", Err: err}
	}
	defer rows.Close()

	var out []E
	for rows.Next() {
		e, err := p.codec.Scan(pgxRowAdapter{rows})
		if err != nil {
			return nil, &PersistenceError{Op: "find_by_date_range", Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (p *PartitionedPostgres[E]) Close() error {
	p.pool.Close()
	return nil
}

// pgxRowAdapter satisfies RowScanner for both pgx.Row and pgx.Rows.
type pgxRowAdapter struct {
	row interface{ Scan(dest ...any) error }
}

func (a pgxRowAdapter) Scan(dest ...any) error {
	return a.row.Scan(dest...)
}
