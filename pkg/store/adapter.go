// Package store implements the active-entity persistence layer behind
// one generic Adapter interface, with two storage modes: a single table
// partitioned by month (Postgres, pgx/v5) and one table per day
// fanned out at query time (database/sql, lib/pq or mattn/go-sqlite3).
package store

import (
	"context"
	"time"
)

// Entity is the minimal contract a caller's domain type must satisfy to
// be persisted through an Adapter. It mirrors the id/current_state/
// last_state_change/complete columns every active table carries. Its
// method names differ from fsm.PersistentContext's, so a domain type
// implements both (registry.Context requires both).
type Entity interface {
	EntityID() string
	EntityCreatedAt() time.Time
	EntityCurrentState() string
	EntityLastStateChange() time.Time
	EntityComplete() bool
}

// Adapter is the persistence contract both storage modes implement,
// generic over the caller's domain entity type E.
type Adapter[E Entity] interface {
	Insert(ctx context.Context, e E) error
	FindByID(ctx context.Context, id string) (E, bool, error)
	UpdateByID(ctx context.Context, id string, e E) error
	DeleteByID(ctx context.Context, id string) error
	FindAllByDateRange(ctx context.Context, from, to time.Time) ([]E, error)
	Close() error
}

// Archiver is an optional capability an Adapter may implement: moving
// an entity into a sibling archive Adapter's table within a single
// database transaction, so a crash between the insert and the delete
// is impossible rather than merely retried. Both storage modes in this
// package implement it, since a deployment's active and archive
// adapters share the same underlying database (same DSN, different
// table) even though they are constructed as separate Adapter values.
// A registry checks for this capability and falls back to two
// independent calls when it is absent.
type Archiver[E Entity] interface {
	// ArchiveTo inserts e into archive's table and deletes it from this
	// adapter's own table, committed together. archive must be the same
	// concrete adapter type as this one, sharing its connection pool;
	// passing any other Adapter returns an error rather than silently
	// degrading to non-atomic behavior.
	ArchiveTo(ctx context.Context, archive Adapter[E], e E) error
}

// RowScanner abstracts *sql.Row / *sql.Rows / pgx.Row so a Codec can
// scan a result row regardless of storage mode.
type RowScanner interface {
	Scan(dest ...any) error
}

// Codec teaches an Adapter how to turn a domain entity into SQL column
// values and back, so both storage modes share one mapping and swapping
// modes never touches the caller's domain type.
type Codec[E Entity] struct {
	// Table is the base table name: the parent table in partitioned
	// mode, or the prefix each per-period table is suffixed onto in
	// multi-table mode.
	Table string

	// ExtraColumns lists entity-specific column names beyond the fixed
	// id/current_state/last_state_change/complete/created_at set.
	ExtraColumns []string

	// ExtraValues returns values for ExtraColumns, in order, for e.
	ExtraValues func(e E) []any

	// Scan builds an E from a row already positioned on the fixed
	// columns plus ExtraColumns, in that order. The implementation
	// calls row.Scan(...) into its own temporaries.
	Scan func(row RowScanner) (E, error)
}

// PersistenceError wraps a storage failure with the operation and id
// that failed, for logging and for the registry's retry/backoff policy.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID != "" {
		return "store: " + e.Op + " " + e.ID + ": " + e.Err.Error()
	}
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
