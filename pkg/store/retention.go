package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/telcofsm/runtime/pkg/logx"
)

// TableLister enumerates the partition/table names currently present
// for a base table name, so RetentionPruner can decide which ones are
// old enough to drop without depending on either storage mode directly.
type TableLister func(ctx context.Context) ([]string, error)

// TableDropper drops one named partition or table.
type TableDropper func(ctx context.Context, name string) error

var partitionNamePattern = regexp.MustCompile(`_p(\d{8}|\d{6})$|_(\d{8})$`)

// RetentionPruner periodically drops partitions or per-day tables older
// than RetentionDays, parsing the date out of the table name itself
// (`p20060102`, `p200601`, or `name_20060102`).
type RetentionPruner struct {
	list          TableLister
	drop          TableDropper
	retentionDays int
	logger        logx.Logger
}

// NewRetentionPruner builds a pruner; retentionDays must be positive.
func NewRetentionPruner(list TableLister, drop TableDropper, retentionDays int, logger logx.Logger) *RetentionPruner {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &RetentionPruner{list: list, drop: drop, retentionDays: retentionDays, logger: logger}
}

// PruneOnce lists tables, parses each name's embedded date, and drops
// any whose entire window falls before the retention cutoff. It returns
// the names it dropped.
func (r *RetentionPruner) PruneOnce(ctx context.Context) ([]string, error) {
	names, err := r.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: list tables: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -r.retentionDays)
	var dropped []string
	for _, name := range names {
		t, ok := parsePartitionDate(name)
		if !ok {
			continue
		}
		end := t.AddDate(0, 0, 1)
		if m := partitionNamePattern.FindStringSubmatch(name); m != nil && len(m[1]) == 6 {
			end = t.AddDate(0, 1, 0)
		}
		if !end.After(cutoff) {
			if err := r.drop(ctx, name); err != nil {
				r.logger.Warnf("retention: failed to drop %s: %v", name, err)
				continue
			}
			dropped = append(dropped, name)
		}
	}
	if len(dropped) > 0 {
		r.logger.Infof("retention: dropped %d tables older than %s", len(dropped), cutoff.Format("2006-01-02"))
	}
	return dropped, nil
}

// Run loops PruneOnce on interval until ctx is cancelled.
func (r *RetentionPruner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.PruneOnce(ctx); err != nil {
				r.logger.Warnf("retention: prune failed: %v", err)
			}
		}
	}
}

func parsePartitionDate(name string) (time.Time, bool) {
	m := partitionNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	for _, candidate := range m[1:] {
		if candidate == "" {
			continue
		}
		switch len(candidate) {
		case 8:
			if t, err := time.Parse("20060102", candidate); err == nil {
				return t, true
			}
		case 6:
			if t, err := time.Parse("200601", candidate); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
