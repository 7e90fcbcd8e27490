package store

import (
	"context"
	"testing"
	"time"
)

func TestParsePartitionDateMonthly(t *testing.T) {
	tm, ok := parsePartitionDate("calls_p202501")
	if !ok {
		t.Fatalf("expected to parse monthly partition name")
	}
	if tm.Year() != 2025 || tm.Month() != time.January {
		t.Fatalf("unexpected parsed date: %v", tm)
	}
}

func TestParsePartitionDateDaily(t *testing.T) {
	tm, ok := parsePartitionDate("calls_20250115")
	if !ok {
		t.Fatalf("expected to parse daily table name")
	}
	if tm.Day() != 15 {
		t.Fatalf("unexpected parsed day: %v", tm)
	}
}

func TestParsePartitionDateRejectsUnrelatedName(t *testing.T) {
	if _, ok := parsePartitionDate("calls_archive"); ok {
		t.Fatalf("expected no match for a name with no embedded date")
	}
}

func TestRetentionPrunerDropsOldTables(t *testing.T) {
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40).Format("20060102")
	recent := now.AddDate(0, 0, -1).Format("20060102")

	names := []string{"calls_" + old, "calls_" + recent}
	var droppedNames []string

	pruner := NewRetentionPruner(
		func(ctx context.Context) ([]string, error) { return names, nil },
		func(ctx context.Context, name string) error { droppedNames = append(droppedNames, name); return nil },
		30, nil,
	)

	dropped, err := pruner.PruneOnce(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != "calls_"+old {
		t.Fatalf("expected only the old table dropped, got %v", dropped)
	}
	if len(droppedNames) != 1 {
		t.Fatalf("expected drop callback invoked once, got %d", len(droppedNames))
	}
}
