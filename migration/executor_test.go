package migration

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// mapScripts is a ScriptSource keyed by migration id.
type mapScripts map[string]string

func (m mapScripts) Script(id string) (string, error) {
	s, ok := m[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s, nil
}

func TestExtractUpMigration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "no markers", content: "CREATE TABLE a (id INT);", want: "CREATE TABLE a (id INT);"},
		{name: "up only", content: "-- +migrate Up\nCREATE TABLE a (id INT);", want: "\nCREATE TABLE a (id INT);"},
		{name: "up and down", content: "-- +migrate Up\nCREATE TABLE a (id INT);\n-- +migrate Down\nDROP TABLE a;", want: "\nCREATE TABLE a (id INT);\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractUpMigration(tt.content); got != tt.want {
				t.Errorf("ExtractUpMigration() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSQLExecutor_RecordsInSameTransaction(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger, err := NewSQLiteLedger(db, "history")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	exec, err := NewSQLExecutor(db, mapScripts{"001_items": "CREATE TABLE items (id INTEGER PRIMARY KEY);"}, "history", "2.0.0")
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	if err := exec.Apply(ctx, "001_items"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	recs, err := ledger.ListApplied(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0] != (Record{MigrationID: "001_items", ProductVersion: "2.0.0"}) {
		t.Errorf("unexpected ledger: %v", recs)
	}
}

func TestSQLExecutor_FailureLeavesNoRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger, err := NewSQLiteLedger(db, "")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	exec, err := NewSQLExecutor(db, mapScripts{"001_bad": "CREAT TABLE things (id INT);"}, ledger.Table(), "1.0.0")
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	if err := exec.Apply(ctx, "001_bad"); err == nil {
		t.Fatal("expected bad script to fail")
	}
	if err := exec.Apply(ctx, "missing"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("expected ErrScriptNotFound, got %v", err)
	}
	recs, err := ledger.ListApplied(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected empty ledger, got %v", recs)
	}
}

func TestNewSQLExecutor_Validation(t *testing.T) {
	db := newTestDB(t)
	if _, err := NewSQLExecutor(nil, mapScripts{}, "", ""); err == nil {
		t.Error("expected error for nil db")
	}
	if _, err := NewSQLExecutor(db, nil, "", ""); err == nil {
		t.Error("expected error for nil scripts")
	}
	if _, err := NewSQLExecutor(db, mapScripts{}, "bad table;", ""); err == nil {
		t.Error("expected error for invalid table name")
	}
}

func TestRecordingExecutor(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	var ran []string
	exec := &RecordingExecutor{
		Inner: ExecutorFunc(func(_ context.Context, id string) error {
			ran = append(ran, id)
			if id == "002_fail" {
				return errors.New("boom")
			}
			return nil
		}),
		Ledger:         ledger,
		ProductVersion: "1.2.3",
	}

	if err := exec.Apply(ctx, "001_ok"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := exec.Apply(ctx, "002_fail"); err == nil {
		t.Fatal("expected inner failure to propagate")
	}
	if !ledger.Has("001_ok") || ledger.Has("002_fail") {
		t.Errorf("unexpected ledger state")
	}

	// Recording an id twice surfaces as a ledger write failure.
	if err := exec.Apply(ctx, "001_ok"); !errors.Is(err, ErrLedgerWrite) {
		t.Errorf("expected ErrLedgerWrite, got %v", err)
	}
	if len(ran) != 3 {
		t.Errorf("expected 3 inner calls, got %d", len(ran))
	}
}
