package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

// newTestRedisLedger creates a RedisLedger backed by a miniredis server.
func newTestRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ledger, err := NewRedisLedger(client, "test:")
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger, mr
}

func TestRedisLedger_AppendAndList(t *testing.T) {
	ctx := context.Background()
	ledger, mr := newTestRedisLedger(t)

	empty, err := ledger.ListApplied(ctx)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty ledger, got %v", empty)
	}

	recs := []migration.Record{
		{MigrationID: "20230102_B", ProductVersion: "1.0.0"},
		{MigrationID: "20230101_A", ProductVersion: "1.1.0"},
	}
	if err := ledger.AppendRecords(ctx, recs); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := ledger.ListApplied(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0] != recs[0] || got[1] != recs[1] {
		t.Errorf("ListApplied = %v, want %v", got, recs)
	}
	if !mr.Exists("test:ids") || !mr.Exists("test:versions") {
		t.Errorf("expected prefixed keys, got %v", mr.Keys())
	}
}

func TestRedisLedger_RejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestRedisLedger(t)

	if err := ledger.AppendRecords(ctx, []migration.Record{{MigrationID: "001_a"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := ledger.AppendRecords(ctx, []migration.Record{{MigrationID: "002_b"}, {MigrationID: "001_a"}})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := ledger.ListApplied(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("rejected batch must not be written, got %v", got)
	}
}

func TestRedisLedger_DrivesRunner(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestRedisLedger(t)

	catalog, err := migration.NewStaticCatalog(
		migration.Descriptor{ID: "001_init", SchemaUnit: "app"},
		migration.Descriptor{ID: "002_next", SchemaUnit: "app", Policy: migration.PolicyTryMigrate},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	resolver := migration.NewResolver(catalog, "app", "1.0.0")
	exec := &migration.RecordingExecutor{
		Inner:          migration.ExecutorFunc(func(context.Context, string) error { return errors.New("unsupported") }),
		Ledger:         ledger,
		ProductVersion: "1.0.0",
	}
	runner := migration.NewRunner(resolver, ledger, exec, nil)

	if err := ledger.AppendRecords(ctx, []migration.Record{{MigrationID: "001_init", ProductVersion: "1.0.0"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	result, err := runner.RunStartup(ctx)
	if err != nil {
		t.Fatalf("run startup: %v", err)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].State != migration.StateSkippedRecorded {
		t.Fatalf("unexpected outcomes: %+v", result.Outcomes)
	}

	got, err := ledger.ListApplied(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[1].MigrationID != "002_next" {
		t.Errorf("ledger = %v", got)
	}
}

func TestNewRedisLedger_NilClient(t *testing.T) {
	if _, err := NewRedisLedger(nil, ""); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), RedisConfig{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	client.Close()

	addr := mr.Addr()
	mr.Close()
	if _, err := OpenRedis(context.Background(), RedisConfig{Address: addr}); err == nil {
		t.Fatal("expected ping failure against a stopped server")
	}
}
