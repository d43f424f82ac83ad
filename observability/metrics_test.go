package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("")
	if m.Registry() == nil {
		t.Fatal("expected registry to be initialized")
	}
	if n := testutil.CollectAndCount(m.MigrationsTotal); n != 0 {
		t.Errorf("expected no series before any outcome, got %d", n)
	}
}

func TestMetrics_ObserveOutcome(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveOutcome(migration.Outcome{
		MigrationID: "001_a", SchemaUnit: "app", Policy: migration.PolicyNormal,
		State: migration.StateApplied, Duration: 20 * time.Millisecond,
	})
	m.ObserveOutcome(migration.Outcome{
		MigrationID: "002_b", SchemaUnit: "app", Policy: migration.PolicyTryMigrate,
		State: migration.StateSkippedRecorded,
	})
	m.ObserveOutcome(migration.Outcome{
		MigrationID: "003_c", SchemaUnit: "app", Policy: migration.PolicyNormal,
		State: migration.StateApplied,
	})

	if got := testutil.ToFloat64(m.MigrationsTotal.WithLabelValues("app", "Normal", "applied")); got != 2 {
		t.Errorf("applied = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MigrationsTotal.WithLabelValues("app", "TryMigrate", "skipped_recorded")); got != 1 {
		t.Errorf("skipped_recorded = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.MigrationDuration); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestMetrics_ObserveBackfill(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveBackfill("app", []migration.Record{{MigrationID: "001_a"}, {MigrationID: "002_b"}})
	m.ObserveBackfill("app", nil)
	if got := testutil.ToFloat64(m.BackfilledTotal.WithLabelValues("app")); got != 2 {
		t.Errorf("backfilled = %v, want 2", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("")
	m.ObserveBackfill("app", []migration.Record{{MigrationID: "001_a"}})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "migrate_migrations_backfilled_total") {
		t.Error("expected metrics output to contain migrate_migrations_backfilled_total")
	}
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics("")
	m.ObserveOutcome(migration.Outcome{SchemaUnit: "app", State: migration.StateFailed})

	path := filepath.Join(t.TempDir(), "migrate.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `migrate_migrations_total{policy="Normal",schema_unit="app",state="failed"} 1`) {
		t.Errorf("unexpected textfile content:\n%s", data)
	}

	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "migrate.prom")); err == nil {
		t.Error("expected error for missing directory")
	}
}
