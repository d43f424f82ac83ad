package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Executor performs the schema changes of one migration. Successful
// executors are responsible for their own ledger bookkeeping.
type Executor interface {
	Apply(ctx context.Context, migrationID string) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, migrationID string) error

// Apply calls f.
func (f ExecutorFunc) Apply(ctx context.Context, migrationID string) error {
	return f(ctx, migrationID)
}

// ScriptSource resolves a migration id to the SQL it runs.
type ScriptSource interface {
	Script(migrationID string) (string, error)
}

// ExtractUpMigration returns the SQL in the -- +migrate Up section, or the
// whole content when no section marker is present.
func ExtractUpMigration(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, down)
	if downIdx == -1 || downIdx < upIdx {
		return content[upIdx+len(up):]
	}
	return content[upIdx+len(up) : downIdx]
}

// SQLExecutor runs migration scripts against a database/sql handle. When a
// ledger table is set, the ledger row is inserted in the same transaction as
// the script.
type SQLExecutor struct {
	db             *sql.DB
	scripts        ScriptSource
	table          string
	productVersion string
}

// NewSQLExecutor creates a SQLExecutor. An empty table disables bookkeeping,
// for pairing with RecordingExecutor.
func NewSQLExecutor(db *sql.DB, scripts ScriptSource, table, productVersion string) (*SQLExecutor, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if scripts == nil {
		return nil, fmt.Errorf("script source is required")
	}
	if table != "" {
		if err := ValidateTableName(table); err != nil {
			return nil, err
		}
	}
	return &SQLExecutor{db: db, scripts: scripts, table: table, productVersion: productVersion}, nil
}

// Apply implements Executor.
func (e *SQLExecutor) Apply(ctx context.Context, migrationID string) error {
	content, err := e.scripts.Script(migrationID)
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	upSQL := ExtractUpMigration(content)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}

	if strings.TrimSpace(upSQL) != "" {
		if _, err := tx.ExecContext(ctx, upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec script: %w", err)
		}
	}

	if e.table != "" {
		rec := Record{MigrationID: migrationID, ProductVersion: e.productVersion}
		if err := rec.Validate(); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := insertSQLiteRecord(ctx, tx, e.table, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

// RecordingExecutor runs an executor that keeps no ledger of its own and
// appends the record to Ledger once it succeeds.
type RecordingExecutor struct {
	Inner          Executor
	Ledger         LedgerStore
	ProductVersion string
}

// Apply implements Executor.
func (e *RecordingExecutor) Apply(ctx context.Context, migrationID string) error {
	if err := e.Inner.Apply(ctx, migrationID); err != nil {
		return err
	}
	rec := Record{MigrationID: migrationID, ProductVersion: e.ProductVersion}
	if err := e.Ledger.AppendRecords(ctx, []Record{rec}); err != nil {
		return &LedgerWriteError{MigrationIDs: []string{migrationID}, Err: err}
	}
	return nil
}
