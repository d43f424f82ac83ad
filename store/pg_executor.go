package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

// PGExecutor runs migration scripts against PostgreSQL. Each script and its
// ledger row commit in the same transaction.
type PGExecutor struct {
	pool           *pgxpool.Pool
	scripts        migration.ScriptSource
	table          string
	productVersion string
}

// NewPGExecutor creates a PGExecutor. An empty table disables bookkeeping.
func NewPGExecutor(pool *pgxpool.Pool, scripts migration.ScriptSource, table, productVersion string) (*PGExecutor, error) {
	if pool == nil {
		return nil, ErrNotStarted
	}
	if scripts == nil {
		return nil, fmt.Errorf("script source is required")
	}
	if table != "" {
		if err := migration.ValidateTableName(table); err != nil {
			return nil, err
		}
	}
	return &PGExecutor{pool: pool, scripts: scripts, table: table, productVersion: productVersion}, nil
}

// Apply implements migration.Executor.
func (e *PGExecutor) Apply(ctx context.Context, migrationID string) error {
	content, err := e.scripts.Script(migrationID)
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	upSQL := migration.ExtractUpMigration(content)

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", migrationID, err)
	}

	if strings.TrimSpace(upSQL) != "" {
		if _, err := tx.Exec(ctx, upSQL); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("execute migration %s: %w", migrationID, err)
		}
	}

	if e.table != "" {
		rec := migration.Record{MigrationID: migrationID, ProductVersion: e.productVersion}
		if err := rec.Validate(); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := insertPGRecord(ctx, tx, pgx.Identifier{e.table}.Sanitize(), rec); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", migrationID, err)
	}
	return nil
}
