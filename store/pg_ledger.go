package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

// PGLedger implements migration.LedgerStore on a PostgreSQL table.
type PGLedger struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGLedger creates a PGLedger and ensures its table exists. An empty table
// name selects migration.DefaultLedgerTable.
func NewPGLedger(ctx context.Context, pool *pgxpool.Pool, table string) (*PGLedger, error) {
	if pool == nil {
		return nil, ErrNotStarted
	}
	if table == "" {
		table = migration.DefaultLedgerTable
	}
	if err := migration.ValidateTableName(table); err != nil {
		return nil, err
	}
	l := &PGLedger{pool: pool, table: table}
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			migration_id    VARCHAR(%d) PRIMARY KEY,
			product_version VARCHAR(%d) NOT NULL,
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			seq             BIGSERIAL
		)`, l.ident(), migration.MaxMigrationIDLength, migration.MaxProductVersionLength))
	if err != nil {
		return nil, fmt.Errorf("create %s table: %w", table, err)
	}
	return l, nil
}

// Table returns the ledger table name.
func (l *PGLedger) Table() string { return l.table }

func (l *PGLedger) ident() string { return pgx.Identifier{l.table}.Sanitize() }

// ListApplied returns all ledger records in insertion order.
func (l *PGLedger) ListApplied(ctx context.Context) ([]migration.Record, error) {
	rows, err := l.pool.Query(ctx,
		fmt.Sprintf(`SELECT migration_id, product_version FROM %s ORDER BY seq`, l.ident()))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", l.table, err)
	}
	defer rows.Close()

	var result []migration.Record
	for rows.Next() {
		var rec migration.Record
		if err := rows.Scan(&rec.MigrationID, &rec.ProductVersion); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger records: %w", err)
	}
	return result, nil
}

// AppendRecords inserts records in one transaction.
func (l *PGLedger) AppendRecords(ctx context.Context, records []migration.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := migration.ValidateRecords(records); err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	for _, rec := range records {
		if err := insertPGRecord(ctx, tx, l.ident(), rec); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func insertPGRecord(ctx context.Context, tx pgx.Tx, ident string, rec migration.Record) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (migration_id, product_version) VALUES ($1, $2)`, ident),
		rec.MigrationID, rec.ProductVersion)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.MigrationID)
	}
	return fmt.Errorf("insert ledger record %s: %w", rec.MigrationID, err)
}
