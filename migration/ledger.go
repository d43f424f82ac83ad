package migration

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// LedgerStore persists the applied-migrations ledger. The orchestrator only
// reads it and appends to it.
type LedgerStore interface {
	// ListApplied returns every ledger record in insertion order.
	ListApplied(ctx context.Context) ([]Record, error)
	// AppendRecords stores records atomically: either all are written or none.
	AppendRecords(ctx context.Context, records []Record) error
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTableName reports whether name is usable as an unquoted-safe SQL
// table identifier.
func ValidateTableName(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid ledger table name %q", name)
	}
	return nil
}

// ValidateRecords validates each record and rejects ids repeated within the
// batch.
func ValidateRecords(records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, dup := seen[rec.MigrationID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateMigration, rec.MigrationID)
		}
		seen[rec.MigrationID] = struct{}{}
	}
	return nil
}

// IsDuplicateKeyError reports whether a driver error is a primary key
// violation.
func IsDuplicateKeyError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") ||
		strings.Contains(value, "duplicate key") ||
		strings.Contains(value, "sqlstate 23505")
}

// SQLiteLedger implements LedgerStore using SQLite.
type SQLiteLedger struct {
	db    *sql.DB
	table string
}

// NewSQLiteLedger creates a SQLiteLedger and ensures the ledger table exists.
// An empty table name selects DefaultLedgerTable.
func NewSQLiteLedger(db *sql.DB, table string) (*SQLiteLedger, error) {
	if table == "" {
		table = DefaultLedgerTable
	}
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	if err := EnsureSQLiteLedgerTable(context.Background(), db, table); err != nil {
		return nil, err
	}
	return &SQLiteLedger{db: db, table: table}, nil
}

// EnsureSQLiteLedgerTable creates the ledger table when missing.
func EnsureSQLiteLedgerTable(ctx context.Context, db *sql.DB, table string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		migration_id    VARCHAR(%d) NOT NULL PRIMARY KEY,
		product_version VARCHAR(%d) NOT NULL
	)`, table, MaxMigrationIDLength, MaxProductVersionLength))
	if err != nil {
		return fmt.Errorf("create %s table: %w", table, err)
	}
	return nil
}

// Table returns the ledger table name.
func (s *SQLiteLedger) Table() string { return s.table }

// ListApplied returns all ledger records in insertion order.
func (s *SQLiteLedger) ListApplied(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT migration_id, product_version FROM %q ORDER BY rowid`, s.table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.MigrationID, &rec.ProductVersion); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// AppendRecords inserts records in a single transaction.
func (s *SQLiteLedger) AppendRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ValidateRecords(records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	for _, rec := range records {
		if err := insertSQLiteRecord(ctx, tx, s.table, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func insertSQLiteRecord(ctx context.Context, tx *sql.Tx, table string, rec Record) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (migration_id, product_version) VALUES (?, ?)`, table),
		rec.MigrationID, rec.ProductVersion)
	if err != nil {
		if IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateMigration, rec.MigrationID)
		}
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// MemoryLedger is an in-process LedgerStore.
type MemoryLedger struct {
	mu      sync.Mutex
	records []Record
	index   map[string]struct{}
}

// NewMemoryLedger creates a MemoryLedger seeded with records.
func NewMemoryLedger(records ...Record) *MemoryLedger {
	l := &MemoryLedger{index: make(map[string]struct{}, len(records))}
	for _, rec := range records {
		if _, dup := l.index[rec.MigrationID]; dup {
			continue
		}
		l.records = append(l.records, rec)
		l.index[rec.MigrationID] = struct{}{}
	}
	return l
}

// ListApplied implements LedgerStore.
func (l *MemoryLedger) ListApplied(_ context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...), nil
}

// AppendRecords implements LedgerStore.
func (l *MemoryLedger) AppendRecords(_ context.Context, records []Record) error {
	if err := ValidateRecords(records); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		if _, dup := l.index[rec.MigrationID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateMigration, rec.MigrationID)
		}
	}
	for _, rec := range records {
		l.records = append(l.records, rec)
		l.index[rec.MigrationID] = struct{}{}
	}
	return nil
}

// Has reports whether id is in the ledger.
func (l *MemoryLedger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[id]
	return ok
}
