package migration

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for migration operations.
var (
	ErrBatchAborted       = errors.New("migration batch aborted")
	ErrLedgerWrite        = errors.New("ledger write failed")
	ErrInvalidRecord      = errors.New("invalid migration record")
	ErrDuplicateMigration = errors.New("duplicate migration id")
	ErrScriptNotFound     = errors.New("migration script not found")
)

// remediationHint is appended to operator-facing warnings and errors.
const remediationHint = "check the migration, or add it to the migrations history table by hand to mark it applied"

// ExecutorError reports that the schema executor failed for one migration.
type ExecutorError struct {
	MigrationID string
	Err         error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("execute migration %s: %v", e.MigrationID, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// BatchAbortedError is returned when a Normal-policy migration fails. The
// batch stops at MigrationID; nothing after it was attempted.
type BatchAbortedError struct {
	MigrationID string
	Err         error
}

func (e *BatchAbortedError) Error() string {
	return fmt.Sprintf("migration %s failed: %v; %s", e.MigrationID, e.Err, remediationHint)
}

func (e *BatchAbortedError) Unwrap() error { return e.Err }

// Is reports ErrBatchAborted as a match.
func (e *BatchAbortedError) Is(target error) bool { return target == ErrBatchAborted }

// LedgerWriteError is returned when appending records to the ledger fails.
type LedgerWriteError struct {
	MigrationIDs []string
	Err          error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("append ledger records [%s]: %v", strings.Join(e.MigrationIDs, ", "), e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// Is reports ErrLedgerWrite as a match.
func (e *LedgerWriteError) Is(target error) bool { return target == ErrLedgerWrite }
