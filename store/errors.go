package store

import (
	"errors"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

// Sentinel errors for ledger backends.
var (
	ErrDuplicate  = migration.ErrDuplicateMigration
	ErrNotStarted = errors.New("ledger backend not connected")
)
