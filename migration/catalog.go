// Package migration reconciles declared migration descriptors against an
// applied-migrations ledger, applies the pending ones in id order under a
// per-migration failure policy, and backfills ledger records for migrations
// that sit at or below the recorded baseline.
package migration

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Bounds of the ledger columns.
const (
	MaxMigrationIDLength    = 150
	MaxProductVersionLength = 32
	DefaultLedgerTable      = "__migrations_history"
	sortKeySeparator        = "_"
)

// Policy is the failure policy a migration author declares on a descriptor.
type Policy int

const (
	// PolicyNormal runs the migration and aborts the batch on failure.
	PolicyNormal Policy = iota
	// PolicyTryMigrate runs the migration and records it as applied on failure.
	PolicyTryMigrate
	// PolicySkip never runs the migration and records it as applied.
	PolicySkip
)

func (p Policy) String() string {
	switch p {
	case PolicyNormal:
		return "Normal"
	case PolicyTryMigrate:
		return "TryMigrate"
	case PolicySkip:
		return "Skip"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a policy name to a Policy. Matching is case-insensitive and
// the empty string is PolicyNormal.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PolicyNormal, nil
	case "trymigrate", "try", "try-migrate":
		return PolicyTryMigrate, nil
	case "skip":
		return PolicySkip, nil
	default:
		return PolicyNormal, fmt.Errorf("unknown migration policy %q", s)
	}
}

// Descriptor is the static metadata of one migration.
type Descriptor struct {
	ID         string
	SchemaUnit string
	Policy     Policy
}

// SortKey returns the ordering prefix of the descriptor id.
func (d Descriptor) SortKey() string { return SortKey(d.ID) }

// Record is one entry of the applied-migrations ledger.
type Record struct {
	MigrationID    string
	ProductVersion string
}

// SortKey returns the ordering prefix of the record's migration id.
func (r Record) SortKey() string { return SortKey(r.MigrationID) }

// Validate checks the record against the ledger column bounds, counted in
// characters.
func (r Record) Validate() error {
	if r.MigrationID == "" {
		return fmt.Errorf("%w: empty migration id", ErrInvalidRecord)
	}
	if utf8.RuneCountInString(r.MigrationID) > MaxMigrationIDLength {
		return fmt.Errorf("%w: migration id %q exceeds %d characters", ErrInvalidRecord, r.MigrationID, MaxMigrationIDLength)
	}
	if utf8.RuneCountInString(r.ProductVersion) > MaxProductVersionLength {
		return fmt.Errorf("%w: product version %q exceeds %d characters", ErrInvalidRecord, r.ProductVersion, MaxProductVersionLength)
	}
	return nil
}

// SortKey returns the prefix of id before the first "_", or id itself when it
// has no separator. Sort keys are compared byte-wise and only for ordering.
func SortKey(id string) string {
	if i := strings.Index(id, sortKeySeparator); i >= 0 {
		return id[:i]
	}
	return id
}

// Catalog is the source of migration descriptors discovered from a deployed
// artifact. It is read-only for the life of the process.
type Catalog interface {
	// DescribeAll returns every descriptor owned by schemaUnit, in no
	// particular order.
	DescribeAll(schemaUnit string) []Descriptor
}

// StaticCatalog is a Catalog backed by an explicit registration table.
type StaticCatalog struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewStaticCatalog creates a StaticCatalog holding the given descriptors.
func NewStaticCatalog(descriptors ...Descriptor) (*StaticCatalog, error) {
	c := &StaticCatalog{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a descriptor. Ids must be unique across all schema units.
func (c *StaticCatalog) Register(d Descriptor) error {
	if err := (Record{MigrationID: d.ID}).Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.descriptors[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMigration, d.ID)
	}
	c.descriptors[d.ID] = d
	return nil
}

// DescribeAll implements Catalog.
func (c *StaticCatalog) DescribeAll(schemaUnit string) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Descriptor
	for _, d := range c.descriptors {
		if d.SchemaUnit == schemaUnit {
			out = append(out, d)
		}
	}
	return out
}

func sortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].MigrationID < rs[j].MigrationID })
}
