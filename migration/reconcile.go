package migration

import (
	"context"
	"fmt"
	"strings"
)

// Resolver lists the local descriptors of one schema unit and derives the
// ledger records they would produce.
type Resolver struct {
	catalog        Catalog
	schemaUnit     string
	productVersion string
}

// NewResolver creates a Resolver for schemaUnit. productVersion is the tag
// stamped on every record the resolver derives.
func NewResolver(catalog Catalog, schemaUnit, productVersion string) *Resolver {
	return &Resolver{
		catalog:        catalog,
		schemaUnit:     schemaUnit,
		productVersion: productVersion,
	}
}

// SchemaUnit returns the schema unit the resolver is bound to.
func (r *Resolver) SchemaUnit() string { return r.schemaUnit }

// ProductVersion returns the version tag stamped on derived records.
func (r *Resolver) ProductVersion() string { return r.productVersion }

// ListDescriptors returns the catalog descriptors owned by the resolver's
// schema unit. Order is unspecified. A catalog with no matches yields an
// empty slice.
func (r *Resolver) ListDescriptors() []Descriptor {
	if r.catalog == nil {
		return []Descriptor{}
	}
	all := r.catalog.DescribeAll(r.schemaUnit)
	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if d.SchemaUnit == r.schemaUnit {
			out = append(out, d)
		}
	}
	return out
}

// DeriveRecords maps descriptors to records carrying the resolver's product
// version.
func (r *Resolver) DeriveRecords(descriptors []Descriptor) []Record {
	out := make([]Record, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, r.NewRecord(d.ID))
	}
	return out
}

// LocalRecords is DeriveRecords over ListDescriptors.
func (r *Resolver) LocalRecords() []Record {
	return r.DeriveRecords(r.ListDescriptors())
}

// NewRecord builds the record for a migration id.
func (r *Resolver) NewRecord(id string) Record {
	return Record{MigrationID: id, ProductVersion: r.productVersion}
}

// Reconciler compares the local descriptors with the ledger.
type Reconciler struct {
	resolver *Resolver
	ledger   LedgerStore
}

// NewReconciler creates a Reconciler.
func NewReconciler(resolver *Resolver, ledger LedgerStore) *Reconciler {
	return &Reconciler{resolver: resolver, ledger: ledger}
}

// snapshot is a consistent read of the ledger and the catalog.
type snapshot struct {
	applied []Record
	local   []Descriptor
}

func (r *Reconciler) snapshot(ctx context.Context) (snapshot, error) {
	applied, err := r.ledger.ListApplied(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("list applied migrations: %w", err)
	}
	local := r.resolver.ListDescriptors()
	sortDescriptors(local)
	return snapshot{applied: applied, local: local}, nil
}

// LastApplied returns the ledger record with the greatest sort key among those
// whose id is also a local descriptor. ok is false when no ledger record
// matches the catalog.
func (r *Reconciler) LastApplied(ctx context.Context) (last Record, ok bool, err error) {
	s, err := r.snapshot(ctx)
	if err != nil {
		return Record{}, false, err
	}
	last, ok = s.lastApplied()
	return last, ok, nil
}

// Pending returns the descriptors still to apply, ascending by id: every local
// id greater than the last applied id. Ids are compared byte-wise, so their
// version prefixes must share one width; a shorter prefix sorts ahead of a
// longer one and is returned again even when it is already in the ledger.
func (r *Reconciler) Pending(ctx context.Context) ([]Descriptor, error) {
	s, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.pending(), nil
}

// BackfillSet returns the records to add to the ledger without running their
// migrations, ascending by id.
func (r *Reconciler) BackfillSet(ctx context.Context) ([]Record, error) {
	s, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return r.resolver.DeriveRecords(s.backfill()), nil
}

func (s snapshot) localIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.local))
	for _, d := range s.local {
		ids[d.ID] = struct{}{}
	}
	return ids
}

func (s snapshot) lastApplied() (Record, bool) {
	local := s.localIDs()
	var (
		last  Record
		found bool
	)
	for _, rec := range s.applied {
		if _, ok := local[rec.MigrationID]; !ok {
			continue
		}
		if !found || laterRecord(rec, last) {
			last, found = rec, true
		}
	}
	return last, found
}

// laterRecord orders by sort key, then by full id so equal prefixes still
// produce a single winner.
func laterRecord(a, b Record) bool {
	if c := strings.Compare(a.SortKey(), b.SortKey()); c != 0 {
		return c > 0
	}
	return a.MigrationID > b.MigrationID
}

func (s snapshot) pending() []Descriptor {
	last, ok := s.lastApplied()
	if !ok {
		return append([]Descriptor{}, s.local...)
	}
	out := []Descriptor{}
	for _, d := range s.local {
		if strings.Compare(d.ID, last.MigrationID) > 0 {
			out = append(out, d)
		}
	}
	return out
}

func (s snapshot) backfill() []Descriptor {
	last, ok := s.lastApplied()
	if !ok {
		return append([]Descriptor{}, s.local...)
	}
	applied := make(map[string]struct{}, len(s.applied))
	for _, rec := range s.applied {
		applied[rec.MigrationID] = struct{}{}
	}
	lastKey := last.SortKey()
	out := []Descriptor{}
	for _, d := range s.local {
		if strings.Compare(d.SortKey(), lastKey) > 0 {
			continue
		}
		if _, done := applied[d.ID]; done {
			continue
		}
		out = append(out, d)
	}
	return out
}

func appliedIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.MigrationID)
	}
	return ids
}
