package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is where a single migration attempt ended up.
type State int

const (
	StatePending State = iota
	StateApplied
	StateSkippedRecorded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApplied:
		return "applied"
	case StateSkippedRecorded:
		return "skipped_recorded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome describes the result of attempting one migration.
type Outcome struct {
	MigrationID string
	SchemaUnit  string
	Policy      Policy
	State       State
	// Err is the executor failure, also set when TryMigrate recovered from it.
	Err         error
	Duration    time.Duration
}

// Observer receives migration outcomes, for metrics and audit hooks.
type Observer interface {
	ObserveOutcome(o Outcome)
	ObserveBackfill(schemaUnit string, records []Record)
}

// StartupResult summarizes one RunStartup call.
type StartupResult struct {
	RunID       string
	LedgerEmpty bool
	Outcomes    []Outcome
	Backfilled  []Record
}

// Status is a read-only view of the reconciliation for one schema unit.
type Status struct {
	SchemaUnit  string
	LedgerEmpty bool
	// Applied holds the ledger records whose ids are local descriptors.
	Applied     []Record
	LastApplied *Record
	Pending     []Descriptor
	Backfill    []Record
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithTracer sets the tracer used for batch and migration spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// Runner walks pending migrations through their failure policies and keeps
// the ledger in step with the catalog.
type Runner struct {
	resolver   *Resolver
	ledger     LedgerStore
	executor   Executor
	reconciler *Reconciler
	logger     *slog.Logger
	observer   Observer
	tracer     trace.Tracer
}

// NewRunner creates a new Runner.
func NewRunner(resolver *Resolver, ledger LedgerStore, executor Executor, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		resolver:   resolver,
		ledger:     ledger,
		executor:   executor,
		reconciler: NewReconciler(resolver, ledger),
		logger:     logger,
		tracer:     otel.GetTracerProvider().Tracer("migrate.orchestrator"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconciler returns the reconciler the runner uses.
func (r *Runner) Reconciler() *Reconciler { return r.reconciler }

// Resolver returns the catalog resolver the runner uses.
func (r *Runner) Resolver() *Resolver { return r.resolver }

// Applied returns the ids of every ledger record.
func (r *Runner) Applied(ctx context.Context) ([]string, error) {
	applied, err := r.ledger.ListApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return appliedIDs(applied), nil
}

// Status returns the applied, pending and backfill sets from one read of the
// ledger.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	s, err := r.reconciler.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	local := s.localIDs()
	st := &Status{
		SchemaUnit:  r.resolver.SchemaUnit(),
		LedgerEmpty: len(s.applied) == 0,
		Pending:     s.pending(),
		Backfill:    r.resolver.DeriveRecords(s.backfill()),
	}
	for _, rec := range s.applied {
		if _, ok := local[rec.MigrationID]; ok {
			st.Applied = append(st.Applied, rec)
		}
	}
	if last, ok := s.lastApplied(); ok {
		st.LastApplied = &last
	}
	return st, nil
}

// RunStartup is the startup entry point. When the ledger already holds
// records it applies the pending migrations; it then backfills the ledger
// whether or not the apply pass ran. An empty ledger is treated as a schema
// that predates the catalog: nothing is applied, every local migration is
// recorded.
func (r *Runner) RunStartup(ctx context.Context) (*StartupResult, error) {
	result := &StartupResult{RunID: uuid.NewString()}
	logger := r.logger.With("run_id", result.RunID, "schema_unit", r.resolver.SchemaUnit())

	ctx, span := r.tracer.Start(ctx, "migration.startup",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("migration.schema_unit", r.resolver.SchemaUnit()),
			attribute.String("migration.run_id", result.RunID),
		),
	)
	defer span.End()

	logger.Info("migration started")

	applied, err := r.ledger.ListApplied(ctx)
	if err != nil {
		err = fmt.Errorf("list applied migrations: %w", err)
		recordSpanError(span, err)
		return result, err
	}
	result.LedgerEmpty = len(applied) == 0

	if result.LedgerEmpty {
		logger.Info("ledger is empty, skipping apply pass")
	} else {
		pending, err := r.reconciler.Pending(ctx)
		if err != nil {
			recordSpanError(span, err)
			return result, err
		}
		result.Outcomes, err = r.apply(ctx, logger, pending)
		if err != nil {
			recordSpanError(span, err)
			return result, err
		}
	}

	result.Backfilled, err = r.backfill(ctx, logger)
	if err != nil {
		recordSpanError(span, err)
		return result, err
	}

	logger.Info("migration finished",
		"attempted", len(result.Outcomes),
		"backfilled", len(result.Backfilled))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// Apply runs pending in the given order. It stops at the first Normal-policy
// failure with a *BatchAbortedError, or at the first ledger write failure.
// The outcomes of every attempted migration are returned either way.
func (r *Runner) Apply(ctx context.Context, pending []Descriptor) ([]Outcome, error) {
	return r.apply(ctx, r.logger.With("schema_unit", r.resolver.SchemaUnit()), pending)
}

// ApplyOne runs the policy state machine for a single descriptor.
func (r *Runner) ApplyOne(ctx context.Context, d Descriptor) (Outcome, error) {
	return r.applyOne(ctx, r.logger.With("schema_unit", r.resolver.SchemaUnit()), d)
}

// Backfill records, without running them, the local migrations at or below
// the last applied one that the ledger is missing. The records are written
// in one batch.
func (r *Runner) Backfill(ctx context.Context) ([]Record, error) {
	return r.backfill(ctx, r.logger.With("schema_unit", r.resolver.SchemaUnit()))
}

func (r *Runner) apply(ctx context.Context, logger *slog.Logger, pending []Descriptor) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(pending))
	if len(pending) == 0 {
		return outcomes, nil
	}

	ctx, span := r.tracer.Start(ctx, "migration.batch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("migration.schema_unit", r.resolver.SchemaUnit()),
			attribute.Int("migration.pending", len(pending)),
		),
	)
	defer span.End()

	for _, d := range pending {
		o, err := r.applyOne(ctx, logger, d)
		outcomes = append(outcomes, o)
		if err != nil {
			recordSpanError(span, err)
			return outcomes, err
		}
	}
	span.SetStatus(codes.Ok, "")
	return outcomes, nil
}

func (r *Runner) applyOne(ctx context.Context, logger *slog.Logger, d Descriptor) (Outcome, error) {
	start := time.Now()
	o := Outcome{
		MigrationID: d.ID,
		SchemaUnit:  r.resolver.SchemaUnit(),
		Policy:      d.Policy,
		State:       StatePending,
	}
	logger = logger.With("migration", d.ID, "policy", d.Policy.String())

	ctx, span := r.tracer.Start(ctx, "migration.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("migration.id", d.ID),
			attribute.String("migration.policy", d.Policy.String()),
			attribute.String("migration.schema_unit", o.SchemaUnit),
		),
	)
	defer span.End()

	finish := func(state State, cause, err error) (Outcome, error) {
		o.State = state
		o.Err = cause
		o.Duration = time.Since(start)
		span.SetAttributes(attribute.String("migration.state", state.String()))
		if err != nil {
			recordSpanError(span, err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		if r.observer != nil {
			r.observer.ObserveOutcome(o)
		}
		return o, err
	}

	switch d.Policy {
	case PolicySkip:
		if err := r.record(ctx, d.ID); err != nil {
			return finish(StateFailed, err, err)
		}
		logger.Warn("migration skipped and recorded as applied", "hint", remediationHint)

	case PolicyTryMigrate:
		execErr := r.execute(ctx, d.ID)
		if errors.Is(execErr, ErrLedgerWrite) {
			return finish(StateFailed, execErr, execErr)
		}
		if execErr != nil {
			if err := r.record(ctx, d.ID); err != nil {
				return finish(StateFailed, execErr, err)
			}
			logger.Warn("migration failed, skipped and recorded as applied",
				"error", execErr,
				"hint", remediationHint)
			logger.Info("migration applied", "state", StateSkippedRecorded.String())
			return finish(StateSkippedRecorded, execErr, nil)
		}
		logger.Info("migration applied", "state", StateApplied.String())
		return finish(StateApplied, nil, nil)

	default:
		execErr := r.execute(ctx, d.ID)
		if errors.Is(execErr, ErrLedgerWrite) {
			return finish(StateFailed, execErr, execErr)
		}
		if execErr != nil {
			logger.Error("migration failed",
				"error", execErr,
				"hint", remediationHint)
			return finish(StateFailed, execErr, &BatchAbortedError{MigrationID: d.ID, Err: execErr})
		}
		logger.Info("migration applied", "state", StateApplied.String())
		return finish(StateApplied, nil, nil)
	}

	logger.Info("migration applied", "state", StateSkippedRecorded.String())
	return finish(StateSkippedRecorded, nil, nil)
}

func (r *Runner) execute(ctx context.Context, id string) error {
	if r.executor == nil {
		return &ExecutorError{MigrationID: id, Err: errors.New("no schema executor configured")}
	}
	err := r.executor.Apply(ctx, id)
	if err == nil || errors.Is(err, ErrLedgerWrite) {
		return err
	}
	return &ExecutorError{MigrationID: id, Err: err}
}

func (r *Runner) record(ctx context.Context, id string) error {
	if err := r.ledger.AppendRecords(ctx, []Record{r.resolver.NewRecord(id)}); err != nil {
		return &LedgerWriteError{MigrationIDs: []string{id}, Err: err}
	}
	return nil
}

func (r *Runner) backfill(ctx context.Context, logger *slog.Logger) ([]Record, error) {
	ctx, span := r.tracer.Start(ctx, "migration.backfill",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("migration.schema_unit", r.resolver.SchemaUnit())),
	)
	defer span.End()

	records, err := r.reconciler.BackfillSet(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("migration.backfill", len(records)))
	if len(records) == 0 {
		return records, nil
	}

	if err := r.ledger.AppendRecords(ctx, records); err != nil {
		err = &LedgerWriteError{MigrationIDs: appliedIDs(records), Err: err}
		recordSpanError(span, err)
		return nil, err
	}
	for _, rec := range records {
		logger.Info("migration recorded without running", "migration", rec.MigrationID)
	}
	if r.observer != nil {
		r.observer.ObserveBackfill(r.resolver.SchemaUnit(), records)
	}
	span.SetStatus(codes.Ok, "")
	return records, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
