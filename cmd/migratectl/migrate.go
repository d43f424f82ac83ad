package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

func newFlagSet(name, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: migratectl %s [options]

%s

Options:
`, name, summary)
		fs.PrintDefaults()
	}
	return fs
}

func runStatus(args []string) error {
	fs := newFlagSet("status", "Show applied, pending and backfill migrations for a schema unit.")
	o, ctx, cancel, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer o.Close()

	status, err := o.runner.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Schema unit: %s\n", status.SchemaUnit)
	if status.LastApplied != nil {
		fmt.Printf("Last applied: %s (product %s)\n", status.LastApplied.MigrationID, status.LastApplied.ProductVersion)
	} else {
		fmt.Println("Last applied: none")
	}
	if status.LedgerEmpty {
		fmt.Println("Ledger is empty: startup will record every migration without running it.")
	}

	fmt.Printf("\nApplied: %d migration(s)\n", len(status.Applied))
	for _, rec := range status.Applied {
		fmt.Printf("  %s  product=%s\n", rec.MigrationID, rec.ProductVersion)
	}
	printPending(status.Pending)
	if len(status.Backfill) > 0 {
		fmt.Printf("\nBackfill: %d migration(s)\n", len(status.Backfill))
		for _, rec := range status.Backfill {
			fmt.Printf("  %s\n", rec.MigrationID)
		}
	}
	return nil
}

func runPending(args []string) error {
	fs := newFlagSet("pending", "List pending migrations in the order startup applies them.")
	o, ctx, cancel, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer o.Close()

	pending, err := o.runner.Reconciler().Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending migrations.")
		return nil
	}
	printPending(pending)
	return nil
}

func runApply(args []string) error {
	fs := newFlagSet("apply", `Apply pending migrations under their failure policies, then record every
unrecorded migration at or below the last applied one. With -id only that
migration is run and nothing is backfilled.`)
	id := fs.String("id", "", "Apply a single migration by id")
	o, ctx, cancel, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer o.Close()
	defer o.finish()

	if *id != "" {
		d, ok := findDescriptor(o.runner, *id)
		if !ok {
			return fmt.Errorf("migration %s is not in schema unit %s", *id, o.cfg.SchemaUnit)
		}
		outcome, err := o.runner.ApplyOne(ctx, d)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", outcome.MigrationID, outcome.State)
		return nil
	}

	result, err := o.runner.RunStartup(ctx)
	for _, outcome := range result.Outcomes {
		fmt.Printf("%-40s %-10s %s\n", outcome.MigrationID, outcome.Policy, outcome.State)
	}
	if err != nil {
		if isAborted(err) {
			fmt.Fprintln(os.Stderr, "Deployment blocked: fix the failed migration and run apply again.")
		}
		return err
	}
	if len(result.Backfilled) > 0 {
		fmt.Printf("Recorded without running: %d migration(s)\n", len(result.Backfilled))
	}
	fmt.Printf("Run %s finished.\n", result.RunID)
	return nil
}

func runBackfill(args []string) error {
	fs := newFlagSet("backfill", "Record, without running them, local migrations at or below the last applied one.")
	o, ctx, cancel, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer o.Close()
	defer o.finish()

	records, err := o.runner.Backfill(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Ledger is up to date.")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("  recorded %s\n", rec.MigrationID)
	}
	return nil
}

func printPending(pending []migration.Descriptor) {
	fmt.Printf("\nPending: %d migration(s)\n", len(pending))
	for _, d := range pending {
		fmt.Printf("  %-40s %s\n", d.ID, d.Policy)
	}
}

func findDescriptor(r *migration.Runner, id string) (migration.Descriptor, bool) {
	for _, d := range r.Resolver().ListDescriptors() {
		if d.ID == id {
			return d, true
		}
	}
	return migration.Descriptor{}, false
}
