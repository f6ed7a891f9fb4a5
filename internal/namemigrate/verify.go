package namemigrate

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/groupbookhq/groupbook/pkg/backendsdk"

	"github.com/groupbookhq/groupbook/internal/namemigrate/migrations"
)

// TableCount is one table's verification numbers.
type TableCount struct {
	Table    string
	Total    int64
	Migrated int64
}

// Report is the verification outcome across all configured tables.
type Report struct {
	Tables []TableCount
}

// Verify counts migrated rows per table and gates the drop phase.
//
// The gate is conservative: every table must hold at least one row with a
// populated first_name. An empty table blocks too, because it proves nothing
// about the backfill; dropping full_name on the strength of an empty count is
// how data gets lost.
func (c *Controller) Verify(ctx context.Context) (*Report, error) {
	report := &Report{}

	for _, table := range c.tables {
		tc, err := c.countTable(ctx, table)
		if err != nil {
			return report, fmt.Errorf("failed to verify %s: %w", table, err)
		}
		report.Tables = append(report.Tables, tc)
		fmt.Fprintf(c.out, "%s: %d of %d rows carry first_name\n", table, tc.Migrated, tc.Total)
	}

	for _, tc := range report.Tables {
		if tc.Total == 0 {
			fmt.Fprintf(c.out, "BLOCKED: %s is empty; the backfill cannot be confirmed on an empty table\n", tc.Table)
			return report, fmt.Errorf("%w: %s is empty", ErrVerificationFailed, tc.Table)
		}
		if tc.Migrated == 0 {
			return report, fmt.Errorf("%w: %s has no migrated rows", ErrVerificationFailed, tc.Table)
		}
	}
	return report, nil
}

// countTable resolves the total/migrated pair through direct SQL when a
// database is attached, otherwise through the row API's exact counts.
func (c *Controller) countTable(ctx context.Context, table string) (TableCount, error) {
	tc := TableCount{Table: table}

	if c.db != nil {
		err := c.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT count(*), count(*) FILTER (WHERE first_name IS NOT NULL AND first_name <> '') FROM %s`, table),
		).Scan(&tc.Total, &tc.Migrated)
		if err != nil {
			return tc, err
		}
		return tc, nil
	}

	total, err := c.rows.Count(ctx, table, nil)
	if err != nil {
		return tc, err
	}
	// The empty string is non-null, and lazily created profiles can carry
	// empty names, so null-ness alone cannot prove a row was backfilled.
	migrated, err := c.rows.Count(ctx, table,
		backendsdk.Where("first_name", "not.is.null").And("first_name", "neq."))
	if err != nil {
		return tc, err
	}
	tc.Total, tc.Migrated = total, migrated
	return tc, nil
}

// Cleanup is the final phase: drop full_name. It demands the confirmation
// flag and re-runs Verify immediately before emitting or applying the drop,
// so a stale verification can never authorize it. A failed cleanup is
// reported, never retried automatically.
func (c *Controller) Cleanup(ctx context.Context, confirmDrop bool) error {
	if !confirmDrop {
		return ErrConfirmRequired
	}

	if _, err := c.Verify(ctx); err != nil {
		return err
	}

	ddl, err := fs.ReadFile(migrations.Migrations, "0002_drop_full_name.up.sql")
	if err != nil {
		return fmt.Errorf("failed to read embedded migration: %w", err)
	}

	fmt.Fprintln(c.out, "-- Phase 4: drop the legacy full_name column")
	fmt.Fprintln(c.out, string(ddl))

	if c.db == nil {
		fmt.Fprintln(c.out, "-- No database URL configured; run the statements above in the SQL console.")
		return nil
	}
	return c.applyTo(versionDropFullName)
}
