package namemigrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/groupbookhq/groupbook/pkg/backendsdk"
	"github.com/groupbookhq/groupbook/pkg/namesplit"
	"github.com/groupbookhq/groupbook/pkg/slogx"
)

// Summary is the outcome of one table's backfill pass.
type Summary struct {
	// Attempted counts rows that needed migrating on this pass.
	Attempted int
	// Migrated counts rows whose name columns were written.
	Migrated int
	// Failed counts rows whose write failed; they are retried by simply
	// running the pass again.
	Failed int
}

// nameRow is the slice of a contact row the backfill reads and writes.
type nameRow struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Backfill populates first_name/last_name from full_name across the
// configured tables and returns a per-table summary.
//
// The pass is resumable: rows that already carry a first_name are skipped, so
// a rerun after a partial failure only touches what is left. A single row's
// write failure is logged and counted, never aborts the table. Writes are
// throttled so the backfill cannot starve live traffic.
func (c *Controller) Backfill(ctx context.Context) (map[string]Summary, error) {
	log := slogx.FromContext(ctx)
	summaries := make(map[string]Summary, len(c.tables))

	for _, table := range c.tables {
		var rows []nameRow
		err := c.rows.SelectAll(ctx, table, backendsdk.Where("full_name", "not.is.null"), &rows)
		if err != nil {
			return summaries, fmt.Errorf("failed to list %s rows: %w", table, err)
		}

		var s Summary
		for _, row := range rows {
			if strings.TrimSpace(row.FullName) == "" || row.FirstName != "" {
				continue
			}
			s.Attempted++

			if err := c.limiter.Wait(ctx); err != nil {
				summaries[table] = s
				return summaries, err
			}

			first, last := namesplit.Split(row.FullName)
			patch := map[string]any{"first_name": first, "last_name": last}
			if err := c.rows.Update(ctx, table, backendsdk.Where("id", backendsdk.Eq(row.ID)), patch, nil); err != nil {
				s.Failed++
				log.Warn("backfill row failed",
					slog.String("table", table),
					slog.String("id", row.ID),
					slog.Any("error", err),
				)
				continue
			}
			s.Migrated++
		}

		summaries[table] = s
		fmt.Fprintf(c.out, "%s: %d attempted, %d migrated, %d failed\n",
			table, s.Attempted, s.Migrated, s.Failed)
		log.Info("backfill pass complete",
			slog.String("table", table),
			slog.Int("attempted", s.Attempted),
			slog.Int("migrated", s.Migrated),
			slog.Int("failed", s.Failed),
		)
	}

	return summaries, nil
}
