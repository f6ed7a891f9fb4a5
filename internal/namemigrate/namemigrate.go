// Package namemigrate drives the four-phase migration that replaces the
// legacy full_name column with first_name/last_name across the contact
// tables.
//
// The phases are deliberately manual and separately invoked: add the new
// columns, backfill them from full_name, verify the backfill took, and only
// then drop the old column behind an explicit confirmation. Every phase is
// idempotent, so a crashed or repeated run converges instead of corrupting.
//
// DDL is printed for the operator's SQL console by default; when a direct
// database URL is supplied the same embedded migrations are applied through
// golang-migrate.
package namemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"golang.org/x/time/rate"

	"github.com/groupbookhq/groupbook/internal/namemigrate/migrations"
	"github.com/groupbookhq/groupbook/pkg/backendsdk"
)

var (
	// ErrVerificationFailed means the backfill gate did not pass; the drop
	// phase must not proceed.
	ErrVerificationFailed = errors.New("namemigrate: backfill verification failed")

	// ErrConfirmRequired means the drop phase was invoked without its
	// explicit confirmation.
	ErrConfirmRequired = errors.New("namemigrate: dropping full_name requires explicit confirmation")
)

// Migration versions inside the embedded set. The drop is a separate version
// so applying the add phase can never take the old column with it.
const (
	versionAddColumns   = 1
	versionDropFullName = 2
)

// DefaultTables are the contact tables carrying name columns.
var DefaultTables = []string{"profiles", "group_memberships"}

// Controller runs the migration phases. Row reads and backfill writes go
// through the backend row API under the service-role credential; DDL goes to
// the output writer, or directly to the database when one is attached.
type Controller struct {
	rows backendsdk.Rows

	db      *sql.DB
	out     io.Writer
	limiter *rate.Limiter
	tables  []string
}

// Option configures a Controller.
type Option func(*Controller)

// WithDB attaches a direct database connection. Plan and cleanup then apply
// their DDL through golang-migrate, and verification counts run as plain SQL.
func WithDB(db *sql.DB) Option {
	return func(c *Controller) { c.db = db }
}

// WithOutput redirects the printed SQL and verification report.
func WithOutput(w io.Writer) Option {
	return func(c *Controller) { c.out = w }
}

// WithThrottle replaces the backfill write limiter.
func WithThrottle(l *rate.Limiter) Option {
	return func(c *Controller) { c.limiter = l }
}

// WithTables overrides the migrated table set.
func WithTables(tables ...string) Option {
	return func(c *Controller) { c.tables = tables }
}

// New creates a Controller over the default contact tables, printing to
// stdout, with the backfill throttled to 20 writes per second.
func New(rows backendsdk.Rows, opts ...Option) *Controller {
	c := &Controller{
		rows:    rows,
		out:     os.Stdout,
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		tables:  DefaultTables,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PlanAddColumns prints the DDL that introduces the nullable name columns
// and, when a database is attached, applies it. The columns are added with IF
// NOT EXISTS, so re-running the phase is harmless.
func (c *Controller) PlanAddColumns(ctx context.Context) error {
	ddl, err := fs.ReadFile(migrations.Migrations, "0001_add_name_columns.up.sql")
	if err != nil {
		return fmt.Errorf("failed to read embedded migration: %w", err)
	}

	fmt.Fprintln(c.out, "-- Phase 1: add nullable name columns")
	fmt.Fprintln(c.out, string(ddl))

	if c.db == nil {
		fmt.Fprintln(c.out, "-- No database URL configured; run the statements above in the SQL console.")
		return nil
	}
	return c.applyTo(versionAddColumns)
}

// applyTo migrates the attached database to the given embedded version.
// Already being there is not an error.
func (c *Controller) applyTo(version uint) error {
	driver, err := migratepgx.WithInstance(c.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	instance, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := instance.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migration version %d: %w", version, err)
	}
	return nil
}
