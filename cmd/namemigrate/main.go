// Command namemigrate walks an operator through the full_name →
// first_name/last_name migration, one phase per invocation:
//
//	namemigrate plan      print (and optionally apply) the add-columns DDL
//	namemigrate backfill  split full_name into the new columns, resumable
//	namemigrate verify    count migrated rows and evaluate the drop gate
//	namemigrate cleanup   drop full_name; requires -confirm-drop
//
// Configuration comes from the environment (a local .env is honored):
// GROUPBOOK_BACKEND_URL and GROUPBOOK_SERVICE_ROLE_KEY are required,
// GROUPBOOK_DATABASE_URL optionally enables direct DDL application.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/groupbookhq/groupbook/internal/namemigrate"
	"github.com/groupbookhq/groupbook/pkg/backendsdk"
	"github.com/groupbookhq/groupbook/pkg/slogx"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()

	// Operator-facing SQL goes to stdout; logs stay on stderr.
	log := slogx.New(slogx.Config{
		Service: "namemigrate",
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Output:  os.Stderr,
	})

	if cfg.BackendURL == "" || cfg.ServiceRoleKey == "" {
		fmt.Fprintln(os.Stderr, "GROUPBOOK_BACKEND_URL and GROUPBOOK_SERVICE_ROLE_KEY must be set")
		os.Exit(1)
	}
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	client := backendsdk.New(cfg.BackendURL, cfg.ServiceRoleKey)

	opts := []namemigrate.Option{namemigrate.WithOutput(os.Stdout)}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to open database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()
		opts = append(opts, namemigrate.WithDB(db))
	}

	ctrl := namemigrate.New(client, opts...)
	ctx := slogx.WithContext(context.Background(), log)

	if err := run(ctx, ctrl, os.Args[1], os.Args[2:]); err != nil {
		log.Error("migration phase failed", slog.String("phase", os.Args[1]), slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, ctrl *namemigrate.Controller, phase string, args []string) error {
	switch phase {
	case "plan":
		return ctrl.PlanAddColumns(ctx)

	case "backfill":
		_, err := ctrl.Backfill(ctx)
		return err

	case "verify":
		_, err := ctrl.Verify(ctx)
		return err

	case "cleanup":
		fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
		confirmDrop := fs.Bool("confirm-drop", false, "acknowledge that full_name will be dropped for good")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return ctrl.Cleanup(ctx, *confirmDrop)

	default:
		usage()
		return fmt.Errorf("unknown phase %q", phase)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: namemigrate <phase>

phases:
  plan      print (and optionally apply) the add-columns DDL
  backfill  populate first_name/last_name from full_name, resumable
  verify    count migrated rows and evaluate the drop gate
  cleanup   drop full_name (requires -confirm-drop)`)
}
