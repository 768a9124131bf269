package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/andeslabs/sqlcopilot/api/catalog"
	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/db"
	"github.com/andeslabs/sqlcopilot/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run pending Postgres migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show Postgres migration status")
	catalogSyncFlag := flag.Bool("catalog-sync", false, "Introspect the registered databases and refresh the catalog")
	purgeSessionsFlag := flag.Bool("purge-sessions", false, "Delete sessions (and their runs and checkpoints) not updated recently")

	// Options
	olderThanFlag := flag.Duration("older-than", 30*24*time.Hour, "Age cutoff for --purge-sessions")
	dryRunFlag := flag.Bool("dry-run", false, "Show what would be done without executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	_ = godotenv.Load()
	log := logger.New(*verboseFlag)

	ctx := context.Background()
	dsn := os.Getenv("POSTGRES_DSN")

	switch {
	case *migrateFlag:
		return db.RunMigrations(ctx, log, dsn)

	case *migrateStatusFlag:
		return db.MigrationStatus(ctx, log, dsn)

	case *catalogSyncFlag:
		if err := config.Load(); err != nil {
			return fmt.Errorf("failed to load database config: %w", err)
		}
		defer config.Close()
		if err := config.LoadPostgres(ctx); err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer config.ClosePostgres()
		return catalog.NewStore(config.PgPool).Sync(ctx, log)

	case *purgeSessionsFlag:
		if err := config.LoadPostgres(ctx); err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer config.ClosePostgres()
		return purgeSessions(ctx, *olderThanFlag, *dryRunFlag, *yesFlag)
	}

	flag.Usage()
	return fmt.Errorf("no command specified")
}

// purgeSessions deletes sessions whose last update is older than the
// cutoff, along with their runs and checkpoints.
func purgeSessions(ctx context.Context, olderThan time.Duration, dryRun, yes bool) error {
	cutoff := time.Now().Add(-olderThan)

	var count int
	err := config.PgPool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sessions WHERE updated_at < $1
	`, cutoff).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count stale sessions: %w", err)
	}

	fmt.Printf("%d session(s) not updated since %s\n", count, cutoff.Format(time.RFC3339))
	if count == 0 {
		return nil
	}
	if dryRun {
		fmt.Println("Dry run, nothing deleted.")
		return nil
	}
	if !yes {
		fmt.Printf("Delete %d session(s) and their runs and checkpoints? [y/N] ", count)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	tx, err := config.PgPool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM copilot_runs WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < $1)
	`, cutoff); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM copilot_checkpoints WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < $1)
	`, cutoff); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}

	fmt.Printf("Deleted %d session(s).\n", tag.RowsAffected())
	return nil
}
