package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/db"
	"github.com/andeslabs/sqlcopilot/api/handlers"
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
	databaseFlag := flag.String("database", "", "database to query (default: the configured default)")
	sessionFlag := flag.String("session", "", "session id to continue (default: a fresh session)")
	questionFlag := flag.String("question", "", "ask a single question and exit instead of starting the REPL")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	if err := config.Load(); err != nil {
		return fmt.Errorf("failed to load database config: %w", err)
	}
	defer config.Close()

	if err := config.LoadPostgres(ctx); err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer config.ClosePostgres()

	if err := db.RunMigrations(ctx, log, os.Getenv("POSTGRES_DSN")); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	database := *databaseFlag
	if database == "" {
		database = config.Default()
	}
	if _, err := config.Lookup(database); err != nil {
		return err
	}

	eng, err := handlers.Copilot()
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	sessionID := *sessionFlag
	if sessionID == "" {
		sessionID = "cli:" + uuid.NewString()
	}

	reader := bufio.NewReader(os.Stdin)

	if *questionFlag != "" {
		return ask(ctx, eng, reader, sessionID, database, *questionFlag)
	}

	fmt.Printf("Connected to %s. Ask a question, or type 'exit' to quit.\n", database)
	for {
		fmt.Print("? ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		question := strings.TrimSpace(line)
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return nil
		}

		if err := ask(ctx, eng, reader, sessionID, database, question); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("  %s\n\n", workflow.UserMessage(err))
		}
	}
}

// ask runs one question through the engine, prompting inline for
// clarification answers until the run completes.
func ask(ctx context.Context, eng *workflow.Engine, reader *bufio.Reader, sessionID, database, question string) error {
	emit := func(ev workflow.Event) {
		switch ev.Type {
		case workflow.EventChunk:
			if ev.Content != "" {
				fmt.Printf("  [%s] %s\n", ev.Stage, ev.Content)
			}
		}
	}

	outcome, err := eng.RunStream(ctx, sessionID, database, question, emit)
	if err != nil {
		return err
	}

	for outcome.Suspended {
		fmt.Printf("\n  %s\n  > ", outcome.Question)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		answer := strings.TrimSpace(line)
		if answer == "" {
			continue
		}
		outcome, err = eng.ResumeStream(ctx, sessionID, answer, emit)
		if err != nil {
			return err
		}
	}

	fmt.Printf("\n%s\n", outcome.Answer)
	if outcome.SQL != "" {
		fmt.Printf("\nSQL:\n%s\n", outcome.SQL)
	}
	if outcome.Data != nil && outcome.Data.Formatted != "" {
		fmt.Printf("\n%s\n", outcome.Data.Formatted)
	}
	fmt.Println()
	return nil
}
