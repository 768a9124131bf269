package handlers

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/andeslabs/sqlcopilot/agent/pkg/nlsql"
	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/catalog"
	"github.com/andeslabs/sqlcopilot/api/config"
)

var (
	engineMu   sync.Mutex
	engineInst *workflow.Engine
)

// Copilot returns the shared workflow engine, building it on first use.
// The engine is stateless between runs (all session state lives in the
// Postgres checkpoint store), so one instance serves every request.
func Copilot() (*workflow.Engine, error) {
	engineMu.Lock()
	defer engineMu.Unlock()
	if engineInst != nil {
		return engineInst, nil
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	if config.PgPool == nil {
		return nil, fmt.Errorf("postgres pool is not initialized")
	}

	llm := nlsql.NewAnthropicLLMClient(nlsql.DefaultModel, nlsql.DefaultMaxTokens)
	collab, err := nlsql.New(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to load collaborators: %w", err)
	}

	store := catalog.NewStore(config.PgPool)

	eng, err := workflow.New(&workflow.Config{
		Logger:     slog.Default(),
		Classifier: collab.Classifier,
		Analyzer:   collab.Analyzer,
		Schema:     store,
		Fields:     store,
		Generator:  collab.Generator,
		Repairer:   collab.Repairer,
		Executor:   NewBackendExecutor(),
		Summarizer: collab.Summarizer,
		Store:      NewPostgresCheckpointStore(config.PgPool),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	engineInst = eng
	return engineInst, nil
}

// SetEngine replaces the shared engine (for testing).
func SetEngine(eng *workflow.Engine) {
	engineMu.Lock()
	defer engineMu.Unlock()
	engineInst = eng
}
