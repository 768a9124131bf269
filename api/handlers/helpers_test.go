package handlers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/handlers"
)

// Stub collaborators that drive the engine deterministically through
// handler tests without touching the Anthropic API.

type stubClassifier struct{ decision workflow.IntentDecision }

func (s *stubClassifier) Classify(_ context.Context, _ string) (workflow.IntentDecision, error) {
	return s.decision, nil
}

type stubAnalyzer struct {
	analysis workflow.Analysis
	// suspendOnce surfaces the ambiguity only on the first call, so a
	// resumed run proceeds.
	suspendOnce bool
	calls       int
}

func (s *stubAnalyzer) Analyze(_ context.Context, _ string, clarifications map[string]string, _ string) (workflow.Analysis, error) {
	s.calls++
	a := s.analysis
	if s.suspendOnce && (s.calls > 1 || len(clarifications) > 0) {
		a.Ambiguities = nil
	}
	return a, nil
}

type stubSchema struct{}

func (s *stubSchema) Schemas(_ context.Context, _ string) (map[string]workflow.TableSchema, error) {
	return map[string]workflow.TableSchema{
		"orders": {Columns: []workflow.ColumnSchema{
			{Name: "id", Type: "UInt64"},
			{Name: "amount", Type: "Float64"},
		}},
	}, nil
}

func (s *stubSchema) FieldsByID(_ context.Context, ids []int64) ([]workflow.Field, error) {
	out := make([]workflow.Field, 0, len(ids))
	for _, id := range ids {
		out = append(out, workflow.Field{ID: id, Table: "orders", Column: "amount", Type: "Float64"})
	}
	return out, nil
}

type stubFields struct{}

func (s *stubFields) FindFields(_ context.Context, _, _ string) ([]int64, error) {
	return []int64{1}, nil
}

type stubGenerator struct{ sql string }

func (s *stubGenerator) Generate(_ context.Context, _, _ string, _ []workflow.Field) (string, error) {
	return s.sql, nil
}

type stubRepairer struct{}

func (s *stubRepairer) Repair(_ context.Context, sql, _, _ string) (workflow.RepairFix, error) {
	return workflow.RepairFix{SQL: sql}, nil
}

type stubExecutor struct{ result *workflow.QueryResult }

func (s *stubExecutor) Execute(_ context.Context, _, sql string) (*workflow.QueryResult, error) {
	r := *s.result
	r.SQL = sql
	return &r, nil
}

type stubSummarizer struct{ text string }

func (s *stubSummarizer) Summarize(_ context.Context, _ string, _ *workflow.QueryResult) (string, error) {
	return s.text, nil
}

// setupStubEngine wires a deterministic engine over the test Postgres
// checkpoint store and installs it as the shared engine.
func setupStubEngine(t *testing.T, analyzer *stubAnalyzer) {
	t.Helper()

	eng, err := workflow.New(&workflow.Config{
		Classifier: &stubClassifier{decision: workflow.IntentDecision{Intent: workflow.IntentQuery}},
		Analyzer:   analyzer,
		Schema:     &stubSchema{},
		Fields:     &stubFields{},
		Generator:  &stubGenerator{sql: "SELECT amount FROM orders ORDER BY amount DESC LIMIT 5"},
		Repairer:   &stubRepairer{},
		Executor: &stubExecutor{result: &workflow.QueryResult{
			Columns:   []string{"amount"},
			Rows:      []map[string]any{{"amount": 42.0}},
			Count:     1,
			Formatted: "amount\n42",
		}},
		Summarizer: &stubSummarizer{text: "The top order amount is 42."},
		Store:      handlers.NewPostgresCheckpointStore(config.PgPool),
	})
	require.NoError(t, err)

	handlers.SetEngine(eng)
	t.Cleanup(func() { handlers.SetEngine(nil) })
}

// registerTestBackend registers a connectionless backend name so
// database validation passes without a live ClickHouse.
func registerTestBackend(t *testing.T, name string) {
	t.Helper()
	oldDefault := config.Default()
	old := config.Register(&config.Backend{Name: name, Type: config.BackendClickHouse, Database: name})
	config.SetDefault(name)
	t.Cleanup(func() {
		config.Unregister(name)
		if old != nil {
			config.Register(old)
		}
		config.SetDefault(oldDefault)
	})
}
