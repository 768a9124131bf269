package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Intent is the classified shape of a user request.
type Intent string

const (
	// IntentQuery asks for data; the answer is the tabular result.
	IntentQuery Intent = "query"
	// IntentAnalyze asks for data plus a narrative reading of it.
	IntentAnalyze Intent = "analyze"
	// IntentOther is anything the assistant answers directly without SQL.
	IntentOther Intent = "other"
)

// Stage names one node in the fixed workflow graph.
type Stage string

const (
	StageClassifyIntent Stage = "classify-intent"
	StageAnalyzeQuery   Stage = "analyze-query"
	StageDiscoverFields Stage = "discover-fields"
	StageGenerateSQL    Stage = "generate-sql"
	StageRepairSQL      Stage = "repair-sql"
	StageSummarize      Stage = "summarize"
	// StageTerminal marks the end of a run; it is never executed.
	StageTerminal Stage = "terminal"
)

// CompleteOptions holds options for LLM completion.
type CompleteOptions struct {
	CacheSystemPrompt bool // Enable prompt caching for the system prompt
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl enables prompt caching for the system prompt.
// This marks the system prompt as cacheable, reducing costs for
// repeated calls with the same system prompt prefix.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	// Options can be passed to control caching behavior.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// IntentDecision is the classifier's verdict on a user message.
// When Intent is IntentOther, Reply carries the direct answer text.
type IntentDecision struct {
	Intent Intent
	Reply  string
}

// Classifier decides what kind of request a user message is.
// A freeform reply (no recognizable label) is reported as IntentOther
// with the reply text carried in Reply.
type Classifier interface {
	Classify(ctx context.Context, text string) (IntentDecision, error)
}

// Analysis is the analyzer's reading of a user question.
type Analysis struct {
	// RefinedQuery is the question restated precisely enough to
	// generate SQL from. Empty means keep the original text.
	RefinedQuery string
	// Ambiguities lists clarification topics the user must resolve
	// before SQL generation can proceed.
	Ambiguities []string
	// CannotAnswer, when non-empty, explains why the question is
	// unanswerable with the available schema. It becomes the final answer.
	CannotAnswer string
}

// Analyzer refines a question and surfaces what is still ambiguous about it.
type Analyzer interface {
	Analyze(ctx context.Context, query string, clarifications map[string]string, schemaContext string) (Analysis, error)
}

// ColumnSchema describes one column of a table.
type ColumnSchema struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Comment string `json:"comment,omitempty"`
}

// TableSchema describes one table known to the schema provider.
type TableSchema struct {
	Comment string         `json:"comment,omitempty"`
	Columns []ColumnSchema `json:"columns"`
}

// Field is one catalog row describing a schema field, including the
// sample values used as generation examples.
type Field struct {
	ID           int64    `json:"id"`
	Table        string   `json:"table"`
	Column       string   `json:"column"`
	Type         string   `json:"type"`
	Comment      string   `json:"comment,omitempty"`
	SampleValues []string `json:"sample_values,omitempty"`
}

// SchemaProvider exposes the schema catalog for a registered database.
type SchemaProvider interface {
	// Schemas returns the table layout of the named database. Unknown
	// database names fail with a ConfigurationError.
	Schemas(ctx context.Context, database string) (map[string]TableSchema, error)
	// FieldsByID resolves catalog field ids to full rows.
	FieldsByID(ctx context.Context, ids []int64) ([]Field, error)
}

// FieldFinder selects the catalog fields relevant to a question.
type FieldFinder interface {
	// FindFields returns the ids of fields relevant to the query text.
	// An empty result is valid; generation then works from the full schema.
	FindFields(ctx context.Context, database, queryText string) ([]int64, error)
}

// Generator produces candidate SQL for a refined question.
type Generator interface {
	Generate(ctx context.Context, queryText, schemaContext string, examples []Field) (string, error)
}

// RepairFix is the repairer's tagged result: exactly one of SQL or
// Answer is set. SQL carries a corrected statement to retry; Answer is
// a give-up explanation that becomes the final answer.
type RepairFix struct {
	SQL    string
	Answer string
}

// Repairer corrects failing SQL or gives up with a natural-language answer.
type Repairer interface {
	Repair(ctx context.Context, sql, errorText, schemaContext string) (RepairFix, error)
}

// QueryResult holds the tabular result of a successful execution.
type QueryResult struct {
	SQL         string           `json:"sql"`
	Columns     []string         `json:"columns,omitempty"`
	Rows        []map[string]any `json:"rows,omitempty"`
	Count       int              `json:"count"`
	Formatted   string           `json:"formatted,omitempty"`
	ExecutionMS int64            `json:"execution_ms,omitempty"`
}

// Executor runs SQL against a registered database. Execution failures
// are reported as *ExecutionError carrying the backend's message
// verbatim; the repair loop feeds that text to the repairer unmodified.
type Executor interface {
	Execute(ctx context.Context, database, sql string) (*QueryResult, error)
}

// Summarizer turns a tabular result into a narrative answer.
type Summarizer interface {
	Summarize(ctx context.Context, question string, result *QueryResult) (string, error)
}

// Outcome is the result of one engine run. Exactly one of the three
// shapes applies: a suspended run carries the clarification question, a
// completed run carries the answer (plus SQL and data when a query
// executed). Failed runs are reported through the error return instead.
type Outcome struct {
	Suspended bool         `json:"suspended,omitempty"`
	Question  string       `json:"question,omitempty"`
	Answer    string       `json:"answer,omitempty"`
	SQL       string       `json:"sql,omitempty"`
	Data      *QueryResult `json:"data,omitempty"`
}

// FormatSchemas renders a schema mapping as markdown for prompt context.
// Tables are listed alphabetically so output is stable across runs.
func FormatSchemas(schemas map[string]TableSchema) string {
	if len(schemas) == 0 {
		return ""
	}
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		ts := schemas[name]
		if ts.Comment != "" {
			sb.WriteString(fmt.Sprintf("## %s - %s\n", name, ts.Comment))
		} else {
			sb.WriteString(fmt.Sprintf("## %s\n", name))
		}
		for _, col := range ts.Columns {
			if col.Comment != "" {
				sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", col.Name, col.Type, col.Comment))
			} else {
				sb.WriteString(fmt.Sprintf("- %s (%s)\n", col.Name, col.Type))
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatFields renders catalog fields as markdown for prompt context.
func FormatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range fields {
		sb.WriteString(fmt.Sprintf("- %s.%s (%s)", f.Table, f.Column, f.Type))
		if f.Comment != "" {
			sb.WriteString(": " + f.Comment)
		}
		if len(f.SampleValues) > 0 {
			sb.WriteString(fmt.Sprintf(" [e.g. %s]", strings.Join(f.SampleValues, ", ")))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
