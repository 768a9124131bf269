package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
)

// Fake collaborators used across the engine tests. Each counts its
// calls so tests can assert which stages ran.

type fakeClassifier struct {
	decision IntentDecision
	err      error
	calls    int
}

func (f *fakeClassifier) Classify(_ context.Context, _ string) (IntentDecision, error) {
	f.calls++
	return f.decision, f.err
}

type fakeAnalyzer struct {
	analysis Analysis
	err      error
	calls    int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ string, _ map[string]string, _ string) (Analysis, error) {
	f.calls++
	return f.analysis, f.err
}

type fakeSchema struct {
	schemas map[string]TableSchema
	fields  map[int64]Field
	err     error
	calls   int
}

func (f *fakeSchema) Schemas(_ context.Context, database string) (map[string]TableSchema, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.schemas == nil {
		return nil, NewConfigurationError("unknown database %q", database)
	}
	return f.schemas, nil
}

func (f *fakeSchema) FieldsByID(_ context.Context, ids []int64) ([]Field, error) {
	out := make([]Field, 0, len(ids))
	for _, id := range ids {
		if fld, ok := f.fields[id]; ok {
			out = append(out, fld)
		}
	}
	return out, nil
}

type fakeFields struct {
	ids   []int64
	err   error
	calls int
}

func (f *fakeFields) FindFields(_ context.Context, _, _ string) ([]int64, error) {
	f.calls++
	return f.ids, f.err
}

type fakeGenerator struct {
	sql   string
	err   error
	calls int
	seen  []string // query texts handed to Generate
}

func (f *fakeGenerator) Generate(_ context.Context, queryText, _ string, _ []Field) (string, error) {
	f.calls++
	f.seen = append(f.seen, queryText)
	return f.sql, f.err
}

type fakeRepairer struct {
	fixes []RepairFix // consumed in order; the last entry repeats
	err   error
	calls int
}

func (f *fakeRepairer) Repair(_ context.Context, _, _, _ string) (RepairFix, error) {
	f.calls++
	if f.err != nil {
		return RepairFix{}, f.err
	}
	if len(f.fixes) == 0 {
		return RepairFix{}, nil
	}
	i := f.calls - 1
	if i >= len(f.fixes) {
		i = len(f.fixes) - 1
	}
	return f.fixes[i], nil
}

type fakeExecutor struct {
	result   *QueryResult
	failures int  // executions that fail before result is returned
	failAll  bool // every execution fails
	err      error
	calls    int
}

func (f *fakeExecutor) Execute(_ context.Context, _, sql string) (*QueryResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.failAll || f.calls <= f.failures {
		return nil, NewExecutionError(sql, fmt.Sprintf("Code: 47. Unknown identifier (attempt %d)", f.calls))
	}
	r := *f.result
	return &r, nil
}

type fakeSummarizer struct {
	text  string
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string, _ *QueryResult) (string, error) {
	f.calls++
	return f.text, f.err
}

// fixture bundles the fakes with a shared checkpoint store so tests can
// build multiple engines against the same persisted state.
type fixture struct {
	classifier *fakeClassifier
	analyzer   *fakeAnalyzer
	schema     *fakeSchema
	fields     *fakeFields
	generator  *fakeGenerator
	repairer   *fakeRepairer
	executor   *fakeExecutor
	summarizer *fakeSummarizer
	store      *MemoryStore
}

func newFixture() *fixture {
	return &fixture{
		classifier: &fakeClassifier{decision: IntentDecision{Intent: IntentQuery}},
		analyzer:   &fakeAnalyzer{analysis: Analysis{RefinedQuery: "top 10 products by sales"}},
		schema: &fakeSchema{
			schemas: map[string]TableSchema{
				"sales": {Columns: []ColumnSchema{
					{Name: "product_id", Type: "String"},
					{Name: "sales_amount", Type: "Float64"},
				}},
			},
			fields: map[int64]Field{
				1: {ID: 1, Table: "sales", Column: "product_id", Type: "String"},
				2: {ID: 2, Table: "sales", Column: "sales_amount", Type: "Float64"},
			},
		},
		fields:    &fakeFields{ids: []int64{1, 2}},
		generator: &fakeGenerator{sql: "SELECT product_id, sales_amount FROM sales ORDER BY sales_amount DESC LIMIT 10"},
		repairer:  &fakeRepairer{},
		executor: &fakeExecutor{result: &QueryResult{
			Columns:   []string{"product_id", "sales_amount"},
			Rows:      []map[string]any{{"product_id": "p-1", "sales_amount": "9000"}},
			Count:     1,
			Formatted: "product_id | sales_amount\np-1 | 9000",
		}},
		summarizer: &fakeSummarizer{text: "Product p-1 leads with 9000 in sales."},
		store:      NewMemoryStore(),
	}
}

func (f *fixture) engine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(&Config{
		Classifier: f.classifier,
		Analyzer:   f.analyzer,
		Schema:     f.schema,
		Fields:     f.fields,
		Generator:  f.generator,
		Repairer:   f.repairer,
		Executor:   f.executor,
		Summarizer: f.summarizer,
		Store:      f.store,
		Clock:      clockwork.NewFakeClock(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng
}

func TestNew_RequiresEveryCollaborator(t *testing.T) {
	f := newFixture()
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"classifier", func(c *Config) { c.Classifier = nil }},
		{"analyzer", func(c *Config) { c.Analyzer = nil }},
		{"schema", func(c *Config) { c.Schema = nil }},
		{"fields", func(c *Config) { c.Fields = nil }},
		{"generator", func(c *Config) { c.Generator = nil }},
		{"repairer", func(c *Config) { c.Repairer = nil }},
		{"executor", func(c *Config) { c.Executor = nil }},
		{"summarizer", func(c *Config) { c.Summarizer = nil }},
	}
	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			cfg := &Config{
				Classifier: f.classifier,
				Analyzer:   f.analyzer,
				Schema:     f.schema,
				Fields:     f.fields,
				Generator:  f.generator,
				Repairer:   f.repairer,
				Executor:   f.executor,
				Summarizer: f.summarizer,
			}
			m.mutate(cfg)
			_, err := New(cfg)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("New() error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestEngine_QueryHappyPath(t *testing.T) {
	f := newFixture()
	eng := f.engine(t)

	var events []Event
	out, err := eng.RunStream(context.Background(), "s1", "sales", "show top 10 products by sales", func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("RunStream() error = %v", err)
	}
	if out.Suspended {
		t.Fatalf("outcome suspended with question %q, want completed", out.Question)
	}
	if out.Answer != f.executor.result.Formatted {
		t.Errorf("answer = %q, want the tabular result", out.Answer)
	}
	if out.SQL != f.generator.sql {
		t.Errorf("sql = %q, want generated statement", out.SQL)
	}
	if out.Data == nil || out.Data.Count != 1 {
		t.Errorf("data = %+v, want the execution result", out.Data)
	}

	// The stored state reflects a clean first-try success.
	st, err := f.store.Get(context.Background(), "s1")
	if err != nil || st == nil {
		t.Fatalf("stored state = %v, %v", st, err)
	}
	if st.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0 on first-try success", st.AttemptCount)
	}
	if !st.Terminal() {
		t.Errorf("cursor = %s, want terminal", st.Cursor)
	}
	if f.summarizer.calls != 0 {
		t.Errorf("summarizer ran %d times for plain query intent", f.summarizer.calls)
	}

	// Event sequence: chunks then exactly one complete, no errors.
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	var completes, errs int
	for _, ev := range events {
		switch ev.Type {
		case EventComplete:
			completes++
		case EventError:
			errs++
		}
	}
	if completes != 1 || errs != 0 {
		t.Errorf("event sequence had %d complete and %d error events", completes, errs)
	}
	if last := events[len(events)-1]; last.Type != EventComplete {
		t.Errorf("last event = %s, want complete", last.Type)
	}
}

func TestEngine_OtherIntentAnswersDirectly(t *testing.T) {
	f := newFixture()
	f.classifier.decision = IntentDecision{Intent: IntentOther, Reply: "I can only answer questions about your data."}
	eng := f.engine(t)

	out, err := eng.Run(context.Background(), "s1", "sales", "hello there")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Answer != "I can only answer questions about your data." {
		t.Errorf("answer = %q, want the classifier reply", out.Answer)
	}
	if out.SQL != "" || out.Data != nil {
		t.Errorf("outcome carries sql=%q data=%v for a direct answer", out.SQL, out.Data)
	}
	if f.fields.calls != 0 || f.generator.calls != 0 || f.executor.calls != 0 || f.repairer.calls != 0 {
		t.Errorf("downstream stages ran: fields=%d generator=%d executor=%d repairer=%d",
			f.fields.calls, f.generator.calls, f.executor.calls, f.repairer.calls)
	}
}

func TestEngine_SuspendsOncePerAmbiguity(t *testing.T) {
	f := newFixture()
	f.analyzer.analysis = Analysis{
		RefinedQuery: "top products",
		Ambiguities:  []string{"metric", "time range"},
	}
	eng := f.engine(t)
	ctx := context.Background()

	out, err := eng.Run(ctx, "s1", "sales", "top products")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Suspended {
		t.Fatalf("outcome = %+v, want first suspension", out)
	}
	if !strings.Contains(out.Question, "metric") {
		t.Errorf("first question = %q, want it to name the metric topic", out.Question)
	}

	out, err = eng.Resume(ctx, "s1", "revenue")
	if err != nil {
		t.Fatalf("first Resume() error = %v", err)
	}
	if !out.Suspended {
		t.Fatalf("outcome after first reply = %+v, want second suspension", out)
	}
	if !strings.Contains(out.Question, "time range") {
		t.Errorf("second question = %q, want it to name the time range topic", out.Question)
	}

	out, err = eng.Resume(ctx, "s1", "last 30 days")
	if err != nil {
		t.Fatalf("second Resume() error = %v", err)
	}
	if out.Suspended {
		t.Fatalf("still suspended after all replies: %q", out.Question)
	}
	if out.Answer == "" {
		t.Error("no answer after clarifications resolved")
	}

	// The analyzer ran once; replies flowed through without re-analysis.
	if f.analyzer.calls != 1 {
		t.Errorf("analyzer ran %d times, want 1", f.analyzer.calls)
	}

	// Generation saw the merged context including both clarifications.
	if len(f.generator.seen) != 1 {
		t.Fatalf("generator ran %d times, want 1", len(f.generator.seen))
	}
	for _, frag := range []string{"metric: revenue", "time range: last 30 days"} {
		if !strings.Contains(f.generator.seen[0], frag) {
			t.Errorf("generator input %q missing %q", f.generator.seen[0], frag)
		}
	}
}

func TestEngine_ResumeSurvivesRestart(t *testing.T) {
	f := newFixture()
	f.analyzer.analysis = Analysis{RefinedQuery: "top products", Ambiguities: []string{"metric"}}
	ctx := context.Background()

	out, err := f.engine(t).Run(ctx, "s1", "sales", "top products")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Suspended {
		t.Fatalf("outcome = %+v, want suspension", out)
	}

	// A fresh engine over the same store stands in for a new process.
	out, err = f.engine(t).Resume(ctx, "s1", "revenue")
	if err != nil {
		t.Fatalf("Resume() on new engine error = %v", err)
	}
	if out.Suspended || out.Answer == "" {
		t.Errorf("outcome after restart = %+v, want completion", out)
	}
}

func TestEngine_ResumeFinishedSessionReplaysOutcome(t *testing.T) {
	f := newFixture()
	eng := f.engine(t)
	ctx := context.Background()

	first, err := eng.Run(ctx, "s1", "sales", "show top 10 products by sales")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	calls := f.classifier.calls + f.analyzer.calls + f.fields.calls + f.generator.calls + f.executor.calls

	replay, err := eng.Resume(ctx, "s1", "anything")
	if err != nil {
		t.Fatalf("Resume() on finished session error = %v", err)
	}
	if replay.Answer != first.Answer || replay.SQL != first.SQL {
		t.Errorf("replayed outcome = %+v, want %+v", replay, first)
	}
	if again := f.classifier.calls + f.analyzer.calls + f.fields.calls + f.generator.calls + f.executor.calls; again != calls {
		t.Errorf("stages re-ran on idempotent resume: %d calls, want %d", again, calls)
	}
}

func TestEngine_NewQuestionResetsFinishedSession(t *testing.T) {
	f := newFixture()
	eng := f.engine(t)
	ctx := context.Background()

	if _, err := eng.Run(ctx, "s1", "sales", "show top 10 products by sales"); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	out, err := eng.Run(ctx, "s1", "sales", "now show the bottom 10")
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if out.Suspended || out.Answer == "" {
		t.Fatalf("second run outcome = %+v, want completion", out)
	}

	st, err := f.store.Get(ctx, "s1")
	if err != nil || st == nil {
		t.Fatalf("stored state = %v, %v", st, err)
	}
	if st.OriginalInput != "now show the bottom 10" {
		t.Errorf("state input = %q, want the new question", st.OriginalInput)
	}
	// Transcript spans both questions.
	var stages []Stage
	for _, entry := range st.Transcript {
		stages = append(stages, entry.Stage)
	}
	if len(st.Transcript) < 8 {
		t.Errorf("transcript has %d entries (%v), want both runs recorded", len(st.Transcript), stages)
	}
}

func TestEngine_RunOnSuspendedSessionRejected(t *testing.T) {
	f := newFixture()
	f.analyzer.analysis = Analysis{RefinedQuery: "top products", Ambiguities: []string{"metric"}}
	eng := f.engine(t)
	ctx := context.Background()

	if _, err := eng.Run(ctx, "s1", "sales", "top products"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	_, err := eng.Run(ctx, "s1", "sales", "another question")
	var inputErr *InvalidInputError
	if !errors.As(err, &inputErr) {
		t.Errorf("Run() on suspended session error = %v, want InvalidInputError", err)
	}
}

func TestEngine_InvalidInputRejectedBeforeRunning(t *testing.T) {
	f := newFixture()
	eng := f.engine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty message", func() error { _, err := eng.Run(ctx, "s1", "sales", "   "); return err }},
		{"missing session on run", func() error { _, err := eng.Run(ctx, "", "sales", "question"); return err }},
		{"empty reply", func() error { _, err := eng.Resume(ctx, "s1", ""); return err }},
		{"resume unknown session", func() error { _, err := eng.Resume(ctx, "ghost", "value"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var inputErr *InvalidInputError
			if !errors.As(err, &inputErr) {
				t.Errorf("error = %v, want InvalidInputError", err)
			}
		})
	}
	if f.classifier.calls != 0 {
		t.Errorf("classifier ran %d times on rejected input", f.classifier.calls)
	}
}

func TestEngine_ResumeWithoutPendingQuestionRejected(t *testing.T) {
	f := newFixture()
	eng := f.engine(t)
	ctx := context.Background()

	// Park a non-suspended, non-terminal checkpoint directly; an aborted
	// run can leave one behind.
	st := NewState("s1", "sales", "question")
	st.Cursor = StageGenerateSQL
	if err := f.store.Put(ctx, st); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, err := eng.Resume(ctx, "s1", "value")
	var inputErr *InvalidInputError
	if !errors.As(err, &inputErr) {
		t.Errorf("Resume() error = %v, want InvalidInputError", err)
	}
}

func TestEngine_CollaboratorFailureEmitsErrorEvent(t *testing.T) {
	f := newFixture()
	f.analyzer.err = errors.New("model overloaded")
	eng := f.engine(t)

	var events []Event
	_, err := eng.RunStream(context.Background(), "s1", "sales", "top products", func(ev Event) {
		events = append(events, ev)
	})
	var collab *CollaboratorError
	if !errors.As(err, &collab) {
		t.Fatalf("RunStream() error = %v, want CollaboratorError", err)
	}

	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if strings.Contains(last.Content, "model overloaded") {
		t.Errorf("error event leaked the raw error: %q", last.Content)
	}
}

func TestEngine_CannotAnswerShortCircuits(t *testing.T) {
	f := newFixture()
	f.analyzer.analysis = Analysis{CannotAnswer: "The sales data does not track customer ages."}
	eng := f.engine(t)

	out, err := eng.Run(context.Background(), "s1", "sales", "average customer age")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Answer != "The sales data does not track customer ages." {
		t.Errorf("answer = %q, want the analyzer explanation", out.Answer)
	}
	if f.fields.calls != 0 || f.generator.calls != 0 || f.executor.calls != 0 {
		t.Errorf("downstream stages ran after cannot-answer: fields=%d generator=%d executor=%d",
			f.fields.calls, f.generator.calls, f.executor.calls)
	}
}

func TestEngine_AnalyzeIntentSummarizes(t *testing.T) {
	f := newFixture()
	f.classifier.decision = IntentDecision{Intent: IntentAnalyze}
	eng := f.engine(t)

	out, err := eng.Run(context.Background(), "s1", "sales", "how are sales trending")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Answer != f.summarizer.text {
		t.Errorf("answer = %q, want the narrative summary", out.Answer)
	}
	if f.summarizer.calls != 1 {
		t.Errorf("summarizer ran %d times, want 1", f.summarizer.calls)
	}
	if out.Data == nil {
		t.Error("outcome missing the execution result")
	}
}

func TestEngine_UnknownDatabaseFailsRun(t *testing.T) {
	f := newFixture()
	f.schema.schemas = nil
	eng := f.engine(t)

	_, err := eng.Run(context.Background(), "s1", "nope", "top products")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Run() error = %v, want ConfigurationError", err)
	}
}

func TestClarificationQuestionRendering(t *testing.T) {
	got := ClarificationQuestion("time range")
	want := `Could you clarify what you mean by "time range"?`
	if got != want {
		t.Errorf("ClarificationQuestion() = %q, want %q", got, want)
	}
}
