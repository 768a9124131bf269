package workflow

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestState_AddAmbiguityDedupes(t *testing.T) {
	st := NewState("s1", "sales", "top products")

	st.AddAmbiguity("metric")
	st.AddAmbiguity("time range")
	st.AddAmbiguity("metric") // duplicate topic, ignored
	st.AddAmbiguity("  ")     // blank, ignored

	if len(st.Ambiguities) != 2 {
		t.Fatalf("Ambiguities = %d entries, want 2", len(st.Ambiguities))
	}
	if st.Ambiguities[0].Topic != "metric" || st.Ambiguities[1].Topic != "time range" {
		t.Errorf("topics = %q, %q; want metric, time range", st.Ambiguities[0].Topic, st.Ambiguities[1].Topic)
	}

	// Resolving an entry keeps it and still blocks re-adding.
	if topic, ok := st.ResolveNext("revenue"); !ok || topic != "metric" {
		t.Fatalf("ResolveNext() = %q, %v; want metric, true", topic, ok)
	}
	st.AddAmbiguity("metric")
	if len(st.Ambiguities) != 2 {
		t.Errorf("resolved topic was re-added: %d entries", len(st.Ambiguities))
	}
}

func TestState_ResolveNextInOrder(t *testing.T) {
	st := NewState("s1", "sales", "top products")
	st.AddAmbiguity("metric")
	st.AddAmbiguity("time range")

	topic, ok := st.ResolveNext("revenue")
	if !ok || topic != "metric" {
		t.Fatalf("first ResolveNext() = %q, %v; want metric, true", topic, ok)
	}
	topic, ok = st.ResolveNext("last 30 days")
	if !ok || topic != "time range" {
		t.Fatalf("second ResolveNext() = %q, %v; want time range, true", topic, ok)
	}
	if _, ok = st.ResolveNext("extra"); ok {
		t.Error("ResolveNext() succeeded with nothing pending")
	}

	want := map[string]string{"metric": "revenue", "time range": "last 30 days"}
	if got := st.Clarifications(); !reflect.DeepEqual(got, want) {
		t.Errorf("Clarifications() = %v, want %v", got, want)
	}
}

func TestState_ClarifiedQuery(t *testing.T) {
	st := NewState("s1", "sales", "top products")

	// Before analysis the original input stands in.
	if got := st.ClarifiedQuery(); got != "top products" {
		t.Errorf("ClarifiedQuery() = %q, want original input", got)
	}

	st.WorkingQuery = "top products by some metric"
	st.AddAmbiguity("metric")
	st.AddAmbiguity("time range")
	st.ResolveNext("revenue")

	got := st.ClarifiedQuery()
	want := "top products by some metric\n- metric: revenue"
	if got != want {
		t.Errorf("ClarifiedQuery() = %q, want %q", got, want)
	}
}

func TestState_ResetKeepsIdentityAndTranscript(t *testing.T) {
	st := NewState("s1", "sales", "first question")
	st.Intent = IntentQuery
	st.WorkingQuery = "refined"
	st.AddAmbiguity("metric")
	st.DiscoveredFields = []int64{1, 2}
	st.SQL = "SELECT 1"
	st.ExecutionResult = &QueryResult{Count: 1}
	st.AttemptCount = 3
	st.Answer = "done"
	st.Cursor = StageTerminal
	st.AppendTranscript(StageClassifyIntent, "Understood as a query request.", time.Now())

	st.Reset("second question")

	if st.SessionID != "s1" || st.Database != "sales" {
		t.Errorf("Reset() lost identity: session=%q database=%q", st.SessionID, st.Database)
	}
	if len(st.Transcript) != 1 {
		t.Errorf("Reset() dropped transcript: %d entries", len(st.Transcript))
	}
	if st.OriginalInput != "second question" {
		t.Errorf("OriginalInput = %q, want second question", st.OriginalInput)
	}
	if st.WorkingQuery != "" || st.Intent != "" || st.Ambiguities != nil ||
		st.DiscoveredFields != nil || st.SQL != "" || st.ExecutionResult != nil ||
		st.AttemptCount != 0 || st.Answer != "" {
		t.Errorf("Reset() left derived fields behind: %+v", st)
	}
	if st.Cursor != StageClassifyIntent || st.SuspendedAt != "" {
		t.Errorf("Reset() cursor=%q suspended=%q, want classify-intent and empty", st.Cursor, st.SuspendedAt)
	}
}

func TestState_JSONRoundTrip(t *testing.T) {
	st := NewState("s1", "sales", "top products")
	st.Intent = IntentAnalyze
	st.WorkingQuery = "top products by revenue"
	st.AddAmbiguity("time range")
	st.ResolveNext("last 30 days")
	st.DiscoveredFields = []int64{4, 7}
	st.SQL = "SELECT product_id FROM sales"
	st.ExecutionResult = &QueryResult{
		SQL:     "SELECT product_id FROM sales",
		Columns: []string{"product_id"},
		Rows:    []map[string]any{{"product_id": "p-1"}},
		Count:   1,
	}
	st.AttemptCount = 2
	st.Cursor = StageSummarize
	st.SuspendedAt = StageAnalyzeQuery
	st.AppendTranscript(StageGenerateSQL, "Generated a candidate query.", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got State
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(&got, st) {
		t.Errorf("round-trip mismatch:\n got %+v\nwant %+v", &got, st)
	}
}
