package nlsql

import (
	"context"
	"errors"
	"testing"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

func TestParseIntentReply(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantType  workflow.Intent
		wantReply string
	}{
		{"exact query", "query", workflow.IntentQuery, ""},
		{"exact analyze", "analyze", workflow.IntentAnalyze, ""},
		{"uppercase", "QUERY", workflow.IntentQuery, ""},
		{"padded", "  analyze \n", workflow.IntentAnalyze, ""},
		{"short coercion query", "`query`", workflow.IntentQuery, ""},
		{"short coercion analyze", "label: analyze", workflow.IntentAnalyze, ""},
		{
			"long reply stays other",
			"I would analyze this as a query about sales figures.",
			workflow.IntentOther,
			"I would analyze this as a query about sales figures.",
		},
		{
			"greeting reply",
			"Hello! I am a data assistant. Ask me about your data.",
			workflow.IntentOther,
			"Hello! I am a data assistant. Ask me about your data.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseIntentReply(tt.reply)
			if got.Intent != tt.wantType {
				t.Errorf("intent = %s, want %s", got.Intent, tt.wantType)
			}
			if got.Reply != tt.wantReply {
				t.Errorf("reply = %q, want %q", got.Reply, tt.wantReply)
			}
		})
	}
}

func TestIntentClassifier_UsesIntentPrompt(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}
	llm := &fakeLLM{replies: []string{"query"}}
	c := NewIntentClassifier(llm, p)

	decision, err := c.Classify(context.Background(), "top sellers this month")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if decision.Intent != workflow.IntentQuery {
		t.Errorf("intent = %s, want query", decision.Intent)
	}
	if llm.systems[0] != p.Intent {
		t.Error("classifier did not send the intent prompt as system")
	}
	if llm.users[0] != "top sellers this month" {
		t.Errorf("user prompt = %q, want the raw message", llm.users[0])
	}
}

func TestIntentClassifier_WrapsLLMError(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}
	llm := &fakeLLM{err: errors.New("rate limited")}
	c := NewIntentClassifier(llm, p)

	if _, err := c.Classify(context.Background(), "q"); err == nil {
		t.Fatal("Classify() error = nil, want wrapped failure")
	}
}
