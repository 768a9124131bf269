package nlsql

import (
	"context"
	"strings"
	"testing"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

func TestResultSummarizer_PromptCarriesResult(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}
	llm := &fakeLLM{replies: []string{"  Sales grew 12% month over month.\n"}}
	s := NewResultSummarizer(llm, p)

	result := &workflow.QueryResult{
		SQL:       "SELECT month, total FROM sales",
		Count:     2,
		Formatted: "month | total\n2026-06 | 100\n2026-07 | 112",
	}
	answer, err := s.Summarize(context.Background(), "how are sales trending", result)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if answer != "Sales grew 12% month over month." {
		t.Errorf("answer = %q, want the trimmed reply", answer)
	}

	user := llm.users[0]
	for _, frag := range []string{"how are sales trending", "SELECT month, total FROM sales", "2026-07 | 112", "(2 rows)"} {
		if !strings.Contains(user, frag) {
			t.Errorf("prompt missing %q:\n%s", frag, user)
		}
	}
}

func TestResultSummarizer_EmptyPreview(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}
	llm := &fakeLLM{replies: []string{"No rows matched."}}
	s := NewResultSummarizer(llm, p)

	if _, err := s.Summarize(context.Background(), "q", &workflow.QueryResult{SQL: "SELECT 1", Count: 0}); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if !strings.Contains(llm.users[0], "no preview available") {
		t.Error("prompt does not note the missing preview")
	}
}
