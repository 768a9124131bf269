package nlsql

import (
	"strings"
	"testing"
)

func TestLoadPrompts(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}

	for name, text := range map[string]string{
		"intent":    p.Intent,
		"analyze":   p.Analyze,
		"generate":  p.Generate,
		"repair":    p.Repair,
		"summarize": p.Summarize,
	} {
		if strings.TrimSpace(text) == "" {
			t.Errorf("prompt %s is empty", name)
		}
	}

	// SQL_CONTEXT is composed into the SQL-facing prompts and the
	// placeholder never leaks into what the model sees.
	for name, text := range map[string]string{"generate": p.Generate, "repair": p.Repair} {
		if strings.Contains(text, "{{SQL_CONTEXT}}") {
			t.Errorf("prompt %s still contains the placeholder", name)
		}
		if !strings.Contains(text, "SQL Conventions") {
			t.Errorf("prompt %s is missing the composed SQL context", name)
		}
	}

	again, err := LoadPrompts()
	if err != nil {
		t.Fatalf("second LoadPrompts() error = %v", err)
	}
	if again != p {
		t.Error("LoadPrompts() rebuilt the prompts instead of reusing them")
	}
}

func TestSummarizerPromptShape(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}
	if !strings.Contains(p.Summarize, "analyst") {
		t.Error("summarize prompt does not establish the analyst role")
	}
}
