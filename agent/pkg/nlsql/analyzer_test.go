package nlsql

import (
	"context"
	"strings"
	"testing"
)

func TestParseAnalysisReply(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		wantQuery  string
		wantTopics []string
		wantCannot string
		wantErr    bool
	}{
		{
			name:      "clean object",
			reply:     `{"refined_query":"top 10 products by revenue in July","ambiguities":[],"cannot_answer":""}`,
			wantQuery: "top 10 products by revenue in July",
		},
		{
			name:       "fenced with topics",
			reply:      "```json\n{\"refined_query\":\"top products\",\"ambiguities\":[\"metric\",\" time range \"],\"cannot_answer\":\"\"}\n```",
			wantQuery:  "top products",
			wantTopics: []string{"metric", "time range"},
		},
		{
			name:       "cannot answer",
			reply:      `{"refined_query":"","ambiguities":[],"cannot_answer":"The schema has no customer age data."}`,
			wantCannot: "The schema has no customer age data.",
		},
		{
			name:       "blank topics dropped",
			reply:      `{"refined_query":"q","ambiguities":["", "  ", "metric"],"cannot_answer":""}`,
			wantQuery:  "q",
			wantTopics: []string{"metric"},
		},
		{
			name:    "no json",
			reply:   "I think the question is about sales.",
			wantErr: true,
		},
		{
			name:    "broken json",
			reply:   `{"refined_query": blah}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAnalysisReply(tt.reply)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseAnalysisReply() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAnalysisReply() error = %v", err)
			}
			if got.RefinedQuery != tt.wantQuery {
				t.Errorf("refined query = %q, want %q", got.RefinedQuery, tt.wantQuery)
			}
			if got.CannotAnswer != tt.wantCannot {
				t.Errorf("cannot answer = %q, want %q", got.CannotAnswer, tt.wantCannot)
			}
			if len(got.Ambiguities) != len(tt.wantTopics) {
				t.Fatalf("ambiguities = %v, want %v", got.Ambiguities, tt.wantTopics)
			}
			for i, topic := range tt.wantTopics {
				if got.Ambiguities[i] != topic {
					t.Errorf("ambiguity[%d] = %q, want %q", i, got.Ambiguities[i], topic)
				}
			}
		})
	}
}

func TestQueryAnalyzer_PromptCarriesClarifications(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}
	llm := &fakeLLM{replies: []string{`{"refined_query":"q","ambiguities":[],"cannot_answer":""}`}}
	a := NewQueryAnalyzer(llm, p)

	clarifications := map[string]string{
		"time range": "last 30 days",
		"metric":     "revenue",
	}
	if _, err := a.Analyze(context.Background(), "top products", clarifications, "## sales"); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	user := llm.users[0]
	// Topics render sorted so the prompt is stable across runs.
	metricAt := strings.Index(user, "- metric: revenue")
	rangeAt := strings.Index(user, "- time range: last 30 days")
	if metricAt == -1 || rangeAt == -1 {
		t.Fatalf("prompt missing clarifications:\n%s", user)
	}
	if metricAt > rangeAt {
		t.Error("clarifications are not sorted by topic")
	}
	if !strings.Contains(user, "## sales") {
		t.Error("prompt missing the schema context")
	}
}

func TestQueryAnalyzer_NoClarifications(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}
	llm := &fakeLLM{replies: []string{`{"refined_query":"q","ambiguities":[],"cannot_answer":""}`}}
	a := NewQueryAnalyzer(llm, p)

	if _, err := a.Analyze(context.Background(), "top products", nil, "schema"); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if !strings.Contains(llm.users[0], "none") {
		t.Error("prompt does not state that no clarifications exist")
	}
}
