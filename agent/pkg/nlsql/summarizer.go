package nlsql

import (
	"context"
	"fmt"
	"strings"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// ResultSummarizer implements workflow.Summarizer: a narrative report
// over the tabular result.
type ResultSummarizer struct {
	llm     workflow.LLMClient
	prompts *Prompts
}

func NewResultSummarizer(llm workflow.LLMClient, prompts *Prompts) *ResultSummarizer {
	return &ResultSummarizer{llm: llm, prompts: prompts}
}

func (s *ResultSummarizer) Summarize(ctx context.Context, question string, result *workflow.QueryResult) (string, error) {
	table := result.Formatted
	if table == "" {
		table = fmt.Sprintf("(%d rows, no preview available)", result.Count)
	}
	user := fmt.Sprintf("## Question\n\n%s\n\n## Query\n\n%s\n\n## Result (%d rows)\n\n%s",
		question, result.SQL, result.Count, table)

	reply, err := s.llm.Complete(ctx, s.prompts.Summarize, user)
	if err != nil {
		return "", fmt.Errorf("summarize result: %w", err)
	}
	return strings.TrimSpace(reply), nil
}
