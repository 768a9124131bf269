package nlsql

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// QueryAnalyzer implements workflow.Analyzer: one structured completion
// that restates the question and surfaces what is still ambiguous.
type QueryAnalyzer struct {
	llm     workflow.LLMClient
	prompts *Prompts
}

func NewQueryAnalyzer(llm workflow.LLMClient, prompts *Prompts) *QueryAnalyzer {
	return &QueryAnalyzer{llm: llm, prompts: prompts}
}

// analysisReply is the JSON shape the analyze prompt demands.
type analysisReply struct {
	RefinedQuery string   `json:"refined_query"`
	Ambiguities  []string `json:"ambiguities"`
	CannotAnswer string   `json:"cannot_answer"`
}

func (a *QueryAnalyzer) Analyze(ctx context.Context, query string, clarifications map[string]string, schemaContext string) (workflow.Analysis, error) {
	var sb strings.Builder
	sb.WriteString("## Question\n\n")
	sb.WriteString(query)
	sb.WriteString("\n\n## Clarifications\n\n")
	if len(clarifications) == 0 {
		sb.WriteString("none\n")
	} else {
		topics := make([]string, 0, len(clarifications))
		for topic := range clarifications {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		for _, topic := range topics {
			fmt.Fprintf(&sb, "- %s: %s\n", topic, clarifications[topic])
		}
	}
	sb.WriteString("\n## Available tables\n\n")
	sb.WriteString(schemaContext)

	reply, err := a.llm.Complete(ctx, a.prompts.Analyze, sb.String(), workflow.WithCacheControl())
	if err != nil {
		return workflow.Analysis{}, fmt.Errorf("analyze query: %w", err)
	}
	return parseAnalysisReply(reply)
}

// parseAnalysisReply decodes the analyzer's JSON reply, tolerating code
// fences and prose around the object.
func parseAnalysisReply(reply string) (workflow.Analysis, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return workflow.Analysis{}, fmt.Errorf("analysis reply contains no JSON object: %s", truncate(reply, 200))
	}
	var parsed analysisReply
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return workflow.Analysis{}, fmt.Errorf("decode analysis reply: %w", err)
	}

	out := workflow.Analysis{
		RefinedQuery: strings.TrimSpace(parsed.RefinedQuery),
		CannotAnswer: strings.TrimSpace(parsed.CannotAnswer),
	}
	for _, topic := range parsed.Ambiguities {
		if t := strings.TrimSpace(topic); t != "" {
			out.Ambiguities = append(out.Ambiguities, t)
		}
	}
	return out, nil
}
