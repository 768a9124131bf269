package nlsql

import (
	"context"
	"fmt"
	"strings"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// IntentClassifier implements workflow.Classifier with a single
// completion against the intent prompt.
type IntentClassifier struct {
	llm     workflow.LLMClient
	prompts *Prompts
}

func NewIntentClassifier(llm workflow.LLMClient, prompts *Prompts) *IntentClassifier {
	return &IntentClassifier{llm: llm, prompts: prompts}
}

func (c *IntentClassifier) Classify(ctx context.Context, text string) (workflow.IntentDecision, error) {
	reply, err := c.llm.Complete(ctx, c.prompts.Intent, text, workflow.WithCacheControl())
	if err != nil {
		return workflow.IntentDecision{}, fmt.Errorf("classify intent: %w", err)
	}
	return parseIntentReply(reply), nil
}

// parseIntentReply maps a model reply to an intent decision. Exact
// labels win; a short reply that merely contains a label (stray
// formatting around it) coerces to that label; anything longer is a
// direct answer carried as IntentOther.
func parseIntentReply(reply string) workflow.IntentDecision {
	trimmed := strings.TrimSpace(reply)
	lower := strings.ToLower(trimmed)

	switch lower {
	case "query":
		return workflow.IntentDecision{Intent: workflow.IntentQuery}
	case "analyze":
		return workflow.IntentDecision{Intent: workflow.IntentAnalyze}
	}
	if len(lower) < 20 {
		if strings.Contains(lower, "query") {
			return workflow.IntentDecision{Intent: workflow.IntentQuery}
		}
		if strings.Contains(lower, "analyze") {
			return workflow.IntentDecision{Intent: workflow.IntentAnalyze}
		}
	}
	return workflow.IntentDecision{Intent: workflow.IntentOther, Reply: trimmed}
}
