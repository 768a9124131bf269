package nlsql

import (
	"context"
	"fmt"
	"strings"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// SQLRepairer implements workflow.Repairer. The prompt demands a tagged
// reply; parsing validates the tags here so the engine only ever sees a
// well-formed RepairFix.
type SQLRepairer struct {
	llm     workflow.LLMClient
	prompts *Prompts
}

func NewSQLRepairer(llm workflow.LLMClient, prompts *Prompts) *SQLRepairer {
	return &SQLRepairer{llm: llm, prompts: prompts}
}

func (r *SQLRepairer) Repair(ctx context.Context, sql, errorText, schemaContext string) (workflow.RepairFix, error) {
	user := fmt.Sprintf("## Failing SQL\n\n%s\n\n## Database error\n\n%s\n\n## Schema\n\n%s", sql, errorText, schemaContext)
	reply, err := r.llm.Complete(ctx, r.prompts.Repair, user, workflow.WithCacheControl())
	if err != nil {
		return workflow.RepairFix{}, fmt.Errorf("repair sql: %w", err)
	}
	return parseRepairReply(reply)
}

// parseRepairReply maps the tagged reply to a RepairFix. The [sql] tag
// may sit anywhere in the text (models sometimes preface it); [answer]
// must lead. An untagged non-empty reply becomes a give-up answer
// carrying the text.
func parseRepairReply(reply string) (workflow.RepairFix, error) {
	text := strings.TrimSpace(stripFences(reply))
	lower := strings.ToLower(text)

	if idx := strings.Index(lower, "[sql]"); idx != -1 {
		sql := strings.TrimSpace(text[idx+len("[sql]"):])
		sql = strings.TrimSuffix(sql, ";")
		if sql == "" {
			return workflow.RepairFix{}, fmt.Errorf("repair reply has an empty [sql] tag")
		}
		return workflow.RepairFix{SQL: sql}, nil
	}
	if strings.HasPrefix(lower, "[answer]") {
		answer := strings.TrimSpace(text[len("[answer]"):])
		if answer == "" {
			return workflow.RepairFix{}, fmt.Errorf("repair reply has an empty [answer] tag")
		}
		return workflow.RepairFix{Answer: answer}, nil
	}
	if text == "" {
		return workflow.RepairFix{}, fmt.Errorf("empty repair reply")
	}
	return workflow.RepairFix{Answer: "I could not repair the query: " + text}, nil
}
