package nlsql

import (
	"context"
	"fmt"
	"strings"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// maxGenerateAttempts bounds re-prompting when a reply contains no SQL
// statement at all. Semantic errors are the repair loop's job, not ours.
const maxGenerateAttempts = 3

// SQLGenerator implements workflow.Generator.
type SQLGenerator struct {
	llm     workflow.LLMClient
	prompts *Prompts
}

func NewSQLGenerator(llm workflow.LLMClient, prompts *Prompts) *SQLGenerator {
	return &SQLGenerator{llm: llm, prompts: prompts}
}

func (g *SQLGenerator) Generate(ctx context.Context, queryText, schemaContext string, examples []workflow.Field) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Question\n\n")
	sb.WriteString(queryText)
	sb.WriteString("\n\n## Schema\n\n")
	sb.WriteString(schemaContext)
	if len(examples) > 0 {
		sb.WriteString("\n\n## Highlighted fields\n\n")
		sb.WriteString(workflow.FormatFields(examples))
	}
	user := sb.String()

	var lastReply string
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		reply, err := g.llm.Complete(ctx, g.prompts.Generate, user, workflow.WithCacheControl())
		if err != nil {
			return "", fmt.Errorf("generate sql: %w", err)
		}
		sql := cleanSQL(reply)
		if sql != "" && hasSQLVerb(sql) {
			return sql, nil
		}
		lastReply = reply
		user = sb.String() + "\n\n## Previous attempt\n\nThe previous reply was not a SQL statement. Output only the SQL statement."
	}
	return "", fmt.Errorf("no SQL statement after %d attempts, last reply: %s", maxGenerateAttempts, truncate(lastReply, 200))
}
