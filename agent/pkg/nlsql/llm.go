// Package nlsql implements the workflow collaborators on top of the
// Anthropic Messages API: intent classification, query analysis, SQL
// generation, SQL repair, and result summarization. Prompt texts are
// embedded; reply parsing is pure and tested without network access.
package nlsql

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/metrics"
)

const (
	// DefaultModel balances latency and quality for the collaborator calls.
	DefaultModel = anthropic.ModelClaudeHaiku4_5
	// DefaultMaxTokens bounds a single completion.
	DefaultMaxTokens = 4096
)

// AnthropicLLMClient implements workflow.LLMClient over the Anthropic
// Messages API. The API key is read from ANTHROPIC_API_KEY by the SDK.
type AnthropicLLMClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	name      string
}

// NewAnthropicLLMClient creates a client with the given model and token cap.
func NewAnthropicLLMClient(model anthropic.Model, maxTokens int64) *AnthropicLLMClient {
	return NewAnthropicLLMClientWithName(model, maxTokens, "workflow")
}

// NewAnthropicLLMClientWithName additionally tags spans with a caller
// name so traces distinguish the collaborators sharing one client.
func NewAnthropicLLMClientWithName(model anthropic.Model, maxTokens int64, name string) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
		name:      name,
	}
}

func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...workflow.CompleteOption) (string, error) {
	options := &workflow.CompleteOptions{}
	for _, opt := range opts {
		opt(options)
	}

	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s (%s)", c.model, c.name)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(c.model))
	span.SetData("gen_ai.request.max_tokens", c.maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	system := []anthropic.TextBlockParam{
		{Type: "text", Text: systemPrompt},
	}
	if options.CacheSystemPrompt {
		system[0].CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	metrics.RecordAnthropicRequest(c.name, time.Since(start), err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic completion (%s): %w", c.name, err)
	}

	metrics.RecordAnthropicTokens(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
