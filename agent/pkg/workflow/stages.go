package workflow

import (
	"context"
	"fmt"
)

// classifyIntent asks the classifier what kind of request this is. An
// "other" verdict answers immediately and ends the run.
func (e *Engine) classifyIntent(ctx context.Context, st *State, rt *runtime) error {
	decision, err := e.cfg.Classifier.Classify(ctx, st.OriginalInput)
	if err != nil {
		return NewCollaboratorError("intent classifier", err)
	}
	switch decision.Intent {
	case IntentQuery, IntentAnalyze:
		st.Intent = decision.Intent
		e.chunk(st, rt, StageClassifyIntent, fmt.Sprintf("Understood as a %s request.", decision.Intent), "")
	case IntentOther:
		st.Intent = IntentOther
		reply := decision.Reply
		if reply == "" {
			reply = "I can help with questions about your data. What would you like to know?"
		}
		st.Answer = reply
		e.chunk(st, rt, StageClassifyIntent, "Answering directly.", "")
	default:
		return NewCollaboratorError("intent classifier", fmt.Errorf("unknown intent %q", decision.Intent))
	}
	return nil
}

// analyzeQuery refines the question and walks the unresolved ambiguity
// entries one at a time, suspending for each. A clarification reply
// arriving through resume settles the oldest pending entry first.
func (e *Engine) analyzeQuery(ctx context.Context, st *State, rt *runtime) error {
	if value, ok := rt.takeResume(); ok {
		topic, resolved := st.ResolveNext(value)
		if !resolved {
			return NewInvalidInputError("session %s has no pending clarification", st.SessionID)
		}
		e.chunk(st, rt, StageAnalyzeQuery, fmt.Sprintf("Noted %s: %s.", topic, value), "")
	}

	if pending := st.FirstUnresolved(); pending != nil {
		return &Interrupt{
			Stage:    StageAnalyzeQuery,
			Topic:    pending.Topic,
			Question: ClarificationQuestion(pending.Topic),
		}
	}

	// Analysis runs once per question; re-entries after clarification
	// replies skip straight through to discovery.
	if st.WorkingQuery != "" {
		return nil
	}

	schemaCtx, err := e.schemaContext(ctx, st, rt)
	if err != nil {
		return err
	}
	analysis, err := e.cfg.Analyzer.Analyze(ctx, st.OriginalInput, st.Clarifications(), schemaCtx)
	if err != nil {
		return NewCollaboratorError("query analyzer", err)
	}
	if analysis.CannotAnswer != "" {
		st.Answer = analysis.CannotAnswer
		e.chunk(st, rt, StageAnalyzeQuery, "The question can't be answered from the available data.", "")
		return nil
	}

	st.WorkingQuery = analysis.RefinedQuery
	if st.WorkingQuery == "" {
		st.WorkingQuery = st.OriginalInput
	}
	for _, topic := range analysis.Ambiguities {
		st.AddAmbiguity(topic)
	}

	if pending := st.FirstUnresolved(); pending != nil {
		e.chunk(st, rt, StageAnalyzeQuery, fmt.Sprintf("I need to clarify %q before writing SQL.", pending.Topic), "")
	} else {
		e.chunk(st, rt, StageAnalyzeQuery, "The question is specific enough to query.", "")
	}
	return nil
}

// ClarificationQuestion renders the question asked for an unresolved
// ambiguity topic. Transports that rebuild a pending question from a
// checkpoint use the same rendering.
func ClarificationQuestion(topic string) string {
	return fmt.Sprintf("Could you clarify what you mean by %q?", topic)
}

// discoverFields selects the catalog fields relevant to the question.
func (e *Engine) discoverFields(ctx context.Context, st *State, rt *runtime) error {
	ids, err := e.cfg.Fields.FindFields(ctx, st.Database, st.ClarifiedQuery())
	if err != nil {
		return NewCollaboratorError("field discovery", err)
	}
	st.DiscoveredFields = ids
	e.chunk(st, rt, StageDiscoverFields, fmt.Sprintf("Found %d relevant fields.", len(ids)), "")
	return nil
}

// generateSQL produces the first SQL candidate for the repair loop.
func (e *Engine) generateSQL(ctx context.Context, st *State, rt *runtime) error {
	schemaCtx, err := e.schemaContext(ctx, st, rt)
	if err != nil {
		return err
	}
	var examples []Field
	if len(st.DiscoveredFields) > 0 {
		examples, err = e.cfg.Schema.FieldsByID(ctx, st.DiscoveredFields)
		if err != nil {
			return NewCollaboratorError("schema provider", err)
		}
	}
	sql, err := e.cfg.Generator.Generate(ctx, st.ClarifiedQuery(), schemaCtx, examples)
	if err != nil {
		return NewCollaboratorError("sql generator", err)
	}
	if sql == "" {
		return NewCollaboratorError("sql generator", fmt.Errorf("empty SQL returned"))
	}
	st.SQL = sql
	e.chunk(st, rt, StageGenerateSQL, "Generated a candidate query.", sql)
	return nil
}

// summarize writes the narrative answer over the executed result.
func (e *Engine) summarize(ctx context.Context, st *State, rt *runtime) error {
	if st.ExecutionResult == nil {
		return NewConfigurationError("summarize reached without an execution result")
	}
	text, err := e.cfg.Summarizer.Summarize(ctx, st.ClarifiedQuery(), st.ExecutionResult)
	if err != nil {
		return NewCollaboratorError("summarizer", err)
	}
	if text == "" {
		text = st.ExecutionResult.Formatted
	}
	st.Answer = text
	e.chunk(st, rt, StageSummarize, "Wrote an analysis of the results.", st.SQL)
	return nil
}
