package workflow

import (
	"context"
	"errors"
	"fmt"
)

// MaxRepairAttempts is the repair-loop ceiling. Exactly this many
// repair calls are permitted; the next would-be attempt is preempted
// and the run completes gracefully with the exhaustion message.
const MaxRepairAttempts = 10

// ExhaustionMessage is the fixed answer when the repair ceiling is hit.
const ExhaustionMessage = "I was unable to produce a working query after repeated repair attempts. Please try rephrasing your question."

// repairSQL owns the execution-and-repair loop. It is a single stage
// with an internal sub-state machine (executing, repairing, succeeded,
// gave-up, exhausted) rather than a recursive re-entry, so attempts
// never grow the call stack. Only *ExecutionError is retried; any other
// failure aborts the run.
func (e *Engine) repairSQL(ctx context.Context, st *State, rt *runtime) error {
	schemaCtx, err := e.schemaContext(ctx, st, rt)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Executing.
		start := e.clock.Now()
		result, execErr := e.cfg.Executor.Execute(ctx, st.Database, st.SQL)
		if execErr == nil {
			// Succeeded.
			if result == nil {
				return NewCollaboratorError("sql executor", fmt.Errorf("no result returned"))
			}
			result.SQL = st.SQL
			result.ExecutionMS = e.clock.Since(start).Milliseconds()
			st.ExecutionResult = result
			e.chunk(st, rt, StageRepairSQL, fmt.Sprintf("Query returned %d rows.", result.Count), st.SQL)
			if st.Intent != IntentAnalyze {
				st.Answer = tabularAnswer(result)
			}
			return nil
		}

		var ee *ExecutionError
		if !errors.As(execErr, &ee) {
			return NewCollaboratorError("sql executor", execErr)
		}

		// Executing -> Repairing increments the attempt count; when the
		// increment would pass the ceiling the run is Exhausted instead,
		// without calling the repairer.
		if st.AttemptCount+1 > MaxRepairAttempts {
			st.Answer = ExhaustionMessage
			e.chunk(st, rt, StageRepairSQL, "Repair attempts exhausted.", st.SQL)
			e.logInfo("workflow: repair exhausted", "session", st.SessionID, "attempts", st.AttemptCount)
			return nil
		}
		st.AttemptCount++
		e.chunk(st, rt, StageRepairSQL,
			fmt.Sprintf("Execution failed (attempt %d/%d): %s", st.AttemptCount, MaxRepairAttempts, ee.Message),
			st.SQL)

		fix, err := e.cfg.Repairer.Repair(ctx, st.SQL, ee.Message, schemaCtx)
		if err != nil {
			return NewCollaboratorError("sql repairer", err)
		}
		switch {
		case fix.SQL != "":
			// Repairing -> Executing with the corrected statement.
			st.SQL = fix.SQL
		case fix.Answer != "":
			// GaveUp: the explanation becomes the final answer.
			st.Answer = fix.Answer
			e.chunk(st, rt, StageRepairSQL, "Gave up repairing the query.", st.SQL)
			return nil
		default:
			return NewCollaboratorError("sql repairer", fmt.Errorf("repair returned neither SQL nor an answer"))
		}
	}
}

// tabularAnswer is the final answer for plain query intent: the
// formatted table the executor produced, with a row-count fallback.
func tabularAnswer(result *QueryResult) string {
	if result.Formatted != "" {
		return result.Formatted
	}
	if result.Count == 1 {
		return "The query returned 1 row."
	}
	return fmt.Sprintf("The query returned %d rows.", result.Count)
}
