package workflow

// Next returns the stage that follows completed, given the state the
// completed stage produced. It is pure and total over the fixed graph;
// the engine's answer short-circuit (a non-empty answer routes straight
// to terminal) is applied before stages run, not here.
func Next(completed Stage, st *State) Stage {
	switch completed {
	case StageClassifyIntent:
		if st.Intent == IntentOther {
			return StageTerminal
		}
		return StageAnalyzeQuery
	case StageAnalyzeQuery:
		// Unresolved entries send the run back into the clarification
		// stage, which suspends on re-entry.
		if st.FirstUnresolved() != nil {
			return StageAnalyzeQuery
		}
		return StageDiscoverFields
	case StageDiscoverFields:
		return StageGenerateSQL
	case StageGenerateSQL:
		return StageRepairSQL
	case StageRepairSQL:
		if st.Intent == IntentAnalyze {
			return StageSummarize
		}
		return StageTerminal
	case StageSummarize:
		return StageTerminal
	default:
		return StageTerminal
	}
}
