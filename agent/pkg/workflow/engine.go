package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Config holds the collaborators and plumbing the engine runs with.
type Config struct {
	Logger *slog.Logger

	Classifier Classifier
	Analyzer   Analyzer
	Schema     SchemaProvider
	Fields     FieldFinder
	Generator  Generator
	Repairer   Repairer
	Executor   Executor
	Summarizer Summarizer

	// Store defaults to an in-memory checkpoint store.
	Store CheckpointStore
	// Clock defaults to the real clock; tests inject a fake.
	Clock clockwork.Clock
}

// Engine sequences the workflow stages for any number of sessions.
// Stages for one session execute strictly sequentially; sessions are
// independent and may run concurrently.
type Engine struct {
	cfg   *Config
	store CheckpointStore
	clock clockwork.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine, validating that every collaborator is wired.
func New(cfg *Config) (*Engine, error) {
	if cfg.Classifier == nil {
		return nil, NewConfigurationError("intent classifier is required")
	}
	if cfg.Analyzer == nil {
		return nil, NewConfigurationError("query analyzer is required")
	}
	if cfg.Schema == nil {
		return nil, NewConfigurationError("schema provider is required")
	}
	if cfg.Fields == nil {
		return nil, NewConfigurationError("field finder is required")
	}
	if cfg.Generator == nil {
		return nil, NewConfigurationError("sql generator is required")
	}
	if cfg.Repairer == nil {
		return nil, NewConfigurationError("sql repairer is required")
	}
	if cfg.Executor == nil {
		return nil, NewConfigurationError("sql executor is required")
	}
	if cfg.Summarizer == nil {
		return nil, NewConfigurationError("summarizer is required")
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:   cfg,
		store: store,
		clock: clock,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// logInfo logs an info message if a logger is configured.
func (e *Engine) logInfo(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Info(msg, args...)
	}
}

// logError logs an error message if a logger is configured.
func (e *Engine) logError(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Error(msg, args...)
	}
}

// sessionLock returns the mutex serializing runs for one session.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// runtime carries per-run plumbing that is never persisted: the event
// callback, the pending clarification reply, and the memoized schema
// context.
type runtime struct {
	emit          EventCallback
	resume        *string
	schemaContext string
}

func (rt *runtime) notify(ev Event) {
	if rt.emit != nil {
		rt.emit(ev)
	}
}

// takeResume hands the clarification reply to the first stage that
// asks for it; subsequent calls in the same run see nothing.
func (rt *runtime) takeResume() (string, bool) {
	if rt.resume == nil {
		return "", false
	}
	v := *rt.resume
	rt.resume = nil
	return v, true
}

// Run starts or restarts a session with a new user message and blocks
// until the run completes, suspends, or fails.
func (e *Engine) Run(ctx context.Context, sessionID, database, input string) (*Outcome, error) {
	return e.RunStream(ctx, sessionID, database, input, nil)
}

// RunStream is Run with progress events delivered through emit.
func (e *Engine) RunStream(ctx context.Context, sessionID, database, input string, emit EventCallback) (*Outcome, error) {
	input = strings.TrimSpace(input)
	if sessionID == "" {
		return nil, NewInvalidInputError("session id is required")
	}
	if input == "" {
		return nil, NewInvalidInputError("message is empty")
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for session %s: %w", sessionID, err)
	}
	switch {
	case st == nil:
		st = NewState(sessionID, database, input)
	case st.SuspendedAt != "":
		return nil, NewInvalidInputError("session %s is awaiting a clarification reply; resume it instead", sessionID)
	default:
		// A finished (or aborted) session starts over with the new
		// question; identity and transcript carry across.
		st.Reset(input)
		if database != "" {
			st.Database = database
		}
	}

	e.logInfo("workflow: run", "session", sessionID, "database", st.Database)
	return e.dispatch(ctx, st, &runtime{emit: emit})
}

// Resume delivers a clarification reply to a suspended session and
// continues the run from the stage that raised the question.
func (e *Engine) Resume(ctx context.Context, sessionID, value string) (*Outcome, error) {
	return e.ResumeStream(ctx, sessionID, value, nil)
}

// ResumeStream is Resume with progress events delivered through emit.
func (e *Engine) ResumeStream(ctx context.Context, sessionID, value string, emit EventCallback) (*Outcome, error) {
	value = strings.TrimSpace(value)
	if sessionID == "" {
		return nil, NewInvalidInputError("session id is required")
	}
	if value == "" {
		return nil, NewInvalidInputError("clarification reply is empty")
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for session %s: %w", sessionID, err)
	}
	if st == nil {
		return nil, NewInvalidInputError("session %s has no run to resume", sessionID)
	}
	if st.Terminal() {
		// Finished sessions replay their stored outcome; no stage runs.
		out := outcomeFromState(st)
		rt := &runtime{emit: emit}
		rt.notify(Event{Type: EventComplete, Stage: StageTerminal, Content: out.Answer, SQL: out.SQL})
		return out, nil
	}
	if st.SuspendedAt == "" {
		return nil, NewInvalidInputError("session %s is not awaiting a clarification reply", sessionID)
	}

	// Re-enter exactly the stage that raised the question; the stage
	// itself assigns the value to its next unresolved entry.
	st.Cursor = st.SuspendedAt
	st.SuspendedAt = ""

	e.logInfo("workflow: resume", "session", sessionID, "stage", st.Cursor)
	return e.dispatch(ctx, st, &runtime{emit: emit, resume: &value})
}

// dispatch is the engine's loop: execute the cursor stage, route, and
// repeat until terminal, suspension, or failure.
func (e *Engine) dispatch(ctx context.Context, st *State, rt *runtime) (*Outcome, error) {
	for !st.Terminal() {
		// Finished answers route unconditionally to terminal, whichever
		// stage set them.
		if st.Answer != "" {
			st.Cursor = StageTerminal
			break
		}
		if err := ctx.Err(); err != nil {
			return e.fail(st, rt, st.Cursor, err)
		}

		stage := st.Cursor
		if err := e.invoke(ctx, stage, st, rt); err != nil {
			if intr, ok := IsInterrupt(err); ok {
				st.SuspendedAt = stage
				if perr := e.store.Put(ctx, st); perr != nil {
					return e.fail(st, rt, stage, fmt.Errorf("failed to checkpoint suspension: %w", perr))
				}
				rt.notify(Event{Type: EventInterrupt, Stage: stage, Content: intr.Question})
				e.logInfo("workflow: suspended", "session", st.SessionID, "stage", stage, "topic", intr.Topic)
				return &Outcome{Suspended: true, Question: intr.Question}, nil
			}
			return e.fail(st, rt, stage, err)
		}
		st.Cursor = Next(stage, st)
	}

	if st.Answer == "" {
		return e.fail(st, rt, StageTerminal, errors.New("unexpected terminal state: no answer produced"))
	}
	if err := e.store.Put(ctx, st); err != nil {
		return e.fail(st, rt, StageTerminal, fmt.Errorf("failed to checkpoint completion: %w", err))
	}
	out := outcomeFromState(st)
	rt.notify(Event{Type: EventComplete, Stage: StageTerminal, Content: out.Answer, SQL: out.SQL})
	e.logInfo("workflow: complete",
		"session", st.SessionID,
		"intent", st.Intent,
		"attempts", st.AttemptCount)
	return out, nil
}

// fail emits the terminal error event and reports the failure. The
// event content is always natural language; the raw error goes to the
// Go caller only.
func (e *Engine) fail(st *State, rt *runtime, stage Stage, err error) (*Outcome, error) {
	rt.notify(Event{Type: EventError, Stage: stage, Content: UserMessage(err)})
	e.logError("workflow: run failed", "session", st.SessionID, "stage", stage, "error", err)
	return nil, err
}

// invoke runs one named stage against the state.
func (e *Engine) invoke(ctx context.Context, stage Stage, st *State, rt *runtime) error {
	switch stage {
	case StageClassifyIntent:
		return e.classifyIntent(ctx, st, rt)
	case StageAnalyzeQuery:
		return e.analyzeQuery(ctx, st, rt)
	case StageDiscoverFields:
		return e.discoverFields(ctx, st, rt)
	case StageGenerateSQL:
		return e.generateSQL(ctx, st, rt)
	case StageRepairSQL:
		return e.repairSQL(ctx, st, rt)
	case StageSummarize:
		return e.summarize(ctx, st, rt)
	default:
		return NewConfigurationError("unknown stage %q", stage)
	}
}

// chunk records a transcript entry and emits the matching progress event.
func (e *Engine) chunk(st *State, rt *runtime, stage Stage, content, sql string) {
	st.AppendTranscript(stage, content, e.clock.Now())
	rt.notify(Event{Type: EventChunk, Stage: stage, Content: content, SQL: sql})
}

// schemaContext fetches and renders the database schema once per run.
func (e *Engine) schemaContext(ctx context.Context, st *State, rt *runtime) (string, error) {
	if rt.schemaContext != "" {
		return rt.schemaContext, nil
	}
	schemas, err := e.cfg.Schema.Schemas(ctx, st.Database)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return "", err
		}
		return "", NewCollaboratorError("schema provider", err)
	}
	rt.schemaContext = FormatSchemas(schemas)
	return rt.schemaContext, nil
}

func outcomeFromState(st *State) *Outcome {
	return &Outcome{
		Answer: st.Answer,
		SQL:    st.SQL,
		Data:   st.ExecutionResult,
	}
}
