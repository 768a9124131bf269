package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/metrics"
)

// RunEvent is one progress event from an executing run, forwarded to
// every subscribed SSE stream.
type RunEvent struct {
	Type string // "stage", "interrupt", "done", "error"
	Data any
}

// RunSubscriber receives events from an executing run.
type RunSubscriber struct {
	Events chan RunEvent
	Done   chan struct{}
}

// activeRun tracks a run executing in this process.
type activeRun struct {
	ID        uuid.UUID
	SessionID string
	Question  string
	ctx       context.Context
	Cancel    context.CancelFunc

	mu          sync.RWMutex
	subscribers map[*RunSubscriber]struct{}
}

func (ar *activeRun) addSubscriber(sub *RunSubscriber) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.subscribers[sub] = struct{}{}
}

func (ar *activeRun) removeSubscriber(sub *RunSubscriber) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	delete(ar.subscribers, sub)
}

func (ar *activeRun) broadcast(event RunEvent) {
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	for sub := range ar.subscribers {
		select {
		case sub.Events <- event:
		default:
			// Subscriber buffer full, skip
			slog.Warn("Subscriber buffer full, skipping event", "run_id", ar.ID, "event_type", event.Type)
		}
	}
}

func (ar *activeRun) closeAll() {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for sub := range ar.subscribers {
		close(sub.Done)
	}
	ar.subscribers = make(map[*RunSubscriber]struct{})
}

// RunManager executes workflow runs in the background and fans their
// progress events out to SSE subscribers. Runs survive client
// disconnects; reconnecting clients re-subscribe by run id.
type RunManager struct {
	mu        sync.RWMutex
	running   map[uuid.UUID]*activeRun
	bySession map[string]uuid.UUID
	serverID  string
}

// Manager is the process-wide run manager.
var Manager = &RunManager{
	running:   make(map[uuid.UUID]*activeRun),
	bySession: make(map[string]uuid.UUID),
	serverID:  uuid.NewString(),
}

// StartRun starts a new workflow run for a session in the background
// and returns its id immediately.
func (m *RunManager) StartRun(sessionID, database, question string) (uuid.UUID, error) {
	ctx := context.Background()

	if err := ensureSessionExists(ctx, sessionID, database); err != nil {
		return uuid.Nil, err
	}
	maybeSetTitle(ctx, sessionID, question)

	run, err := CreateRun(ctx, sessionID, database, question, m.serverID)
	if err != nil {
		return uuid.Nil, err
	}

	if err := appendRunMessages(ctx, sessionID, run.ID, question, "", "streaming", ""); err != nil {
		slog.Warn("Failed to record question in transcript", "session_id", sessionID, "error", err)
	}

	ar := m.track(run.ID, sessionID, question)
	go m.execute(ar, database, question, false)

	slog.Info("Started run",
		"run_id", run.ID,
		"session_id", sessionID,
		"question", truncateLog(question, 50))
	return run.ID, nil
}

// Resume delivers a clarification reply to the session's suspended run
// and continues it in the background. Returns the resumed run's id.
func (m *RunManager) Resume(sessionID, reply string) (uuid.UUID, error) {
	ctx := context.Background()

	run, err := GetLatestRunForSession(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}
	if run == nil || run.Status != RunStatusSuspended {
		return uuid.Nil, fmt.Errorf("session %s has no suspended run", sessionID)
	}

	if err := ResumeRun(ctx, run.ID, m.serverID); err != nil {
		return uuid.Nil, err
	}

	ar := m.track(run.ID, sessionID, run.Question)
	go m.execute(ar, run.Database, reply, true)

	slog.Info("Resumed run", "run_id", run.ID, "session_id", sessionID)
	return run.ID, nil
}

func (m *RunManager) track(runID uuid.UUID, sessionID, question string) *activeRun {
	runCtx, cancel := context.WithCancel(context.Background())

	ar := &activeRun{
		ID:          runID,
		SessionID:   sessionID,
		Question:    question,
		ctx:         runCtx,
		Cancel:      cancel,
		subscribers: make(map[*RunSubscriber]struct{}),
	}
	m.mu.Lock()
	m.running[runID] = ar
	m.bySession[sessionID] = runID
	m.mu.Unlock()
	return ar
}

// Subscribe creates a subscriber for an executing run. Returns nil when
// the run is not executing in this process.
func (m *RunManager) Subscribe(runID uuid.UUID) *RunSubscriber {
	m.mu.RLock()
	ar, exists := m.running[runID]
	m.mu.RUnlock()
	if !exists {
		return nil
	}

	sub := &RunSubscriber{
		Events: make(chan RunEvent, 100),
		Done:   make(chan struct{}),
	}
	ar.addSubscriber(sub)
	return sub
}

// Unsubscribe removes a subscriber from a run.
func (m *RunManager) Unsubscribe(runID uuid.UUID, sub *RunSubscriber) {
	m.mu.RLock()
	ar, exists := m.running[runID]
	m.mu.RUnlock()
	if exists {
		ar.removeSubscriber(sub)
	}
}

// RunningRunID returns the executing run for a session, if any.
func (m *RunManager) RunningRunID(sessionID string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, exists := m.bySession[sessionID]
	return id, exists
}

// CancelRun cancels an executing run. Returns false when the run is
// not executing in this process.
func (m *RunManager) CancelRun(runID uuid.UUID) bool {
	m.mu.RLock()
	ar, exists := m.running[runID]
	m.mu.RUnlock()
	if !exists {
		return false
	}
	ar.Cancel()
	return true
}

// execute drives one engine invocation to its end state and persists
// the result. input is the user question for fresh runs and the
// clarification reply for resumes. Persistence uses a background
// context so a cancelled run still records its final state.
func (m *RunManager) execute(ar *activeRun, database, input string, resume bool) {
	ctx := context.Background()
	defer ar.Cancel()
	defer func() {
		m.mu.Lock()
		delete(m.running, ar.ID)
		delete(m.bySession, ar.SessionID)
		m.mu.Unlock()
		ar.closeAll()
	}()

	engine, err := Copilot()
	if err != nil {
		m.finishFailed(ctx, ar, "The assistant is not configured correctly.", err)
		return
	}

	emit := func(ev workflow.Event) {
		switch ev.Type {
		case workflow.EventChunk:
			_ = TouchRun(ctx, ar.ID, string(ev.Stage))
			ar.broadcast(RunEvent{Type: "stage", Data: map[string]string{
				"stage":   string(ev.Stage),
				"content": ev.Content,
				"sql":     ev.SQL,
			}})
		case workflow.EventInterrupt:
			ar.broadcast(RunEvent{Type: "interrupt", Data: map[string]string{
				"stage":    string(ev.Stage),
				"question": ev.Content,
			}})
		case workflow.EventComplete:
			ar.broadcast(RunEvent{Type: "done", Data: map[string]string{
				"answer": ev.Content,
				"sql":    ev.SQL,
			}})
		case workflow.EventError:
			ar.broadcast(RunEvent{Type: "error", Data: map[string]string{
				"error": ev.Content,
			}})
		}
	}

	start := time.Now()
	var outcome *workflow.Outcome
	if resume {
		outcome, err = engine.ResumeStream(ar.ctx, ar.SessionID, input, emit)
	} else {
		outcome, err = engine.RunStream(ar.ctx, ar.SessionID, database, input, emit)
	}
	duration := time.Since(start)

	if err != nil {
		metrics.RecordWorkflowRun("failed", duration)
		m.finishFailed(ctx, ar, workflow.UserMessage(err), err)
		return
	}

	if outcome.Suspended {
		metrics.RecordSuspension()
		if err := SuspendRun(ctx, ar.ID, stageOfSuspension(ctx, engine, ar.SessionID), outcome.Question); err != nil {
			slog.Warn("Failed to mark run suspended", "run_id", ar.ID, "error", err)
		}
		if err := appendRunMessages(ctx, ar.SessionID, ar.ID, ar.Question, outcome.Question, "suspended", ""); err != nil {
			slog.Warn("Failed to record clarification in transcript", "session_id", ar.SessionID, "error", err)
		}
		slog.Info("Run suspended", "run_id", ar.ID, "session_id", ar.SessionID)
		return
	}

	metrics.RecordWorkflowRun("completed", duration)
	attempts := m.recordAttempts(ctx, ar.SessionID)
	if err := CompleteRun(ctx, ar.ID, outcome.Answer, outcome.SQL, attempts); err != nil {
		slog.Warn("Failed to mark run completed", "run_id", ar.ID, "error", err)
	}
	if err := appendRunMessages(ctx, ar.SessionID, ar.ID, ar.Question, outcome.Answer, "complete", outcome.SQL); err != nil {
		slog.Warn("Failed to record answer in transcript", "session_id", ar.SessionID, "error", err)
	}

	slog.Info("Run completed",
		"run_id", ar.ID,
		"session_id", ar.SessionID,
		"answer_len", len(outcome.Answer),
		"attempts", attempts)
}

// finishFailed records a failed run. Only the user-facing message is
// persisted in the run row: the raw error can carry DSNs or SQL
// fragments, and the row is replayed verbatim to reconnecting clients.
func (m *RunManager) finishFailed(ctx context.Context, ar *activeRun, userMsg string, err error) {
	slog.Error("Run failed", "run_id", ar.ID, "error", err)
	if ferr := FailRun(ctx, ar.ID, userMsg); ferr != nil {
		slog.Warn("Failed to mark run failed", "run_id", ar.ID, "error", ferr)
	}
	if terr := appendRunMessages(ctx, ar.SessionID, ar.ID, ar.Question, userMsg, "error", ""); terr != nil {
		slog.Warn("Failed to record failure in transcript", "session_id", ar.SessionID, "error", terr)
	}
}

// recordAttempts reads the repair attempt count from the session's
// checkpoint and records it in the metrics.
func (m *RunManager) recordAttempts(ctx context.Context, sessionID string) int {
	store := NewPostgresCheckpointStore(config.PgPool)
	st, err := store.Get(ctx, sessionID)
	if err != nil || st == nil {
		return 0
	}
	metrics.RecordRepairAttempts(st.AttemptCount)
	return st.AttemptCount
}

// stageOfSuspension reads which stage raised the pending clarification
// from the session's checkpoint.
func stageOfSuspension(ctx context.Context, _ *workflow.Engine, sessionID string) string {
	store := NewPostgresCheckpointStore(config.PgPool)
	st, err := store.Get(ctx, sessionID)
	if err != nil || st == nil {
		return ""
	}
	return string(st.SuspendedAt)
}

// RecoverAbandonedRuns claims runs left in 'running' state by a crashed
// or restarted server and replays them from the session's last
// checkpoint. Claiming is atomic across replicas.
func (m *RunManager) RecoverAbandonedRuns() {
	// Wait for services to stabilize
	time.Sleep(5 * time.Second)

	ctx := context.Background()
	staleTimeout := 5 * time.Minute

	slog.Info("Checking for abandoned runs", "server_id", m.serverID)

	claimed := 0
	for {
		run, err := ClaimStaleRun(ctx, m.serverID, staleTimeout)
		if err != nil {
			slog.Error("Failed to claim run", "error", err)
			break
		}
		if run == nil {
			break
		}

		claimed++
		slog.Info("Claimed abandoned run", "run_id", run.ID, "server_id", m.serverID)

		ar := m.track(run.ID, run.SessionID, run.Question)
		go m.replay(ar, run)
	}

	if claimed == 0 {
		slog.Info("No abandoned runs to recover")
	} else {
		slog.Info("Recovering abandoned runs", "count", claimed, "server_id", m.serverID)
	}
}

// replay re-executes an abandoned run. State checkpoints are written
// only at suspension and completion, so an interrupted run restarts its
// question from the last durable point. A run whose checkpoint already
// shows a pending clarification is parked as suspended instead.
func (m *RunManager) replay(ar *activeRun, run *Run) {
	ctx := context.Background()
	defer func() {
		m.mu.Lock()
		delete(m.running, ar.ID)
		delete(m.bySession, ar.SessionID)
		m.mu.Unlock()
		ar.closeAll()
	}()

	engine, err := Copilot()
	if err != nil {
		m.finishFailed(ctx, ar, "The assistant is not configured correctly.", err)
		return
	}

	start := time.Now()
	outcome, err := engine.Run(ctx, ar.SessionID, run.Database, run.Question)
	duration := time.Since(start)

	if err != nil {
		var invalid *workflow.InvalidInputError
		if errors.As(err, &invalid) {
			// The crash happened after the suspension checkpoint was
			// written; reconcile the run row with the checkpoint.
			store := NewPostgresCheckpointStore(config.PgPool)
			if st, serr := store.Get(ctx, ar.SessionID); serr == nil && st != nil && st.SuspendedAt != "" {
				question := pendingQuestion(st)
				if serr := SuspendRun(ctx, ar.ID, string(st.SuspendedAt), question); serr != nil {
					slog.Warn("Failed to park recovered run", "run_id", ar.ID, "error", serr)
				}
				slog.Info("Recovered run was awaiting clarification", "run_id", ar.ID)
				return
			}
		}
		metrics.RecordWorkflowRun("failed", duration)
		m.finishFailed(ctx, ar, workflow.UserMessage(err), err)
		return
	}

	if outcome.Suspended {
		metrics.RecordSuspension()
		if err := SuspendRun(ctx, ar.ID, stageOfSuspension(ctx, engine, ar.SessionID), outcome.Question); err != nil {
			slog.Warn("Failed to mark recovered run suspended", "run_id", ar.ID, "error", err)
		}
		if err := appendRunMessages(ctx, ar.SessionID, ar.ID, ar.Question, outcome.Question, "suspended", ""); err != nil {
			slog.Warn("Failed to record clarification in transcript", "session_id", ar.SessionID, "error", err)
		}
		return
	}

	metrics.RecordWorkflowRun("completed", duration)
	attempts := m.recordAttempts(ctx, ar.SessionID)
	if err := CompleteRun(ctx, ar.ID, outcome.Answer, outcome.SQL, attempts); err != nil {
		slog.Warn("Failed to mark recovered run completed", "run_id", ar.ID, "error", err)
	}
	if err := appendRunMessages(ctx, ar.SessionID, ar.ID, ar.Question, outcome.Answer, "complete", outcome.SQL); err != nil {
		slog.Warn("Failed to record answer in transcript", "session_id", ar.SessionID, "error", err)
	}
	slog.Info("Recovered run completed", "run_id", ar.ID, "session_id", ar.SessionID)
}

// pendingQuestion renders the clarification question for the first
// unresolved ambiguity in a suspended state.
func pendingQuestion(st *workflow.State) string {
	a := st.FirstUnresolved()
	if a == nil {
		return ""
	}
	return workflow.ClarificationQuestion(a.Topic)
}

func truncateLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
