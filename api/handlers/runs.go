package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/andeslabs/sqlcopilot/api/config"
)

// Run statuses. A run is one engine invocation: it ends completed or
// failed, or parks as suspended until the user answers a clarification.
const (
	RunStatusRunning   = "running"
	RunStatusSuspended = "suspended"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one persistent workflow invocation for a session.
type Run struct {
	ID           uuid.UUID `json:"id"`
	SessionID    string    `json:"session_id"`
	Database     string    `json:"database"`
	Question     string    `json:"question"`
	Status       string    `json:"status"`
	Stage        string    `json:"stage"`
	QuestionToUser *string `json:"question_to_user,omitempty"`
	Answer       *string   `json:"answer,omitempty"`
	SQL          *string   `json:"sql,omitempty"`
	Error        *string   `json:"error,omitempty"`
	AttemptCount int       `json:"attempt_count"`

	ClaimedBy *string    `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const runColumns = `id, session_id, database_name, question, status, stage, question_to_user,
	       answer, sql_query, error, attempt_count, claimed_by, claimed_at,
	       created_at, updated_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.SessionID, &run.Database, &run.Question, &run.Status, &run.Stage,
		&run.QuestionToUser, &run.Answer, &run.SQL, &run.Error, &run.AttemptCount,
		&run.ClaimedBy, &run.ClaimedAt,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt,
	)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// CreateRun inserts a new run in 'running' state, claimed by serverID.
func CreateRun(ctx context.Context, sessionID, database, question, serverID string) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		INSERT INTO copilot_runs (id, session_id, database_name, question, claimed_by, claimed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING `+runColumns, uuid.New(), sessionID, database, question, serverID))
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// TouchRun advances the run's stage marker and refreshes updated_at so
// the claim is not considered stale while the engine makes progress.
func TouchRun(ctx context.Context, id uuid.UUID, stage string) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE copilot_runs SET stage = $2, updated_at = NOW() WHERE id = $1
	`, id, stage)
	if err != nil {
		return fmt.Errorf("failed to touch run: %w", err)
	}
	return nil
}

// SuspendRun parks the run pending a clarification reply.
func SuspendRun(ctx context.Context, id uuid.UUID, stage, question string) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE copilot_runs
		SET status = 'suspended', stage = $2, question_to_user = $3,
		    claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, stage, question)
	if err != nil {
		return fmt.Errorf("failed to suspend run: %w", err)
	}
	return nil
}

// ResumeRun puts a suspended run back in 'running' state under serverID.
func ResumeRun(ctx context.Context, id uuid.UUID, serverID string) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE copilot_runs
		SET status = 'running', question_to_user = NULL,
		    claimed_by = $2, claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, serverID)
	if err != nil {
		return fmt.Errorf("failed to resume run: %w", err)
	}
	return nil
}

// CompleteRun marks a run completed with its answer and final SQL.
func CompleteRun(ctx context.Context, id uuid.UUID, answer, sql string, attempts int) error {
	var sqlVal *string
	if sql != "" {
		sqlVal = &sql
	}
	_, err := config.PgPool.Exec(ctx, `
		UPDATE copilot_runs
		SET status = 'completed', answer = $2, sql_query = $3, attempt_count = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, answer, sqlVal, attempts)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// FailRun marks a run failed with an error message.
func FailRun(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE copilot_runs
		SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, or nil when it does not exist.
func GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM copilot_runs WHERE id = $1
	`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetLatestRunForSession returns the most recent run for a session,
// regardless of status, or nil when the session has none.
func GetLatestRunForSession(ctx context.Context, sessionID string) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM copilot_runs
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

// ClaimStaleRun atomically claims one abandoned 'running' run for
// failure cleanup after a server restart. A run is claimable when its
// claim is older than staleTimeout and it has made no progress in that
// window. Returns nil when nothing is claimable.
//
// FOR UPDATE SKIP LOCKED ensures replicas racing on the same table
// never claim the same run.
func ClaimStaleRun(ctx context.Context, serverID string, staleTimeout time.Duration) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		UPDATE copilot_runs
		SET claimed_by = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM copilot_runs
			WHERE status = 'running'
			  AND (
			    claimed_at IS NULL
			    OR (claimed_at < NOW() - $2::interval AND updated_at < NOW() - $2::interval)
			  )
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns, serverID, staleTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	return run, nil
}

// HTTP handlers

// GetRunHandler handles GET /api/runs/{id}.
func GetRunHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	run, err := GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, internalError("Failed to get run", err), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}

// GetRunForSession handles GET /api/sessions/{id}/run. It returns the
// most recent run for the session, or 204 when there is none.
func GetRunForSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	run, err := GetLatestRunForSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, internalError("Failed to get run", err), http.StatusInternalServerError)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}
