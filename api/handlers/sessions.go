package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/andeslabs/sqlcopilot/api/config"
)

// SessionMessage is one transcript entry in a session, matching the
// shape the web client renders.
type SessionMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
	SQL     string `json:"sql,omitempty"`
	Status  string `json:"status,omitempty"` // "streaming", "suspended", "complete", "error"
	RunID   string `json:"runId,omitempty"`
}

// Session is one persistent conversation.
type Session struct {
	ID         string           `json:"id"`
	Database   string           `json:"database"`
	Title      string           `json:"title"`
	Transcript []SessionMessage `json:"transcript"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ensureSessionExists creates a session row if it doesn't already exist,
// so a chat request can start a conversation without a prior create call.
func ensureSessionExists(ctx context.Context, id, database string) error {
	_, err := config.PgPool.Exec(ctx, `
		INSERT INTO sessions (id, database_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, database)
	if err != nil {
		return fmt.Errorf("failed to ensure session exists: %w", err)
	}
	return nil
}

// getSession loads one session with its transcript, or nil when absent.
func getSession(ctx context.Context, id string) (*Session, error) {
	var (
		s   Session
		raw []byte
	)
	err := config.PgPool.QueryRow(ctx, `
		SELECT id, database_name, title, transcript, created_at, updated_at
		FROM sessions WHERE id = $1
	`, id).Scan(&s.ID, &s.Database, &s.Title, &raw, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if err := json.Unmarshal(raw, &s.Transcript); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return &s, nil
}

// getSessionTranscript fetches only the transcript of a session.
func getSessionTranscript(ctx context.Context, id string) ([]SessionMessage, error) {
	var raw []byte
	err := config.PgPool.QueryRow(ctx, `
		SELECT transcript FROM sessions WHERE id = $1
	`, id).Scan(&raw)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	var messages []SessionMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return messages, nil
}

// updateSessionTranscript replaces a session's transcript.
func updateSessionTranscript(ctx context.Context, id string, messages []SessionMessage) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}
	_, err = config.PgPool.Exec(ctx, `
		UPDATE sessions SET transcript = $2, updated_at = NOW() WHERE id = $1
	`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to update transcript: %w", err)
	}
	return nil
}

// appendRunMessages records a run's user question and the assistant
// reply in the session transcript. An existing placeholder for the same
// run is replaced, so streaming updates converge on one final entry.
func appendRunMessages(ctx context.Context, sessionID string, runID uuid.UUID, question, reply, status, sql string) error {
	existing, err := getSessionTranscript(ctx, sessionID)
	if err != nil {
		return err
	}

	runIDStr := runID.String()
	messages := make([]SessionMessage, 0, len(existing)+2)
	for _, msg := range existing {
		if msg.RunID == runIDStr && msg.Role == "assistant" {
			continue
		}
		messages = append(messages, msg)
	}

	hasQuestion := false
	for _, msg := range messages {
		if msg.Role == "user" && msg.RunID == runIDStr {
			hasQuestion = true
			break
		}
	}
	if !hasQuestion {
		messages = append(messages, SessionMessage{
			ID:      uuid.NewString(),
			Role:    "user",
			Content: question,
			RunID:   runIDStr,
		})
	}

	messages = append(messages, SessionMessage{
		ID:      uuid.NewString(),
		Role:    "assistant",
		Content: reply,
		SQL:     sql,
		Status:  status,
		RunID:   runIDStr,
	})

	return updateSessionTranscript(ctx, sessionID, messages)
}

const maxTitleLen = 80

// titleFor derives a session title from its first question, truncating
// on a rune boundary so multi-byte text stays valid UTF-8.
func titleFor(question string) string {
	title := strings.TrimSpace(question)
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen])
	}
	return title
}

// maybeSetTitle titles an untitled session with its first question.
func maybeSetTitle(ctx context.Context, sessionID, question string) {
	_, _ = config.PgPool.Exec(ctx, `
		UPDATE sessions SET title = $2, updated_at = NOW()
		WHERE id = $1 AND title = ''
	`, sessionID, titleFor(question))
}

// HTTP handlers

// SessionSummary is the list view of a session, without the transcript.
type SessionSummary struct {
	ID        string    `json:"id"`
	Database  string    `json:"database"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListSessions handles GET /api/sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := config.PgPool.Query(r.Context(), `
		SELECT id, database_name, title, jsonb_array_length(transcript), created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
		LIMIT 200
	`)
	if err != nil {
		http.Error(w, internalError("Failed to list sessions", err), http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	sessions := []SessionSummary{}
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.Database, &s.Title, &s.Messages, &s.CreatedAt, &s.UpdatedAt); err != nil {
			http.Error(w, internalError("Failed to scan session", err), http.StatusInternalServerError)
			return
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		http.Error(w, internalError("Failed to list sessions", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessions)
}

// GetSession handles GET /api/sessions/{id}: the session with its
// full transcript.
func GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := getSession(r.Context(), id)
	if err != nil {
		http.Error(w, internalError("Failed to get session", err), http.StatusInternalServerError)
		return
	}
	if s == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

// GetSessionHistory handles GET /api/sessions/{id}/history: just the
// transcript messages, oldest first.
func GetSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	messages, err := getSessionTranscript(r.Context(), id)
	if err != nil {
		http.Error(w, internalError("Failed to get session history", err), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []SessionMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(messages)
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	ID       string `json:"id,omitempty"`
	Database string `json:"database,omitempty"`
	Title    string `json:"title,omitempty"`
}

// CreateSession handles POST /api/sessions.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	database := req.Database
	if database != "" {
		if _, err := config.Lookup(database); err != nil {
			http.Error(w, "Unknown database", http.StatusBadRequest)
			return
		}
	}

	_, err := config.PgPool.Exec(r.Context(), `
		INSERT INTO sessions (id, database_name, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, database, strings.TrimSpace(req.Title))
	if err != nil {
		http.Error(w, internalError("Failed to create session", err), http.StatusInternalServerError)
		return
	}

	s, err := getSession(r.Context(), id)
	if err != nil || s == nil {
		http.Error(w, internalError("Failed to load session", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(s)
}

// DeleteSession handles DELETE /api/sessions/{id}. The session row, its
// runs, and its checkpoint are all removed.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if _, err := config.PgPool.Exec(ctx, `DELETE FROM copilot_runs WHERE session_id = $1`, id); err != nil {
		http.Error(w, internalError("Failed to delete session runs", err), http.StatusInternalServerError)
		return
	}
	if _, err := config.PgPool.Exec(ctx, `DELETE FROM copilot_checkpoints WHERE session_id = $1`, id); err != nil {
		http.Error(w, internalError("Failed to delete session checkpoint", err), http.StatusInternalServerError)
		return
	}
	tag, err := config.PgPool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		http.Error(w, internalError("Failed to delete session", err), http.StatusInternalServerError)
		return
	}
	if tag.RowsAffected() == 0 {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearSession handles POST /api/sessions/{id}/clear: the transcript is
// emptied and the workflow checkpoint and run records dropped, so the
// next message starts the conversation over while keeping the session
// id. A suspended run must not survive a clear or it would capture the
// next message as its clarification reply.
func ClearSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	tag, err := config.PgPool.Exec(ctx, `
		UPDATE sessions SET transcript = '[]'::jsonb, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		http.Error(w, internalError("Failed to clear session", err), http.StatusInternalServerError)
		return
	}
	if tag.RowsAffected() == 0 {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if _, err := config.PgPool.Exec(ctx, `DELETE FROM copilot_checkpoints WHERE session_id = $1`, id); err != nil {
		http.Error(w, internalError("Failed to clear checkpoint", err), http.StatusInternalServerError)
		return
	}
	if _, err := config.PgPool.Exec(ctx, `DELETE FROM copilot_runs WHERE session_id = $1`, id); err != nil {
		http.Error(w, internalError("Failed to clear session runs", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
