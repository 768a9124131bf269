package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/config"
)

// ChatRequest is the incoming request for a chat message. The same
// message field carries both fresh questions and clarification replies;
// the server routes by the session's state.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Database  string `json:"database,omitempty"`
}

// ChatResponse is the result of a synchronous chat request. Exactly one
// shape applies: a suspended run carries the clarification question, a
// finished run carries the answer.
type ChatResponse struct {
	SessionID string                `json:"session_id"`
	Suspended bool                  `json:"suspended,omitempty"`
	Question  string                `json:"question,omitempty"`
	Answer    string                `json:"answer,omitempty"`
	SQL       string                `json:"sql,omitempty"`
	Data      *workflow.QueryResult `json:"data,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// resolveChatRequest validates the request and decides whether the
// message starts a run or answers a pending clarification.
func resolveChatRequest(r *http.Request, req *ChatRequest) (resume bool, status int, errMsg string) {
	if strings.TrimSpace(req.Message) == "" {
		return false, http.StatusBadRequest, "Message is required"
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Database == "" {
		req.Database = DatabaseFromContext(r.Context())
	}
	if _, err := config.Lookup(req.Database); err != nil {
		return false, http.StatusBadRequest, "Unknown database"
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		slog.Error("ANTHROPIC_API_KEY is not set")
		return false, http.StatusServiceUnavailable, "AI service is not configured. Please contact the administrator."
	}

	run, err := GetLatestRunForSession(r.Context(), req.SessionID)
	if err != nil {
		slog.Error("Failed to check session state", "session_id", req.SessionID, "error", err)
		return false, http.StatusInternalServerError, "Failed to check session state"
	}
	return run != nil && run.Status == RunStatusSuspended, 0, ""
}

// Chat handles POST /api/chat: run the workflow and block until it
// completes, suspends, or fails.
func Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resume, status, errMsg := resolveChatRequest(r, &req)
	if errMsg != "" {
		http.Error(w, errMsg, status)
		return
	}

	var (
		runID uuid.UUID
		err   error
	)
	if resume {
		runID, err = Manager.Resume(req.SessionID, req.Message)
	} else {
		runID, err = Manager.StartRun(req.SessionID, req.Database, req.Message)
	}
	if err != nil {
		http.Error(w, internalError("Failed to start run", err), http.StatusInternalServerError)
		return
	}

	// Block until the run reaches an end state. The manager closes the
	// subscriber only after the end state is persisted, so the row read
	// below sees the result.
	sub := Manager.Subscribe(runID)
	resp := ChatResponse{SessionID: req.SessionID}
	if sub != nil {
		func() {
			defer Manager.Unsubscribe(runID, sub)
			for {
				select {
				case _, ok := <-sub.Events:
					if !ok {
						return
					}
				case <-sub.Done:
					return
				case <-r.Context().Done():
					return
				}
			}
		}()
	}

	// The run row holds the persisted end state.
	run, err := GetRun(r.Context(), runID)
	if err != nil || run == nil {
		http.Error(w, internalError("Failed to load run result", err), http.StatusInternalServerError)
		return
	}
	switch run.Status {
	case RunStatusSuspended:
		resp.Suspended = true
		if run.QuestionToUser != nil {
			resp.Question = *run.QuestionToUser
		}
	case RunStatusCompleted:
		if run.Answer != nil {
			resp.Answer = *run.Answer
		}
		if run.SQL != nil {
			resp.SQL = *run.SQL
		}
		// The tabular result lives in the checkpoint, not the run row.
		store := NewPostgresCheckpointStore(config.PgPool)
		if st, err := store.Get(r.Context(), req.SessionID); err == nil && st != nil {
			resp.Data = st.ExecutionResult
		}
	case RunStatusFailed:
		resp.Error = "Something went wrong while working on your question. Please try again."
	default:
		// Client disconnected while the run was still going; it
		// continues in the background.
		resp.Error = "Run is still in progress"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ChatStream handles POST /api/chat/stream with SSE progress updates.
// The run executes in the background and continues even if the client
// disconnects; clients reconnect via GET /api/runs/{id}/stream.
func ChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resume, status, errMsg := resolveChatRequest(r, &req)
	if errMsg != "" {
		http.Error(w, errMsg, status)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sendEvent := func(eventType string, data any) {
		jsonData, err := json.Marshal(data)
		if err != nil {
			slog.Error("Failed to marshal SSE event data", "eventType", eventType, "error", err)
			errorData, _ := json.Marshal(map[string]string{"error": "Failed to serialize response"})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", string(errorData))
			flusher.Flush()
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(jsonData))
		flusher.Flush()
	}

	var (
		runID uuid.UUID
		err   error
	)
	if resume {
		runID, err = Manager.Resume(req.SessionID, req.Message)
	} else {
		runID, err = Manager.StartRun(req.SessionID, req.Database, req.Message)
	}
	if err != nil {
		slog.Error("Failed to start run", "session_id", req.SessionID, "error", err)
		sendEvent("error", map[string]string{"error": "Failed to start run. Please try again."})
		return
	}

	sendEvent("run_started", map[string]string{
		"run_id":     runID.String(),
		"session_id": req.SessionID,
	})

	streamRunEvents(r, runID, sendEvent)
}

// StreamRun handles GET /api/runs/{id}/stream: reconnect to an
// executing run or replay a finished one.
func StreamRun(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sendEvent := func(eventType string, data any) {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(jsonData))
		flusher.Flush()
	}

	sendEvent("run_status", map[string]any{
		"id":     run.ID,
		"status": run.Status,
		"stage":  run.Stage,
	})

	switch run.Status {
	case RunStatusCompleted:
		data := map[string]string{}
		if run.Answer != nil {
			data["answer"] = *run.Answer
		}
		if run.SQL != nil {
			data["sql"] = *run.SQL
		}
		sendEvent("done", data)

	case RunStatusSuspended:
		question := ""
		if run.QuestionToUser != nil {
			question = *run.QuestionToUser
		}
		sendEvent("interrupt", map[string]string{"stage": run.Stage, "question": question})

	case RunStatusFailed:
		errMsg := "Run failed"
		if run.Error != nil {
			errMsg = *run.Error
		}
		sendEvent("error", map[string]string{"error": errMsg})

	case RunStatusRunning:
		streamRunEvents(r, id, sendEvent)
	}
}

// streamRunEvents forwards a run's live events to an SSE stream with
// periodic heartbeats, until the run ends or the client disconnects.
func streamRunEvents(r *http.Request, runID uuid.UUID, sendEvent func(string, any)) {
	sub := Manager.Subscribe(runID)
	if sub == nil {
		// The run finished (or runs on another replica) between the
		// status check and the subscription; tell the client to refetch.
		sendEvent("retry", map[string]string{"message": "Run is not streaming here, refetch its status"})
		return
	}
	defer Manager.Unsubscribe(runID, sub)

	// Send periodic heartbeats to keep connection alive through proxies
	heartbeatTicker := time.NewTicker(15 * time.Second)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			sendEvent(event.Type, event.Data)
			if event.Type == "done" || event.Type == "error" || event.Type == "interrupt" {
				return
			}

		case <-sub.Done:
			return

		case <-heartbeatTicker.C:
			sendEvent("heartbeat", map[string]string{})

		case <-ctx.Done():
			// Client disconnected - run continues in background
			slog.Info("Client disconnected, run continues in background", "run_id", runID)
			return
		}
	}
}
