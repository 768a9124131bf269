package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// QueryRequest is the body of POST /api/query: a raw SQL statement to
// run against the request's database, bypassing the workflow.
type QueryRequest struct {
	SQL string `json:"sql"`
}

// QueryResponse is the tabular result of a direct query.
type QueryResponse struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Count   int              `json:"count"`
	Error   string           `json:"error,omitempty"`
}

// ExecuteQuery handles POST /api/query. Backend errors come back in the
// response body with a 200 so clients can render them inline; only
// malformed requests and unknown databases are HTTP errors.
func ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		http.Error(w, "SQL is required", http.StatusBadRequest)
		return
	}

	executor := NewBackendExecutor()
	result, err := executor.Execute(r.Context(), DatabaseFromContext(r.Context()), req.SQL)
	if err != nil {
		var execErr *workflow.ExecutionError
		if errors.As(err, &execErr) {
			// The backend message may embed a DSN; strip credentials
			// before it reaches the client.
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(QueryResponse{Error: sanitizeMessage(execErr.Message)})
			return
		}
		var cfgErr *workflow.ConfigurationError
		if errors.As(err, &cfgErr) {
			http.Error(w, "Unknown database", http.StatusBadRequest)
			return
		}
		http.Error(w, internalError("Query failed", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(QueryResponse{
		Columns: result.Columns,
		Rows:    result.Rows,
		Count:   result.Count,
	})
}
