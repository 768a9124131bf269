package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/catalog"
	"github.com/andeslabs/sqlcopilot/api/config"
)

// GetCatalog handles GET /api/catalog: the table layout of the
// request's database as the workflow engine sees it.
func GetCatalog(w http.ResponseWriter, r *http.Request) {
	store := catalog.NewStore(config.PgPool)
	schemas, err := store.Schemas(r.Context(), DatabaseFromContext(r.Context()))
	if err != nil {
		var cfgErr *workflow.ConfigurationError
		if errors.As(err, &cfgErr) {
			http.Error(w, "Unknown database", http.StatusBadRequest)
			return
		}
		http.Error(w, internalError("Failed to load catalog", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(schemas)
}

// SearchFieldsResponse is the result of a catalog field search.
type SearchFieldsResponse struct {
	Fields []workflow.Field `json:"fields"`
}

// SearchFields handles GET /api/catalog/fields?q=: the catalog fields
// relevant to a free-text query, best matches first.
func SearchFields(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "Query parameter q is required", http.StatusBadRequest)
		return
	}

	store := catalog.NewStore(config.PgPool)
	ids, err := store.FindFields(r.Context(), DatabaseFromContext(r.Context()), q)
	if err != nil {
		http.Error(w, internalError("Failed to search catalog", err), http.StatusInternalServerError)
		return
	}
	fields, err := store.FieldsByID(r.Context(), ids)
	if err != nil {
		http.Error(w, internalError("Failed to load catalog fields", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SearchFieldsResponse{Fields: fields})
}

// SyncCatalog handles POST /api/catalog/sync: re-introspect every
// registered database and refresh the catalog.
func SyncCatalog(w http.ResponseWriter, r *http.Request) {
	store := catalog.NewStore(config.PgPool)
	if err := store.Sync(r.Context(), slog.Default()); err != nil {
		http.Error(w, internalError("Failed to sync catalog", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
