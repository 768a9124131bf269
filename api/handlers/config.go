package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/andeslabs/sqlcopilot/api/config"
)

// DatabasesResponse lists the registered databases a client can target
// with the X-Copilot-Database header.
type DatabasesResponse struct {
	Databases []string `json:"databases"`
	Default   string   `json:"default"`
}

// GetDatabases handles GET /api/databases.
func GetDatabases(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(DatabasesResponse{
		Databases: config.Databases(),
		Default:   config.Default(),
	})
}
