package handlers

import (
	"encoding/json"
	"net/http"
)

// Build metadata, stamped through ldflags and installed by SetBuildInfo
// at startup.
var (
	BuildVersion = "dev"
	BuildCommit  = "none"
	BuildDate    = "unknown"
)

// SetBuildInfo records the binary's build metadata for /api/version.
func SetBuildInfo(version, commit, date string) {
	BuildVersion = version
	BuildCommit = commit
	BuildDate = date
}

// VersionResponse is the body of GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetVersion handles GET /api/version.
func GetVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(VersionResponse{
		Version: BuildVersion,
		Commit:  BuildCommit,
		Date:    BuildDate,
	})
}
