package handlers

import (
	"encoding/json"
	"net/http"
)

var (
	// BuildVersion, BuildCommit and BuildDate are set from main via
	// SetBuildInfo with ldflags values.
	BuildVersion = "dev"
	BuildCommit  = "none"
	BuildDate    = "unknown"
)

// SetBuildInfo records the binary's build identity for /api/version.
func SetBuildInfo(version, commit, date string) {
	BuildVersion = version
	BuildCommit = commit
	BuildDate = date
}

// VersionResponse contains the API build version info.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetVersion returns the current build info.
func GetVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(VersionResponse{
		Version: BuildVersion,
		Commit:  BuildCommit,
		Date:    BuildDate,
	})
}
