package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/loquelabs/babelsql/api/config"
	"github.com/loquelabs/babelsql/store"
)

const statusTimeout = 10 * time.Second

// StatusResponse summarizes service health for dashboards and probes.
type StatusResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Version   string         `json:"version"`
	Database  DatabaseStatus `json:"database"`
}

type DatabaseStatus struct {
	Reachable bool   `json:"reachable"`
	Backend   string `json:"backend"`
	Tables    int    `json:"tables"`
	Error     string `json:"error,omitempty"`
}

// GetStatus reports database reachability and catalog size.
func GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	resp := StatusResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   BuildVersion,
		Database:  DatabaseStatus{Backend: backendName()},
	}

	if err := config.DB.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database.Error = SanitizeError(err)
	} else {
		resp.Database.Reachable = true
		if tables, err := config.DB.Catalog(ctx); err == nil {
			resp.Database.Tables = len(tables)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func backendName() string {
	switch config.DB.(type) {
	case *store.Postgres:
		return "postgres"
	case *store.SQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}
