package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/loquelabs/babelsql/api/config"
)

const schemaTimeout = 30 * time.Second

type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
	NotNull    bool   `json:"not_null,omitempty"`
}

type TableInfo struct {
	Name     string       `json:"name"`
	RowCount int64        `json:"row_count"`
	Columns  []ColumnInfo `json:"columns"`
}

type SchemaResponse struct {
	Tables []TableInfo `json:"tables"`

	// Formatted is the one-line-per-table rendering the pipeline feeds
	// to prompts.
	Formatted string `json:"formatted"`
}

// GetSchema returns the active database's catalog.
func GetSchema(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), schemaTimeout)
	defer cancel()

	tables, err := config.DB.Catalog(ctx)
	if err != nil {
		writeInternalError(w, "Failed to read database catalog", err)
		return
	}
	formatted, err := config.DB.FetchSchema(ctx)
	if err != nil {
		writeInternalError(w, "Failed to read database schema", err)
		return
	}

	resp := SchemaResponse{
		Tables:    make([]TableInfo, 0, len(tables)),
		Formatted: formatted,
	}
	for _, table := range tables {
		info := TableInfo{
			Name:     table.Name,
			RowCount: table.RowCount,
			Columns:  make([]ColumnInfo, 0, len(table.Columns)),
		}
		for _, col := range table.Columns {
			info.Columns = append(info.Columns, ColumnInfo{
				Name:       col.Name,
				Type:       col.Type,
				PrimaryKey: col.PrimaryKey,
				NotNull:    col.NotNull,
			})
		}
		resp.Tables = append(resp.Tables, info)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
