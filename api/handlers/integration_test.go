//go:build integration

package handlers_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/loquelabs/babelsql/agent/pkg/workflow"
	"github.com/loquelabs/babelsql/api/config"
	"github.com/loquelabs/babelsql/api/handlers"
	apitesting "github.com/loquelabs/babelsql/api/testing"
)

var testPgDB *apitesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testPgDB, err = apitesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start Postgres container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testPgDB.Close()
	os.Exit(code)
}

// seedCustomerTables creates a small quoted-identifier fixture so the
// catalog keeps the mixed-case names.
func seedCustomerTables(ctx context.Context, conn *pgx.Conn) error {
	statements := []string{
		`CREATE TABLE "Customers" (
			"CustomerID" SERIAL PRIMARY KEY,
			"CustomerName" TEXT NOT NULL,
			"Country" TEXT NOT NULL
		)`,
		`INSERT INTO "Customers" ("CustomerName", "Country") VALUES
			('Alfreds Futterkiste', 'Germany'),
			('Ana Trujillo Emparedados', 'Mexico'),
			('Around the Horn', 'UK')`,
		`CREATE TABLE "Orders" (
			"OrderID" SERIAL PRIMARY KEY,
			"CustomerID" INTEGER NOT NULL,
			"OrderDate" DATE NOT NULL
		)`,
		`INSERT INTO "Orders" ("CustomerID", "OrderDate") VALUES
			(1, '2026-01-15'),
			(2, '2026-02-03')`,
	}
	for _, stmt := range statements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func TestIntegration_GetSchema(t *testing.T) {
	apitesting.SetupTestDBWithData(t, testPgDB, seedCustomerTables)

	rr := httptest.NewRecorder()
	handlers.GetSchema(rr, httptest.NewRequest(http.MethodGet, "/api/schema", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.SchemaResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))

	require.Len(t, resp.Tables, 2)
	require.Equal(t, "Customers", resp.Tables[0].Name)
	require.Equal(t, int64(3), resp.Tables[0].RowCount)
	require.Equal(t, "Orders", resp.Tables[1].Name)
	require.Equal(t, int64(2), resp.Tables[1].RowCount)

	require.Contains(t, resp.Formatted, "- Customers(")
	require.Contains(t, resp.Formatted, "CustomerName (TEXT)")
	require.Contains(t, resp.Formatted, "OrderDate (DATE)")
}

func TestIntegration_ExecuteQuery(t *testing.T) {
	apitesting.SetupTestDBWithData(t, testPgDB, seedCustomerTables)

	rr := postQuery(t, `{"query": "SELECT COUNT(*) AS n FROM \"Customers\""}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.QueryResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Empty(t, resp.Error)
	require.Equal(t, []string{"n"}, resp.Columns)
	require.Equal(t, 1, resp.RowCount)
	require.Equal(t, float64(3), resp.Rows[0]["n"])
}

func TestIntegration_ExecuteQuery_RejectsMutation(t *testing.T) {
	apitesting.SetupTestDBWithData(t, testPgDB, seedCustomerTables)

	rr := postQuery(t, `{"query": "DROP TABLE \"Customers\""}`)
	require.Equal(t, http.StatusForbidden, rr.Code)

	// The table must still be there.
	rr = postQuery(t, `{"query": "SELECT COUNT(*) AS n FROM \"Customers\""}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp handlers.QueryResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, float64(3), resp.Rows[0]["n"])
}

func TestIntegration_AskFullPipeline(t *testing.T) {
	apitesting.SetupTestDBWithData(t, testPgDB, seedCustomerTables)

	engine, err := workflow.New(&workflow.Config{
		Logger:        discardLogger(),
		LLM:           &stubLLM{response: `{"description": "Counts customers", "sql": "SELECT COUNT(*) AS total FROM \"Customers\""}`},
		Querier:       config.DB,
		SchemaFetcher: config.DB,
		Verifier:      config.DB,
	})
	require.NoError(t, err)
	setEngine(t, engine)

	rr := postAsk(t, `{"question": "How many customers are there?"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.AskResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.False(t, resp.Failed)
	require.Equal(t, "The answer is: 3", resp.Answer)
	require.Contains(t, resp.SQL, `FROM "Customers"`)
	require.Equal(t, 1, resp.RowCount)
}

func TestIntegration_Status(t *testing.T) {
	apitesting.SetupTestDB(t, testPgDB)

	resp := getStatus(t)
	require.Equal(t, "healthy", resp.Status)
	require.True(t, resp.Database.Reachable)
	require.Equal(t, "postgres", resp.Database.Backend)
	require.Equal(t, 0, resp.Database.Tables)
}
