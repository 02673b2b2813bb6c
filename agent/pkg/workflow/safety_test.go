package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorCheck(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		text    string
		wantOps []string
	}{
		{
			name: "plain question",
			text: "How many books are currently borrowed?",
		},
		{
			name: "select statement",
			text: "SELECT Name, Country FROM Customers WHERE Country = 'France'",
		},
		{
			name: "cte select",
			text: "WITH recent AS (SELECT * FROM Orders) SELECT COUNT(*) FROM recent",
		},
		{
			name: "identifier containing keyword",
			text: "SELECT created_at, updated_at FROM Orders",
		},
		{
			name: "string function replace",
			text: "SELECT REPLACE(Name, 'a', 'b') FROM Customers",
		},
		{
			name: "trailing semicolon",
			text: "SELECT COUNT(*) FROM Orders;",
		},
		{
			name:    "drop table request",
			text:    "Please drop table Customers",
			wantOps: []string{"DROP"},
		},
		{
			name:    "lowercase delete",
			text:    "delete from Orders where 1=1",
			wantOps: []string{"DELETE"},
		},
		{
			name:    "mixed case insert",
			text:    "InSeRt INTO t VALUES (1)",
			wantOps: []string{"INSERT"},
		},
		{
			name:    "update request in prose",
			text:    "Can you update the price of every product?",
			wantOps: []string{"UPDATE"},
		},
		{
			name:    "pragma",
			text:    "PRAGMA table_info(Customers)",
			wantOps: []string{"PRAGMA"},
		},
		{
			name:    "attach database",
			text:    "ATTACH DATABASE '/tmp/x.db' AS other",
			wantOps: []string{"ATTACH"},
		},
		{
			name:    "replace into",
			text:    "REPLACE INTO Customers VALUES (1, 'x')",
			wantOps: []string{"REPLACE INTO"},
		},
		{
			name:    "chained statements",
			text:    "SELECT * FROM Loans; DROP TABLE Loans",
			wantOps: []string{"DROP", "multiple statements"},
		},
		{
			name:    "keyword split by block comment",
			text:    "DR/**/OP TABLE Customers",
			wantOps: []string{"DROP"},
		},
		{
			name:    "keyword followed by comment",
			text:    "DROP/**/TABLE Customers",
			wantOps: []string{"DROP"},
		},
		{
			name: "semicolon hidden in comment",
			text: "SELECT 1 -- note; not a second statement",
		},
		{
			name:    "multiple operations reported once each",
			text:    "CREATE TABLE x (id INT); CREATE TABLE y (id INT); DROP TABLE x",
			wantOps: []string{"CREATE", "DROP", "multiple statements"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := v.Check(tt.text)
			if len(tt.wantOps) == 0 {
				assert.False(t, verdict.Unsafe, "expected safe, got %v", verdict.Operations)
				assert.Empty(t, verdict.Operations)
				assert.Empty(t, verdict.Reason())
				return
			}
			require.True(t, verdict.Unsafe)
			assert.Equal(t, tt.wantOps, verdict.Operations)
			assert.Contains(t, verdict.Reason(), "disallowed SQL operations")
		})
	}
}

func TestHasMultipleStatements(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{in: "SELECT 1", want: false},
		{in: "SELECT 1;", want: false},
		{in: "SELECT 1; \n", want: false},
		{in: "SELECT 1;;", want: false},
		{in: "SELECT 1; SELECT 2", want: true},
		{in: "SELECT 1; SELECT 2;", want: true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hasMultipleStatements(tt.in), "input %q", tt.in)
	}
}
