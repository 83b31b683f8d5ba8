// Package testutil provides shared fixtures for tests that execute Cypher
// against real storage.
//
// # Usage
//
//	func TestSomething(t *testing.T) {
//		g := testutil.SetupTestGraph(t)
//		testutil.CreateTestNodes(t, g)
//
//		rows := g.Run(t, "MATCH (p:Person) RETURN p.name ORDER BY p.name", nil)
//		testutil.AssertRowCount(t, rows, 3)
//	}
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicqe/pkg/cypher"
	"github.com/orneryd/nornicqe/pkg/storage"
)

// Graph is an in-memory storage with one open read-write transaction.
type Graph struct {
	Storage  *storage.Storage
	Accessor *storage.Accessor
	Command  *storage.Command
}

// SetupTestGraph opens an in-memory engine and starts a snapshot
// transaction on its default storage. Everything is closed on cleanup.
func SetupTestGraph(t *testing.T) *Graph {
	t.Helper()
	engine, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	st, err := engine.Storage("neo4j")
	require.NoError(t, err)
	acc := st.Access(storage.SnapshotIsolation, storage.ReadWrite)
	t.Cleanup(acc.Abort)
	return &Graph{Storage: st, Accessor: acc, Command: acc.NewCommand(nil)}
}

// Exec parses and runs query, returning all rows.
func (g *Graph) Exec(query string, params map[string]any) ([][]any, error) {
	stmt, err := cypher.Parse(query)
	if err != nil {
		return nil, err
	}
	cur, err := stmt.Open(&cypher.ExecContext{Ctx: context.Background(), Graph: g.Command, Params: params})
	if err != nil {
		return nil, err
	}
	var rows [][]any
	for {
		row, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// Run is Exec that fails the test on error.
func (g *Graph) Run(t *testing.T, query string, params map[string]any) [][]any {
	t.Helper()
	rows, err := g.Exec(query, params)
	require.NoError(t, err, "query: %s", query)
	return rows
}

// CreateTestNodes creates three Person nodes (Alice 30, Bob 25, Charlie 35)
// and two KNOWS relationships: Alice->Bob and Bob->Charlie.
func CreateTestNodes(t *testing.T, g *Graph) {
	t.Helper()
	g.Run(t, `CREATE (a:Person {name: 'Alice', age: 30})-[:KNOWS]->(b:Person {name: 'Bob', age: 25})-[:KNOWS]->(c:Person {name: 'Charlie', age: 35})`, nil)
}

// AssertRowCount checks the number of rows.
func AssertRowCount(t *testing.T, rows [][]any, expected int) {
	t.Helper()
	assert.Len(t, rows, expected)
}

// Column extracts one column from rows.
func Column(rows [][]any, col int) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r[col]
	}
	return out
}
