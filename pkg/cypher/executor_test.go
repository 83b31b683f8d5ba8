package cypher_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicqe/pkg/cypher"
	"github.com/orneryd/nornicqe/pkg/cypher/testutil"
	"github.com/orneryd/nornicqe/pkg/memory"
	"github.com/orneryd/nornicqe/pkg/storage"
)

func TestExecute_CreateAndMatch(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	testutil.CreateTestNodes(t, g)

	stats := g.Command.Stats()
	assert.Equal(t, 3, stats.NodesCreated)
	assert.Equal(t, 2, stats.RelationshipsCreated)

	rows := g.Run(t, "MATCH (p:Person) RETURN p.name AS name ORDER BY name", nil)
	assert.Equal(t, []any{"Alice", "Bob", "Charlie"}, testutil.Column(rows, 0))

	rows = g.Run(t, "MATCH (p:Person) WHERE p.age > 26 RETURN p.name ORDER BY p.age DESC", nil)
	assert.Equal(t, []any{"Charlie", "Alice"}, testutil.Column(rows, 0))
}

func TestExecute_ReturnsNodes(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	g.Run(t, "CREATE (:Person {name: 'Alice'})", nil)

	rows := g.Run(t, "MATCH (n) RETURN n", nil)
	require.Len(t, rows, 1)
	n, ok := rows[0][0].(*storage.Node)
	require.True(t, ok)
	assert.Equal(t, []string{"Person"}, n.Labels)
	assert.Equal(t, "Alice", n.Properties["name"])
}

func TestExecute_Relationships(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	testutil.CreateTestNodes(t, g)

	rows := g.Run(t, "MATCH (a:Person {name: 'Alice'})-[:KNOWS]->(b) RETURN b.name", nil)
	assert.Equal(t, [][]any{{"Bob"}}, rows)

	rows = g.Run(t, "MATCH (b:Person {name: 'Bob'})<-[r]-(a) RETURN a.name, type(r)", nil)
	assert.Equal(t, [][]any{{"Alice", "KNOWS"}}, rows)

	rows = g.Run(t, "MATCH (b:Person {name: 'Bob'})-[:KNOWS]-(x) RETURN x.name ORDER BY x.name", nil)
	assert.Equal(t, []any{"Alice", "Charlie"}, testutil.Column(rows, 0))

	rows = g.Run(t, "MATCH (a)-[:KNOWS]->(b)-[:KNOWS]->(c) RETURN a.name, c.name", nil)
	assert.Equal(t, [][]any{{"Alice", "Charlie"}}, rows)
}

func TestExecute_Aggregation(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	g.Run(t, "UNWIND range(1, 6) AS i CREATE (:Item {group: i % 2, value: i})", nil)

	rows := g.Run(t, "MATCH (n:Item) RETURN n.group AS g, count(*) AS c, sum(n.value) AS s ORDER BY g", nil)
	assert.Equal(t, [][]any{
		{int64(0), int64(3), int64(12)},
		{int64(1), int64(3), int64(9)},
	}, rows)

	rows = g.Run(t, "MATCH (n:Missing) RETURN count(n)", nil)
	assert.Equal(t, [][]any{{int64(0)}}, rows)

	rows = g.Run(t, "MATCH (n:Missing) RETURN n.group, count(n)", nil)
	assert.Empty(t, rows)

	rows = g.Run(t, "MATCH (n:Item) RETURN min(n.value), max(n.value), avg(n.value)", nil)
	assert.Equal(t, [][]any{{int64(1), int64(6), 3.5}}, rows)
}

func TestExecute_SkipLimit(t *testing.T) {
	g := testutil.SetupTestGraph(t)

	rows := g.Run(t, "UNWIND range(1, 10) AS x RETURN x SKIP 2 LIMIT $n", map[string]any{"n": int64(3)})
	assert.Equal(t, []any{int64(3), int64(4), int64(5)}, testutil.Column(rows, 0))

	rows = g.Run(t, "UNWIND [3, 1, 2] AS x RETURN x ORDER BY x LIMIT 0", nil)
	assert.Empty(t, rows)

	_, err := g.Exec("RETURN 1 LIMIT -1", nil)
	assert.True(t, cypher.IsQueryError(err))
}

func TestExecute_SetAndDelete(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	testutil.CreateTestNodes(t, g)

	rows := g.Run(t, "MATCH (p:Person {name: 'Bob'}) SET p.age = p.age + 1 RETURN p.age", nil)
	assert.Equal(t, [][]any{{int64(26)}}, rows)

	_, err := g.Exec("MATCH (p:Person {name: 'Bob'}) DELETE p", nil)
	assert.True(t, errors.Is(err, storage.ErrNodeHasEdges))

	g.Run(t, "MATCH (p:Person {name: 'Bob'}) DETACH DELETE p", nil)
	rows = g.Run(t, "MATCH (p:Person) RETURN count(p)", nil)
	assert.Equal(t, [][]any{{int64(2)}}, rows)
	rows = g.Run(t, "MATCH ()-[r]->() RETURN count(r)", nil)
	assert.Equal(t, [][]any{{int64(0)}}, rows)
}

func TestExecute_CreateReturnsEntities(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	rows := g.Run(t, "CREATE (a:A {x: 1})-[r:R {w: 2}]->(b:B) RETURN a.x, r.w, labels(b)", nil)
	assert.Equal(t, [][]any{{int64(1), int64(2), []any{"B"}}}, rows)

	rows = g.Run(t, "MATCH (a:A) CREATE (a)-[:R]->(c:C) RETURN count(*)", nil)
	assert.Equal(t, [][]any{{int64(1)}}, rows)
}

func TestExecute_Expressions(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	tests := []struct {
		query string
		want  any
	}{
		{"RETURN 1 + 2 * 3", int64(7)},
		{"RETURN 7 / 2", int64(3)},
		{"RETURN 7 / 2.0", 3.5},
		{"RETURN 'a' + 'b'", "ab"},
		{"RETURN 'n' + 1", "n1"},
		{"RETURN [1] + [2]", []any{int64(1), int64(2)}},
		{"RETURN null = null", nil},
		{"RETURN null IS NULL", true},
		{"RETURN 1 IS NOT NULL", true},
		{"RETURN 2 IN [1, 2]", true},
		{"RETURN 3 IN [1, null]", nil},
		{"RETURN null OR true", true},
		{"RETURN null AND false", false},
		{"RETURN true XOR true", false},
		{"RETURN 'hello' STARTS WITH 'he'", true},
		{"RETURN 'hello' ENDS WITH 'lo'", true},
		{"RETURN 'hello' CONTAINS 'ell'", true},
		{"RETURN 'hello' =~ 'h.*o'", true},
		{"RETURN toUpper('abc')", "ABC"},
		{"RETURN size([1, 2, 3])", int64(3)},
		{"RETURN coalesce(null, 'x')", "x"},
		{"RETURN toInteger('42')", int64(42)},
		{"RETURN toString(1.0)", "1.0"},
		{"RETURN keys({b: 1, a: 2})", []any{"a", "b"}},
		{"RETURN {a: 1}.a", int64(1)},
		{"RETURN abs(-3)", int64(3)},
		{"RETURN 1 = 1.0", true},
		{"RETURN 1 < 'a'", nil},
		{"RETURN $p", "param"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rows := g.Run(t, tt.query, map[string]any{"p": "param"})
			require.Len(t, rows, 1)
			assert.Equal(t, tt.want, rows[0][0])
		})
	}
}

func TestExecute_RuntimeErrors(t *testing.T) {
	g := testutil.SetupTestGraph(t)

	_, err := g.Exec("RETURN 1 / 0", nil)
	assert.True(t, errors.Is(err, cypher.ErrArithmetic))

	_, err = g.Exec("RETURN 1 + true", nil)
	assert.True(t, errors.Is(err, cypher.ErrTypeMismatch))

	_, err = g.Exec("RETURN $missing", nil)
	assert.True(t, cypher.IsQueryError(err))

	_, err = g.Exec("CREATE (n {bad: {nested: 1}})", nil)
	assert.True(t, errors.Is(err, cypher.ErrTypeMismatch))
}

func TestExecute_NoGraphNeeded(t *testing.T) {
	st, err := cypher.Parse("UNWIND [1, 2, 3] AS x RETURN x * 10 AS y")
	require.NoError(t, err)
	assert.False(t, st.RequiresDB)

	cur, err := st.Open(&cypher.ExecContext{Ctx: context.Background()})
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, cur.Columns())

	var got []any
	for {
		row, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row[0])
	}
	assert.Equal(t, []any{int64(10), int64(20), int64(30)}, got)
}

func TestCursor_PartialPullAndStop(t *testing.T) {
	st, err := cypher.Parse("UNWIND range(1, 100) AS x RETURN x")
	require.NoError(t, err)

	stop := false
	stopErr := errors.New("stopped")
	cur, err := st.Open(&cypher.ExecContext{
		Ctx: context.Background(),
		Stop: func() error {
			if stop {
				return stopErr
			}
			return nil
		},
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		row, ok, err := cur.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(i), row[0])
	}

	stop = true
	_, ok, err := cur.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, stopErr)

	// A stopped cursor stays exhausted.
	_, ok, err = cur.Next()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestCursor_ContextCancel(t *testing.T) {
	st, err := cypher.Parse("UNWIND range(1, 10) AS x RETURN x")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cur, err := st.Open(&cypher.ExecContext{Ctx: ctx})
	require.NoError(t, err)
	cancel()
	_, _, err = cur.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_WritesAreEager(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	st, err := cypher.Parse("UNWIND range(1, 5) AS i CREATE (n:N {i: i}) RETURN n.i")
	require.NoError(t, err)

	cur, err := st.Open(&cypher.ExecContext{Ctx: context.Background(), Graph: g.Command})
	require.NoError(t, err)

	// All five nodes exist before any row is pulled.
	assert.Equal(t, 5, g.Command.Stats().NodesCreated)
	row, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), row[0])
}

func TestExecute_UniqueConstraintViolation(t *testing.T) {
	g := testutil.SetupTestGraph(t)
	_, err := g.Storage.CreateUniqueConstraint("User", "email")
	require.NoError(t, err)

	acc := g.Storage.Access(storage.SnapshotIsolation, storage.ReadWrite)
	defer acc.Abort()
	graph := &testutil.Graph{Storage: g.Storage, Accessor: acc, Command: acc.NewCommand(nil)}

	graph.Run(t, "CREATE (:User {email: 'a@x'})", nil)
	_, err = graph.Exec("CREATE (:User {email: 'a@x'})", nil)
	var cve *storage.ConstraintViolationError
	assert.True(t, errors.As(err, &cve), "got %v", err)
}

func drainCursor(t *testing.T, cur *cypher.Cursor) [][]any {
	t.Helper()
	var rows [][]any
	for {
		row, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

// execute opens st and reads every row, returning the first error.
func execute(st *cypher.Statement, ec *cypher.ExecContext) error {
	cur, err := st.Open(ec)
	if err != nil {
		return err
	}
	for {
		_, ok, err := cur.Next()
		if err != nil || !ok {
			return err
		}
	}
}

func TestExecute_MemoryLimit(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"range list", "RETURN size(range(1, 200000)) AS n"},
		{"ordered unwind", "UNWIND range(1, 200000) AS x RETURN x ORDER BY x DESC"},
		{"grouped collect", "UNWIND range(1, 3000) AS x RETURN x % 1000 AS k, collect(x) AS xs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := memory.NewUpstream(64 << 10)
			qa := memory.NewQueryAllocator(up, memory.DefaultOptions())

			st, err := cypher.Parse(tt.query)
			require.NoError(t, err)
			err = execute(st, &cypher.ExecContext{Ctx: context.Background(), Memory: qa.ResourceWithoutPool()})
			require.Error(t, err)
			assert.True(t, errors.Is(err, memory.ErrOutOfMemory), "got %v", err)

			qa.Close()
			assert.Zero(t, up.Used())
		})
	}
}

func TestExecute_MemoryIsChargedAndReleased(t *testing.T) {
	up := memory.NewUpstream(1 << 20)
	qa := memory.NewQueryAllocator(up, memory.DefaultOptions())

	st, err := cypher.Parse("UNWIND [3, 1, 2] AS x RETURN x ORDER BY x")
	require.NoError(t, err)
	cur, err := st.Open(&cypher.ExecContext{Ctx: context.Background(), Memory: qa.ResourceWithoutPool()})
	require.NoError(t, err)
	rows := drainCursor(t, cur)
	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}, {int64(3)}}, rows)

	assert.Positive(t, up.Used())
	assert.Positive(t, up.Peak())
	qa.Close()
	assert.Zero(t, up.Used())
}

func TestRange(t *testing.T) {
	tests := []struct {
		query string
		want  []any
	}{
		{"RETURN range(1, 4) AS r", []any{int64(1), int64(2), int64(3), int64(4)}},
		{"RETURN range(0, 10, 4) AS r", []any{int64(0), int64(4), int64(8)}},
		{"RETURN range(10, 0, -3) AS r", []any{int64(10), int64(7), int64(4), int64(1)}},
		{"RETURN range(5, 1) AS r", []any{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			st, err := cypher.Parse(tt.query)
			require.NoError(t, err)
			cur, err := st.Open(&cypher.ExecContext{Ctx: context.Background()})
			require.NoError(t, err)
			rows := drainCursor(t, cur)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.want, rows[0][0])
		})
	}
}
