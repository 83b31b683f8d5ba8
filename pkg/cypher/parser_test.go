package cypher

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicqe/pkg/auth"
)

func TestLex(t *testing.T) {
	toks, err := lex("MATCH (n:`My Label` {x: 'a\\'b'})-->(m) WHERE n.v >= 1.5 RETURN $p // trailing")
	require.NoError(t, err)

	var texts []string
	for _, tok := range toks {
		if tok.kind != tokEOF {
			texts = append(texts, tok.text)
		}
	}
	assert.Equal(t, []string{
		"MATCH", "(", "n", ":", "My Label", "{", "x", ":", "a'b", "}", ")",
		"-", "->", "(", "m", ")", "WHERE", "n", ".", "v", ">=", "1.5", "RETURN", "p",
	}, texts)

	_, err = lex("RETURN 'open")
	assert.Error(t, err)
	_, err = lex("RETURN #")
	assert.Error(t, err)
}

func TestLex_RangeDots(t *testing.T) {
	toks, err := lex("1..2")
	require.NoError(t, err)
	assert.Equal(t, tokInt, toks[0].kind)
	assert.Equal(t, int64(1), toks[0].ival)
}

func TestParse_Columns(t *testing.T) {
	tests := []struct {
		query   string
		columns []string
	}{
		{"MATCH (n) RETURN n", []string{"n"}},
		{"MATCH (n) RETURN n.name, count(*) AS c", []string{"n.name", "c"}},
		{"RETURN 1 + 2", []string{"1 + 2"}},
		{"UNWIND [1,2] AS x RETURN x", []string{"x"}},
		{"CREATE (n:Person)", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			st, err := Parse(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.columns, st.Columns)
		})
	}
}

func TestParse_ModeAndPrivileges(t *testing.T) {
	tests := []struct {
		query      string
		mode       string
		privs      []auth.Privilege
		requiresDB bool
	}{
		{"RETURN 1", ModeRead, nil, false},
		{"MATCH (n) RETURN n", ModeRead, []auth.Privilege{auth.PrivMatch}, true},
		{"CREATE (n)", ModeWrite, []auth.Privilege{auth.PrivCreate}, true},
		{"MATCH (n) SET n.x = 1", ModeReadWrite, []auth.Privilege{auth.PrivMatch, auth.PrivSet}, true},
		{"MATCH (n) DETACH DELETE n", ModeReadWrite, []auth.Privilege{auth.PrivMatch, auth.PrivDelete}, true},
		{"MATCH (a) MATCH (b) RETURN a, b", ModeRead, []auth.Privilege{auth.PrivMatch}, true},
		{"CREATE CONSTRAINT ON (p:Person) ASSERT p.email IS UNIQUE", ModeSchema, []auth.Privilege{auth.PrivConstraint}, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			st, err := Parse(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.mode, st.Mode)
			assert.Equal(t, tt.privs, st.Privileges)
			assert.Equal(t, tt.requiresDB, st.RequiresDB)
		})
	}
}

func TestParse_Constraint(t *testing.T) {
	st, err := Parse("CREATE CONSTRAINT FOR (u:User) REQUIRE u.email IS UNIQUE")
	require.NoError(t, err)
	require.NotNil(t, st.Schema)
	assert.False(t, st.Schema.Drop)
	assert.Equal(t, "User", st.Schema.Label)
	assert.Equal(t, "email", st.Schema.Property)

	st, err = Parse("DROP CONSTRAINT ON (u:User) ASSERT u.email IS UNIQUE")
	require.NoError(t, err)
	assert.True(t, st.Schema.Drop)
	assert.True(t, st.IsWrite())

	_, err = Parse("CREATE CONSTRAINT ON (u:User) ASSERT x.email IS UNIQUE")
	assert.Error(t, err)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		query    string
		semantic bool
	}{
		{"", false},
		{"MATCH (n RETURN n", false},
		{"RETURN", false},
		{"MATCH (n) RETURN n LIMIT", false},
		{"FOO BAR", false},
		{"MATCH (n) RETURN m", true},
		{"MATCH (n)", true},
		{"CREATE (a)-[:R]-(b)", true},
		{"CREATE (a)-->(b)", true},
		{"MATCH (n) CREATE (n:Label)", true},
		{"RETURN 1 AS a, 2 AS a", true},
		{"MATCH (n) WHERE count(*) > 1 RETURN n", true},
		{"RETURN nosuchfn(1)", true},
		{"RETURN 1 SKIP n", true},
		{"MATCH (n) RETURN n.x, count(*) ORDER BY n.y", true},
		{"MATCH (n)-[n]->(m) RETURN n", true},
		{"UNWIND [1] AS x UNWIND [2] AS x RETURN x", true},
		{"RETURN 1 MATCH (n)", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			_, err := Parse(tt.query)
			require.Error(t, err)
			assert.True(t, IsQueryError(err), "expected a query error, got %v", err)
			var se *SemanticError
			assert.Equal(t, tt.semantic, errors.As(err, &se), "semantic=%v for %v", tt.semantic, err)
		})
	}
}

func TestParse_Precedence(t *testing.T) {
	st, err := Parse("RETURN 1 + 2 * 3 AS v, NOT true OR true AS b, -2 AS neg")
	require.NoError(t, err)
	items := st.ret.Items

	sum, ok := items[0].Expr.(*BinaryOp)
	require.True(t, ok)
	assert.Equal(t, "+", sum.Op)
	assert.Equal(t, "*", sum.Right.(*BinaryOp).Op)

	or, ok := items[1].Expr.(*BinaryOp)
	require.True(t, ok)
	assert.Equal(t, "OR", or.Op)
	assert.IsType(t, &UnaryOp{}, or.Left)

	assert.Equal(t, &Literal{Value: int64(-2)}, items[2].Expr)
}

func TestParse_Patterns(t *testing.T) {
	st, err := Parse("MATCH (a:Person {name: 'Alice'})<-[r:KNOWS]-(b), (c)--(d) RETURN a")
	require.NoError(t, err)
	m := st.query.Clauses[0].(*MatchClause)
	require.Len(t, m.Patterns, 2)

	first := m.Patterns[0]
	assert.Equal(t, []string{"Person"}, first.Nodes[0].Labels)
	assert.Contains(t, first.Nodes[0].Properties, "name")
	assert.Equal(t, DirectionIn, first.Rels[0].Direction)
	assert.Equal(t, "KNOWS", first.Rels[0].Type)
	assert.Equal(t, "r", first.Rels[0].Variable)

	assert.Equal(t, DirectionBoth, m.Patterns[1].Rels[0].Direction)
	require.Len(t, st.Notifications, 1)
	assert.Equal(t, "Neo.ClientNotification.Statement.CartesianProductWarning", st.Notifications[0].Code)
}
