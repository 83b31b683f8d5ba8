package cypher

import (
	"reflect"

	"github.com/samber/lo"

	"github.com/orneryd/nornicqe/pkg/auth"
)

// Statement access modes, in the form reported in query summaries.
const (
	ModeRead      = "r"
	ModeWrite     = "w"
	ModeReadWrite = "rw"
	ModeSchema    = "s"
)

// Notification is a non-fatal remark about a statement.
type Notification struct {
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Statement is a parsed and validated query. It holds no per-execution
// state and may be shared between sessions.
type Statement struct {
	Text string

	// Columns are the RETURN column names in order; empty for statements
	// without RETURN.
	Columns []string

	// Privileges required to run the statement, without duplicates.
	Privileges []auth.Privilege

	// Mode is one of ModeRead, ModeWrite, ModeReadWrite or ModeSchema.
	Mode string

	// RequiresDB is false for statements that only evaluate expressions
	// (RETURN 1, UNWIND [1,2] AS x RETURN x).
	RequiresDB bool

	// Schema is set for constraint statements, which are not executed
	// through Open.
	Schema *ConstraintClause

	Notifications []Notification

	query     *Query
	writes    bool
	aggregate bool
	ret       *ReturnClause
	// orderCols maps each ORDER BY key to the RETURN column it repeats, or
	// -1 when it must be evaluated against the row.
	orderCols []int
}

// IsWrite reports whether executing the statement may modify the graph.
func (s *Statement) IsWrite() bool { return s.writes || s.Schema != nil }

// Parse parses and validates a query.
func Parse(text string) (*Statement, error) {
	q, err := parseQuery(text)
	if err != nil {
		return nil, err
	}
	st := &Statement{Text: text, query: q}
	if err := st.analyze(); err != nil {
		return nil, err
	}
	return st, nil
}

type varKind int

const (
	varNode varKind = iota
	varRel
	varValue
)

type scope map[string]varKind

func (s scope) bind(name string, kind varKind) error {
	if name == "" {
		return nil
	}
	if prev, ok := s[name]; ok && prev != kind {
		return semanticErrorf("Type mismatch: `%s` defined with conflicting type", name)
	}
	s[name] = kind
	return nil
}

func (st *Statement) analyze() error {
	bound := scope{}
	reads := false
	for i, c := range st.query.Clauses {
		switch c := c.(type) {
		case *ConstraintClause:
			st.Schema = c
			st.Mode = ModeSchema
			st.RequiresDB = true
			st.Privileges = []auth.Privilege{auth.PrivConstraint}
			return nil
		case *MatchClause:
			reads = true
			st.RequiresDB = true
			st.addPrivilege(auth.PrivMatch)
			for _, p := range c.Patterns {
				if err := bindPattern(p, bound, false); err != nil {
					return err
				}
			}
			if c.Where != nil {
				if err := checkExpr(c.Where, bound, false); err != nil {
					return err
				}
			}
			if disconnected(c.Patterns) {
				st.Notifications = append(st.Notifications, Notification{
					Code:        "Neo.ClientNotification.Statement.CartesianProductWarning",
					Title:       "This query builds a cartesian product between disconnected patterns.",
					Description: "Disconnected patterns build a cartesian product, which may be slow and use a lot of memory.",
					Severity:    "WARNING",
				})
			}
		case *CreateClause:
			st.writes = true
			st.RequiresDB = true
			st.addPrivilege(auth.PrivCreate)
			for _, p := range c.Patterns {
				if err := bindPattern(p, bound, true); err != nil {
					return err
				}
			}
		case *UnwindClause:
			if err := checkExpr(c.Expr, bound, false); err != nil {
				return err
			}
			if _, ok := bound[c.Alias]; ok {
				return semanticErrorf("Variable `%s` already declared", c.Alias)
			}
			bound[c.Alias] = varValue
		case *SetClause:
			st.writes = true
			st.addPrivilege(auth.PrivSet)
			for _, item := range c.Items {
				if _, ok := bound[item.Variable]; !ok {
					return semanticErrorf("Variable `%s` not defined", item.Variable)
				}
				if err := checkExpr(item.Value, bound, false); err != nil {
					return err
				}
			}
		case *DeleteClause:
			st.writes = true
			st.addPrivilege(auth.PrivDelete)
			for _, v := range c.Variables {
				if _, ok := bound[v]; !ok {
					return semanticErrorf("Variable `%s` not defined", v)
				}
			}
		case *ReturnClause:
			if i != len(st.query.Clauses)-1 {
				return semanticErrorf("RETURN can only be used at the end of the query")
			}
			if err := st.analyzeReturn(c, bound); err != nil {
				return err
			}
		}
	}

	switch {
	case st.writes && reads:
		st.Mode = ModeReadWrite
	case st.writes:
		st.Mode = ModeWrite
	default:
		st.Mode = ModeRead
	}
	if !st.writes && st.ret == nil {
		return semanticErrorf("Query cannot conclude with %s (must be a RETURN clause or an update clause)",
			clauseName(st.query.Clauses[len(st.query.Clauses)-1]))
	}
	return nil
}

func (st *Statement) analyzeReturn(r *ReturnClause, bound scope) error {
	st.ret = r
	seen := map[string]bool{}
	for _, item := range r.Items {
		if err := checkExpr(item.Expr, bound, true); err != nil {
			return err
		}
		if seen[item.Alias] {
			return semanticErrorf("Multiple result columns with the same name are not supported")
		}
		seen[item.Alias] = true
		st.Columns = append(st.Columns, item.Alias)
		if isAggregate(item.Expr) {
			st.aggregate = true
		}
	}

	for _, o := range r.OrderBy {
		col := -1
		for i, item := range r.Items {
			if reflect.DeepEqual(item.Expr, o.Expr) {
				col = i
				break
			}
			if v, ok := o.Expr.(*Variable); ok && v.Name == item.Alias {
				col = i
				break
			}
		}
		if col < 0 {
			if st.aggregate {
				return semanticErrorf("ORDER BY after aggregation can only refer to returned columns")
			}
			// Aliases are visible to ORDER BY alongside the bound variables.
			withAliases := scope{}
			for k, v := range bound {
				withAliases[k] = v
			}
			for _, item := range r.Items {
				withAliases[item.Alias] = varValue
			}
			if err := checkExpr(o.Expr, withAliases, false); err != nil {
				return err
			}
		}
		st.orderCols = append(st.orderCols, col)
	}

	for _, e := range []Expression{r.Skip, r.Limit} {
		if e == nil {
			continue
		}
		if err := checkExpr(e, scope{}, false); err != nil {
			return semanticErrorf("SKIP and LIMIT may only use literals and parameters: %v", err)
		}
	}
	return nil
}

func (st *Statement) addPrivilege(p auth.Privilege) {
	if !lo.Contains(st.Privileges, p) {
		st.Privileges = append(st.Privileges, p)
	}
}

func bindPattern(p *PathPattern, bound scope, create bool) error {
	before := scope{}
	for k, v := range bound {
		before[k] = v
	}
	for _, n := range p.Nodes {
		for _, e := range n.Properties {
			if err := checkExpr(e, before, false); err != nil {
				return err
			}
		}
		if create && n.Variable != "" {
			if _, ok := before[n.Variable]; ok && (len(n.Labels) > 0 || len(n.Properties) > 0) {
				return semanticErrorf("Can't create node `%s` with labels or properties here. The variable is already declared in this context", n.Variable)
			}
		}
		if err := bound.bind(n.Variable, varNode); err != nil {
			return err
		}
	}
	for _, r := range p.Rels {
		for _, e := range r.Properties {
			if err := checkExpr(e, before, false); err != nil {
				return err
			}
		}
		if create {
			if r.Type == "" {
				return semanticErrorf("Exactly one relationship type must be specified for CREATE")
			}
			if r.Direction == DirectionBoth {
				return semanticErrorf("Only directed relationships are supported in CREATE")
			}
			if _, ok := before[r.Variable]; ok && r.Variable != "" {
				return semanticErrorf("Can't create relationship `%s`: variable already declared", r.Variable)
			}
		}
		if err := bound.bind(r.Variable, varRel); err != nil {
			return err
		}
	}
	return nil
}

func checkExpr(e Expression, bound scope, aggregateAllowed bool) error {
	switch e := e.(type) {
	case *Variable:
		if _, ok := bound[e.Name]; !ok {
			return semanticErrorf("Variable `%s` not defined", e.Name)
		}
	case *ListExpr:
		for _, item := range e.Items {
			if err := checkExpr(item, bound, false); err != nil {
				return err
			}
		}
	case *MapExpr:
		for _, item := range e.Entries {
			if err := checkExpr(item, bound, false); err != nil {
				return err
			}
		}
	case *PropertyAccess:
		return checkExpr(e.Target, bound, false)
	case *IsNull:
		return checkExpr(e.Operand, bound, false)
	case *UnaryOp:
		return checkExpr(e.Operand, bound, false)
	case *BinaryOp:
		if err := checkExpr(e.Left, bound, false); err != nil {
			return err
		}
		return checkExpr(e.Right, bound, false)
	case *FunctionCall:
		if aggregateFuncs[e.Name] {
			if !aggregateAllowed {
				return semanticErrorf("Invalid use of aggregating function %s(...) in this context", e.Name)
			}
			if !e.Star && len(e.Args) != 1 {
				return semanticErrorf("function %s() expects 1 argument, got %d", e.Name, len(e.Args))
			}
		} else {
			want, ok := scalarFuncs[e.Name]
			if !ok {
				return semanticErrorf("Unknown function '%s'", e.Name)
			}
			switch {
			case want >= 0 && len(e.Args) != want:
				return semanticErrorf("function %s() expects %d argument(s), got %d", e.Name, want, len(e.Args))
			case e.Name == "range" && (len(e.Args) < 2 || len(e.Args) > 3):
				return semanticErrorf("function range() expects 2 or 3 arguments, got %d", len(e.Args))
			case e.Name == "coalesce" && len(e.Args) == 0:
				return semanticErrorf("function coalesce() expects at least 1 argument")
			}
		}
		for _, a := range e.Args {
			if err := checkExpr(a, bound, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// disconnected reports whether the patterns of one MATCH share no variable
// and therefore form a cartesian product.
func disconnected(patterns []*PathPattern) bool {
	if len(patterns) < 2 {
		return false
	}
	vars := func(p *PathPattern) []string {
		var out []string
		for _, n := range p.Nodes {
			if n.Variable != "" {
				out = append(out, n.Variable)
			}
		}
		return out
	}
	seen := vars(patterns[0])
	for _, p := range patterns[1:] {
		vs := vars(p)
		if len(lo.Intersect(seen, vs)) == 0 {
			return true
		}
		seen = append(seen, vs...)
	}
	return false
}

func clauseName(c Clause) string {
	switch c.(type) {
	case *MatchClause:
		return "MATCH"
	case *UnwindClause:
		return "UNWIND"
	case *CreateClause:
		return "CREATE"
	}
	return "this clause"
}
