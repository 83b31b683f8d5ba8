package cypher

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// SyntaxError reports a query that could not be parsed.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
}

func syntaxErrorf(pos int, format string, args ...any) error {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// SemanticError reports a query that parsed but makes no sense, such as
// an unbound variable.
type SemanticError struct {
	Msg string
}

func (e *SemanticError) Error() string { return e.Msg }

func semanticErrorf(format string, args ...any) error {
	return &SemanticError{Msg: fmt.Sprintf(format, args...)}
}

// IsQueryError reports whether err is a parse or semantic error.
func IsQueryError(err error) bool {
	var se *SyntaxError
	var me *SemanticError
	return errors.As(err, &se) || errors.As(err, &me)
}

// ErrTypeMismatch marks runtime errors caused by operand types.
var ErrTypeMismatch = errors.New("type mismatch")

// Query is a parsed statement: an ordered list of clauses.
type Query struct {
	Clauses []Clause
}

// Clause is one Cypher clause.
type Clause interface {
	clauseMarker()
}

// MatchClause represents a MATCH clause.
type MatchClause struct {
	Patterns []*PathPattern
	Where    Expression
}

// CreateClause represents a CREATE clause.
type CreateClause struct {
	Patterns []*PathPattern
}

// UnwindClause represents an UNWIND clause.
type UnwindClause struct {
	Expr  Expression
	Alias string
}

// SetClause represents a SET clause.
type SetClause struct {
	Items []SetItem
}

// SetItem is one "var.prop = expr" assignment.
type SetItem struct {
	Variable string
	Property string
	Value    Expression
}

// DeleteClause represents a [DETACH] DELETE clause.
type DeleteClause struct {
	Detach    bool
	Variables []string
}

// ReturnClause represents a RETURN clause.
type ReturnClause struct {
	Items   []ReturnItem
	OrderBy []OrderItem
	Skip    Expression
	Limit   Expression
}

// ReturnItem is a projected expression and its column name.
type ReturnItem struct {
	Expr  Expression
	Alias string
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr       Expression
	Descending bool
}

// ConstraintClause is CREATE/DROP CONSTRAINT ... IS UNIQUE.
type ConstraintClause struct {
	Drop     bool
	Variable string
	Label    string
	Property string
}

func (*MatchClause) clauseMarker()      {}
func (*CreateClause) clauseMarker()     {}
func (*UnwindClause) clauseMarker()     {}
func (*SetClause) clauseMarker()        {}
func (*DeleteClause) clauseMarker()     {}
func (*ReturnClause) clauseMarker()     {}
func (*ConstraintClause) clauseMarker() {}

// Direction of a relationship pattern.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// NodePattern is "(var:Label {props})".
type NodePattern struct {
	Variable   string
	Labels     []string
	Properties map[string]Expression
}

// RelPattern is "-[var:TYPE {props}]->".
type RelPattern struct {
	Variable   string
	Type       string
	Properties map[string]Expression
	Direction  Direction
}

// PathPattern alternates nodes and relationships: len(Rels) == len(Nodes)-1.
type PathPattern struct {
	Nodes []*NodePattern
	Rels  []*RelPattern
}

// Expression is a Cypher expression node.
type Expression interface {
	exprMarker()
}

type (
	// Literal is a constant: nil, bool, int64, float64 or string.
	Literal struct{ Value any }
	// ListExpr is "[a, b, ...]".
	ListExpr struct{ Items []Expression }
	// MapExpr is "{k: v, ...}".
	MapExpr struct{ Entries map[string]Expression }
	// Parameter is "$name".
	Parameter struct{ Name string }
	// Variable references a bound name.
	Variable struct{ Name string }
	// PropertyAccess is "expr.key".
	PropertyAccess struct {
		Target Expression
		Key    string
	}
	// FunctionCall is "name(args)"; Star is set for count(*).
	FunctionCall struct {
		Name string
		Args []Expression
		Star bool
	}
	// BinaryOp is "left op right".
	BinaryOp struct {
		Op          string
		Left, Right Expression
	}
	// UnaryOp is "NOT x" or "-x".
	UnaryOp struct {
		Op      string
		Operand Expression
	}
	// IsNull is "x IS [NOT] NULL".
	IsNull struct {
		Operand Expression
		Not     bool
	}
)

func (*Literal) exprMarker()        {}
func (*ListExpr) exprMarker()       {}
func (*MapExpr) exprMarker()        {}
func (*Parameter) exprMarker()      {}
func (*Variable) exprMarker()       {}
func (*PropertyAccess) exprMarker() {}
func (*FunctionCall) exprMarker()   {}
func (*BinaryOp) exprMarker()       {}
func (*UnaryOp) exprMarker()        {}
func (*IsNull) exprMarker()         {}
