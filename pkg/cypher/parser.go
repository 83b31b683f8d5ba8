// Package cypher parses and executes the Cypher subset served by the
// query engine.
//
// A query is parsed once into a Statement (cacheable across sessions) and
// executed many times. Execution opens a Cursor: a lazy pipeline of
// operators pulled one row at a time, so a caller can stop after n rows
// and resume later.
//
// Supported clauses: MATCH (with WHERE), CREATE, UNWIND, SET, [DETACH]
// DELETE, RETURN (with ORDER BY, SKIP, LIMIT and count aggregation), and
// CREATE/DROP CONSTRAINT ... IS UNIQUE.
package cypher

import (
	"strings"
)

type parser struct {
	src  string
	toks []token
	pos  int
}

func parseQuery(src string) (*Query, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (p *parser) peek() token       { return p.toks[p.pos] }
func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(kw string) bool {
	if p.peek().is(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kw string) (token, error) {
	t := p.peek()
	if !t.is(kw) {
		return t, p.unexpected("'" + kw + "'")
	}
	p.pos++
	return t, nil
}

func (p *parser) unexpected(want string) error {
	t := p.peek()
	if t.kind == tokEOF {
		return syntaxErrorf(t.pos, "unexpected end of input, expected %s", want)
	}
	return syntaxErrorf(t.pos, "unexpected %q, expected %s", p.src[t.pos:t.end], want)
}

func (p *parser) identifier() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.unexpected("identifier")
	}
	p.pos++
	return t.text, nil
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{}
	if p.peek().is("CREATE") && p.peekAt(1).is("CONSTRAINT") || p.peek().is("DROP") {
		c, err := p.parseConstraint()
		if err != nil {
			return nil, err
		}
		q.Clauses = append(q.Clauses, c)
		return q, p.finish()
	}

	for {
		t := p.peek()
		var (
			c   Clause
			err error
		)
		switch {
		case t.kind == tokEOF || t.is(";"):
			if len(q.Clauses) == 0 {
				return nil, syntaxErrorf(t.pos, "empty query")
			}
			return q, p.finish()
		case t.is("MATCH"):
			c, err = p.parseMatch()
		case t.is("CREATE"):
			c, err = p.parseCreate()
		case t.is("UNWIND"):
			c, err = p.parseUnwind()
		case t.is("SET"):
			c, err = p.parseSet()
		case t.is("DELETE"), t.is("DETACH"):
			c, err = p.parseDelete()
		case t.is("RETURN"):
			c, err = p.parseReturn()
		default:
			return nil, p.unexpected("a clause")
		}
		if err != nil {
			return nil, err
		}
		q.Clauses = append(q.Clauses, c)
		if _, ok := c.(*ReturnClause); ok {
			return q, p.finish()
		}
	}
}

func (p *parser) finish() error {
	p.accept(";")
	if p.peek().kind != tokEOF {
		return p.unexpected("end of input")
	}
	return nil
}

// CREATE CONSTRAINT ON (n:L) ASSERT n.p IS UNIQUE
// CREATE CONSTRAINT FOR (n:L) REQUIRE n.p IS UNIQUE
// DROP CONSTRAINT ON (n:L) ASSERT n.p IS UNIQUE
func (p *parser) parseConstraint() (*ConstraintClause, error) {
	c := &ConstraintClause{Drop: p.peek().is("DROP")}
	p.next()
	if _, err := p.expect("CONSTRAINT"); err != nil {
		return nil, err
	}
	if !p.accept("ON") && !p.accept("FOR") {
		return nil, p.unexpected("ON or FOR")
	}
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	v, err := p.identifier()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(":"); err != nil {
		return nil, err
	}
	if c.Label, err = p.identifier(); err != nil {
		return nil, err
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	if !p.accept("ASSERT") && !p.accept("REQUIRE") {
		return nil, p.unexpected("ASSERT or REQUIRE")
	}
	ref, err := p.identifier()
	if err != nil {
		return nil, err
	}
	if ref != v {
		return nil, semanticErrorf("variable `%s` not defined", ref)
	}
	if _, err := p.expect("."); err != nil {
		return nil, err
	}
	if c.Property, err = p.identifier(); err != nil {
		return nil, err
	}
	for _, kw := range []string{"IS", "UNIQUE"} {
		if _, err := p.expect(kw); err != nil {
			return nil, err
		}
	}
	c.Variable = v
	return c, nil
}

func (p *parser) parseMatch() (*MatchClause, error) {
	p.next()
	patterns, err := p.parsePatterns()
	if err != nil {
		return nil, err
	}
	m := &MatchClause{Patterns: patterns}
	if p.accept("WHERE") {
		if m.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (p *parser) parseCreate() (*CreateClause, error) {
	p.next()
	patterns, err := p.parsePatterns()
	if err != nil {
		return nil, err
	}
	return &CreateClause{Patterns: patterns}, nil
}

func (p *parser) parseUnwind() (*UnwindClause, error) {
	p.next()
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect("AS"); err != nil {
		return nil, err
	}
	alias, err := p.identifier()
	if err != nil {
		return nil, err
	}
	return &UnwindClause{Expr: e, Alias: alias}, nil
}

func (p *parser) parseSet() (*SetClause, error) {
	p.next()
	s := &SetClause{}
	for {
		v, err := p.identifier()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("."); err != nil {
			return nil, err
		}
		prop, err := p.identifier()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		s.Items = append(s.Items, SetItem{Variable: v, Property: prop, Value: val})
		if !p.accept(",") {
			return s, nil
		}
	}
}

func (p *parser) parseDelete() (*DeleteClause, error) {
	d := &DeleteClause{Detach: p.accept("DETACH")}
	if _, err := p.expect("DELETE"); err != nil {
		return nil, err
	}
	for {
		v, err := p.identifier()
		if err != nil {
			return nil, err
		}
		d.Variables = append(d.Variables, v)
		if !p.accept(",") {
			return d, nil
		}
	}
}

func (p *parser) parseReturn() (*ReturnClause, error) {
	p.next()
	r := &ReturnClause{}
	for {
		start := p.peek().pos
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		item := ReturnItem{Expr: e, Alias: strings.TrimSpace(p.src[start:p.toks[p.pos-1].end])}
		if p.accept("AS") {
			if item.Alias, err = p.identifier(); err != nil {
				return nil, err
			}
		}
		r.Items = append(r.Items, item)
		if !p.accept(",") {
			break
		}
	}
	if p.peek().is("ORDER") {
		p.next()
		if _, err := p.expect("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			o := OrderItem{Expr: e}
			switch {
			case p.accept("DESC"), p.accept("DESCENDING"):
				o.Descending = true
			case p.accept("ASC"), p.accept("ASCENDING"):
			}
			r.OrderBy = append(r.OrderBy, o)
			if !p.accept(",") {
				break
			}
		}
	}
	var err error
	if p.accept("SKIP") {
		if r.Skip, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.accept("LIMIT") {
		if r.Limit, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (p *parser) parsePatterns() ([]*PathPattern, error) {
	var out []*PathPattern
	for {
		pp, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
		if !p.accept(",") {
			return out, nil
		}
	}
}

func (p *parser) parsePath() (*PathPattern, error) {
	n, err := p.parseNodePattern()
	if err != nil {
		return nil, err
	}
	pp := &PathPattern{Nodes: []*NodePattern{n}}
	for p.peek().is("-") || p.peek().is("<-") {
		r, err := p.parseRelPattern()
		if err != nil {
			return nil, err
		}
		n, err := p.parseNodePattern()
		if err != nil {
			return nil, err
		}
		pp.Rels = append(pp.Rels, r)
		pp.Nodes = append(pp.Nodes, n)
	}
	return pp, nil
}

func (p *parser) parseNodePattern() (*NodePattern, error) {
	if _, err := p.expect("("); err != nil {
		return nil, err
	}
	n := &NodePattern{}
	if p.peek().kind == tokIdent {
		n.Variable = p.next().text
	}
	for p.accept(":") {
		l, err := p.identifier()
		if err != nil {
			return nil, err
		}
		n.Labels = append(n.Labels, l)
	}
	if p.peek().is("{") {
		props, err := p.parseMapEntries()
		if err != nil {
			return nil, err
		}
		n.Properties = props
	}
	if _, err := p.expect(")"); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) parseRelPattern() (*RelPattern, error) {
	r := &RelPattern{Direction: DirectionBoth}
	incoming := p.next().is("<-")
	if p.accept("[") {
		if p.peek().kind == tokIdent {
			r.Variable = p.next().text
		}
		if p.accept(":") {
			t, err := p.identifier()
			if err != nil {
				return nil, err
			}
			r.Type = t
		}
		if p.peek().is("{") {
			props, err := p.parseMapEntries()
			if err != nil {
				return nil, err
			}
			r.Properties = props
		}
		if _, err := p.expect("]"); err != nil {
			return nil, err
		}
	}
	switch {
	case p.accept("->"):
		if incoming {
			return nil, syntaxErrorf(p.toks[p.pos-1].pos, "relationship cannot point both ways")
		}
		r.Direction = DirectionOut
	case p.accept("-"):
		if incoming {
			r.Direction = DirectionIn
		}
	default:
		return nil, p.unexpected("'-' or '->'")
	}
	return r, nil
}

func (p *parser) parseMapEntries() (map[string]Expression, error) {
	if _, err := p.expect("{"); err != nil {
		return nil, err
	}
	m := make(map[string]Expression)
	if p.accept("}") {
		return m, nil
	}
	for {
		t := p.peek()
		if t.kind != tokIdent && t.kind != tokString {
			return nil, p.unexpected("map key")
		}
		p.next()
		if _, err := p.expect(":"); err != nil {
			return nil, err
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		m[t.text] = v
		if p.accept("}") {
			return m, nil
		}
		if _, err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

// Expression grammar, lowest precedence first:
// OR, XOR, AND, NOT, comparison, additive, multiplicative, unary, postfix.

func (p *parser) parseExpr() (Expression, error) { return p.parseOr() }

func (p *parser) parseOr() (Expression, error) {
	left, err := p.parseXor()
	if err != nil {
		return nil, err
	}
	for p.accept("OR") {
		right, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseXor() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("XOR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: "XOR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expression, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expression, error) {
	if p.accept("NOT") {
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: "NOT", Operand: e}, nil
	}
	return p.parseComparison()
}

var comparisonOps = []string{"=", "<>", "<", "<=", ">", ">=", "=~"}

func (p *parser) parseComparison() (Expression, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		op := ""
		for _, c := range comparisonOps {
			if t.is(c) {
				op = c
				break
			}
		}
		switch {
		case op != "":
			p.next()
		case t.is("IN"):
			p.next()
			op = "IN"
		case t.is("CONTAINS"):
			p.next()
			op = "CONTAINS"
		case t.is("STARTS") && p.peekAt(1).is("WITH"):
			p.pos += 2
			op = "STARTS WITH"
		case t.is("ENDS") && p.peekAt(1).is("WITH"):
			p.pos += 2
			op = "ENDS WITH"
		case t.is("IS"):
			p.next()
			not := p.accept("NOT")
			if _, err := p.expect("NULL"); err != nil {
				return nil, err
			}
			left = &IsNull{Operand: left, Not: not}
			continue
		default:
			return left, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseAdditive() (Expression, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.peek().is("+") || p.peek().is("-") {
		op := p.next().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().is("*") || p.peek().is("/") || p.peek().is("%") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expression, error) {
	if p.accept("-") {
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := e.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{Value: -v}, nil
			case float64:
				return &Literal{Value: -v}, nil
			}
		}
		return &UnaryOp{Op: "-", Operand: e}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expression, error) {
	e, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for p.accept(".") {
		key, err := p.identifier()
		if err != nil {
			return nil, err
		}
		e = &PropertyAccess{Target: e, Key: key}
	}
	return e, nil
}

func (p *parser) parseAtom() (Expression, error) {
	t := p.peek()
	switch t.kind {
	case tokInt:
		p.next()
		return &Literal{Value: t.ival}, nil
	case tokFloat:
		p.next()
		return &Literal{Value: t.fval}, nil
	case tokString:
		p.next()
		return &Literal{Value: t.text}, nil
	case tokParam:
		p.next()
		return &Parameter{Name: t.text}, nil
	case tokIdent:
		switch {
		case t.is("TRUE"):
			p.next()
			return &Literal{Value: true}, nil
		case t.is("FALSE"):
			p.next()
			return &Literal{Value: false}, nil
		case t.is("NULL"):
			p.next()
			return &Literal{Value: nil}, nil
		}
		p.next()
		if p.peek().is("(") {
			return p.parseCall(t.text)
		}
		return &Variable{Name: t.text}, nil
	case tokPunct:
		switch t.text {
		case "(":
			p.next()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(")"); err != nil {
				return nil, err
			}
			return e, nil
		case "[":
			p.next()
			l := &ListExpr{}
			if p.accept("]") {
				return l, nil
			}
			for {
				e, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				l.Items = append(l.Items, e)
				if p.accept("]") {
					return l, nil
				}
				if _, err := p.expect(","); err != nil {
					return nil, err
				}
			}
		case "{":
			m, err := p.parseMapEntries()
			if err != nil {
				return nil, err
			}
			return &MapExpr{Entries: m}, nil
		}
	}
	return nil, p.unexpected("an expression")
}

func (p *parser) parseCall(name string) (Expression, error) {
	p.next() // (
	call := &FunctionCall{Name: strings.ToLower(name)}
	if p.accept("*") {
		if call.Name != "count" {
			return nil, semanticErrorf("%s(*) is not supported", name)
		}
		call.Star = true
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
	if p.accept(")") {
		return call, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, e)
		if p.accept(")") {
			return call, nil
		}
		if _, err := p.expect(","); err != nil {
			return nil, err
		}
	}
}
