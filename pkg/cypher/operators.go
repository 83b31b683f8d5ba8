package cypher

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/orneryd/nornicqe/pkg/memory"
	"github.com/orneryd/nornicqe/pkg/storage"
)

// GraphAccessor is the storage surface a statement executes against.
// *storage.Command satisfies it.
type GraphAccessor interface {
	NodeIDs(label string) ([]storage.NodeID, error)
	GetNode(id storage.NodeID) (*storage.Node, error)
	EdgeIDs(node storage.NodeID) ([]storage.EdgeID, error)
	GetEdge(id storage.EdgeID) (*storage.Edge, error)
	CreateNode(labels []string, props map[string]any) (*storage.Node, error)
	CreateEdge(edgeType string, start, end storage.NodeID, props map[string]any) (*storage.Edge, error)
	SetProperty(id storage.NodeID, key string, value any) (*storage.Node, error)
	DeleteNode(id storage.NodeID, detach bool) error
	DeleteEdge(id storage.EdgeID) error
}

// ExecContext carries everything one execution needs.
type ExecContext struct {
	Ctx context.Context

	// Graph may be nil for statements with RequiresDB == false.
	Graph GraphAccessor

	Params map[string]any

	// Stop is polled once per produced row and per scanned candidate; a
	// non-nil error aborts execution with that error.
	Stop func() error

	// Memory is charged for materialized intermediate data: lists built by
	// range(), buffered frames, rows held for ORDER BY and aggregation
	// state. Nil disables accounting.
	Memory memory.Resource
}

func (ec *ExecContext) checkStop() error {
	if ec.Stop != nil {
		if err := ec.Stop(); err != nil {
			return err
		}
	}
	if ec.Ctx != nil {
		return ec.Ctx.Err()
	}
	return nil
}

type operator interface {
	next() (Frame, bool, error)
}

// onceOp yields a single empty frame: the input of the first clause.
type onceOp struct{ done bool }

func (o *onceOp) next() (Frame, bool, error) {
	if o.done {
		return nil, false, nil
	}
	o.done = true
	return Frame{}, true, nil
}

// bufferedOp expands each input frame into a batch of output frames.
type bufferedOp struct {
	ec     *ExecContext
	input  operator
	expand func(Frame) ([]Frame, error)
	buf    []Frame
}

func (b *bufferedOp) next() (Frame, bool, error) {
	for len(b.buf) == 0 {
		f, ok, err := b.input.next()
		if err != nil || !ok {
			return nil, false, err
		}
		if b.buf, err = b.expand(f); err != nil {
			return nil, false, err
		}
		if err = b.ec.reserveFrames(b.buf); err != nil {
			return nil, false, err
		}
	}
	f := b.buf[0]
	b.buf = b.buf[1:]
	return f, true, nil
}

// mapOp transforms frames one to one.
type mapOp struct {
	input operator
	fn    func(Frame) (Frame, error)
}

func (m *mapOp) next() (Frame, bool, error) {
	f, ok, err := m.input.next()
	if err != nil || !ok {
		return nil, false, err
	}
	f, err = m.fn(f)
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func (ec *ExecContext) build(q *Query) operator {
	var op operator = &onceOp{}
	for _, c := range q.Clauses {
		switch c := c.(type) {
		case *MatchClause:
			op = &bufferedOp{ec: ec, input: op, expand: func(f Frame) ([]Frame, error) { return ec.match(f, c) }}
		case *CreateClause:
			op = &mapOp{input: op, fn: func(f Frame) (Frame, error) { return ec.create(f, c) }}
		case *UnwindClause:
			op = &bufferedOp{ec: ec, input: op, expand: func(f Frame) ([]Frame, error) { return ec.unwind(f, c) }}
		case *SetClause:
			op = &mapOp{input: op, fn: func(f Frame) (Frame, error) { return ec.set(f, c) }}
		case *DeleteClause:
			op = &mapOp{input: op, fn: func(f Frame) (Frame, error) { return f, ec.delete(f, c) }}
		}
	}
	return op
}

func (ec *ExecContext) match(f Frame, m *MatchClause) ([]Frame, error) {
	frames := []Frame{f}
	for _, p := range m.Patterns {
		var next []Frame
		for _, fr := range frames {
			out, err := ec.matchPath(fr, p)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		frames = next
		if len(frames) == 0 {
			return nil, nil
		}
	}
	if m.Where == nil {
		return frames, nil
	}
	kept := frames[:0]
	for _, fr := range frames {
		v, err := ec.eval(m.Where, fr)
		if err != nil {
			return nil, err
		}
		if v == true {
			kept = append(kept, fr)
		}
	}
	return kept, nil
}

func (ec *ExecContext) matchPath(f Frame, p *PathPattern) ([]Frame, error) {
	starts, err := ec.nodeCandidates(f, p.Nodes[0])
	if err != nil {
		return nil, err
	}
	var out []Frame
	used := map[storage.EdgeID]bool{}
	for _, n := range starts {
		fr := f
		if v := p.Nodes[0].Variable; v != "" {
			fr = f.with(v, n)
		}
		if err := ec.extendPath(fr, p, 0, n, used, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (ec *ExecContext) extendPath(f Frame, p *PathPattern, i int, cur *storage.Node, used map[storage.EdgeID]bool, out *[]Frame) error {
	if i == len(p.Rels) {
		*out = append(*out, f)
		return nil
	}
	rel, np := p.Rels[i], p.Nodes[i+1]
	ids, err := ec.Graph.EdgeIDs(cur.ID)
	if err != nil {
		return err
	}
	for _, eid := range ids {
		if used[eid] {
			continue
		}
		if err := ec.checkStop(); err != nil {
			return err
		}
		e, err := ec.Graph.GetEdge(eid)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if rel.Type != "" && !strings.EqualFold(rel.Type, e.Type) {
			continue
		}
		var other storage.NodeID
		switch {
		case rel.Direction == DirectionOut && e.StartNode == cur.ID:
			other = e.EndNode
		case rel.Direction == DirectionIn && e.EndNode == cur.ID:
			other = e.StartNode
		case rel.Direction == DirectionBoth:
			other = e.EndNode
			if e.EndNode == cur.ID {
				other = e.StartNode
			}
		default:
			continue
		}
		if ok, err := ec.relMatches(f, rel, e); err != nil || !ok {
			if err != nil {
				return err
			}
			continue
		}
		n, err := ec.Graph.GetNode(other)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if ok, err := ec.nodeMatches(f, np, n); err != nil || !ok {
			if err != nil {
				return err
			}
			continue
		}
		next := f
		if rel.Variable != "" {
			next = next.with(rel.Variable, e)
		}
		if np.Variable != "" {
			next = next.with(np.Variable, n)
		}
		used[eid] = true
		err = ec.extendPath(next, p, i+1, n, used, out)
		delete(used, eid)
		if err != nil {
			return err
		}
	}
	return nil
}

func (ec *ExecContext) nodeCandidates(f Frame, np *NodePattern) ([]*storage.Node, error) {
	if np.Variable != "" {
		if v, ok := f[np.Variable]; ok {
			n, ok := v.(*storage.Node)
			if !ok {
				return nil, nil
			}
			fresh, err := ec.Graph.GetNode(n.ID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			if ok, err := ec.nodeMatches(f, np, fresh); err != nil || !ok {
				return nil, err
			}
			return []*storage.Node{fresh}, nil
		}
	}
	label := ""
	if len(np.Labels) > 0 {
		label = np.Labels[0]
	}
	ids, err := ec.Graph.NodeIDs(label)
	if err != nil {
		return nil, err
	}
	var out []*storage.Node
	for _, id := range ids {
		if err := ec.checkStop(); err != nil {
			return nil, err
		}
		n, err := ec.Graph.GetNode(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ok, err := ec.nodeMatches(f, np, n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (ec *ExecContext) nodeMatches(f Frame, np *NodePattern, n *storage.Node) (bool, error) {
	if np.Variable != "" {
		if v, ok := f[np.Variable]; ok {
			bound, ok := v.(*storage.Node)
			if !ok || bound.ID != n.ID {
				return false, nil
			}
		}
	}
	for _, l := range np.Labels {
		if !n.HasLabel(l) {
			return false, nil
		}
	}
	return ec.propsMatch(f, np.Properties, n.Properties)
}

func (ec *ExecContext) relMatches(f Frame, rp *RelPattern, e *storage.Edge) (bool, error) {
	if rp.Variable != "" {
		if v, ok := f[rp.Variable]; ok {
			bound, ok := v.(*storage.Edge)
			if !ok || bound.ID != e.ID {
				return false, nil
			}
		}
	}
	return ec.propsMatch(f, rp.Properties, e.Properties)
}

func (ec *ExecContext) propsMatch(f Frame, want map[string]Expression, have map[string]any) (bool, error) {
	for k, expr := range want {
		v, err := ec.eval(expr, f)
		if err != nil {
			return false, err
		}
		if equals(have[k], v) != true {
			return false, nil
		}
	}
	return true, nil
}

func (ec *ExecContext) create(f Frame, c *CreateClause) (Frame, error) {
	for _, p := range c.Patterns {
		nodes := make([]*storage.Node, len(p.Nodes))
		for i, np := range p.Nodes {
			if np.Variable != "" {
				if v, ok := f[np.Variable]; ok {
					n, ok := v.(*storage.Node)
					if !ok {
						return nil, errors.Mark(errors.Newf("cannot create a relationship to %s", typeName(v)), ErrTypeMismatch)
					}
					nodes[i] = n
					continue
				}
			}
			props, err := ec.evalProps(f, np.Properties)
			if err != nil {
				return nil, err
			}
			n, err := ec.Graph.CreateNode(np.Labels, props)
			if err != nil {
				return nil, err
			}
			nodes[i] = n
			if np.Variable != "" {
				f = f.with(np.Variable, n)
			}
		}
		for i, rp := range p.Rels {
			props, err := ec.evalProps(f, rp.Properties)
			if err != nil {
				return nil, err
			}
			start, end := nodes[i], nodes[i+1]
			if rp.Direction == DirectionIn {
				start, end = end, start
			}
			e, err := ec.Graph.CreateEdge(rp.Type, start.ID, end.ID, props)
			if err != nil {
				return nil, err
			}
			if rp.Variable != "" {
				f = f.with(rp.Variable, e)
			}
		}
	}
	return f, nil
}

func (ec *ExecContext) evalProps(f Frame, exprs map[string]Expression) (map[string]any, error) {
	props := make(map[string]any, len(exprs))
	for k, expr := range exprs {
		v, err := ec.eval(expr, f)
		if err != nil {
			return nil, err
		}
		if err := checkStorable(k, v); err != nil {
			return nil, err
		}
		props[k] = v
	}
	return props, nil
}

func checkStorable(key string, v any) error {
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return nil
	case []any:
		for _, item := range t {
			if item == nil {
				return errors.Mark(errors.Newf("property %q: collections containing null values can not be stored", key), ErrTypeMismatch)
			}
			if err := checkStorable(key, item); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Mark(errors.Newf("property %q: values of type %s cannot be stored", key, typeName(v)), ErrTypeMismatch)
}

func (ec *ExecContext) unwind(f Frame, u *UnwindClause) ([]Frame, error) {
	v, err := ec.eval(u.Expr, f)
	if err != nil {
		return nil, err
	}
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]Frame, len(list))
		for i, item := range list {
			out[i] = f.with(u.Alias, item)
		}
		return out, nil
	}
	return []Frame{f.with(u.Alias, v)}, nil
}

func (ec *ExecContext) set(f Frame, s *SetClause) (Frame, error) {
	for _, item := range s.Items {
		target := f[item.Variable]
		v, err := ec.eval(item.Value, f)
		if err != nil {
			return nil, err
		}
		if err := checkStorable(item.Property, v); err != nil {
			return nil, err
		}
		switch t := target.(type) {
		case nil:
			continue
		case *storage.Node:
			n, err := ec.Graph.SetProperty(t.ID, item.Property, v)
			if err != nil {
				return nil, err
			}
			f = f.with(item.Variable, n)
		case *storage.Edge:
			return nil, semanticErrorf("setting relationship properties is not supported")
		default:
			return nil, errors.Mark(errors.Newf("cannot set property %q on %s", item.Property, typeName(target)), ErrTypeMismatch)
		}
	}
	return f, nil
}

func (ec *ExecContext) delete(f Frame, d *DeleteClause) error {
	for _, name := range d.Variables {
		var err error
		switch t := f[name].(type) {
		case nil:
			continue
		case *storage.Node:
			err = ec.Graph.DeleteNode(t.ID, d.Detach)
		case *storage.Edge:
			err = ec.Graph.DeleteEdge(t.ID)
		default:
			return errors.Mark(errors.Newf("cannot delete %s", typeName(t)), ErrTypeMismatch)
		}
		// Several rows may name the same entity; the first delete wins.
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

type resultRow struct {
	values []any
	frame  Frame
}

// project evaluates RETURN items for one frame.
func (ec *ExecContext) project(f Frame, r *ReturnClause) ([]any, error) {
	row := make([]any, len(r.Items))
	for i, item := range r.Items {
		v, err := ec.eval(item.Expr, f)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

type aggState struct {
	count  int64
	sumI   int64
	sumF   float64
	floaty bool
	best   any
	list   []any
}

func (a *aggState) add(fc *FunctionCall, v any) error {
	if fc.Star {
		a.count++
		return nil
	}
	if v == nil {
		return nil
	}
	a.count++
	switch fc.Name {
	case "collect":
		a.list = append(a.list, v)
	case "sum", "avg":
		switch n := v.(type) {
		case int64:
			a.sumI += n
			a.sumF += float64(n)
		case float64:
			a.floaty = true
			a.sumF += n
		default:
			return typeErr(fc.Name+"()", v)
		}
	case "min":
		if a.best == nil || orderCompare(v, a.best) < 0 {
			a.best = v
		}
	case "max":
		if a.best == nil || orderCompare(v, a.best) > 0 {
			a.best = v
		}
	}
	return nil
}

func (a *aggState) result(fc *FunctionCall) any {
	switch fc.Name {
	case "count":
		return a.count
	case "collect":
		if a.list == nil {
			return []any{}
		}
		return a.list
	case "sum":
		if a.floaty {
			return a.sumF
		}
		return a.sumI
	case "avg":
		if a.count == 0 {
			return nil
		}
		return a.sumF / float64(a.count)
	}
	return a.best
}

const aggStateSize = 96

type group struct {
	keys []any
	aggs []*aggState
}

// aggregate consumes input and groups rows by the non-aggregate RETURN items.
func (ec *ExecContext) aggregate(input operator, r *ReturnClause) ([]resultRow, error) {
	var order []string
	groups := map[string]*group{}
	for {
		f, ok, err := input.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := ec.checkStop(); err != nil {
			return nil, err
		}
		var keys []any
		for _, item := range r.Items {
			if isAggregate(item.Expr) {
				continue
			}
			v, err := ec.eval(item.Expr, f)
			if err != nil {
				return nil, err
			}
			keys = append(keys, v)
		}
		k, err := groupKey(keys)
		if err != nil {
			return nil, err
		}
		g, ok := groups[k]
		if !ok {
			if err := ec.reserve(mapHeader + len(k) + rowSize(keys) + len(r.Items)*aggStateSize); err != nil {
				return nil, err
			}
			g = &group{keys: keys, aggs: make([]*aggState, len(r.Items))}
			for i := range g.aggs {
				g.aggs[i] = &aggState{}
			}
			groups[k] = g
			order = append(order, k)
		}
		for i, item := range r.Items {
			fc, ok := item.Expr.(*FunctionCall)
			if !ok || !aggregateFuncs[fc.Name] {
				continue
			}
			var v any
			if !fc.Star {
				if v, err = ec.eval(fc.Args[0], f); err != nil {
					return nil, err
				}
			}
			if fc.Name == "collect" && v != nil {
				if err := ec.reserve(valueSize(v)); err != nil {
					return nil, err
				}
			}
			if err := g.aggs[i].add(fc, v); err != nil {
				return nil, err
			}
		}
	}

	// Without grouping keys an empty input still yields one row.
	if len(order) == 0 && !hasGroupingKeys(r) {
		g := &group{aggs: make([]*aggState, len(r.Items))}
		for i := range g.aggs {
			g.aggs[i] = &aggState{}
		}
		groups[""] = g
		order = append(order, "")
	}

	rows := make([]resultRow, 0, len(order))
	for _, k := range order {
		g := groups[k]
		values := make([]any, len(r.Items))
		ki := 0
		for i, item := range r.Items {
			if fc, ok := item.Expr.(*FunctionCall); ok && aggregateFuncs[fc.Name] {
				values[i] = g.aggs[i].result(fc)
				continue
			}
			values[i] = g.keys[ki]
			ki++
		}
		rows = append(rows, resultRow{values: values})
	}
	return rows, nil
}

func hasGroupingKeys(r *ReturnClause) bool {
	for _, item := range r.Items {
		if !isAggregate(item.Expr) {
			return true
		}
	}
	return false
}

func groupKey(keys []any) (string, error) {
	if len(keys) == 0 {
		return "", nil
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return "", errors.Wrap(err, "grouping key")
	}
	return string(b), nil
}

func (ec *ExecContext) sortRows(rows []resultRow, st *Statement) error {
	// Keys, the index permutation and the sorted copy.
	if err := ec.reserve(len(rows) * (sliceHeader + ifaceSize*len(st.ret.OrderBy) + 8 + sliceHeader*2)); err != nil {
		return err
	}
	keys := make([][]any, len(rows))
	for i, row := range rows {
		keys[i] = make([]any, len(st.ret.OrderBy))
		for j, o := range st.ret.OrderBy {
			if col := st.orderCols[j]; col >= 0 {
				keys[i][j] = row.values[col]
				continue
			}
			f := Frame{}
			for k, v := range row.frame {
				f[k] = v
			}
			for c, item := range st.ret.Items {
				f[item.Alias] = row.values[c]
			}
			v, err := ec.eval(o.Expr, f)
			if err != nil {
				return err
			}
			keys[i][j] = v
		}
	}
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for j, o := range st.ret.OrderBy {
			c := orderCompare(keys[idx[a]][j], keys[idx[b]][j])
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	sorted := make([]resultRow, len(rows))
	for i, j := range idx {
		sorted[i] = rows[j]
	}
	copy(rows, sorted)
	return nil
}

func (ec *ExecContext) nonNegative(e Expression, what string) (int64, error) {
	if e == nil {
		return -1, nil
	}
	v, err := ec.eval(e, Frame{})
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, semanticErrorf("Invalid input for %s: %s is not a valid value. Must be a non-negative integer.", what, toDisplayString(v))
	}
	return n, nil
}
