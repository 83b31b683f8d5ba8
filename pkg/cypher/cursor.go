package cypher

import (
	"github.com/cockroachdb/errors"

	"github.com/orneryd/nornicqe/pkg/convert"
)

// Cursor yields the rows of one execution. It is not safe for concurrent
// use.
type Cursor struct {
	ec   *ExecContext
	stmt *Statement

	// lazy is the streaming source when rows need not be materialized.
	lazy operator
	// rows holds materialized results: write statements, ORDER BY and
	// aggregation.
	rows []resultRow

	skip, limit int64
	emitted     int64
	done        bool
}

// Open starts executing the statement. Statements that write are run to
// completion here so that their effects do not depend on how many rows the
// caller pulls; read-only statements stream lazily.
func (s *Statement) Open(ec *ExecContext) (*Cursor, error) {
	if s.Schema != nil {
		return nil, errors.AssertionFailedf("schema statement %q cannot be opened", s.Text)
	}
	if s.RequiresDB && ec.Graph == nil {
		return nil, errors.AssertionFailedf("statement requires a graph accessor")
	}
	params := make(map[string]any, len(ec.Params))
	for k, v := range ec.Params {
		params[k] = convert.Normalize(v)
	}
	ec.Params = params
	c := &Cursor{ec: ec, stmt: s, limit: -1}
	if s.ret != nil {
		var err error
		if c.skip, err = ec.nonNegative(s.ret.Skip, "SKIP"); err != nil {
			return nil, err
		}
		if c.skip < 0 {
			c.skip = 0
		}
		if c.limit, err = ec.nonNegative(s.ret.Limit, "LIMIT"); err != nil {
			return nil, err
		}
	}

	src := ec.build(s.query)
	switch {
	case s.aggregate:
		rows, err := ec.aggregate(src, s.ret)
		if err != nil {
			return nil, err
		}
		c.rows = rows
	case s.writes || len(s.orderCols) > 0:
		rows, err := c.drain(src)
		if err != nil {
			return nil, err
		}
		c.rows = rows
	default:
		c.lazy = src
	}
	if len(s.orderCols) > 0 {
		if err := ec.sortRows(c.rows, s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cursor) drain(src operator) ([]resultRow, error) {
	var rows []resultRow
	for {
		if err := c.ec.checkStop(); err != nil {
			return nil, err
		}
		f, ok, err := src.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		if c.stmt.ret == nil {
			continue
		}
		values, err := c.ec.project(f, c.stmt.ret)
		if err != nil {
			return nil, err
		}
		if err := c.ec.reserve(rowSize(values) + frameSize(f)); err != nil {
			return nil, err
		}
		rows = append(rows, resultRow{values: values, frame: f})
	}
}

// Next returns the next row. ok is false once the cursor is exhausted.
func (c *Cursor) Next() (row []any, ok bool, err error) {
	if c.done {
		return nil, false, nil
	}
	for {
		if c.limit >= 0 && c.emitted >= c.limit {
			c.finish()
			return nil, false, nil
		}
		if err := c.ec.checkStop(); err != nil {
			c.finish()
			return nil, false, err
		}
		row, ok, err = c.pull()
		if err != nil || !ok {
			c.finish()
			return nil, false, err
		}
		if c.skip > 0 {
			c.skip--
			continue
		}
		c.emitted++
		return row, true, nil
	}
}

func (c *Cursor) pull() ([]any, bool, error) {
	if c.lazy == nil {
		if len(c.rows) == 0 {
			return nil, false, nil
		}
		r := c.rows[0]
		c.rows = c.rows[1:]
		return r.values, true, nil
	}
	f, ok, err := c.lazy.next()
	if err != nil || !ok {
		return nil, false, err
	}
	if c.stmt.ret == nil {
		return nil, false, nil
	}
	values, err := c.ec.project(f, c.stmt.ret)
	if err != nil {
		return nil, false, err
	}
	return values, true, nil
}

func (c *Cursor) finish() {
	c.done = true
	c.rows = nil
	c.lazy = nil
}

// Columns returns the column names of the rows.
func (c *Cursor) Columns() []string { return c.stmt.Columns }
