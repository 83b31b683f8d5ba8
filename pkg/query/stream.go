package query

// Stream receives result rows. The row slice is only valid during the call;
// implementations that keep it must copy it.
type Stream interface {
	Result(row []any) error
}

// StreamFunc adapts a function to Stream.
type StreamFunc func(row []any) error

func (f StreamFunc) Result(row []any) error { return f(row) }

// DiscardStream drops every row. It backs DISCARD.
type DiscardStream struct{}

func (DiscardStream) Result([]any) error { return nil }

// CollectStream keeps copies of every row it receives.
type CollectStream struct {
	Rows [][]any
}

func (c *CollectStream) Result(row []any) error {
	c.Rows = append(c.Rows, append([]any(nil), row...))
	return nil
}
