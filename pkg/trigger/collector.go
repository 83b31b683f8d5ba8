package trigger

import (
	"github.com/orneryd/nornicqe/pkg/storage"
)

// EventKind classifies a collected change.
type EventKind int

const (
	NodeCreated EventKind = iota
	NodeDeleted
	NodePropertySet
	EdgeCreated
	EdgeDeleted
)

func (k EventKind) String() string {
	switch k {
	case NodeCreated:
		return "created_vertex"
	case NodeDeleted:
		return "deleted_vertex"
	case NodePropertySet:
		return "set_vertex_property"
	case EdgeCreated:
		return "created_edge"
	case EdgeDeleted:
		return "deleted_edge"
	}
	return "unknown"
}

// Event is one change made by a transaction.
type Event struct {
	Kind     EventKind
	Node     *storage.Node
	Edge     *storage.Edge
	Key      string
	OldValue any
	NewValue any
}

// Collector records the changes of one transaction. It implements
// storage.ChangeObserver and is owned by a single session.
type Collector struct {
	events []Event
}

// NewCollector creates an empty collector.
func NewCollector() *Collector { return &Collector{} }

func (c *Collector) NodeCreated(n *storage.Node) {
	c.events = append(c.events, Event{Kind: NodeCreated, Node: n})
}

func (c *Collector) NodeDeleted(n *storage.Node) {
	c.events = append(c.events, Event{Kind: NodeDeleted, Node: n})
}

func (c *Collector) NodePropertySet(n *storage.Node, key string, oldValue, newValue any) {
	c.events = append(c.events, Event{Kind: NodePropertySet, Node: n, Key: key, OldValue: oldValue, NewValue: newValue})
}

func (c *Collector) EdgeCreated(e *storage.Edge) {
	c.events = append(c.events, Event{Kind: EdgeCreated, Edge: e})
}

func (c *Collector) EdgeDeleted(e *storage.Edge) {
	c.events = append(c.events, Event{Kind: EdgeDeleted, Edge: e})
}

// Events returns what has been collected.
func (c *Collector) Events() []Event { return c.events }

// Mark returns a position that Truncate can roll back to.
func (c *Collector) Mark() int { return len(c.events) }

// Truncate drops the events recorded after mark, used when a statement is
// undone.
func (c *Collector) Truncate(mark int) {
	if mark < len(c.events) {
		c.events = c.events[:mark]
	}
}
