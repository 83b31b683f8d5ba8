// Package storage provides the Badger-backed graph storage used by the query
// engine.
//
// One Engine owns a single BadgerDB. Each database is a Storage namespace
// inside it, and all work against a Storage goes through an Accessor wrapping
// one Badger transaction. Writes issued by a single statement are grouped in
// a Command so that a failed statement can be undone without aborting the
// surrounding transaction.
//
// Example:
//
//	engine, err := storage.OpenInMemory()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	st, _ := engine.Storage("neo4j")
//	acc := st.Access(storage.SnapshotIsolation, storage.ReadWrite)
//	cmd := acc.NewCommand(nil)
//	node, _ := cmd.CreateNode([]string{"User"}, map[string]any{"name": "Alice"})
//	_ = acc.Commit()
package storage

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Errors returned by storage operations.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidEdge       = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed     = errors.New("storage closed")
	ErrTransactionClosed = errors.New("transaction already closed")
	ErrReadOnlyAccessor  = errors.New("write attempted through a read-only accessor")
	ErrSerialization     = errors.New("cannot resolve conflicting transactions")
	ErrNodeHasEdges      = errors.New("node still has relationships")
	ErrMetadataTooLarge  = errors.New("transaction metadata too large")
)

// MaxMetadataSize bounds the rendered size of transaction metadata.
const MaxMetadataSize = 2048

// NodeID identifies a node within one Storage.
type NodeID uint64

// EdgeID identifies an edge within one Storage.
type EdgeID uint64

// Node is a labelled property-graph vertex.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// HasLabel reports whether the node carries label, case-insensitively.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	Type       string         `json:"type"`
	StartNode  NodeID         `json:"start"`
	EndNode    NodeID         `json:"end"`
	Properties map[string]any `json:"properties"`
}

// IsolationLevel selects what a transaction sees of concurrent commits.
type IsolationLevel int

const (
	// SnapshotIsolation reads from the snapshot taken at transaction start.
	SnapshotIsolation IsolationLevel = iota
	// ReadCommitted sees the latest committed value for keys the
	// transaction has not written itself.
	ReadCommitted
	// ReadUncommitted is accepted for compatibility. Badger never exposes
	// another transaction's pending writes, so it reads like ReadCommitted.
	ReadUncommitted
)

func (l IsolationLevel) String() string {
	switch l {
	case SnapshotIsolation:
		return "SNAPSHOT ISOLATION"
	case ReadCommitted:
		return "READ COMMITTED"
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", int(l))
	}
}

// ParseIsolationLevel accepts the names printed by String, case-insensitively.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToUpper(strings.Join(strings.Fields(s), " ")) {
	case "SNAPSHOT ISOLATION", "SNAPSHOT":
		return SnapshotIsolation, nil
	case "READ COMMITTED":
		return ReadCommitted, nil
	case "READ UNCOMMITTED":
		return ReadUncommitted, nil
	}
	return 0, errors.Newf("unknown isolation level %q", s)
}

// AccessType is the kind of Badger transaction an accessor opens.
type AccessType int

const (
	ReadWrite AccessType = iota
	ReadOnly
)

func (a AccessType) String() string {
	if a == ReadOnly {
		return "read"
	}
	return "write"
}

// ConstraintType names a schema constraint kind.
type ConstraintType string

const ConstraintUnique ConstraintType = "UNIQUE"

// UniqueConstraint requires Property to be unique among nodes with Label.
type UniqueConstraint struct {
	Label    string `json:"label"`
	Property string `json:"property"`
}

func (c UniqueConstraint) String() string {
	return fmt.Sprintf(":%s(%s)", c.Label, c.Property)
}

// ConstraintViolationError is returned when a write would break a constraint.
type ConstraintViolationError struct {
	Type       ConstraintType
	Label      string
	Properties []string
	Message    string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("Constraint violation (%s on %s.%v): %s",
		e.Type, e.Label, e.Properties, e.Message)
}

// ChangeObserver receives the changes applied through a Command. The trigger
// collector implements it.
type ChangeObserver interface {
	NodeCreated(n *Node)
	NodeDeleted(n *Node)
	NodePropertySet(n *Node, key string, oldValue, newValue any)
	EdgeCreated(e *Edge)
	EdgeDeleted(e *Edge)
}
