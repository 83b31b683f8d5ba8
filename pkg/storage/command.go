package storage

import (
	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/nornicqe/pkg/memory"
)

// Stats counts the effects of a Command.
type Stats struct {
	NodesCreated         int
	NodesDeleted         int
	RelationshipsCreated int
	RelationshipsDeleted int
	PropertiesSet        int
	LabelsAdded          int
}

// Map renders the counters the way query summaries report them.
func (s Stats) Map() map[string]any {
	return map[string]any{
		"nodes-created":         int64(s.NodesCreated),
		"nodes-deleted":         int64(s.NodesDeleted),
		"relationships-created": int64(s.RelationshipsCreated),
		"relationships-deleted": int64(s.RelationshipsDeleted),
		"properties-set":        int64(s.PropertiesSet),
		"labels-added":          int64(s.LabelsAdded),
	}
}

type undoRecord struct {
	key     []byte
	prev    []byte
	existed bool
}

// Command is the execution-scoped view of an accessor: all writes of one
// statement. Abort restores every key the command touched to the value it
// had before the command started, leaving the rest of the transaction
// intact.
type Command struct {
	acc      *Accessor
	mem      memory.Resource
	observer ChangeObserver
	undo     []undoRecord
	seen     map[string]struct{}
	stats    Stats
}

// Accessor returns the transaction the command writes into.
func (c *Command) Accessor() *Accessor { return c.acc }

// SetObserver registers a receiver for every change made by the command.
func (c *Command) SetObserver(o ChangeObserver) { c.observer = o }

// Stats returns the counters accumulated so far.
func (c *Command) Stats() Stats { return c.stats }

// Abort undoes the command's writes in reverse order.
func (c *Command) Abort() error {
	if c.acc.done {
		c.undo = nil
		return nil
	}
	var firstErr error
	for i := len(c.undo) - 1; i >= 0; i-- {
		r := c.undo[i]
		var err error
		if r.existed {
			err = c.acc.set(r.key, r.prev)
		} else {
			err = c.acc.delete(r.key)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.undo = nil
	c.seen = make(map[string]struct{})
	c.stats = Stats{}
	return firstErr
}

// remember records a key's current value the first time the command
// touches it.
func (c *Command) remember(key []byte) error {
	if _, ok := c.seen[string(key)]; ok {
		return nil
	}
	rec := undoRecord{key: key}
	item, err := c.acc.txn.Get(key)
	switch {
	case err == nil:
		rec.prev, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if rec.prev == nil {
			rec.prev = []byte{}
		}
		rec.existed = true
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return err
	}
	c.seen[string(key)] = struct{}{}
	c.undo = append(c.undo, rec)
	return nil
}

func (c *Command) put(key, val []byte) error {
	if err := c.acc.writable(); err != nil {
		return err
	}
	if err := c.remember(key); err != nil {
		return err
	}
	return c.acc.set(key, val)
}

func (c *Command) del(key []byte) error {
	if err := c.acc.writable(); err != nil {
		return err
	}
	if err := c.remember(key); err != nil {
		return err
	}
	return c.acc.delete(key)
}

func (c *Command) putNode(n *Node) error {
	data, err := encodeNode(n)
	if err != nil {
		return errors.Wrap(err, "failed to encode node")
	}
	return c.put(c.acc.storage.keys.nodeKey(n.ID), data)
}

// CreateNode stores a new node and indexes its labels.
func (c *Command) CreateNode(labels []string, props map[string]any) (*Node, error) {
	if err := c.acc.writable(); err != nil {
		return nil, err
	}
	id, err := c.acc.storage.nodeSeq.Next()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate node id")
	}
	node := &Node{ID: NodeID(id), Labels: append([]string(nil), labels...), Properties: make(map[string]any, len(props))}
	for k, v := range props {
		if v != nil {
			node.Properties[k] = v
		}
	}
	for _, con := range c.acc.storage.constraintsFor(node.Labels) {
		if v, ok := node.Properties[con.Property]; ok {
			if err := c.claimUnique(con, v, node.ID); err != nil {
				return nil, err
			}
		}
	}
	if err := c.putNode(node); err != nil {
		return nil, err
	}
	keys := c.acc.storage.keys
	for _, l := range node.Labels {
		if err := c.put(keys.labelIndexKey(l, node.ID), []byte{}); err != nil {
			return nil, err
		}
	}
	c.stats.NodesCreated++
	c.stats.LabelsAdded += len(node.Labels)
	c.stats.PropertiesSet += len(node.Properties)
	if c.observer != nil {
		c.observer.NodeCreated(node)
	}
	return node, nil
}

// GetNode reads a node.
func (c *Command) GetNode(id NodeID) (*Node, error) {
	var node *Node
	err := c.acc.read(c.acc.storage.keys.nodeKey(id), func(item *badger.Item) error {
		val, buf, err := copyValue(item, c.mem)
		if err != nil {
			return err
		}
		if buf != nil {
			defer c.mem.Deallocate(buf)
		}
		node, err = decodeNode(val)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "node %d", id)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// NodeIDs lists node ids carrying label, or all node ids when label is
// empty, in ascending order.
func (c *Command) NodeIDs(label string) ([]NodeID, error) {
	prefix := c.acc.storage.keys.prefix(kindNode)
	if label != "" {
		prefix = c.acc.storage.keys.labelIndexPrefix(label)
	}
	raw, err := c.acc.scanIDs(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]NodeID, len(raw))
	for i, id := range raw {
		ids[i] = NodeID(id)
	}
	return ids, nil
}

// SetProperty sets or, when value is nil, removes a node property.
func (c *Command) SetProperty(id NodeID, key string, value any) (*Node, error) {
	node, err := c.GetNode(id)
	if err != nil {
		return nil, err
	}
	old, had := node.Properties[key]
	for _, con := range c.acc.storage.constraintsFor(node.Labels) {
		if con.Property != key {
			continue
		}
		if had {
			if err := c.releaseUnique(con, old); err != nil {
				return nil, err
			}
		}
		if value != nil {
			if err := c.claimUnique(con, value, node.ID); err != nil {
				return nil, err
			}
		}
	}
	if value == nil {
		delete(node.Properties, key)
	} else {
		node.Properties[key] = value
	}
	if err := c.putNode(node); err != nil {
		return nil, err
	}
	c.stats.PropertiesSet++
	if c.observer != nil {
		c.observer.NodePropertySet(node, key, old, value)
	}
	return node, nil
}

// DeleteNode removes a node. Without detach it refuses to delete a node that
// still has relationships.
func (c *Command) DeleteNode(id NodeID, detach bool) error {
	node, err := c.GetNode(id)
	if err != nil {
		return err
	}
	edges, err := c.EdgeIDs(id)
	if err != nil {
		return err
	}
	if len(edges) > 0 {
		if !detach {
			return errors.WithHint(
				errors.Mark(errors.Newf("cannot delete node %d because it still has %d relationships", id, len(edges)), ErrNodeHasEdges),
				"use DETACH DELETE or delete the relationships first")
		}
		for _, eid := range edges {
			if err := c.DeleteEdge(eid); err != nil {
				return err
			}
		}
	}
	for _, con := range c.acc.storage.constraintsFor(node.Labels) {
		if v, ok := node.Properties[con.Property]; ok {
			if err := c.releaseUnique(con, v); err != nil {
				return err
			}
		}
	}
	keys := c.acc.storage.keys
	for _, l := range node.Labels {
		if err := c.del(keys.labelIndexKey(l, id)); err != nil {
			return err
		}
	}
	if err := c.del(keys.nodeKey(id)); err != nil {
		return err
	}
	c.stats.NodesDeleted++
	if c.observer != nil {
		c.observer.NodeDeleted(node)
	}
	return nil
}

// CreateEdge connects start to end. Both nodes must exist.
func (c *Command) CreateEdge(edgeType string, start, end NodeID, props map[string]any) (*Edge, error) {
	if err := c.acc.writable(); err != nil {
		return nil, err
	}
	for _, n := range []NodeID{start, end} {
		if _, err := c.GetNode(n); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, errors.Wrapf(ErrInvalidEdge, "node %d", n)
			}
			return nil, err
		}
	}
	id, err := c.acc.storage.edgeSeq.Next()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate edge id")
	}
	edge := &Edge{ID: EdgeID(id), Type: edgeType, StartNode: start, EndNode: end, Properties: make(map[string]any, len(props))}
	for k, v := range props {
		if v != nil {
			edge.Properties[k] = v
		}
	}
	data, err := encodeEdge(edge)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode edge")
	}
	keys := c.acc.storage.keys
	if err := c.put(keys.edgeKey(edge.ID), data); err != nil {
		return nil, err
	}
	if err := c.put(keys.adjacencyKey(kindOutgoingIndex, start, edge.ID), []byte{}); err != nil {
		return nil, err
	}
	if err := c.put(keys.adjacencyKey(kindIncomingIndex, end, edge.ID), []byte{}); err != nil {
		return nil, err
	}
	c.stats.RelationshipsCreated++
	c.stats.PropertiesSet += len(edge.Properties)
	if c.observer != nil {
		c.observer.EdgeCreated(edge)
	}
	return edge, nil
}

// GetEdge reads an edge.
func (c *Command) GetEdge(id EdgeID) (*Edge, error) {
	var edge *Edge
	err := c.acc.read(c.acc.storage.keys.edgeKey(id), func(item *badger.Item) error {
		val, buf, err := copyValue(item, c.mem)
		if err != nil {
			return err
		}
		if buf != nil {
			defer c.mem.Deallocate(buf)
		}
		edge, err = decodeEdge(val)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "edge %d", id)
	}
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// EdgeIDs lists the ids of every edge touching node, outgoing first.
func (c *Command) EdgeIDs(node NodeID) ([]EdgeID, error) {
	keys := c.acc.storage.keys
	out, err := c.acc.scanIDs(keys.adjacencyPrefix(kindOutgoingIndex, node))
	if err != nil {
		return nil, err
	}
	in, err := c.acc.scanIDs(keys.adjacencyPrefix(kindIncomingIndex, node))
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(out)+len(in))
	ids := make([]EdgeID, 0, len(out)+len(in))
	for _, id := range append(out, in...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, EdgeID(id))
	}
	return ids, nil
}

// DeleteEdge removes an edge and its adjacency entries.
func (c *Command) DeleteEdge(id EdgeID) error {
	edge, err := c.GetEdge(id)
	if err != nil {
		return err
	}
	keys := c.acc.storage.keys
	if err := c.del(keys.adjacencyKey(kindOutgoingIndex, edge.StartNode, id)); err != nil {
		return err
	}
	if err := c.del(keys.adjacencyKey(kindIncomingIndex, edge.EndNode, id)); err != nil {
		return err
	}
	if err := c.del(keys.edgeKey(id)); err != nil {
		return err
	}
	c.stats.RelationshipsDeleted++
	if c.observer != nil {
		c.observer.EdgeDeleted(edge)
	}
	return nil
}
