package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"
)

// Key kinds inside a storage namespace. Every key starts with the namespace
// prefix (database name + 0x00) followed by one of these bytes.
const (
	kindNode          = byte(0x01) // node:id -> JSON(Node)
	kindEdge          = byte(0x02) // edge:id -> JSON(Edge)
	kindLabelIndex    = byte(0x03) // label + 0x00 + nodeID -> empty
	kindOutgoingIndex = byte(0x04) // nodeID + edgeID -> empty
	kindIncomingIndex = byte(0x05) // nodeID + edgeID -> empty
	kindConstraint    = byte(0x06) // label + 0x00 + property -> JSON(UniqueConstraint)
	kindUniqueEntry   = byte(0x07) // label + 0x00 + property + 0x00 + JSON(value) -> nodeID
	kindSequence      = byte(0x08) // sequence name -> badger sequence
)

type keyspace struct {
	ns []byte
}

func newKeyspace(name string) keyspace {
	ns := make([]byte, 0, len(name)+1)
	ns = append(ns, name...)
	ns = append(ns, 0x00)
	return keyspace{ns: ns}
}

func (k keyspace) key(kind byte, n int) []byte {
	b := make([]byte, 0, len(k.ns)+1+n)
	b = append(b, k.ns...)
	return append(b, kind)
}

func (k keyspace) prefix(kind byte) []byte { return k.key(kind, 0) }

func (k keyspace) nodeKey(id NodeID) []byte {
	return binary.BigEndian.AppendUint64(k.key(kindNode, 8), uint64(id))
}

func (k keyspace) edgeKey(id EdgeID) []byte {
	return binary.BigEndian.AppendUint64(k.key(kindEdge, 8), uint64(id))
}

// Labels are normalized to lowercase for case-insensitive matching.
func (k keyspace) labelIndexPrefix(label string) []byte {
	l := strings.ToLower(label)
	b := k.key(kindLabelIndex, len(l)+1+8)
	b = append(b, l...)
	return append(b, 0x00)
}

func (k keyspace) labelIndexKey(label string, id NodeID) []byte {
	return binary.BigEndian.AppendUint64(k.labelIndexPrefix(label), uint64(id))
}

func (k keyspace) adjacencyPrefix(kind byte, node NodeID) []byte {
	return binary.BigEndian.AppendUint64(k.key(kind, 16), uint64(node))
}

func (k keyspace) adjacencyKey(kind byte, node NodeID, edge EdgeID) []byte {
	return binary.BigEndian.AppendUint64(k.adjacencyPrefix(kind, node), uint64(edge))
}

func (k keyspace) constraintKey(c UniqueConstraint) []byte {
	l := strings.ToLower(c.Label)
	b := k.key(kindConstraint, len(l)+1+len(c.Property))
	b = append(b, l...)
	b = append(b, 0x00)
	return append(b, c.Property...)
}

func (k keyspace) uniqueEntryPrefix(c UniqueConstraint) []byte {
	b := k.constraintKey(c)
	b[len(k.ns)] = kindUniqueEntry
	return append(b, 0x00)
}

func (k keyspace) uniqueEntryKey(c UniqueConstraint, value any) ([]byte, error) {
	enc, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return append(k.uniqueEntryPrefix(c), enc...), nil
}

func (k keyspace) sequenceKey(name string) []byte {
	return append(k.key(kindSequence, len(name)), name...)
}

// trailingID reads the big-endian id stored in the last 8 bytes of an index key.
func trailingID(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(n)
}

func decodeNode(data []byte) (*Node, error) {
	var n Node
	if err := unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	n.Properties = normalizeMap(n.Properties)
	return &n, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEdge(data []byte) (*Edge, error) {
	var e Edge
	if err := unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	e.Properties = normalizeMap(e.Properties)
	return &e, nil
}

func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// normalizeValue turns json.Number back into int64 or float64 so property
// values survive a round trip with their Cypher types.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i])
		}
		return x
	case map[string]any:
		return normalizeMap(x)
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func copyProperties(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
