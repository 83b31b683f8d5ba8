package cypher

import (
	"github.com/orneryd/nornicqe/pkg/storage"
)

// Approximate in-memory sizes of engine values. Interface slots are two
// words; maps and slices add their header.
const (
	ifaceSize    = 16
	sliceHeader  = 24
	mapHeader    = 48
	entityHeader = 64
)

// reserve charges n bytes of materialized intermediate data to the query's
// memory. The reservation is held until the query ends.
func (ec *ExecContext) reserve(n int) error {
	if ec.Memory == nil || n <= 0 {
		return nil
	}
	_, err := ec.Memory.Allocate(n)
	return err
}

func (ec *ExecContext) reserveFrames(frames []Frame) error {
	if ec.Memory == nil {
		return nil
	}
	n := 0
	for _, f := range frames {
		n += frameSize(f)
	}
	return ec.reserve(n)
}

func frameSize(f Frame) int {
	n := mapHeader
	for k, v := range f {
		n += ifaceSize + len(k) + shallowSize(v)
	}
	return n
}

func rowSize(values []any) int {
	n := sliceHeader
	for _, v := range values {
		n += valueSize(v)
	}
	return n
}

// shallowSize counts containers by their headers only. Frames share the
// values they bind with earlier frames, so their contents are charged
// where they were produced.
func shallowSize(v any) int {
	switch t := v.(type) {
	case string:
		return ifaceSize + len(t)
	case []any:
		return sliceHeader + ifaceSize*len(t)
	case map[string]any:
		return mapHeader
	case *storage.Node, *storage.Edge:
		return entityHeader
	}
	return ifaceSize
}

// valueSize approximates the bytes held by v, including nested values.
func valueSize(v any) int {
	switch t := v.(type) {
	case string:
		return ifaceSize + len(t)
	case []any:
		n := sliceHeader
		for _, item := range t {
			n += valueSize(item)
		}
		return n
	case map[string]any:
		n := mapHeader
		for k, item := range t {
			n += len(k) + valueSize(item)
		}
		return n
	case *storage.Node:
		n := entityHeader + valueSize(t.Properties)
		for _, l := range t.Labels {
			n += ifaceSize + len(l)
		}
		return n
	case *storage.Edge:
		return entityHeader + len(t.Type) + valueSize(t.Properties)
	}
	return ifaceSize
}
