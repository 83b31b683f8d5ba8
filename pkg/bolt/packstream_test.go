package bolt

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicqe/pkg/storage"
)

func packed(v any) []byte {
	p := &packer{}
	p.pack(v)
	return p.buf
}

func TestPackInt(t *testing.T) {
	tests := []struct {
		val  int64
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{-1, []byte{0xFF}},
		{-16, []byte{0xF0}},
		{-17, []byte{0xC8, 0xEF}},
		{-128, []byte{0xC8, 0x80}},
		{128, []byte{0xC9, 0x00, 0x80}},
		{-32768, []byte{0xC9, 0x80, 0x00}},
		{32768, []byte{0xCA, 0x00, 0x00, 0x80, 0x00}},
		{1 << 31, []byte{0xCB, 0, 0, 0, 0, 0x80, 0, 0, 0}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, packed(tt.val), "pack(%d)", tt.val)

		u := &unpacker{data: tt.want}
		got, err := u.unpack()
		require.NoError(t, err)
		assert.Equal(t, tt.val, got)
		assert.Zero(t, u.remaining())
	}
}

func TestPackString_Sizes(t *testing.T) {
	tests := []struct {
		length int
		header []byte
	}{
		{0, []byte{0x80}},
		{15, []byte{0x8F}},
		{16, []byte{0xD0, 16}},
		{255, []byte{0xD0, 0xFF}},
		{256, []byte{0xD1, 0x01, 0x00}},
		{70000, []byte{0xD2, 0x00, 0x01, 0x11, 0x70}},
	}
	for _, tt := range tests {
		s := strings.Repeat("a", tt.length)
		b := packed(s)
		assert.Equal(t, tt.header, b[:len(tt.header)], "length %d", tt.length)
		assert.Len(t, b, len(tt.header)+tt.length)

		got, err := (&unpacker{data: b}).unpack()
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestPack_IntegerWidthsCollapse(t *testing.T) {
	for _, v := range []any{int(42), int8(42), int16(42), int32(42), uint(42), uint8(42), uint16(42), uint32(42), uint64(42), storage.NodeID(42)} {
		assert.Equal(t, []byte{42}, packed(v), "%T", v)
	}
}

func TestPackMap_SortedKeys(t *testing.T) {
	m := map[string]any{"b": int64(2), "a": true, "c": nil}
	assert.Equal(t, []byte{0xA3, 0x81, 'a', 0xC3, 0x81, 'b', 0x02, 0x81, 'c', 0xC0}, packed(m))
}

func TestPack_UnknownTypeIsNull(t *testing.T) {
	assert.Equal(t, []byte{0xC0}, packed(struct{}{}))
}

func TestPackNode(t *testing.T) {
	n := &storage.Node{ID: 7, Labels: []string{"Person"}, Properties: map[string]any{"name": "Alice"}}
	want := []byte{0xB3, 0x4E, 0x07, 0x91, 0x86}
	want = append(want, "Person"...)
	want = append(want, 0xA1, 0x84)
	want = append(want, "name"...)
	want = append(want, 0x85)
	want = append(want, "Alice"...)
	assert.Equal(t, want, packed(n))
}

func TestPackRelationship(t *testing.T) {
	e := &storage.Edge{ID: 3, Type: "KNOWS", StartNode: 1, EndNode: 2}
	want := []byte{0xB5, 0x52, 0x03, 0x01, 0x02, 0x85}
	want = append(want, "KNOWS"...)
	want = append(want, 0xA0)
	assert.Equal(t, want, packed(e))
}

func TestUnpack_Composite(t *testing.T) {
	in := map[string]any{
		"list":  []any{int64(1), "two", 3.5, false},
		"inner": map[string]any{"x": nil},
		"neg":   int64(-1000),
	}
	got, err := (&unpacker{data: packed(in)}).unpack()
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestUnpack_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated string", []byte{0x85, 'a', 'b'}},
		{"truncated int64", []byte{0xCB, 0, 0}},
		{"truncated list", []byte{0x92, 0x01}},
		{"non-string key", []byte{0xA1, 0x01, 0x02}},
		{"structure parameter", []byte{0xB1, 0x4E, 0x01}},
		{"unknown marker", []byte{0xE0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&unpacker{data: tt.data}).unpack()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPackStream), "%v", err)
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	p := &packer{}
	p.structHeader(3, MsgRun)
	p.pack("RETURN $x AS x")
	p.pack(map[string]any{"x": int64(1)})
	p.pack(map[string]any{"db": "neo4j"})

	sig, fields, err := decodeMessage(p.buf)
	require.NoError(t, err)
	assert.Equal(t, MsgRun, sig)
	assert.Equal(t, []any{"RETURN $x AS x", map[string]any{"x": int64(1)}, map[string]any{"db": "neo4j"}}, fields)

	_, _, err = decodeMessage([]byte{0xA0})
	assert.True(t, errors.Is(err, ErrPackStream))

	_, _, err = decodeMessage([]byte{0xB1, MsgPull})
	assert.True(t, errors.Is(err, ErrPackStream), "missing field")
}
