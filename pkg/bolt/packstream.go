package bolt

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/orneryd/nornicqe/pkg/storage"
)

// PackStream markers.
const (
	markerNull    byte = 0xC0
	markerFloat   byte = 0xC1
	markerFalse   byte = 0xC2
	markerTrue    byte = 0xC3
	markerInt8    byte = 0xC8
	markerInt16   byte = 0xC9
	markerInt32   byte = 0xCA
	markerInt64   byte = 0xCB
	markerStr8    byte = 0xD0
	markerStr16   byte = 0xD1
	markerStr32   byte = 0xD2
	markerList8   byte = 0xD4
	markerList16  byte = 0xD5
	markerList32  byte = 0xD6
	markerMap8    byte = 0xD8
	markerMap16   byte = 0xD9
	markerMap32   byte = 0xDA

	tinyString byte = 0x80
	tinyList   byte = 0x90
	tinyMap    byte = 0xA0
	tinyStruct byte = 0xB0
)

// Graph structure signatures.
const (
	sigNode         byte = 0x4E
	sigRelationship byte = 0x52
)

// ErrPackStream marks malformed client input.
var ErrPackStream = errors.New("malformed packstream")

// ============================================================================
// Encoding
// ============================================================================

// packer appends PackStream values to buf.
type packer struct {
	buf []byte
}

func (p *packer) structHeader(fields int, sig byte) {
	p.buf = append(p.buf, tinyStruct+byte(fields), sig)
}

func (p *packer) sized(n int, tiny, m8, m16, m32 byte) {
	switch {
	case n < 16 && tiny != 0:
		p.buf = append(p.buf, tiny+byte(n))
	case n < 256:
		p.buf = append(p.buf, m8, byte(n))
	case n < 65536:
		p.buf = append(p.buf, m16, byte(n>>8), byte(n))
	default:
		p.buf = append(p.buf, m32, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
}

func (p *packer) packString(s string) {
	p.sized(len(s), tinyString, markerStr8, markerStr16, markerStr32)
	p.buf = append(p.buf, s...)
}

func (p *packer) packInt(v int64) {
	switch {
	case v >= -16 && v <= 127:
		p.buf = append(p.buf, byte(v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		p.buf = append(p.buf, markerInt8, byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		p.buf = append(p.buf, markerInt16, byte(v>>8), byte(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		p.buf = append(p.buf, markerInt32, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		p.buf = append(p.buf, markerInt64)
		p.buf = binary.BigEndian.AppendUint64(p.buf, uint64(v))
	}
}

func (p *packer) packFloat(f float64) {
	p.buf = append(p.buf, markerFloat)
	p.buf = binary.BigEndian.AppendUint64(p.buf, math.Float64bits(f))
}

func (p *packer) packList(items []any) {
	p.sized(len(items), tinyList, markerList8, markerList16, markerList32)
	for _, item := range items {
		p.pack(item)
	}
}

// packMap writes keys in sorted order so responses are reproducible.
func (p *packer) packMap(m map[string]any) {
	p.sized(len(m), tinyMap, markerMap8, markerMap16, markerMap32)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.packString(k)
		p.pack(m[k])
	}
}

func (p *packer) packNode(n *storage.Node) {
	p.structHeader(3, sigNode)
	p.packInt(int64(n.ID))
	labels := make([]any, len(n.Labels))
	for i, l := range n.Labels {
		labels[i] = l
	}
	p.packList(labels)
	p.packMap(n.Properties)
}

func (p *packer) packRelationship(e *storage.Edge) {
	p.structHeader(5, sigRelationship)
	p.packInt(int64(e.ID))
	p.packInt(int64(e.StartNode))
	p.packInt(int64(e.EndNode))
	p.packString(e.Type)
	p.packMap(e.Properties)
}

// pack writes v. Types without a PackStream form are written as null.
func (p *packer) pack(v any) {
	switch val := v.(type) {
	case nil:
		p.buf = append(p.buf, markerNull)
	case bool:
		if val {
			p.buf = append(p.buf, markerTrue)
		} else {
			p.buf = append(p.buf, markerFalse)
		}
	// Drivers only know INT64, so every integer width collapses to it.
	case int:
		p.packInt(int64(val))
	case int8:
		p.packInt(int64(val))
	case int16:
		p.packInt(int64(val))
	case int32:
		p.packInt(int64(val))
	case int64:
		p.packInt(val)
	case uint:
		p.packInt(int64(val))
	case uint8:
		p.packInt(int64(val))
	case uint16:
		p.packInt(int64(val))
	case uint32:
		p.packInt(int64(val))
	case uint64:
		p.packInt(int64(val))
	case float32:
		p.packFloat(float64(val))
	case float64:
		p.packFloat(val)
	case string:
		p.packString(val)
	case []any:
		p.packList(val)
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		p.packList(items)
	case []int64:
		items := make([]any, len(val))
		for i, n := range val {
			items[i] = n
		}
		p.packList(items)
	case []float64:
		items := make([]any, len(val))
		for i, f := range val {
			items[i] = f
		}
		p.packList(items)
	case []map[string]any:
		items := make([]any, len(val))
		for i, m := range val {
			items[i] = m
		}
		p.packList(items)
	case map[string]any:
		p.packMap(val)
	case *storage.Node:
		p.packNode(val)
	case *storage.Edge:
		p.packRelationship(val)
	case storage.NodeID:
		p.packInt(int64(val))
	case storage.EdgeID:
		p.packInt(int64(val))
	default:
		p.buf = append(p.buf, markerNull)
	}
}

// ============================================================================
// Decoding
// ============================================================================

// unpacker reads PackStream values from data.
type unpacker struct {
	data []byte
	pos  int
}

func (u *unpacker) remaining() int { return len(u.data) - u.pos }

func (u *unpacker) need(n int, what string) error {
	if u.remaining() < n {
		return errors.Wrapf(ErrPackStream, "incomplete %s at offset %d", what, u.pos)
	}
	return nil
}

func (u *unpacker) readByte() (byte, error) {
	if err := u.need(1, "marker"); err != nil {
		return 0, err
	}
	b := u.data[u.pos]
	u.pos++
	return b, nil
}

func (u *unpacker) readUint(width int, what string) (uint64, error) {
	if err := u.need(width, what); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range u.data[u.pos : u.pos+width] {
		v = v<<8 | uint64(b)
	}
	u.pos += width
	return v, nil
}

// size reads the length that follows an 8/16/32-bit sized marker.
func (u *unpacker) size(marker, m8, m16, m32 byte, what string) (int, error) {
	var width int
	switch marker {
	case m8:
		width = 1
	case m16:
		width = 2
	case m32:
		width = 4
	}
	n, err := u.readUint(width, what)
	return int(n), err
}

// structHeader reads a tiny struct marker and its signature.
func (u *unpacker) structHeader() (fields int, sig byte, err error) {
	marker, err := u.readByte()
	if err != nil {
		return 0, 0, err
	}
	if marker&0xF0 != tinyStruct {
		return 0, 0, errors.Wrapf(ErrPackStream, "expected structure, got marker 0x%02X", marker)
	}
	sig, err = u.readByte()
	if err != nil {
		return 0, 0, err
	}
	return int(marker & 0x0F), sig, nil
}

func (u *unpacker) unpack() (any, error) {
	marker, err := u.readByte()
	if err != nil {
		return nil, err
	}
	switch {
	case marker == markerNull:
		return nil, nil
	case marker == markerFalse:
		return false, nil
	case marker == markerTrue:
		return true, nil
	case marker <= 0x7F:
		return int64(marker), nil
	case marker >= 0xF0:
		return int64(int8(marker)), nil
	case marker == markerInt8:
		v, err := u.readUint(1, "INT8")
		return int64(int8(v)), err
	case marker == markerInt16:
		v, err := u.readUint(2, "INT16")
		return int64(int16(v)), err
	case marker == markerInt32:
		v, err := u.readUint(4, "INT32")
		return int64(int32(v)), err
	case marker == markerInt64:
		v, err := u.readUint(8, "INT64")
		return int64(v), err
	case marker == markerFloat:
		v, err := u.readUint(8, "FLOAT")
		return math.Float64frombits(v), err
	case marker&0xF0 == tinyString:
		return u.str(int(marker & 0x0F))
	case marker == markerStr8 || marker == markerStr16 || marker == markerStr32:
		n, err := u.size(marker, markerStr8, markerStr16, markerStr32, "STRING")
		if err != nil {
			return nil, err
		}
		return u.str(n)
	case marker&0xF0 == tinyList:
		return u.list(int(marker & 0x0F))
	case marker == markerList8 || marker == markerList16 || marker == markerList32:
		n, err := u.size(marker, markerList8, markerList16, markerList32, "LIST")
		if err != nil {
			return nil, err
		}
		return u.list(n)
	case marker&0xF0 == tinyMap:
		return u.dict(int(marker & 0x0F))
	case marker == markerMap8 || marker == markerMap16 || marker == markerMap32:
		n, err := u.size(marker, markerMap8, markerMap16, markerMap32, "MAP")
		if err != nil {
			return nil, err
		}
		return u.dict(n)
	case marker&0xF0 == tinyStruct:
		return nil, errors.Wrapf(ErrPackStream, "structure values are not supported as parameters (marker 0x%02X)", marker)
	}
	return nil, errors.Wrapf(ErrPackStream, "unknown marker 0x%02X", marker)
}

func (u *unpacker) str(n int) (string, error) {
	if err := u.need(n, "string data"); err != nil {
		return "", err
	}
	s := string(u.data[u.pos : u.pos+n])
	u.pos += n
	return s, nil
}

func (u *unpacker) list(n int) ([]any, error) {
	out := make([]any, 0, min(n, u.remaining()))
	for i := 0; i < n; i++ {
		v, err := u.unpack()
		if err != nil {
			return nil, errors.Wrapf(err, "list item %d", i)
		}
		out = append(out, v)
	}
	return out, nil
}

func (u *unpacker) dict(n int) (map[string]any, error) {
	out := make(map[string]any, min(n, u.remaining()))
	for i := 0; i < n; i++ {
		k, err := u.unpack()
		if err != nil {
			return nil, errors.Wrap(err, "map key")
		}
		key, ok := k.(string)
		if !ok {
			return nil, errors.Wrapf(ErrPackStream, "map key must be a string, got %T", k)
		}
		v, err := u.unpack()
		if err != nil {
			return nil, errors.Wrapf(err, "map value for key %s", key)
		}
		out[key] = v
	}
	return out, nil
}

// decodeMessage splits a message into its signature and fields.
func decodeMessage(data []byte) (byte, []any, error) {
	u := &unpacker{data: data}
	n, sig, err := u.structHeader()
	if err != nil {
		return 0, nil, err
	}
	fields := make([]any, n)
	for i := range fields {
		if fields[i], err = u.unpack(); err != nil {
			return sig, nil, errors.Wrapf(err, "field %d of message 0x%02X", i, sig)
		}
	}
	return sig, fields, nil
}
