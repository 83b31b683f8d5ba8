// Package convert normalizes values that arrive from clients into the value
// domain the query engine works with.
//
// Expressions only know int64, float64, string, bool, nil, []any and
// map[string]any. Values decoded from Bolt, JSON (with UseNumber) or passed
// by embedding Go code come in many more shapes; Normalize folds them into
// that domain once, at the boundary, so the evaluator never has to.
//
// Example:
//
//	dec := json.NewDecoder(r.Body)
//	dec.UseNumber()
//	var params map[string]any
//	_ = dec.Decode(&params)
//	params = convert.NormalizeMap(params) // json.Number -> int64 / float64
//
// ELI12:
//
// Think of a coin machine that only takes quarters. People show up with
// dimes, nickels and foreign coins. This package is the change counter at
// the door: whatever comes in, the machine only ever sees quarters.
package convert

import (
	"encoding/json"
	"math"
)

// Normalize folds v into the engine's value domain. Values it does not
// recognize are returned unchanged.
func Normalize(v any) any {
	switch t := v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		n, _ := ToInt64(t)
		return n
	case uint:
		return normalizeUint(uint64(t))
	case uint64:
		return normalizeUint(t)
	case float32:
		return float64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Normalize(x)
		}
		return out
	case []string:
		return sliceOf(t)
	case []int:
		return sliceOf(t)
	case []int64:
		return sliceOf(t)
	case []float64:
		return sliceOf(t)
	case []bool:
		return sliceOf(t)
	case []map[string]any:
		return sliceOf(t)
	case map[string]any:
		return NormalizeMap(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = x
		}
		return out
	}
	return v
}

// NormalizeMap normalizes every value of m into a new map. A nil map stays
// nil.
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, x := range m {
		out[k] = Normalize(x)
	}
	return out
}

// normalizeUint keeps values beyond int64 as (approximate) floats.
func normalizeUint(n uint64) any {
	if i, ok := uintToInt64(n); ok {
		return i
	}
	return float64(n)
}

func sliceOf[T any](in []T) []any {
	out := make([]any, len(in))
	for i, x := range in {
		out[i] = Normalize(x)
	}
	return out
}

// ToInt64 converts integer kinds, json.Number and integral floats to int64.
// Unsigned values above math.MaxInt64 and fractional floats fail.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return uintToInt64(n)
	case float64:
		return floatToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatToInt64(f)
		}
	}
	return 0, false
}

func uintToInt64(n uint64) (int64, bool) {
	if n > math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// ToFloat64 converts any numeric kind (and json.Number) to float64.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := ToInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
