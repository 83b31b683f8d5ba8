package cypher

import (
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/orneryd/nornicqe/pkg/storage"
)

// ErrArithmetic marks runtime arithmetic failures such as division by zero.
var ErrArithmetic = errors.New("arithmetic error")

// Frame binds variable names to values for one row.
type Frame map[string]any

func (f Frame) with(name string, v any) Frame {
	out := make(Frame, len(f)+1)
	for k, val := range f {
		out[k] = val
	}
	out[name] = v
	return out
}

var aggregateFuncs = map[string]bool{
	"count":   true,
	"collect": true,
	"sum":     true,
	"min":     true,
	"max":     true,
	"avg":     true,
}

// scalarFuncs lists the supported non-aggregate functions with their arity
// (-1 for variadic).
var scalarFuncs = map[string]int{
	"id":         1,
	"labels":     1,
	"type":       1,
	"keys":       1,
	"properties": 1,
	"range":      -1,
	"toupper":    1,
	"tolower":    1,
	"trim":       1,
	"size":       1,
	"coalesce":   -1,
	"tostring":   1,
	"tointeger":  1,
	"tofloat":    1,
	"abs":        1,
}

func isAggregate(e Expression) bool {
	fc, ok := e.(*FunctionCall)
	return ok && aggregateFuncs[fc.Name]
}

func (ec *ExecContext) eval(e Expression, f Frame) (any, error) {
	switch e := e.(type) {
	case *Literal:
		return e.Value, nil
	case *Parameter:
		v, ok := ec.Params[e.Name]
		if !ok {
			return nil, semanticErrorf("Expected parameter(s): %s", e.Name)
		}
		return v, nil
	case *Variable:
		v, ok := f[e.Name]
		if !ok {
			return nil, semanticErrorf("variable `%s` not defined", e.Name)
		}
		return v, nil
	case *ListExpr:
		out := make([]any, len(e.Items))
		for i, item := range e.Items {
			v, err := ec.eval(item, f)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *MapExpr:
		out := make(map[string]any, len(e.Entries))
		for k, item := range e.Entries {
			v, err := ec.eval(item, f)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case *PropertyAccess:
		target, err := ec.eval(e.Target, f)
		if err != nil {
			return nil, err
		}
		return property(target, e.Key)
	case *IsNull:
		v, err := ec.eval(e.Operand, f)
		if err != nil {
			return nil, err
		}
		return (v == nil) != e.Not, nil
	case *UnaryOp:
		v, err := ec.eval(e.Operand, f)
		if err != nil {
			return nil, err
		}
		return unary(e.Op, v)
	case *BinaryOp:
		return ec.evalBinary(e, f)
	case *FunctionCall:
		if aggregateFuncs[e.Name] {
			return nil, semanticErrorf("aggregate function %s() is only allowed as a RETURN item", e.Name)
		}
		args := make([]any, len(e.Args))
		for i, a := range e.Args {
			v, err := ec.eval(a, f)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		if e.Name == "range" {
			return ec.rangeList(args)
		}
		return callFunction(e.Name, args)
	}
	return nil, errors.AssertionFailedf("unhandled expression %T", e)
}

func property(target any, key string) (any, error) {
	switch t := target.(type) {
	case nil:
		return nil, nil
	case *storage.Node:
		return t.Properties[key], nil
	case *storage.Edge:
		return t.Properties[key], nil
	case map[string]any:
		return t[key], nil
	}
	return nil, errors.Mark(errors.Newf("cannot access property %q of %s", key, typeName(target)), ErrTypeMismatch)
}

func unary(op string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch op {
	case "NOT":
		b, ok := v.(bool)
		if !ok {
			return nil, typeErr("NOT", v)
		}
		return !b, nil
	case "-":
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, typeErr("-", v)
	}
	return nil, errors.AssertionFailedf("unknown unary operator %s", op)
}

func (ec *ExecContext) evalBinary(e *BinaryOp, f Frame) (any, error) {
	left, err := ec.eval(e.Left, f)
	if err != nil {
		return nil, err
	}
	// AND/OR short-circuit on a decided left operand.
	switch e.Op {
	case "AND":
		if left == false {
			return false, nil
		}
	case "OR":
		if left == true {
			return true, nil
		}
	}
	right, err := ec.eval(e.Right, f)
	if err != nil {
		return nil, err
	}
	return binary(e.Op, left, right)
}

func binary(op string, left, right any) (any, error) {
	switch op {
	case "AND", "OR", "XOR":
		return logic(op, left, right)
	case "=":
		return equals(left, right), nil
	case "<>":
		eq := equals(left, right)
		if eq == nil {
			return nil, nil
		}
		return !eq.(bool), nil
	case "<", "<=", ">", ">=":
		if left == nil || right == nil {
			return nil, nil
		}
		c, ok := compare(left, right)
		if !ok {
			return nil, nil
		}
		switch op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "IN":
		return in(left, right)
	case "STARTS WITH", "ENDS WITH", "CONTAINS", "=~":
		if left == nil || right == nil {
			return nil, nil
		}
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return nil, nil
		}
		switch op {
		case "STARTS WITH":
			return strings.HasPrefix(ls, rs), nil
		case "ENDS WITH":
			return strings.HasSuffix(ls, rs), nil
		case "CONTAINS":
			return strings.Contains(ls, rs), nil
		}
		re, err := regexp.Compile("^(?:" + rs + ")$")
		if err != nil {
			return nil, errors.Wrapf(err, "invalid regular expression %q", rs)
		}
		return re.MatchString(ls), nil
	case "+", "-", "*", "/", "%":
		return arithmetic(op, left, right)
	}
	return nil, errors.AssertionFailedf("unknown operator %s", op)
}

func logic(op string, left, right any) (any, error) {
	lb, lok := left.(bool)
	rb, rok := right.(bool)
	if (left != nil && !lok) || (right != nil && !rok) {
		return nil, typeErr(op, lo.Ternary(left != nil && !lok, left, right))
	}
	switch op {
	case "AND":
		if (lok && !lb) || (rok && !rb) {
			return false, nil
		}
		if lok && rok {
			return true, nil
		}
	case "OR":
		if (lok && lb) || (rok && rb) {
			return true, nil
		}
		if lok && rok {
			return false, nil
		}
	case "XOR":
		if lok && rok {
			return lb != rb, nil
		}
	}
	return nil, nil
}

func in(needle, haystack any) (any, error) {
	if haystack == nil {
		return nil, nil
	}
	list, ok := haystack.([]any)
	if !ok {
		return nil, typeErr("IN", haystack)
	}
	if needle == nil {
		if len(list) == 0 {
			return false, nil
		}
		return nil, nil
	}
	sawNull := false
	for _, item := range list {
		switch equals(needle, item) {
		case true:
			return true, nil
		case nil:
			sawNull = true
		}
	}
	if sawNull {
		return nil, nil
	}
	return false, nil
}

func arithmetic(op string, left, right any) (any, error) {
	if left == nil || right == nil {
		return nil, nil
	}
	if op == "+" {
		switch l := left.(type) {
		case string:
			return l + toDisplayString(right), nil
		case []any:
			if r, ok := right.([]any); ok {
				return append(append([]any{}, l...), r...), nil
			}
			return append(append([]any{}, l...), right), nil
		}
		if r, ok := right.(string); ok {
			return toDisplayString(left) + r, nil
		}
	}
	li, lInt := left.(int64)
	ri, rInt := right.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/", "%":
			if ri == 0 {
				return nil, errors.Mark(errors.New("/ by zero"), ErrArithmetic)
			}
			if op == "/" {
				return li / ri, nil
			}
			return li % ri, nil
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, errors.Mark(errors.Newf("cannot apply %s to %s and %s", op, typeName(left), typeName(right)), ErrTypeMismatch)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		return lf / rf, nil
	default:
		return math.Mod(lf, rf), nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// equals implements Cypher equality: nil when either side is null.
func equals(a, b any) any {
	if a == nil || b == nil {
		return nil
	}
	switch av := a.(type) {
	case *storage.Node:
		bv, ok := b.(*storage.Node)
		return ok && av.ID == bv.ID
	case *storage.Edge:
		bv, ok := b.(*storage.Edge)
		return ok && av.ID == bv.ID
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		var result any = true
		for i := range av {
			switch equals(av[i], bv[i]) {
			case false:
				return false
			case nil:
				result = nil
			}
		}
		return result
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		var result any = true
		for k, x := range av {
			y, ok := bv[k]
			if !ok {
				return false
			}
			switch equals(x, y) {
			case false:
				return false
			case nil:
				result = nil
			}
		}
		return result
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return false
}

// compare orders two values of comparable types. ok is false when the types
// cannot be compared.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		ai, aInt := a.(int64)
		bi, bInt := b.(int64)
		if aInt && bInt {
			return cmpOrdered(ai, bi), true
		}
		return cmpOrdered(af, bf), true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// orderRank gives the cross-type order used by ORDER BY.
func orderRank(v any) int {
	switch v.(type) {
	case map[string]any:
		return 0
	case *storage.Node:
		return 1
	case *storage.Edge:
		return 2
	case []any:
		return 3
	case string:
		return 4
	case bool:
		return 5
	case int64, float64:
		return 6
	case nil:
		return 8
	}
	return 7
}

// orderCompare is a total order over values; nulls sort last.
func orderCompare(a, b any) int {
	ra, rb := orderRank(a), orderRank(b)
	if ra != rb {
		return cmpOrdered(int64(ra), int64(rb))
	}
	if c, ok := compare(a, b); ok {
		return c
	}
	switch av := a.(type) {
	case *storage.Node:
		return cmpOrdered(int64(av.ID), int64(b.(*storage.Node).ID))
	case *storage.Edge:
		return cmpOrdered(int64(av.ID), int64(b.(*storage.Edge).ID))
	case []any:
		bv := b.([]any)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := orderCompare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmpOrdered(int64(len(av)), int64(len(bv)))
	}
	return 0
}

func callFunction(name string, args []any) (any, error) {
	want, ok := scalarFuncs[name]
	if !ok {
		return nil, semanticErrorf("unknown function '%s'", name)
	}
	if want >= 0 && len(args) != want {
		return nil, semanticErrorf("function %s() expects %d argument(s), got %d", name, want, len(args))
	}
	if name == "coalesce" {
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}
	arg := args[0]
	if arg == nil {
		return nil, nil
	}
	switch name {
	case "id":
		switch v := arg.(type) {
		case *storage.Node:
			return int64(v.ID), nil
		case *storage.Edge:
			return int64(v.ID), nil
		}
	case "labels":
		if n, ok := arg.(*storage.Node); ok {
			return lo.Map(n.Labels, func(l string, _ int) any { return l }), nil
		}
	case "type":
		if e, ok := arg.(*storage.Edge); ok {
			return e.Type, nil
		}
	case "keys", "properties":
		var props map[string]any
		switch v := arg.(type) {
		case *storage.Node:
			props = v.Properties
		case *storage.Edge:
			props = v.Properties
		case map[string]any:
			props = v
		default:
			return nil, typeErr(name, arg)
		}
		if name == "properties" {
			out := make(map[string]any, len(props))
			for k, v := range props {
				out[k] = v
			}
			return out, nil
		}
		keys := lo.Keys(props)
		sort.Strings(keys)
		return lo.Map(keys, func(k string, _ int) any { return k }), nil
	case "toupper", "tolower", "trim":
		s, ok := arg.(string)
		if !ok {
			return nil, typeErr(name, arg)
		}
		switch name {
		case "toupper":
			return strings.ToUpper(s), nil
		case "tolower":
			return strings.ToLower(s), nil
		}
		return strings.TrimSpace(s), nil
	case "size":
		switch v := arg.(type) {
		case string:
			return int64(len([]rune(v))), nil
		case []any:
			return int64(len(v)), nil
		}
	case "tostring":
		return toDisplayString(arg), nil
	case "tointeger":
		switch v := arg.(type) {
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				if f, ferr := strconv.ParseFloat(strings.TrimSpace(v), 64); ferr == nil {
					return int64(f), nil
				}
				return nil, nil
			}
			return n, nil
		}
	case "tofloat":
		switch v := arg.(type) {
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, nil
			}
			return f, nil
		}
	case "abs":
		switch v := arg.(type) {
		case int64:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		case float64:
			return math.Abs(v), nil
		}
	}
	return nil, typeErr(name+"()", arg)
}

const maxRangeSize = 10_000_000

// rangeList builds the list eagerly, so its size is charged up front.
func (ec *ExecContext) rangeList(args []any) (any, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, semanticErrorf("function range() expects 2 or 3 arguments, got %d", len(args))
	}
	bounds := make([]int64, 3)
	bounds[2] = 1
	for i, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, typeErr("range()", a)
		}
		bounds[i] = n
	}
	start, end, step := bounds[0], bounds[1], bounds[2]
	if step == 0 {
		return nil, errors.Mark(errors.New("range() step cannot be zero"), ErrArithmetic)
	}
	var size int64
	if (step > 0 && start <= end) || (step < 0 && start >= end) {
		size = (end-start)/step + 1
	}
	if size > maxRangeSize || size < 0 {
		return nil, errors.Mark(errors.New("range() result too large"), ErrArithmetic)
	}
	if err := ec.reserve(sliceHeader + int(size)*ifaceSize); err != nil {
		return nil, err
	}
	out := make([]any, 0, size)
	for v, k := start, int64(0); k < size; v, k = v+step, k+1 {
		out = append(out, v)
	}
	return out, nil
}

func toDisplayString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		s := strconv.FormatFloat(t, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") && !math.IsInf(t, 0) && !math.IsNaN(t) {
			s += ".0"
		}
		return s
	case bool:
		return strconv.FormatBool(t)
	}
	return typeName(v)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case bool:
		return "BOOLEAN"
	case int64:
		return "INTEGER"
	case float64:
		return "FLOAT"
	case string:
		return "STRING"
	case []any:
		return "LIST"
	case map[string]any:
		return "MAP"
	case *storage.Node:
		return "NODE"
	case *storage.Edge:
		return "RELATIONSHIP"
	}
	return reflect.TypeOf(v).String()
}

func typeErr(op string, v any) error {
	return errors.Mark(errors.Newf("%s cannot be applied to %s", op, typeName(v)), ErrTypeMismatch)
}
