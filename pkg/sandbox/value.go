package sandbox

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// The evaluator only ever handles nil, bool, int64, float64, string, []any
// and map[string]any. normalize maps caller input onto that set.

func normalizeVars(vars map[string]any, maxDepth int) (map[string]any, error) {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		nv, err := normalize(v, 1, maxDepth)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalize(v any, depth, maxDepth int) (any, error) {
	if depth > maxDepth {
		return nil, evalErrorf(ReasonDepthLimit, 0, "variables nested deeper than %d levels", maxDepth)
	}
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return float64(x), nil
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return float64(x), nil
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, evalErrorf(ReasonTypeMismatch, 0, "invalid number %q", x.String())
		}
		return f, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			nv, err := normalize(item, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			nv, err := normalize(item, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	default:
		return nil, evalErrorf(ReasonTypeMismatch, 0, "unsupported variable type %T", v)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "none"
	case bool:
		return "boolean"
	case int64:
		return "integer"
	case float64:
		return "float"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "mapping"
	case undefinedValue:
		return "undefined"
	default:
		return "unknown value"
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil, undefinedValue:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return false
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil, undefinedValue:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case string:
		return x
	default:
		s, err := toJSON(v)
		if err != nil {
			return ""
		}
		return s
	}
}

// encodedSize estimates how many bytes v takes once rendered. It never
// exceeds the real size, and the walk stops as soon as the total passes limit.
func encodedSize(v any, limit int) int {
	n := 0
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			n += len(x) + 2
		case []any:
			n += 2
			for i, item := range x {
				if n > limit {
					return
				}
				if i > 0 {
					n++
				}
				walk(item)
			}
		case map[string]any:
			n += 2
			i := 0
			for k, item := range x {
				if n > limit {
					return
				}
				if i > 0 {
					n++
				}
				n += len(k) + 3
				walk(item)
				i++
			}
		default:
			n++
		}
	}
	walk(v)
	return n
}

// concatSize is the size of a + b when both are strings or both are lists,
// and zero otherwise.
func concatSize(a, b any, limit int) int {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return len(x) + len(y)
		}
	case []any:
		if y, ok := b.([]any); ok {
			return encodedSize(x, limit) + encodedSize(y, limit)
		}
	}
	return 0
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	format := byte('f')
	if math.Abs(f) >= 1e16 {
		format = 'g'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// toJSON renders a value as compact JSON with sorted mapping keys.
func toJSON(v any) (string, error) {
	if _, ok := v.(undefinedValue); ok {
		v = nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !equal(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}

// order compares two numbers or two strings.
func order(a, b any, line int) (int, error) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), nil
		}
	}
	return 0, evalErrorf(ReasonTypeMismatch, line, "cannot compare %s with %s", typeName(a), typeName(b))
}

func contains(container, item any, line int) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, evalErrorf(ReasonTypeMismatch, line, "'in <string>' needs a string, got %s", typeName(item))
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, v := range c {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[s]
		return found, nil
	}
	return false, evalErrorf(ReasonTypeMismatch, line, "%s does not support 'in'", typeName(container))
}

func arith(op string, a, b any, line int) (any, error) {
	if op == "+" {
		switch x := a.(type) {
		case string:
			if y, ok := b.(string); ok {
				return x + y, nil
			}
		case []any:
			if y, ok := b.([]any); ok {
				out := make([]any, 0, len(x)+len(y))
				return append(append(out, x...), y...), nil
			}
		}
	}

	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if !aNum || !bNum {
		return nil, evalErrorf(ReasonTypeMismatch, line, "unsupported operand types for %s: %s and %s", op, typeName(a), typeName(b))
	}
	bothInt := aInt && bInt

	switch op {
	case "+":
		if bothInt {
			return ai + bi, nil
		}
		return af + bf, nil
	case "-":
		if bothInt {
			return ai - bi, nil
		}
		return af - bf, nil
	case "*":
		if bothInt {
			return ai * bi, nil
		}
		return af * bf, nil
	}

	if bf == 0 {
		return nil, evalErrorf(ReasonDivisionByZero, line, "division by zero")
	}
	switch op {
	case "/":
		return af / bf, nil
	case "//":
		if bothInt {
			q := ai / bi
			if (ai%bi != 0) && ((ai < 0) != (bi < 0)) {
				q--
			}
			return q, nil
		}
		return math.Floor(af / bf), nil
	default: // "%"
		if bothInt {
			m := ai % bi
			if m != 0 && ((m < 0) != (bi < 0)) {
				m += bi
			}
			return m, nil
		}
		m := math.Mod(af, bf)
		if m != 0 && ((m < 0) != (bf < 0)) {
			m += bf
		}
		return m, nil
	}
}
