package sandbox

import (
	"errors"
	"fmt"
	"html"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type filterFunc func(st *state, v any, args []any) (any, error)

type filterDef struct {
	fn      filterFunc
	minArgs int
	maxArgs int
	// lenient filters receive undefinedValue instead of failing on a missing variable.
	lenient bool
}

func (d *filterDef) arity() string {
	switch {
	case d.minArgs == d.maxArgs && d.maxArgs == 0:
		return "no arguments"
	case d.minArgs == d.maxArgs:
		return fmt.Sprintf("%d arguments", d.minArgs)
	default:
		return fmt.Sprintf("%d to %d arguments", d.minArgs, d.maxArgs)
	}
}

// filters is the complete set of functions a template can apply.
// It is fixed at build time; templates cannot register their own.
var filters = map[string]*filterDef{
	"upper":          {fn: filterUpper},
	"lower":          {fn: filterLower},
	"title":          {fn: filterTitle},
	"capitalize":     {fn: filterCapitalize},
	"trim":           {fn: filterTrim},
	"length":         {fn: filterLength},
	"count":          {fn: filterLength},
	"default":        {fn: filterDefault, maxArgs: 2, lenient: true},
	"d":              {fn: filterDefault, maxArgs: 2, lenient: true},
	"join":           {fn: filterJoin, maxArgs: 1},
	"replace":        {fn: filterReplace, minArgs: 2, maxArgs: 2},
	"escape":         {fn: filterEscape},
	"e":              {fn: filterEscape},
	"striptags":      {fn: filterStripTags},
	"filesizeformat": {fn: filterFileSize, maxArgs: 1},
	"first":          {fn: filterFirst},
	"last":           {fn: filterLast},
	"reverse":        {fn: filterReverse},
	"sort":           {fn: filterSort},
	"tojson":         {fn: filterToJSON},
	"int":            {fn: filterInt, maxArgs: 1},
	"float":          {fn: filterFloat, maxArgs: 1},
	"string":         {fn: filterString},
	"truncate":       {fn: filterTruncate, maxArgs: 2},
	"abs":            {fn: filterAbs},
	"round":          {fn: filterRound, maxArgs: 1},
}

// Filters returns the names of all registered filters, sorted.
func Filters() []string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type testFunc func(v any) (bool, error)

var tests = map[string]testFunc{
	"defined":   nil, // handled by testExpr
	"undefined": nil,
	"none":      func(v any) (bool, error) { return v == nil, nil },
	"string":    func(v any) (bool, error) { _, ok := v.(string); return ok, nil },
	"number":    func(v any) (bool, error) { _, ok := toFloat(v); return ok, nil },
	"sequence": func(v any) (bool, error) {
		switch v.(type) {
		case []any, string:
			return true, nil
		}
		return false, nil
	},
	"mapping": func(v any) (bool, error) { _, ok := v.(map[string]any); return ok, nil },
	"even":    func(v any) (bool, error) { n, err := intArg(v); return n%2 == 0, err },
	"odd":     func(v any) (bool, error) { n, err := intArg(v); return n%2 != 0, err },
}

var (
	stripPolicyOnce sync.Once
	stripPolicy     *bluemonday.Policy
)

func stripSanitizer() *bluemonday.Policy {
	stripPolicyOnce.Do(func() {
		stripPolicy = bluemonday.StrictPolicy()
	})
	return stripPolicy
}

func mismatch(name string, v any) error {
	return &EvalError{Reason: ReasonTypeMismatch, Detail: fmt.Sprintf("%s: unsupported value %s", name, typeName(v))}
}

func intArg(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), nil
		}
	}
	return 0, fmt.Errorf("expected an integer, got %s", typeName(v))
}

func stringArg(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %s", typeName(v))
	}
	return s, nil
}

func filterUpper(st *state, v any, _ []any) (any, error) {
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func filterLower(st *state, v any, _ []any) (any, error) {
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func filterTitle(st *state, v any, _ []any) (any, error) {
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	// cases.Caser is stateful, so one per call.
	return cases.Title(language.Und).String(s), nil
}

func filterCapitalize(st *state, v any, _ []any) (any, error) {
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	s = cases.Lower(language.Und).String(s)
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s, nil
	}
	return string(unicode.ToUpper(r)) + s[size:], nil
}

func filterTrim(st *state, v any, _ []any) (any, error) {
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func filterLength(_ *state, v any, _ []any) (any, error) {
	switch x := v.(type) {
	case string:
		return int64(utf8.RuneCountInString(x)), nil
	case []any:
		return int64(len(x)), nil
	case map[string]any:
		return int64(len(x)), nil
	}
	return nil, mismatch("length", v)
}

func filterDefault(_ *state, v any, args []any) (any, error) {
	var fallback any = ""
	if len(args) > 0 {
		fallback = args[0]
	}
	if _, missing := v.(undefinedValue); missing {
		return fallback, nil
	}
	if len(args) > 1 && truthy(args[1]) && !truthy(v) {
		return fallback, nil
	}
	return v, nil
}

func filterJoin(st *state, v any, args []any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, mismatch("join", v)
	}
	sep := ""
	if len(args) > 0 {
		sep = stringify(args[0])
	}
	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteString(sep)
		}
		s, err := st.text(item, 0)
		if err != nil {
			return nil, err
		}
		sb.WriteString(s)
		if sb.Len() > st.limits.MaxOutputSize {
			return nil, &EvalError{Reason: ReasonOutputLimit, Detail: "join result too large"}
		}
	}
	return sb.String(), nil
}

func filterReplace(st *state, v any, args []any) (any, error) {
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	old, err := stringArg(args[0])
	if err != nil {
		return nil, err
	}
	repl, err := stringArg(args[1])
	if err != nil {
		return nil, err
	}
	grow := strings.Count(s, old) * (len(repl) - len(old))
	if len(s)+grow > st.limits.MaxOutputSize {
		return nil, &EvalError{Reason: ReasonOutputLimit, Detail: "replace result too large"}
	}
	return strings.ReplaceAll(s, old, repl), nil
}

func filterEscape(st *state, v any, _ []any) (any, error) {
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	return html.EscapeString(s), nil
}

func filterStripTags(st *state, v any, _ []any) (any, error) {
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	clean := html.UnescapeString(stripSanitizer().Sanitize(s))
	return strings.Join(strings.Fields(clean), " "), nil
}

func filterFileSize(_ *state, v any, args []any) (any, error) {
	f, ok := toFloat(v)
	if !ok || f < 0 {
		return nil, mismatch("filesizeformat", v)
	}
	if len(args) > 0 && truthy(args[0]) {
		return humanize.IBytes(uint64(f)), nil
	}
	return humanize.Bytes(uint64(f)), nil
}

func filterFirst(_ *state, v any, _ []any) (any, error) {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return nil, &EvalError{Reason: ReasonUndefined, Detail: "first of an empty list"}
		}
		return x[0], nil
	case string:
		r, size := utf8.DecodeRuneInString(x)
		if size == 0 {
			return "", nil
		}
		return string(r), nil
	}
	return nil, mismatch("first", v)
}

func filterLast(_ *state, v any, _ []any) (any, error) {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return nil, &EvalError{Reason: ReasonUndefined, Detail: "last of an empty list"}
		}
		return x[len(x)-1], nil
	case string:
		r, size := utf8.DecodeLastRuneInString(x)
		if size == 0 {
			return "", nil
		}
		return string(r), nil
	}
	return nil, mismatch("last", v)
}

func filterReverse(_ *state, v any, _ []any) (any, error) {
	switch x := v.(type) {
	case []any:
		out := slices.Clone(x)
		slices.Reverse(out)
		return out, nil
	case string:
		runes := []rune(x)
		slices.Reverse(runes)
		return string(runes), nil
	}
	return nil, mismatch("reverse", v)
}

func filterSort(_ *state, v any, _ []any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, mismatch("sort", v)
	}
	out := slices.Clone(items)
	var sortErr error
	slices.SortStableFunc(out, func(a, b any) int {
		c, err := order(a, b, 0)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return c
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return out, nil
}

func filterToJSON(st *state, v any, _ []any) (any, error) {
	if err := st.fits(encodedSize(v, st.limits.MaxOutputSize), 0); err != nil {
		return nil, err
	}
	s, err := toJSON(v)
	if err != nil {
		return nil, err
	}
	if err = st.fits(len(s), 0); err != nil {
		return nil, err
	}
	return s, nil
}

func filterInt(_ *state, v any, args []any) (any, error) {
	var fallback any = int64(0)
	if len(args) > 0 {
		fallback = args[0]
	}
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fallback, nil
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f), nil
		}
	}
	return fallback, nil
}

func filterFloat(_ *state, v any, args []any) (any, error) {
	var fallback any = 0.0
	if len(args) > 0 {
		fallback = args[0]
	}
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, nil
		}
	}
	return fallback, nil
}

func filterString(st *state, v any, _ []any) (any, error) {
	return st.text(v, 0)
}

func filterTruncate(st *state, v any, args []any) (any, error) {
	length := int64(255)
	end := "..."
	if len(args) > 0 {
		n, err := intArg(args[0])
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.New("length must not be negative")
		}
		length = n
	}
	if len(args) > 1 {
		s, err := stringArg(args[1])
		if err != nil {
			return nil, err
		}
		end = s
	}
	s, err := st.text(v, 0)
	if err != nil {
		return nil, err
	}
	runes := []rune(s)
	if int64(len(runes)) <= length {
		return string(runes), nil
	}
	keep := length - int64(utf8.RuneCountInString(end))
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + end, nil
}

func filterAbs(_ *state, v any, _ []any) (any, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	case float64:
		return math.Abs(x), nil
	}
	return nil, mismatch("abs", v)
}

func filterRound(_ *state, v any, args []any) (any, error) {
	precision := int64(0)
	if len(args) > 0 {
		p, err := intArg(args[0])
		if err != nil {
			return nil, err
		}
		if p < 0 || p > 15 {
			return nil, errors.New("precision must be between 0 and 15")
		}
		precision = p
	}
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		scale := math.Pow(10, float64(precision))
		return math.Round(x*scale) / scale, nil
	}
	return nil, mismatch("round", v)
}
