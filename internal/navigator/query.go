package navigator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// resolvePath resolves dotted/bracket-notation paths like "[3].name" or
// "foo.bar[0]" against a parsed JSON value.
func resolvePath(v any, path string) (any, error) {
	tokens, err := tokenizePath(path)
	if err != nil {
		return nil, err
	}
	cur := v
	for _, tok := range tokens {
		next, err := step(cur, tok)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// resolveArray resolves path and requires the result to be an array.
func resolveArray(v any, path string) ([]any, error) {
	if path == "" || path == "[*]" {
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("navigator: value at %q is not an array", path)
		}
		return arr, nil
	}
	resolved, err := resolvePath(v, strings.TrimSuffix(path, "[*]"))
	if err != nil {
		return nil, err
	}
	arr, ok := resolved.([]any)
	if !ok {
		return nil, fmt.Errorf("navigator: value at %q is not an array", path)
	}
	return arr, nil
}

type pathToken struct {
	field string
	index int
	isIdx bool
	isAll bool
}

func tokenizePath(path string) ([]pathToken, error) {
	var tokens []pathToken
	path = strings.TrimPrefix(path, ".")
	for len(path) > 0 {
		switch {
		case path[0] == '[':
			end := strings.IndexByte(path, ']')
			if end < 0 {
				return nil, fmt.Errorf("navigator: unterminated [ in path")
			}
			inner := path[1:end]
			if inner == "*" {
				tokens = append(tokens, pathToken{isAll: true})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("navigator: bad index %q", inner)
				}
				tokens = append(tokens, pathToken{index: n, isIdx: true})
			}
			path = path[end+1:]
		default:
			end := strings.IndexAny(path, ".[")
			if end < 0 {
				end = len(path)
			}
			if end > 0 {
				tokens = append(tokens, pathToken{field: path[:end]})
			}
			path = path[end:]
		}
		path = strings.TrimPrefix(path, ".")
	}
	return tokens, nil
}

func step(v any, tok pathToken) (any, error) {
	switch {
	case tok.isAll:
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("navigator: [*] against non-array")
		}
		return arr, nil
	case tok.isIdx:
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("navigator: index against non-array")
		}
		idx := tok.index
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 || idx >= len(arr) {
			return nil, fmt.Errorf("navigator: index %d out of range", tok.index)
		}
		return arr[idx], nil
	default:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("navigator: field %q against non-object", tok.field)
		}
		return m[tok.field], nil
	}
}

// RunQuery evaluates the JSONPath-like DSL with pipes: "[*].field", "[0:5].field", "[?cond]", ".length", multi-field projection via
// comma-separated field lists, and pipe-chained aggregate stages
// (unique/count/sum/avg/min/max).
func RunQuery(v any, expr string) (any, error) {
	stages := strings.Split(expr, "|")
	sel := strings.TrimSpace(stages[0])

	result, err := runSelector(v, sel)
	if err != nil {
		return nil, err
	}

	for _, stage := range stages[1:] {
		stage = strings.TrimSpace(stage)
		result, err = applyAggregate(result, stage)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func runSelector(v any, sel string) (any, error) {
	if sel == "" || sel == "." {
		return v, nil
	}
	if sel == ".length" {
		return lengthOf(v), nil
	}

	if strings.HasPrefix(sel, "[") {
		end := matchingBracket(sel)
		if end < 0 {
			return nil, fmt.Errorf("navigator: unterminated [ in query")
		}
		inner := sel[1:end]
		rest := strings.TrimPrefix(sel[end+1:], ".")

		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("navigator: selector against non-array")
		}

		var items []any
		switch {
		case inner == "*":
			items = arr
		case strings.HasPrefix(inner, "?"):
			key, op, val, err := parseCond(strings.TrimPrefix(inner, "?"))
			if err != nil {
				return nil, err
			}
			for _, item := range arr {
				if matchesCond(item, key, op, val) {
					items = append(items, item)
				}
			}
		case strings.Contains(inner, ":"):
			lo, hi, err := parseSlice(inner, len(arr))
			if err != nil {
				return nil, err
			}
			items = arr[lo:hi]
		default:
			idx, err := strconv.Atoi(inner)
			if err != nil {
				return nil, fmt.Errorf("navigator: bad index %q", inner)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("navigator: index %d out of range", idx)
			}
			items = []any{arr[idx]}
		}

		if rest == "" {
			return items, nil
		}
		return projectFields(items, rest)
	}

	return resolvePath(v, sel)
}

func parseSlice(inner string, n int) (int, int, error) {
	lo, hi := 0, n
	parts := strings.SplitN(inner, ":", 2)
	if parts[0] != "" {
		v, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, 0, fmt.Errorf("navigator: bad slice start %q", parts[0])
		}
		lo = v
	}
	if len(parts) > 1 && parts[1] != "" {
		v, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("navigator: bad slice end %q", parts[1])
		}
		hi = v
	}
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi, nil
}

// projectFields applies a (possibly comma-separated) field path to each item.
func projectFields(items []any, fields string) (any, error) {
	names := strings.Split(fields, ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		if len(names) == 1 {
			v, err := projectOne(item, names[0])
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			continue
		}
		row := make(map[string]any, len(names))
		for _, name := range names {
			v, err := projectOne(item, name)
			if err != nil {
				return nil, err
			}
			row[name] = v
		}
		out = append(out, row)
	}
	return out, nil
}

// projectOne resolves a projection path against one item, falling back to
// hint-path semantics (named entries in name/value-pair arrays) when the
// positional path syntax doesn't apply.
func projectOne(item any, name string) (any, error) {
	v, err := resolvePath(item, name)
	if err == nil {
		return v, nil
	}
	if m, ok := item.(map[string]any); ok {
		if hv, ok := resolveHintPath(m, name); ok {
			return hv, nil
		}
	}
	return nil, err
}

func applyAggregate(v any, stage string) (any, error) {
	switch {
	case stage == "unique":
		return uniqueValues(v), nil
	case stage == "count":
		return lengthOf(v), nil
	case stage == "sum":
		return reduceNumeric(v, 0, func(acc, x float64) float64 { return acc + x })
	case stage == "avg":
		arr, ok := v.([]any)
		if !ok || len(arr) == 0 {
			return 0, nil
		}
		sum, err := reduceNumeric(v, 0, func(acc, x float64) float64 { return acc + x })
		if err != nil {
			return nil, err
		}
		return sum.(float64) / float64(len(arr)), nil
	case stage == "min":
		return reduceNumeric(v, 0, minFn)
	case stage == "max":
		return reduceNumeric(v, 0, maxFn)
	default:
		return nil, fmt.Errorf("navigator: unknown pipe stage %q", stage)
	}
}

func minFn(acc, x float64) float64 {
	if x < acc {
		return x
	}
	return acc
}
func maxFn(acc, x float64) float64 {
	if x > acc {
		return x
	}
	return acc
}

func reduceNumeric(v any, init float64, fn func(acc, x float64) float64) (any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("navigator: aggregate against non-array")
	}
	acc := init
	first := true
	for _, item := range arr {
		f, ok := toFloat(item)
		if !ok {
			continue
		}
		if first {
			acc = f
			first = false
			continue
		}
		acc = fn(acc, f)
	}
	return acc, nil
}

// matchingBracket returns the index of the ']' closing the '[' that s
// starts with, tolerating nested brackets inside filter conditions like
// [?payload.headers[From] contains "x"].
func matchingBracket(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// condOps in match order — two-character operators before their
// one-character prefixes.
var condOps = []string{" contains ", "==", "!=", ">=", "<=", ">", "<"}

// parseCond splits a filter condition like `status=="active"` or
// `payload.headers[From] contains "@acme.com"` into key, operator, value.
func parseCond(cond string) (key, op, val string, err error) {
	for _, candidate := range condOps {
		if idx := strings.Index(cond, candidate); idx >= 0 {
			key = strings.TrimSpace(cond[:idx])
			op = strings.TrimSpace(candidate)
			val = strings.Trim(strings.TrimSpace(cond[idx+len(candidate):]), `"'`)
			return key, op, val, nil
		}
	}
	return "", "", "", fmt.Errorf("navigator: no operator in condition %q", cond)
}

func matchesCond(item any, key, op, val string) bool {
	m, ok := item.(map[string]any)
	if !ok {
		return false
	}
	fv, ok := resolveHintPath(m, key)
	if !ok {
		return false
	}

	switch op {
	case "contains":
		return strings.Contains(strings.ToLower(fmt.Sprintf("%v", fv)), strings.ToLower(val))
	case "==":
		return fmt.Sprintf("%v", fv) == val
	case "!=":
		return fmt.Sprintf("%v", fv) != val
	}

	fn, okF := toFloat(fv)
	cn, okC := toFloat(any(val))
	if !okC {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			cn, okC = parsed, true
		}
	}
	if !okF || !okC {
		return false
	}
	switch op {
	case ">":
		return fn > cn
	case "<":
		return fn < cn
	case ">=":
		return fn >= cn
	case "<=":
		return fn <= cn
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func lengthOf(v any) int {
	switch t := v.(type) {
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	case string:
		return len(t)
	default:
		return 0
	}
}

func uniqueValues(v any) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	seen := map[string]bool{}
	var out []any
	for _, item := range arr {
		key := fmt.Sprintf("%v", item)
		if !seen[key] {
			seen[key] = true
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprintf("%v", out[i]) < fmt.Sprintf("%v", out[j])
	})
	return out
}
