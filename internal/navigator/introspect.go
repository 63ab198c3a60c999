package navigator

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// field classification thresholds: short scalars are "summary" fields shown
// in the overview table; long scalars or large nested structures are
// "noise" fields, named but not expanded.
const (
	noiseScalarChars    = 500
	noiseContainerChars = 1000
	maxOverviewRows     = 25
	maxCellChars        = 80
	maxArrayDepth       = 3
	sampleItems         = 3
)

// Introspect derives OutputHints from a parsed tool result: find the item
// array, sample items, classify fields, and promote useful sub-values out
// of noise fields. Deterministic — no LLM involved. parsed is nil when raw
// wasn't JSON, in which case CSV and plain-text fallbacks apply.
func Introspect(parsed any, raw string, now time.Time) ([]any, OutputHints) {
	if parsed == nil {
		if rows, ok := sniffCSV(raw); ok {
			return rows, hintsFromSample(rows, "", now)
		}
		return textLines(raw), OutputHints{ArrayPath: "", VerifiedAt: now}
	}

	arr, path := findArray(parsed, "", 0)
	if arr == nil {
		// Single object/scalar: treat as a one-item collection.
		return []any{parsed}, hintsFromSample([]any{parsed}, "", now)
	}
	return arr, hintsFromSample(arr, path, now)
}

// findArray searches parsed for the first non-empty array within
// maxArrayDepth, preferring the top level, then object fields in sorted
// order. Returns the array and its dotted path ("" at top level).
func findArray(v any, path string, depth int) ([]any, string) {
	if depth > maxArrayDepth {
		return nil, ""
	}
	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			return t, path
		}
	case map[string]any:
		keys := sortedKeys(t)
		for _, k := range keys {
			if arr, ok := t[k].([]any); ok && len(arr) > 0 {
				return arr, joinPath(path, k)
			}
		}
		for _, k := range keys {
			if arr, p := findArray(t[k], joinPath(path, k), depth+1); arr != nil {
				return arr, p
			}
		}
	}
	return nil, ""
}

func joinPath(base, seg string) string {
	if base == "" {
		return seg
	}
	return base + "." + seg
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// hintsFromSample classifies the sampled items' fields and promotes useful
// sub-values from noise fields.
func hintsFromSample(arr []any, arrayPath string, now time.Time) OutputHints {
	hints := OutputHints{ArrayPath: arrayPath, VerifiedAt: now}

	n := len(arr)
	if n > sampleItems {
		n = sampleItems
	}

	sizes := map[string][]int{}
	types := map[string]string{}
	order := []string{}
	totalSize := 0
	for i := 0; i < n; i++ {
		item, ok := arr[i].(map[string]any)
		if !ok {
			continue
		}
		rendered := renderValue(item)
		totalSize += len(rendered)
		for _, k := range sortedKeys(item) {
			if _, seen := types[k]; !seen {
				order = append(order, k)
			}
			types[k] = jsonType(item[k])
			sizes[k] = append(sizes[k], len(renderValue(item[k])))
		}
	}
	if n > 0 {
		hints.AvgItemSize = totalSize / n
	}

	var sample map[string]any
	if n > 0 {
		sample, _ = arr[0].(map[string]any)
	}

	for _, k := range order {
		avg := avgOf(sizes[k])
		hint := FieldHint{Path: k, Type: types[k], AvgSize: avg}
		threshold := noiseScalarChars
		if types[k] == "object" || types[k] == "array" {
			threshold = noiseContainerChars
		}
		if avg > threshold {
			hints.NoiseFields = append(hints.NoiseFields, hint)
			hints.SummaryFields = append(hints.SummaryFields, promote(sample, k)...)
		} else {
			hints.SummaryFields = append(hints.SummaryFields, hint)
		}
	}
	return hints
}

// promote looks inside one noise field for small useful sub-values:
// recognized header names in name/value-pair arrays, or any short string
// one level down. Promoted paths use bracket notation.
func promote(sample map[string]any, field string) []FieldHint {
	if sample == nil {
		return nil
	}
	var out []FieldHint
	walkPromotable(sample[field], field, 0, &out)
	return out
}

func walkPromotable(v any, path string, depth int, out *[]FieldHint) {
	if depth > 2 {
		return
	}
	switch t := v.(type) {
	case []any:
		// An array of {name, value} pairs: promote the recognized names.
		for _, entry := range t {
			em, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			name, _ := em["name"].(string)
			if !recognizedHeaders[name] {
				continue
			}
			if val, ok := em["value"].(string); ok && len(val) < promotedStringMax {
				*out = append(*out, FieldHint{
					Path:    fmt.Sprintf("%s[%s]", path, name),
					Type:    "string",
					AvgSize: len(val),
				})
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			switch sub := t[k].(type) {
			case string:
				if len(sub) < promotedStringMax {
					*out = append(*out, FieldHint{
						Path:    fmt.Sprintf("%s[%s]", path, k),
						Type:    "string",
						AvgSize: len(sub),
					})
				}
			case []any, map[string]any:
				walkPromotable(sub, path+"."+k, depth+1, out)
			}
		}
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "null"
	}
}

func avgOf(xs []int) int {
	if len(xs) == 0 {
		return 0
	}
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return sum / len(xs)
}

// RenderOverview builds the markdown overview: an index-numbered table of
// summary-field columns, capped at 25 rows, with a trailing note on how to
// drill in.
func RenderOverview(id string, items []any, hints OutputHints) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Collection `%s`: %d item(s)\n\n", id, len(items))
	if len(items) == 0 {
		return b.String()
	}

	if len(hints.SummaryFields) == 0 {
		b.WriteString("| # | value |\n|---|---|\n")
		limit := len(items)
		if limit > maxOverviewRows {
			limit = maxOverviewRows
		}
		for i := 0; i < limit; i++ {
			fmt.Fprintf(&b, "| %d | %s |\n", i, truncateCell(fmt.Sprintf("%v", items[i])))
		}
		writeOverviewFooter(&b, id, len(items), nil)
		return b.String()
	}

	cols := make([]string, len(hints.SummaryFields))
	for i, f := range hints.SummaryFields {
		cols[i] = f.Path
	}
	b.WriteString("| # | " + strings.Join(cols, " | ") + " |\n")
	b.WriteString("|---|" + strings.Repeat("---|", len(cols)) + "\n")

	limit := len(items)
	if limit > maxOverviewRows {
		limit = maxOverviewRows
	}
	for i := 0; i < limit; i++ {
		row := make([]string, len(cols))
		if item, ok := items[i].(map[string]any); ok {
			for j, f := range hints.SummaryFields {
				row[j] = hintCell(item, f.Path)
			}
		}
		fmt.Fprintf(&b, "| %d | %s |\n", i, strings.Join(row, " | "))
	}

	var noise []string
	for _, f := range hints.NoiseFields {
		noise = append(noise, f.Path)
	}
	writeOverviewFooter(&b, id, len(items), noise)
	return b.String()
}

func writeOverviewFooter(b *strings.Builder, id string, total int, noise []string) {
	if total > maxOverviewRows {
		fmt.Fprintf(b, "\n…and %d more\n", total-maxOverviewRows)
	}
	if len(noise) > 0 {
		fmt.Fprintf(b, "\nOmitted large fields: %s\n", strings.Join(noise, ", "))
	}
	fmt.Fprintf(b, "\nUse result.get(%q, index), result.filter, or result.query to drill in.\n", id)
}

func truncateCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxCellChars {
		return s[:maxCellChars] + "…"
	}
	return s
}

// sniffCSV detects comma-separated output: at least 2 columns in the
// header and at least half of the data rows matching its column count.
// Non-matching rows are skipped rather than failing the sniff.
func sniffCSV(raw string) ([]any, bool) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) < 2 {
		return nil, false
	}
	header := strings.Split(lines[0], ",")
	if len(header) < 2 {
		return nil, false
	}

	matching := 0
	var rows []any
	for _, line := range lines[1:] {
		cols := strings.Split(line, ",")
		if len(cols) != len(header) {
			continue
		}
		matching++
		item := make(map[string]any, len(header))
		for i, h := range header {
			item[strings.TrimSpace(h)] = strings.TrimSpace(cols[i])
		}
		rows = append(rows, item)
	}
	if matching*2 < len(lines)-1 {
		return nil, false
	}
	return rows, true
}

// textLines is the plain-text fallback: one item per non-empty line.
func textLines(raw string) []any {
	var items []any
	for _, line := range strings.Split(raw, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
