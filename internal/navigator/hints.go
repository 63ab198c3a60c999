package navigator

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// hintMaxAge: hints older than this are re-introspected even if the shape
// still matches, so drifting tool outputs don't pin stale field lists.
const hintMaxAge = 24 * time.Hour

// promotedStringMax: a string sub-value inside a noise field shorter than
// this is useful enough to promote into the summary columns.
const promotedStringMax = 200

// recognizedHeaders are the name/value-pair entries promoted by name when a
// noise field turns out to be an email-style header list.
var recognizedHeaders = map[string]bool{"From": true, "To": true, "Subject": true, "Date": true}

// FieldHint records one summary or noise field's observed shape.
type FieldHint struct {
	Path    string // plain field name, or bracket notation for promoted sub-values, e.g. "payload.headers[From]"
	Type    string // string | number | boolean | array | object | null
	AvgSize int    // average serialized size over the sample
}

// OutputHints is the cached structural record for one tool's output: where
// the item array lives, which fields make good overview columns, which are
// noise, and when this was last verified against a live result.
type OutputHints struct {
	ArrayPath     string
	SummaryFields []FieldHint
	NoiseFields   []FieldHint
	AvgItemSize   int
	VerifiedAt    time.Time
}

// Stale reports whether the hints are too old to trust without
// re-introspection.
func (h OutputHints) Stale(now time.Time) bool {
	return now.Sub(h.VerifiedAt) > hintMaxAge
}

// Matches verifies the hints against a sample item: every plain (non
// promoted) summary field must still be present. Promoted sub-values are
// checked by resolving their bracket path.
func (h OutputHints) Matches(sample map[string]any) bool {
	for _, f := range h.SummaryFields {
		if _, ok := resolveHintPath(sample, f.Path); !ok {
			return false
		}
	}
	return true
}

// HintStore is the process-wide hint cache keyed by tool id. Tests inject a
// fresh store; the server shares one across sessions since hints describe
// the tool, not the user.
type HintStore struct {
	mu    sync.Mutex
	hints map[string]OutputHints
}

func NewHintStore() *HintStore {
	return &HintStore{hints: make(map[string]OutputHints)}
}

func (s *HintStore) Get(toolID string) (OutputHints, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hints[toolID]
	return h, ok
}

func (s *HintStore) Put(toolID string, h OutputHints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[toolID] = h
}

// resolveHintPath resolves a hint path against one item. Plain segments are
// map lookups; a bracket segment "headers[From]" first tries a map key,
// then scans a name/value-pair array for an entry whose name matches.
func resolveHintPath(item map[string]any, path string) (any, bool) {
	cur := any(item)
	for _, seg := range strings.Split(path, ".") {
		name, bracket, hasBracket := cutBracket(seg)

		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[name]
		if !ok {
			return nil, false
		}
		if !hasBracket {
			continue
		}

		switch t := cur.(type) {
		case map[string]any:
			if v, ok := t[bracket]; ok {
				cur = v
				continue
			}
			return nil, false
		case []any:
			found := false
			for _, entry := range t {
				em, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				if n, _ := em["name"].(string); n == bracket {
					cur = em["value"]
					found = true
					break
				}
			}
			if !found {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return cur, true
}

// cutBracket splits "headers[From]" into ("headers", "From", true).
func cutBracket(seg string) (name, bracket string, ok bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, "", false
	}
	return seg[:open], seg[open+1 : len(seg)-1], true
}

// hintCell renders one overview table cell for a hint path.
func hintCell(item map[string]any, path string) string {
	v, ok := resolveHintPath(item, path)
	if !ok {
		return ""
	}
	return truncateCell(fmt.Sprintf("%v", v))
}
