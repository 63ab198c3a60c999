// Package navigator implements the collection navigator: large tool
// results (over the 10,000-character trigger) are cached rather than
// handed to the model whole. The cache is introspected once into a
// markdown overview and a set of navigation tools
// (result.overview/get/filter/query) the model can use to pull just the
// slice it needs, each capped at the tool loop's 8000-character output
// limit.
package navigator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TriggerChars is the exact boundary: a result of this length or shorter
// passes through untouched; anything longer is cached. 10,000 passes,
// 10,001 triggers.
const TriggerChars = 10_000

// MaxOutputChars bounds every navigator tool's reply, matching the tool
// loop's own cap.
const MaxOutputChars = 8000

// TTL is the cache lifetime, extended on every access.
const TTL = 30 * time.Minute

// Entry is one cached large result.
type Entry struct {
	ID        string
	AgentID   string
	ToolName  string
	Raw       string // original text, kept for result.get/filter/query
	Parsed    any    // json.Unmarshal of Raw, nil if not JSON
	Items     []any  // extracted item array per the hints
	Hints     OutputHints
	Overview  string // markdown overview, rendered once at cache time
	CachePath string // client-side research-cache file the raw bytes were mirrored to
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PersistFunc mirrors the raw result to the client's research-cache
// directory (a fire-and-forget filesystem.create_file call over the
// channel). Failures are the client's problem; the server keeps serving
// from its in-memory copy.
type PersistFunc func(path, raw string)

// Cache holds cached entries keyed by id, plus the process-wide hint store
// consulted before re-introspecting a tool's output shape. Entries are
// written by whichever agent's executor happens to return an oversized
// result — agents run in parallel, so the map sits behind a mutex. Entry
// fields are immutable after insertion except ExpiresAt, which is only
// touched under the same lock.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	hints   *HintStore
	persist PersistFunc
	now     func() time.Time
}

func NewCache(hints *HintStore) *Cache {
	if hints == nil {
		hints = NewHintStore()
	}
	return &Cache{
		entries: make(map[string]*Entry),
		hints:   hints,
		now:     time.Now,
	}
}

// OnPersist registers the client-side mirror hook.
func (c *Cache) OnPersist(fn PersistFunc) { c.persist = fn }

// SetClock overrides the cache clock (test hook).
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// MaybeCache inspects a tool result and, if it exceeds TriggerChars,
// caches it and returns the markdown overview plus navigation hint instead
// of the raw text. ok is false when the result passed through untouched.
func (c *Cache) MaybeCache(agentID, toolID, raw string) (replacement string, ok bool) {
	if len(raw) <= TriggerChars {
		return "", false
	}

	now := c.now()
	e := &Entry{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		ToolName:  toolID,
		Raw:       raw,
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		e.Parsed = parsed
	}

	// Reuse stored hints when they're fresh and still describe this shape;
	// otherwise introspect once and overwrite.
	items, hints := c.resolveHints(toolID, e.Parsed, raw, now)
	e.Items = items
	e.Hints = hints
	e.Overview = RenderOverview(e.ID, items, hints)
	if c.persist != nil {
		e.CachePath = cacheFileName(toolID, now)
	}

	c.mu.Lock()
	c.entries[e.ID] = e
	c.mu.Unlock()

	if c.persist != nil {
		go c.persist(e.CachePath, raw)
	}
	return e.Overview, true
}

func (c *Cache) resolveHints(toolID string, parsed any, raw string, now time.Time) ([]any, OutputHints) {
	items, fresh := Introspect(parsed, raw, now)

	stored, ok := c.hints.Get(toolID)
	if ok && !stored.Stale(now) && len(items) > 0 {
		if sample, isObj := items[0].(map[string]any); isObj && stored.Matches(sample) {
			return items, stored
		}
	}
	c.hints.Put(toolID, fresh)
	return items, fresh
}

// cacheFileName builds the research-cache path for a mirrored result,
// sanitizing the tool id for use in a file name.
func cacheFileName(toolID string, now time.Time) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, toolID)
	return fmt.Sprintf("memory/research-cache/%s-%d.json", safe, now.UnixMilli())
}

func (c *Cache) get(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	now := c.now()
	if now.After(e.ExpiresAt) {
		delete(c.entries, id)
		return nil, false
	}
	e.ExpiresAt = now.Add(TTL)
	return e, true
}

// Sweep drops expired entries; called periodically by the owner.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, id)
		}
	}
}

// Overview re-renders the stored overview for id (result.overview).
func (c *Cache) Overview(id string) (string, error) {
	e, ok := c.get(id)
	if !ok {
		return "", fmt.Errorf("navigator: unknown or expired collection %s", id)
	}
	return truncate(e.Overview), nil
}

// Get returns the sub-value at a bracket-notation path, e.g. "[3].name"
// (result.get).
func (c *Cache) Get(id, path string) (string, error) {
	e, ok := c.get(id)
	if !ok {
		return "", fmt.Errorf("navigator: unknown or expired collection %s", id)
	}
	if e.Parsed == nil {
		return truncate(e.Raw), nil
	}
	v, err := resolvePath(e.Parsed, path)
	if err != nil {
		return "", err
	}
	return truncateItem(renderValue(v), e.Hints), nil
}

// GetIndex returns item #index whole, or just the selected fields
// (result.get with an index).
func (c *Cache) GetIndex(id string, index int, fields []string) (string, error) {
	e, ok := c.get(id)
	if !ok {
		return "", fmt.Errorf("navigator: unknown or expired collection %s", id)
	}
	if index < 0 || index >= len(e.Items) {
		return "", fmt.Errorf("navigator: index %d out of range (collection has %d items)", index, len(e.Items))
	}
	item := e.Items[index]
	if len(fields) > 0 {
		if m, isObj := item.(map[string]any); isObj {
			sub := make(map[string]any, len(fields))
			for _, f := range fields {
				if v, ok := resolveHintPath(m, f); ok {
					sub[f] = v
				}
			}
			item = sub
		}
	}
	return truncateItem(renderValue(item), e.Hints), nil
}

// Filter runs a field/op/value predicate over the item array
// (result.filter), returning at most 50 matches as a summary table.
func (c *Cache) Filter(id, field, op, value string, fields []string) (string, error) {
	e, ok := c.get(id)
	if !ok {
		return "", fmt.Errorf("navigator: unknown or expired collection %s", id)
	}

	var matched []any
	for _, item := range e.Items {
		m, isObj := item.(map[string]any)
		if !isObj {
			continue
		}
		v, ok := resolveHintPath(m, field)
		if !ok {
			continue
		}
		if matchOp(v, op, value) {
			matched = append(matched, item)
		}
		if len(matched) == 50 {
			break
		}
	}

	hints := e.Hints
	if len(fields) > 0 {
		hints = OutputHints{}
		for _, f := range fields {
			hints.SummaryFields = append(hints.SummaryFields, FieldHint{Path: f})
		}
	}
	return truncate(RenderOverview(id, matched, hints)), nil
}

func matchOp(v any, op, value string) bool {
	switch op {
	case "contains":
		return strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), strings.ToLower(value))
	case "equals", "":
		return fmt.Sprintf("%v", v) == value
	case "not_equals":
		return fmt.Sprintf("%v", v) != value
	case "gt", "lt":
		fv, okF := toFloat(v)
		cv, okC := toFloat(value)
		if !okF || !okC {
			return false
		}
		if op == "gt" {
			return fv > cv
		}
		return fv < cv
	default:
		return false
	}
}

// Query runs the JSONPath-like DSL (result.query).
func (c *Cache) Query(id, expr string) (string, error) {
	e, ok := c.get(id)
	if !ok {
		return "", fmt.Errorf("navigator: unknown or expired collection %s", id)
	}
	v, err := RunQuery(itemsOrParsed(e), expr)
	if err != nil {
		return "", err
	}
	return truncate(renderValue(v)), nil
}

// itemsOrParsed prefers the extracted item array (so queries see the same
// collection the overview showed) and falls back to the raw parse.
func itemsOrParsed(e *Entry) any {
	if len(e.Items) > 0 {
		out := make([]any, len(e.Items))
		copy(out, e.Items)
		return out
	}
	return e.Parsed
}

func truncate(s string) string {
	if len(s) <= MaxOutputChars {
		return s
	}
	return s[:MaxOutputChars] + "\n... (truncated)"
}

// truncateItem truncates an oversized single item, listing the omitted
// noise fields and how to retrieve them.
func truncateItem(s string, hints OutputHints) string {
	if len(s) <= MaxOutputChars {
		return s
	}
	var noise []string
	for _, f := range hints.NoiseFields {
		noise = append(noise, f.Path)
	}
	note := "\n... (truncated"
	if len(noise) > 0 {
		note += "; omitted large fields: " + strings.Join(noise, ", ") +
			" — fetch one with result.get(collection_id, index, [field])"
	}
	note += ")"
	return s[:MaxOutputChars] + note
}

func renderValue(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
