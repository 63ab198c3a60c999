// Package startupvalidate re-derives the client's on-disk indexes at every
// startup: persona and council files are CRLF-normalized in place, their
// frontmatter/metadata validated, and the per-kind index.json files rebuilt
// from scratch out of whatever validates. Malformed files are skipped (and
// reported, so the agent can offer AI-assisted correction once the channel
// is up) — they are never mutated beyond line-ending normalization, which
// keeps the whole pass idempotent.
package startupvalidate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// requiredFields is the frontmatter/metadata contract every persona and
// council entry must satisfy.
var requiredFields = []string{"id", "name", "model", "description", "tools"}

// IndexEntry is one validated record in a rebuilt index.json.
type IndexEntry struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Model       string   `json:"model"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
	Path        string   `json:"path"`
}

// Malformed names one file that failed validation and why.
type Malformed struct {
	Path   string
	Reason string
}

// Report summarizes one validation pass.
type Report struct {
	Personas   []IndexEntry
	Councils   []IndexEntry
	Malformed  []Malformed
	Normalized []string // files whose CRLF line endings were rewritten
}

// Validator scans a .bot directory.
type Validator struct {
	BotDir string
}

// Run executes one full validation pass: normalize, validate, rebuild
// indexes. Safe to run repeatedly — a second pass over unchanged input
// produces byte-identical indexes and touches no file.
func (v *Validator) Run() (Report, error) {
	var rep Report

	personas, err := v.validatePersonas(&rep)
	if err != nil {
		return rep, err
	}
	rep.Personas = personas
	if err := writeIndex(filepath.Join(v.BotDir, "personas", "index.json"), personas); err != nil {
		return rep, err
	}

	councils, err := v.validateCouncils(&rep)
	if err != nil {
		return rep, err
	}
	rep.Councils = councils
	if err := writeIndex(filepath.Join(v.BotDir, "councils", "index.json"), councils); err != nil {
		return rep, err
	}

	return rep, nil
}

// validatePersonas walks personas/<slug>/persona.json.
func (v *Validator) validatePersonas(rep *Report) ([]IndexEntry, error) {
	dir := filepath.Join(v.BotDir, "personas")
	slugs, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("startupvalidate: read %s: %w", dir, err)
	}

	var out []IndexEntry
	for _, slug := range slugs {
		if !slug.IsDir() {
			continue
		}
		path := filepath.Join(dir, slug.Name(), "persona.json")
		data, err := readNormalized(path, rep)
		if err != nil {
			if !os.IsNotExist(err) {
				rep.Malformed = append(rep.Malformed, Malformed{Path: path, Reason: err.Error()})
			}
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			rep.Malformed = append(rep.Malformed, Malformed{Path: path, Reason: "invalid JSON: " + err.Error()})
			continue
		}
		entry, reason := entryFromFields(raw, path)
		if reason != "" {
			rep.Malformed = append(rep.Malformed, Malformed{Path: path, Reason: reason})
			continue
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

// validateCouncils walks councils/*.md frontmatter.
func (v *Validator) validateCouncils(rep *Report) ([]IndexEntry, error) {
	dir := filepath.Join(v.BotDir, "councils")
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("startupvalidate: read %s: %w", dir, err)
	}

	var out []IndexEntry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, f.Name())
		data, err := readNormalized(path, rep)
		if err != nil {
			rep.Malformed = append(rep.Malformed, Malformed{Path: path, Reason: err.Error()})
			continue
		}

		fields, ok := parseFrontmatter(data)
		if !ok {
			rep.Malformed = append(rep.Malformed, Malformed{Path: path, Reason: "missing frontmatter block"})
			continue
		}
		entry, reason := entryFromFields(fields, path)
		if reason != "" {
			rep.Malformed = append(rep.Malformed, Malformed{Path: path, Reason: reason})
			continue
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

// readNormalized reads path and rewrites it in place if it contains CRLF
// line endings. Normalization is a fixed point: LF-only files are returned
// untouched and never rewritten.
func readNormalized(path string, rep *Report) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.Contains(data, []byte("\r\n")) {
		return data, nil
	}
	fixed := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if err := os.WriteFile(path, fixed, 0o644); err != nil {
		return nil, fmt.Errorf("normalize line endings: %w", err)
	}
	rep.Normalized = append(rep.Normalized, path)
	return fixed, nil
}

// entryFromFields validates the required fields out of either a JSON object
// or parsed frontmatter. "slug" is accepted as an alias for "id".
func entryFromFields(fields map[string]any, path string) (IndexEntry, string) {
	str := func(key string) string {
		if v, ok := fields[key].(string); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}

	id := str("id")
	if id == "" {
		id = str("slug")
	}
	if id == "" {
		return IndexEntry{}, "missing required field id/slug"
	}
	for _, key := range requiredFields[1 : len(requiredFields)-1] {
		if str(key) == "" {
			return IndexEntry{}, "missing required field " + key
		}
	}

	tools, ok := toolList(fields["tools"])
	if !ok {
		return IndexEntry{}, "missing required field tools"
	}

	return IndexEntry{
		ID:          id,
		Name:        str("name"),
		Model:       str("model"),
		Description: str("description"),
		Tools:       tools,
		Path:        path,
	}, ""
}

// toolList accepts a JSON array of strings or a comma-separated string.
func toolList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, strings.TrimSpace(s))
		}
		return out, len(out) > 0
	case string:
		parts := strings.Split(strings.Trim(t, "[]"), ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}

// parseFrontmatter extracts the key: value block between leading --- lines.
func parseFrontmatter(data []byte) (map[string]any, bool) {
	lines := strings.Split(string(data), "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return nil, false
	}
	fields := make(map[string]any)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "---" {
			return fields, true
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return nil, false
}

// writeIndex rebuilds an index.json, writing only when the content changed
// so repeated runs don't churn mtimes.
func writeIndex(path string, entries []IndexEntry) error {
	if entries == nil {
		entries = []IndexEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("startupvalidate: marshal index: %w", err)
	}
	data = append(data, '\n')

	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("startupvalidate: mkdir for index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("startupvalidate: write index: %w", err)
	}
	return nil
}

func sortEntries(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// PruneRunLogs deletes run-logs/*.json older than maxAge.
func PruneRunLogs(dir string, maxAge time.Duration, now time.Time) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("startupvalidate: read run-logs: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			path := filepath.Join(dir, f.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("startupvalidate: prune failed", "path", path, "err", err)
			}
		}
	}
	return nil
}
