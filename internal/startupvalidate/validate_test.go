package startupvalidate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const goodPersona = `{
  "id": "butler",
  "name": "Butler",
  "model": "workhorse",
  "description": "polite general assistant",
  "tools": ["filesystem.read_file", "network.http"]
}`

const goodCouncil = `---
id: reviewers
name: Review Council
model: smart
description: code review panel
tools: knowledge.search, filesystem.read_file
---

Council instructions body.
`

func TestRunBuildsIndexes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "personas", "butler", "persona.json"), goodPersona)
	writeFile(t, filepath.Join(dir, "councils", "reviewers.md"), goodCouncil)
	// Malformed: missing model.
	writeFile(t, filepath.Join(dir, "personas", "broken", "persona.json"),
		`{"id": "broken", "name": "Broken", "description": "x", "tools": ["a"]}`)

	v := &Validator{BotDir: dir}
	rep, err := v.Run()
	if err != nil {
		t.Fatal(err)
	}

	if len(rep.Personas) != 1 || rep.Personas[0].ID != "butler" {
		t.Fatalf("personas = %+v", rep.Personas)
	}
	if len(rep.Councils) != 1 || rep.Councils[0].ID != "reviewers" {
		t.Fatalf("councils = %+v", rep.Councils)
	}
	if len(rep.Malformed) != 1 || !strings.Contains(rep.Malformed[0].Reason, "model") {
		t.Fatalf("malformed = %+v", rep.Malformed)
	}

	// The malformed file is skipped, not indexed.
	data, err := os.ReadFile(filepath.Join(dir, "personas", "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	var idx []IndexEntry
	if err := json.Unmarshal(data, &idx); err != nil {
		t.Fatal(err)
	}
	if len(idx) != 1 || idx[0].ID != "butler" {
		t.Fatalf("index.json = %+v", idx)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	crlf := strings.ReplaceAll(goodCouncil, "\n", "\r\n")
	councilPath := filepath.Join(dir, "councils", "crlf.md")
	writeFile(t, councilPath, crlf)
	writeFile(t, filepath.Join(dir, "personas", "butler", "persona.json"), goodPersona)

	v := &Validator{BotDir: dir}

	rep1, err := v.Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(rep1.Normalized) != 1 {
		t.Fatalf("first run should normalize exactly the CRLF file, got %v", rep1.Normalized)
	}
	after1, _ := os.ReadFile(councilPath)
	idx1, _ := os.ReadFile(filepath.Join(dir, "councils", "index.json"))
	idxInfo1, _ := os.Stat(filepath.Join(dir, "councils", "index.json"))

	rep2, err := v.Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(rep2.Normalized) != 0 {
		t.Fatal("already-LF files must not be rewritten — normalization is a fixed point")
	}
	after2, _ := os.ReadFile(councilPath)
	idx2, _ := os.ReadFile(filepath.Join(dir, "councils", "index.json"))
	if string(after1) != string(after2) {
		t.Fatal("second run changed a validated file")
	}
	if string(idx1) != string(idx2) {
		t.Fatal("second run changed the index content")
	}
	idxInfo2, _ := os.Stat(filepath.Join(dir, "councils", "index.json"))
	if !idxInfo1.ModTime().Equal(idxInfo2.ModTime()) {
		t.Fatal("unchanged index must not be rewritten")
	}
	if strings.Contains(string(after2), "\r\n") {
		t.Fatal("CRLF survived normalization")
	}
}

func TestMalformedFilesUnchangedExceptLineEndings(t *testing.T) {
	dir := t.TempDir()
	malformed := "---\r\nid: partial\r\n---\r\nbody\r\n" // frontmatter missing required fields
	path := filepath.Join(dir, "councils", "partial.md")
	writeFile(t, path, malformed)

	v := &Validator{BotDir: dir}
	if _, err := v.Run(); err != nil {
		t.Fatal(err)
	}

	got, _ := os.ReadFile(path)
	want := strings.ReplaceAll(malformed, "\r\n", "\n")
	if string(got) != want {
		t.Fatal("malformed file mutated beyond CRLF normalization")
	}
}

func TestPruneRunLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.json")
	fresh := filepath.Join(dir, "fresh.json")
	writeFile(t, old, "{}")
	writeFile(t, fresh, "{}")

	stale := time.Now().Add(-15 * 24 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	if err := PruneRunLogs(dir, 14*24*time.Hour, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("15-day-old run log should be pruned")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh run log should survive")
	}
}
