package restartqueue

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/druidia-bot/dotbot/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDrainPrefixesAndDeletes(t *testing.T) {
	q := New(openStore(t))
	if err := q.Save("agent-1", "send the weekly report"); err != nil {
		t.Fatal(err)
	}
	if err := q.Save("agent-2", "book the flights"); err != nil {
		t.Fatal(err)
	}

	first, err := q.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("drained %d prompts, want 2", len(first))
	}
	for _, r := range first {
		if !strings.HasPrefix(r.Prompt, "[Resumed after restart] ") {
			t.Fatalf("missing resume prefix: %q", r.Prompt)
		}
	}

	// A second restart finds nothing — processing the queue once deletes it.
	second, err := q.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second drain returned %d prompts, want 0", len(second))
	}
}
