package transport

import (
	"context"
	"testing"
	"time"

	"github.com/druidia-bot/dotbot/pkg/protocol"
)

func TestBackoffBoundaries(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffFor(tc.attempt); got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestNormalizeServerURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"example.com", "wss://example.com/ws"},
		{"https://bot.example.com", "wss://bot.example.com/ws"},
		{"wss://bot.example.com/custom", "wss://bot.example.com/custom"},
		{"localhost:8443", "ws://localhost:8443"},
		{"http://127.0.0.1:8443", "ws://127.0.0.1:8443"},
	}
	for _, tc := range cases {
		got, err := NormalizeServerURL(tc.in)
		if err != nil {
			t.Errorf("NormalizeServerURL(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeServerURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := NormalizeServerURL(""); err == nil {
		t.Error("empty URL must be rejected")
	}
}

func TestPendingCallsResolveAndDrop(t *testing.T) {
	p := newPendingCalls()

	t.Run("resolve delivers to the registered waiter", func(t *testing.T) {
		ch := p.register("corr-1")
		env := protocol.NewEnvelope(protocol.KindPong, struct{}{})
		if !p.resolve("corr-1", env) {
			t.Fatal("resolve should find the pending entry")
		}
		select {
		case got := <-ch:
			if got.ID != env.ID {
				t.Fatal("wrong envelope delivered")
			}
		default:
			t.Fatal("nothing delivered")
		}
	})

	t.Run("unknown correlation ids are silently dropped", func(t *testing.T) {
		if p.resolve("corr-unknown", protocol.Envelope{}) {
			t.Fatal("resolve must report false for an unknown correlation id")
		}
	})

	t.Run("timeout resolves to not-ok, never an error", func(t *testing.T) {
		env, ok := call(context.Background(), p, func() error { return nil }, "corr-2", 10*time.Millisecond)
		if ok {
			t.Fatal("timed-out call must report ok=false")
		}
		if env.ID != "" {
			t.Fatal("timed-out call must return the zero envelope")
		}
	})
}

func TestDedupDropsDuplicates(t *testing.T) {
	d := newDedup(3)
	if d.seenBefore("a") {
		t.Fatal("first sighting is not a duplicate")
	}
	if !d.seenBefore("a") {
		t.Fatal("second sighting is a duplicate")
	}
	// Capacity eviction: oldest forgotten.
	d.seenBefore("b")
	d.seenBefore("c")
	d.seenBefore("d") // evicts "a"
	if d.seenBefore("a") {
		t.Fatal("evicted id should read as fresh again")
	}
}
