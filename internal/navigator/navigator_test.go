package navigator

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

// gmailResult builds an n-item Gmail-shaped result with noisy payloads
// large enough to trip the collection trigger.
func gmailResult(n int) string {
	type header struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	type payload struct {
		Headers []header `json:"headers"`
		Body    string   `json:"body"`
	}
	type msg struct {
		ID       string  `json:"id"`
		ThreadID string  `json:"threadId"`
		Snippet  string  `json:"snippet"`
		Payload  payload `json:"payload"`
	}
	msgs := make([]msg, n)
	for i := range msgs {
		from := fmt.Sprintf("alice%d@acme.com", i)
		if i%2 == 1 {
			from = fmt.Sprintf("bob%d@other.net", i)
		}
		msgs[i] = msg{
			ID:       fmt.Sprintf("m%03d", i),
			ThreadID: fmt.Sprintf("t%03d", i),
			Snippet:  fmt.Sprintf("snippet %d", i),
			Payload: payload{
				Headers: []header{
					{Name: "From", Value: from},
					{Name: "Subject", Value: fmt.Sprintf("subject %d", i)},
					{Name: "Date", Value: "Mon, 1 Jan 2024 00:00:00 +0000"},
					{Name: "X-Junk", Value: "ignored"},
				},
				Body: strings.Repeat("x", 2500),
			},
		}
	}
	b, _ := json.Marshal(map[string]any{"messages": msgs, "resultSizeEstimate": n})
	return string(b)
}

func mustCache(t *testing.T, c *Cache, raw string) (string, string) {
	t.Helper()
	overview, ok := c.MaybeCache("agent-1", "gmail.list_messages", raw)
	if !ok {
		t.Fatalf("result of %d chars should have been cached", len(raw))
	}
	var id string
	for k := range c.entries {
		id = k
	}
	return id, overview
}

func TestTriggerBoundary(t *testing.T) {
	c := NewCache(nil)
	at := strings.Repeat("a", TriggerChars)
	if _, ok := c.MaybeCache("a", "tool", at); ok {
		t.Fatal("exactly 10,000 chars must pass through")
	}
	if _, ok := c.MaybeCache("a", "tool", at+"b"); !ok {
		t.Fatal("10,001 chars must be cached")
	}
}

func TestOverviewRowCapAndFooter(t *testing.T) {
	c := NewCache(nil)
	_, overview := mustCache(t, c, gmailResult(40))

	rows := 0
	for _, line := range strings.Split(overview, "\n") {
		if strings.HasPrefix(line, "| ") && !strings.HasPrefix(line, "| #") {
			rows++
		}
	}
	if rows != 25 {
		t.Fatalf("overview has %d data rows, want exactly 25", rows)
	}
	if !strings.Contains(overview, "and 15 more") {
		t.Fatalf("overview missing the 'and 15 more' footer:\n%s", overview)
	}
}

func TestIntrospectionPromotesHeaders(t *testing.T) {
	c := NewCache(nil)
	_, overview := mustCache(t, c, gmailResult(5))

	for _, col := range []string{"id", "threadId", "snippet", "payload.headers[From]", "payload.headers[Subject]", "payload.headers[Date]"} {
		if !strings.Contains(overview, col) {
			t.Errorf("overview missing column %q", col)
		}
	}
	if strings.Contains(overview, "payload.headers[X-Junk]") {
		t.Error("unrecognized header must not be promoted")
	}
	if !strings.Contains(overview, "alice0@acme.com") {
		t.Errorf("promoted From cell not rendered:\n%s", overview)
	}
}

func TestHintReuseAndReintrospection(t *testing.T) {
	hints := NewHintStore()
	c := NewCache(hints)
	mustCache(t, c, gmailResult(5))

	first, ok := hints.Get("gmail.list_messages")
	if !ok {
		t.Fatal("introspection must store hints")
	}

	// Same shape again: the stored hints are reused, not overwritten.
	c2 := NewCache(hints)
	mustCache(t, c2, gmailResult(8))
	second, _ := hints.Get("gmail.list_messages")
	if !second.VerifiedAt.Equal(first.VerifiedAt) {
		t.Fatal("matching shape must reuse stored hints without re-introspecting")
	}

	// Shape drift (snippet gone): hints are re-introspected and overwritten.
	drifted := strings.Replace(gmailResult(5), `"snippet"`, `"blurb"`, -1)
	c3 := NewCache(hints)
	mustCache(t, c3, drifted)
	third, _ := hints.Get("gmail.list_messages")
	for _, f := range third.SummaryFields {
		if f.Path == "snippet" {
			t.Fatal("stale hints must be overwritten after shape drift")
		}
	}
}

func TestQueryDSL(t *testing.T) {
	c := NewCache(nil)
	id, _ := mustCache(t, c, gmailResult(10))

	t.Run("filter contains piped to count", func(t *testing.T) {
		out, err := c.Query(id, `[?payload.headers[From] contains "@acme.com"].snippet | count`)
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(out) != "5" {
			t.Fatalf("count = %q, want 5", out)
		}
	})

	t.Run("slice then project", func(t *testing.T) {
		out, err := c.Query(id, "[0:3].id")
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"m000", "m001", "m002"} {
			if !strings.Contains(out, want) {
				t.Errorf("missing %s in %s", want, out)
			}
		}
		if strings.Contains(out, "m003") {
			t.Error("slice leaked past its end")
		}
	})

	t.Run("length", func(t *testing.T) {
		out, err := c.Query(id, ".length")
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(out) != "10" {
			t.Fatalf("length = %q", out)
		}
	})

	t.Run("multi-field projection", func(t *testing.T) {
		out, err := c.Query(id, "[*].id,snippet")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, `"id"`) || !strings.Contains(out, `"snippet"`) {
			t.Fatalf("projection missing fields: %s", out)
		}
	})

	t.Run("unique", func(t *testing.T) {
		out, err := c.Query(id, `[*].payload.headers[Date] | unique | count`)
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(out) != "1" {
			t.Fatalf("unique dates = %q, want 1", out)
		}
	})
}

func TestFilterOpsAndCap(t *testing.T) {
	c := NewCache(nil)
	id, _ := mustCache(t, c, gmailResult(120))

	out, err := c.Filter(id, "payload.headers[From]", "contains", "acme.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	rows := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "| ") && !strings.HasPrefix(line, "| #") {
			rows++
		}
	}
	if rows > 25 {
		t.Fatalf("filter table rendered %d rows, overview cap is 25", rows)
	}

	out, err = c.Filter(id, "id", "equals", "m007", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1 item(s)") {
		t.Fatalf("equals filter should match exactly one item:\n%s", out)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := NewCache(nil)
	now := time.Now()
	c.SetClock(func() time.Time { return now })
	id, _ := mustCache(t, c, gmailResult(5))

	// Access inside the TTL extends it.
	now = now.Add(20 * time.Minute)
	if _, err := c.Overview(id); err != nil {
		t.Fatal("entry expired before its TTL")
	}
	now = now.Add(29 * time.Minute)
	if _, err := c.Overview(id); err != nil {
		t.Fatal("access must have extended the TTL")
	}
	now = now.Add(31 * time.Minute)
	if _, err := c.Overview(id); err == nil {
		t.Fatal("entry must expire 30 minutes after last access")
	}
}

func TestCSVAndPlainTextFallbacks(t *testing.T) {
	t.Run("csv", func(t *testing.T) {
		var b strings.Builder
		b.WriteString("name,age,city\n")
		for i := 0; i < 400; i++ {
			fmt.Fprintf(&b, "person%d,%d,city%d-%s\n", i, 20+i%50, i, strings.Repeat("x", 20))
		}
		c := NewCache(nil)
		_, overview := mustCache(t, c, b.String())
		if !strings.Contains(overview, "name") || !strings.Contains(overview, "person0") {
			t.Fatalf("CSV overview missing header column or first row:\n%.500s", overview)
		}
	})

	t.Run("plain text", func(t *testing.T) {
		raw := strings.Repeat("line of plain output\n", 600)
		c := NewCache(nil)
		_, overview := mustCache(t, c, raw)
		if !strings.Contains(overview, "600 item(s)") {
			t.Fatalf("plain-text fallback should yield one item per line:\n%.300s", overview)
		}
	})
}
