// Package transport implements the message transport and session
// component: the single persistent full-duplex channel between a client
// device and the server, device registration/auth handshakes, exponential
// backoff with a circuit breaker on the client, and request/response
// correlation over the otherwise fire-and-forget envelope stream.
// Correlation works identically in both directions: execution_request
// flows server→client, prompt flows client→server, both awaited the same
// way.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// Conn is the minimal websocket surface transport needs; satisfied by
// *github.com/gorilla/websocket.Conn. Abstracted so tests can substitute an
// in-memory pipe.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// ClientInitiatedTimeout is the wait for a client-initiated correlated call.
const ClientInitiatedTimeout = 2 * time.Minute

// ServerInitiatedTimeout is the wait for a server-initiated call into the
// local agent (e.g. execution_request).
const ServerInitiatedTimeout = 10 * time.Minute

// KeepaliveInterval is how often the client pings.
const KeepaliveInterval = 30 * time.Second

// pendingCalls is a single-writer-per-owner map of correlation id to the
// channel that Call() blocks on. Shared shape used by both the client and
// the per-device server session.
type pendingCalls struct {
	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{pending: make(map[string]chan protocol.Envelope)}
}

func (p *pendingCalls) register(corrID string) chan protocol.Envelope {
	ch := make(chan protocol.Envelope, 1)
	p.mu.Lock()
	p.pending[corrID] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls) resolve(corrID string, env protocol.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.pending[corrID]
	if ok {
		delete(p.pending, corrID)
	}
	p.mu.Unlock()
	if !ok {
		// "Responses whose correlation identifier has no pending entry are
		// silently dropped."
		return false
	}
	ch <- env
	return true
}

func (p *pendingCalls) forget(corrID string) {
	p.mu.Lock()
	delete(p.pending, corrID)
	p.mu.Unlock()
}

// call sends env (which must carry a correlation id in its payload, already
// set by the caller) over send, then awaits a reply on the registered
// channel up to timeout. On timeout it resolves to (zero value, false) —
// "the promise resolves with null rather than rejecting" — never an error,
// so callers must treat false as "no answer, move on".
func call(ctx context.Context, p *pendingCalls, send func() error, corrID string, timeout time.Duration) (protocol.Envelope, bool) {
	ch := p.register(corrID)
	if err := send(); err != nil {
		p.forget(corrID)
		return protocol.Envelope{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, true
	case <-timer.C:
		p.forget(corrID)
		return protocol.Envelope{}, false
	case <-ctx.Done():
		p.forget(corrID)
		return protocol.Envelope{}, false
	}
}

// extractCorrelationID pulls the correlation id out of an envelope's
// payload without knowing its concrete type, by decoding the common
// WithCorrelationID shape.
func extractCorrelationID(env protocol.Envelope) string {
	var w protocol.WithCorrelationID
	_ = env.Decode(&w)
	return w.CorrID
}

// dedup is a small fixed-capacity set of recently seen message ids, used on
// both sides to drop duplicate envelopes per "duplicate envelopes (same
// message identifier) may be dropped".
type dedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newDedup(capacity int) *dedup {
	return &dedup{seen: make(map[string]struct{}), cap: capacity}
}

// seenBefore records id and reports whether it was already present.
func (d *dedup) seenBefore(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// writeEnvelope marshals v as the kind's payload and writes the envelope.
func writeEnvelope(conn Conn, kind protocol.Kind, payload any) error {
	env := protocol.NewEnvelope(kind, payload)
	return conn.WriteJSON(env)
}

// NormalizeServerURL turns whatever the user put in DOTBOT_SERVER into a
// dialable websocket URL: ws and wss are kept, http becomes ws, any other
// scheme (or none) becomes wss, and localhost is always ws (it has no TLS);
// the /ws path is appended for non-localhost hosts that didn't specify a
// path.
func NormalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("transport: empty server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: parse server URL: %w", err)
	}

	host := u.Hostname()
	local := host == "localhost" || host == "127.0.0.1" || host == "::1"

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	if local && u.Scheme == "wss" {
		u.Scheme = "ws"
	}

	if !local && (u.Path == "" || u.Path == "/") {
		u.Path = "/ws"
	}
	return u.String(), nil
}
