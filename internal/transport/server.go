package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/druidia-bot/dotbot/internal/identity"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// Upgrader uses a permissive origin check because devices connect from
// arbitrary LAN/WAN addresses identified by device credential, not by
// origin.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServerHandler processes envelopes that arrive on a session without a
// matching pending correlation — i.e. client-initiated requests such as
// prompt, credential_resolve, credential_proxy, llm_call.
type ServerHandler interface {
	HandleEnvelope(ctx context.Context, sess *Session, env protocol.Envelope)
}

// Session is one authenticated device's connection on the server side. The
// hub owns at most one live Session per device id; a reconnect replaces the
// prior entry.
type Session struct {
	DeviceID     string
	UserID       string
	Platform     string
	Capabilities []string
	TempDir      string
	ConnectedAt  time.Time

	conn    *websocket.Conn
	pend    *pendingCalls
	seen    *dedup
	limiter *rate.Limiter
	mu      sync.Mutex

	lastActivity time.Time
}

// inboundRate bounds how fast one device may push envelopes; bursts cover
// reconnect replays. Sustained abuse drops envelopes rather than the
// connection, so a chatty-but-honest device degrades instead of flapping.
const (
	inboundRate  = rate.Limit(50)
	inboundBurst = 200
)

// Send writes an uncorrelated envelope to the device.
func (s *Session) Send(kind protocol.Kind, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	return s.conn.WriteJSON(protocol.NewEnvelope(kind, payload))
}

// Call sends a correlated, server-initiated request into the device (e.g.
// execution_request) and waits up to ServerInitiatedTimeout. ok is false on
// timeout, matching the client's Call semantics — a silent "no answer".
func (s *Session) Call(ctx context.Context, kind protocol.Kind, corrID string, payload any) (protocol.Envelope, bool) {
	send := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lastActivity = time.Now()
		return s.conn.WriteJSON(protocol.NewEnvelope(kind, payload))
	}
	return call(ctx, s.pend, send, corrID, ServerInitiatedTimeout)
}

// LastActivity reports when this session last sent or received an
// envelope; keepalive traffic counts too (a received pong and the pong sent
// in reply to a ping both update it).
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) close() {
	_ = s.conn.Close()
}

// Hub is the server-side registry of live device sessions, keyed on
// device id.
type Hub struct {
	identity *identity.Service
	handler  ServerHandler

	// OnDisconnect is invoked after a device's session is removed, so the
	// application can tear down per-device resources (MCP connections).
	OnDisconnect func(deviceID string)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub builds a Hub backed by the identity service for auth.
func NewHub(idSvc *identity.Service, handler ServerHandler) *Hub {
	return &Hub{
		identity: idSvc,
		handler:  handler,
		sessions: make(map[string]*Session),
	}
}

// Session looks up a device's live connection, if any.
func (h *Hub) Session(deviceID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[deviceID]
	return sess, ok
}

// Broadcast sends payload to every connected device, for messages that
// aren't addressed to one device.
func (h *Hub) Broadcast(kind protocol.Kind, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sess := range h.sessions {
		if err := sess.Send(kind, payload); err != nil {
			slog.Warn("transport: broadcast send failed", "device_id", sess.DeviceID, "err", err)
		}
	}
}

// ServeWebSocket upgrades r and runs the device's session loop until the
// connection closes. Call from the http.Handler registered for the
// websocket endpoint.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("transport: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sess, err := h.authenticate(r.Context(), conn, clientIP(r))
	if err != nil {
		slog.Info("transport: auth rejected", "err", err)
		return
	}

	h.register(sess)
	defer h.unregister(sess)

	slog.Info("transport: device connected", "device_id", sess.DeviceID, "user_id", sess.UserID)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			slog.Info("transport: device disconnected", "device_id", sess.DeviceID, "err", err)
			return
		}
		h.dispatch(r.Context(), sess, env)
	}
}

func (h *Hub) authenticate(ctx context.Context, conn *websocket.Conn, ip string) (*Session, error) {
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return nil, err
	}

	switch env.Type {
	case protocol.KindRegisterDevice:
		return h.registerDevice(conn, ip, env)
	case protocol.KindAuth:
	default:
		return nil, fmt.Errorf("transport: expected auth or register_device envelope, got %s", env.Type)
	}

	var req protocol.AuthPayload
	if err := env.Decode(&req); err != nil {
		return nil, fmt.Errorf("transport: decode auth payload: %w", err)
	}

	cred, reason, err := h.identity.Authenticate(ip, req.DeviceID, req.DeviceSecret, req.Fingerprint)
	if err != nil {
		_ = conn.WriteJSON(protocol.NewEnvelope(protocol.KindAuthFailed, protocol.AuthPayload{Reason: reason}))
		return nil, err
	}

	sess := &Session{
		DeviceID:     cred.DeviceID,
		UserID:       cred.UserID,
		Platform:     req.Platform,
		Capabilities: req.Capabilities,
		TempDir:      req.TempDir,
		ConnectedAt:  time.Now(),
		conn:         conn,
		pend:         newPendingCalls(),
		seen:         newDedup(512),
		limiter:      rate.NewLimiter(inboundRate, inboundBurst),
		lastActivity: time.Now(),
	}

	if err := conn.WriteJSON(protocol.NewEnvelope(protocol.KindAuth, protocol.AuthPayload{Success: true})); err != nil {
		return nil, err
	}
	return sess, nil
}

// registerDevice redeems an invite token into a fresh credential pair and
// opens the session in the same handshake — the device's first connection
// doubles as its first login.
func (h *Hub) registerDevice(conn *websocket.Conn, ip string, env protocol.Envelope) (*Session, error) {
	var req protocol.RegisterDevicePayload
	if err := env.Decode(&req); err != nil {
		return nil, fmt.Errorf("transport: decode register payload: %w", err)
	}

	issued, reason, err := h.identity.Register(ip, req.InviteToken, req.Label, req.Fingerprint, req.Platform, req.Capabilities)
	if err != nil {
		_ = conn.WriteJSON(protocol.NewEnvelope(protocol.KindAuthFailed, protocol.AuthPayload{Reason: reason}))
		return nil, err
	}

	sess := &Session{
		DeviceID:     issued.DeviceID,
		UserID:       issued.UserID,
		Platform:     req.Platform,
		Capabilities: req.Capabilities,
		TempDir:      req.TempDir,
		ConnectedAt:  time.Now(),
		conn:         conn,
		pend:         newPendingCalls(),
		seen:         newDedup(512),
		limiter:      rate.NewLimiter(inboundRate, inboundBurst),
		lastActivity: time.Now(),
	}

	if err := conn.WriteJSON(protocol.NewEnvelope(protocol.KindDeviceRegistered, protocol.DeviceRegisteredPayload{
		DeviceID:     issued.DeviceID,
		DeviceSecret: issued.DeviceSecret,
	})); err != nil {
		return nil, err
	}
	return sess, nil
}

func (h *Hub) register(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[sess.DeviceID]; ok {
		// A reconnect supersedes the stale connection; drop it rather than
		// serving two live sockets for one device.
		old.close()
	}
	h.sessions[sess.DeviceID] = sess
}

func (h *Hub) unregister(sess *Session) {
	h.mu.Lock()
	removed := false
	if cur, ok := h.sessions[sess.DeviceID]; ok && cur == sess {
		delete(h.sessions, sess.DeviceID)
		removed = true
	}
	h.mu.Unlock()

	if removed && h.OnDisconnect != nil {
		h.OnDisconnect(sess.DeviceID)
	}
}

func (h *Hub) dispatch(ctx context.Context, sess *Session, env protocol.Envelope) {
	if sess.seen.seenBefore(env.ID) {
		return
	}
	if sess.limiter != nil && !sess.limiter.Allow() {
		slog.Warn("transport: inbound envelope dropped by rate limiter", "device_id", sess.DeviceID, "type", env.Type)
		return
	}

	switch env.Type {
	case protocol.KindPing:
		_ = sess.Send(protocol.KindPong, struct{}{})
		return
	case protocol.KindPong:
		sess.touch()
		return
	}

	sess.touch()

	if corrID := extractCorrelationID(env); corrID != "" {
		if sess.pend.resolve(corrID, env) {
			return
		}
	}

	if h.handler != nil {
		h.handler.HandleEnvelope(ctx, sess, env)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
