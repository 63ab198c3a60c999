package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/druidia-bot/dotbot/internal/identity"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// ErrPermanentFailure is returned by Client.Run when the circuit breaker
// trips: the reconnect streak's first failure was more than an hour ago.
// cmd/ maps this to process exit code 1.
var ErrPermanentFailure = errors.New("transport: reconnect circuit breaker tripped")

// ErrRestartMe is returned by Client.Run when the attempt counter exceeds 50
// before the breaker trips, signalling the launcher should restart the
// process fresh rather than keep retrying in-process. cmd/ maps this to
// process exit code 42.
var ErrRestartMe = errors.New("transport: attempt budget exhausted, ask launcher to restart")

const (
	baseBackoff     = 2 * time.Second
	maxBackoff      = 60 * time.Second
	breakerWindow   = time.Hour
	maxAttemptCount = 50
)

// backoffFor implements min(2s * 2^(n-1), 60s) for attempt n (1-indexed).
func backoffFor(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := baseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Handler receives envelopes the client didn't originate a correlated call
// for — i.e. server-initiated requests such as execution_request,
// schema_request, credential_resolve, cancel_before_restart.
type Handler interface {
	HandleEnvelope(ctx context.Context, c *Client, env protocol.Envelope)
}

// Client is the local agent's persistent connection to the server. One
// Client exists per running agent process.
type Client struct {
	url          string
	deviceID     string
	deviceSecret string
	header       http.Header

	// Registration inputs, used on first run when no device credential
	// exists yet: the invite token is exchanged for a fresh credential pair.
	inviteToken  string
	label        string
	platform     string
	capabilities []string
	tempDir      string

	handler Handler

	// OnRegistered is invoked once after a successful registration with the
	// freshly issued credential pair, so the caller can persist device.json
	// and remove the invite token from .env.
	OnRegistered func(deviceID, deviceSecret string)

	// OnAuthenticated is invoked after every successful auth handshake
	// (the restart queue drains here).
	OnAuthenticated func(c *Client)

	mu     sync.Mutex
	conn   *websocket.Conn
	pend   *pendingCalls
	seen   *dedup
	onIdle func() // called on any inbound traffic except ping/pong, for periodic's idle tracker
}

// NewClient builds a client that will dial url and authenticate as
// deviceID/deviceSecret once connected.
func NewClient(url, deviceID, deviceSecret string, handler Handler) *Client {
	return &Client{
		url:          url,
		deviceID:     deviceID,
		deviceSecret: deviceSecret,
		handler:      handler,
		pend:         newPendingCalls(),
		seen:         newDedup(512),
	}
}

// SetHandler installs the envelope handler after construction — the
// handler (the local agent runtime) usually needs the client first.
func (c *Client) SetHandler(h Handler) { c.handler = h }

// WithRegistration arms the first-run registration path: when the client
// holds no device credential it sends a register_device envelope carrying
// the invite token instead of an auth envelope.
func (c *Client) WithRegistration(inviteToken, label, platform string, capabilities []string, tempDir string) *Client {
	c.inviteToken = inviteToken
	c.label = label
	c.platform = platform
	c.capabilities = capabilities
	c.tempDir = tempDir
	return c
}

// OnActivity registers a callback invoked whenever a non-keepalive envelope
// is sent or received, so internal/periodic can track "last interesting
// activity" without the client depending on periodic.
func (c *Client) OnActivity(fn func()) { c.onIdle = fn }

// Run dials and maintains the connection until ctx is cancelled, applying
// exponential backoff between attempts and tripping the circuit breaker per
// the reconnect policy. It returns nil only when ctx is cancelled; any other
// return is ErrPermanentFailure or ErrRestartMe.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	var streakStart time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		if !streakStart.IsZero() && time.Since(streakStart) > breakerWindow {
			slog.Error("transport: reconnect circuit breaker tripped", "streak_started", streakStart)
			return ErrPermanentFailure
		}
		if attempt > maxAttemptCount {
			slog.Error("transport: attempt budget exhausted", "attempts", attempt)
			return ErrRestartMe
		}

		if err := c.connectAndServe(ctx); err != nil {
			if streakStart.IsZero() {
				streakStart = time.Now()
			}
			var authErr errPermanentAuth
			if errors.As(err, &authErr) {
				// Rejected credentials never improve with retries.
				slog.Error("transport: authentication rejected", "reason", authErr.reason)
				return fmt.Errorf("%w: %s", ErrPermanentFailure, authErr.reason)
			}
			slog.Warn("transport: connection lost, will retry", "attempt", attempt, "err", err)
			wait := backoffFor(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		// Clean disconnect (ctx cancelled mid-session) resets the streak.
		attempt = 0
		streakStart = time.Time{}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.authenticate(conn); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.keepalive(ctx, conn)

	for {
		if ctx.Err() != nil {
			return nil
		}
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	fp := identity.Fingerprint()

	if c.deviceID == "" {
		return c.register(conn, fp)
	}

	payload := protocol.AuthPayload{
		DeviceID:     c.deviceID,
		DeviceSecret: c.deviceSecret,
		DeviceName:   c.label,
		Capabilities: c.capabilities,
		TempDir:      c.tempDir,
		Fingerprint:  fp,
		Platform:     c.platform,
	}
	if err := conn.WriteJSON(protocol.NewEnvelope(protocol.KindAuth, payload)); err != nil {
		return err
	}
	var reply protocol.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return err
	}
	if reply.Type == protocol.KindAuthFailed {
		var fail protocol.AuthPayload
		_ = reply.Decode(&fail)
		return errPermanentAuth{reason: fail.Reason}
	}
	if c.OnAuthenticated != nil {
		c.OnAuthenticated(c)
	}
	return nil
}

// register exchanges the invite token for a fresh credential pair. The
// issued pair is adopted for the rest of this connection and handed to
// OnRegistered for persistence.
func (c *Client) register(conn *websocket.Conn, fingerprint string) error {
	if c.inviteToken == "" {
		return errPermanentAuth{reason: "no device credential and no invite token"}
	}
	payload := protocol.RegisterDevicePayload{
		InviteToken:  c.inviteToken,
		Label:        c.label,
		Fingerprint:  fingerprint,
		Capabilities: c.capabilities,
		TempDir:      c.tempDir,
		Platform:     c.platform,
	}
	if err := conn.WriteJSON(protocol.NewEnvelope(protocol.KindRegisterDevice, payload)); err != nil {
		return err
	}
	var reply protocol.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return err
	}
	if reply.Type != protocol.KindDeviceRegistered {
		var fail protocol.AuthPayload
		_ = reply.Decode(&fail)
		return errPermanentAuth{reason: fail.Reason}
	}
	var issued protocol.DeviceRegisteredPayload
	if err := reply.Decode(&issued); err != nil {
		return fmt.Errorf("transport: decode device_registered: %w", err)
	}

	c.deviceID = issued.DeviceID
	c.deviceSecret = issued.DeviceSecret
	slog.Info("transport: device registered", "device_id", issued.DeviceID)
	if c.OnRegistered != nil {
		c.OnRegistered(issued.DeviceID, issued.DeviceSecret)
	}
	if c.OnAuthenticated != nil {
		c.OnAuthenticated(c)
	}
	return nil
}

type errPermanentAuth struct{ reason string }

func (e errPermanentAuth) Error() string { return "transport: auth rejected: " + e.reason }

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteJSON(protocol.NewEnvelope(protocol.KindPing, struct{}{}))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	if c.seen.seenBefore(env.ID) {
		return
	}

	switch env.Type {
	case protocol.KindPing:
		c.mu.Lock()
		_ = c.conn.WriteJSON(protocol.NewEnvelope(protocol.KindPong, struct{}{}))
		c.mu.Unlock()
		return
	case protocol.KindPong:
		return
	}

	if c.onIdle != nil {
		c.onIdle()
	}

	if corrID := extractCorrelationID(env); corrID != "" {
		if c.pend.resolve(corrID, env) {
			return
		}
	}

	if c.handler != nil {
		c.handler.HandleEnvelope(ctx, c, env)
	}
}

// Send writes an uncorrelated envelope (fire-and-forget), e.g. task_progress
// or stream_chunk updates the server doesn't ack individually.
func (c *Client) Send(kind protocol.Kind, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("transport: not connected")
	}
	if c.onIdle != nil {
		c.onIdle()
	}
	return c.conn.WriteJSON(protocol.NewEnvelope(kind, payload))
}

// Call sends a correlated request and blocks for up to ClientInitiatedTimeout
// for the matching response. ok is false on timeout or send failure, never
// an error — an unanswered call means "no answer, move on", not a
// fault.
func (c *Client) Call(ctx context.Context, kind protocol.Kind, corrID string, payload any) (protocol.Envelope, bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return protocol.Envelope{}, false
	}
	send := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.onIdle != nil {
			c.onIdle()
		}
		return conn.WriteJSON(protocol.NewEnvelope(kind, payload))
	}
	return call(ctx, c.pend, send, corrID, ClientInitiatedTimeout)
}
