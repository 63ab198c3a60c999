package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/errkind"
)

// Service implements the contract: register, authenticate, revoke,
// create_invite, list_invites, list_devices.
type Service struct {
	store Store
	limiter *IPLimiter
	now func() time.Time
}

// NewService constructs the identity service. now defaults to time.Now and
// is overridable in tests for deterministic expiry checks.
func NewService(store Store, limiter *IPLimiter) *Service {
	return &Service{store: store, limiter: limiter, now: time.Now}
}

// SetClock overrides the service's clock (test hook).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateInvite mints a new invite token bound to userID.
func (s *Service) CreateInvite(userID, label string, maxUses int, expiryDays int) (InviteToken, error) {
	if maxUses <= 0 {
		maxUses = 1
	}
	now := s.now()
	tok := InviteToken{
		Token: generateInviteToken(),
		Label: label,
		UserID: userID,
		MaxUses: maxUses,
		ExpiresAt: now.AddDate(0, 0, expiryDays),
		CreatedAt: now,
	}
	if err := s.store.CreateInvite(tok); err != nil {
		return InviteToken{}, fmt.Errorf("create invite: %w", err)
	}
	return tok, nil
}

func (s *Service) ListInvites(userID string) ([]InviteToken, error) {
	return s.store.ListInvites(userID)
}

func (s *Service) ListDevices(userID string) ([]DeviceCredential, error) {
	return s.store.ListDevices(userID)
}

// generateInviteToken produces the dbot-XXXX-XXXX-XXXX-XXXX format
func generateInviteToken() string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I ambiguity
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	var groups [4]string
	for g := 0; g < 4; g++ {
		b := make([]byte, 4)
		for i := 0; i < 4; i++ {
			b[i] = alphabet[int(buf[g*4+i])%len(alphabet)]
		}
		groups[g] = string(b)
	}
	return "dbot-" + strings.Join(groups[:], "-")
}

// RegisterResult is returned by Register on success.
type RegisterResult struct {
	DeviceID string
	DeviceSecret string // plaintext, returned exactly once
	UserID string
}

// Register redeems an invite token into a fresh device credential. Per 
// "For all invite tokens with max_uses = k: at most k devices can
// successfully register... the (k+1)-th attempt returns token_consumed",
// the use-increment is atomic at the store layer.
func (s *Service) Register(ip, inviteToken, label, fingerprint, platform string, capabilities []string) (RegisterResult, string, error) {
	now := s.now()
	if s.limiter != nil && s.limiter.Blocked(ip, now) {
		return RegisterResult{}, string(ratelimitedReason), errkind.RateLimited(nil)
	}
	// Only failed token checks count against the window; a valid
	// registration (or a store error) never does.
	recordFailure := func() {
		if s.limiter != nil {
			s.limiter.RecordFailure(ip, now)
		}
	}

	tok, ok, err := s.store.GetInvite(inviteToken)
	if err != nil {
		return RegisterResult{}, "", fmt.Errorf("lookup invite: %w", err)
	}
	if !ok {
		recordFailure()
		return RegisterResult{}, string(invalidTokenReason), errkind.FatalAuth(fmt.Errorf("unknown invite token"))
	}
	if tok.Revoked {
		recordFailure()
		return RegisterResult{}, string(tokenRevokedReason), errkind.FatalAuth(fmt.Errorf("invite revoked"))
	}
	if tok.Expired(now) {
		recordFailure()
		return RegisterResult{}, string(tokenExpiredReason), errkind.FatalAuth(fmt.Errorf("invite expired"))
	}

	incremented, reason, err := s.store.IncrementInviteUse(inviteToken, now)
	if err != nil {
		return RegisterResult{}, "", fmt.Errorf("consume invite: %w", err)
	}
	if !incremented {
		recordFailure()
		return RegisterResult{}, reason, errkind.FatalAuth(fmt.Errorf("invite not usable: %s", reason))
	}

	deviceID := uuid.NewString()
	secret := generateDeviceSecret()
	cred := DeviceCredential{
		DeviceID: deviceID,
		Label: label,
		SecretHash: hashSecret(secret),
		Fingerprint: fingerprint,
		UserID: tok.UserID,
		Platform: platform,
		Capabilities: capabilities,
		RegisteredAt: now,
	}
	if err := s.store.CreateDevice(cred); err != nil {
		return RegisterResult{}, "", fmt.Errorf("create device: %w", err)
	}

	slog.Info("device registered", "device_id", deviceID, "label", label, "platform", platform)
	return RegisterResult{DeviceID: deviceID, DeviceSecret: secret, UserID: tok.UserID}, "", nil
}

// generateDeviceSecret produces 64 bytes of entropy hex-encoded.
func generateDeviceSecret() string {
	buf := make([]byte, 64)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates a device credential pair plus fingerprint. A
// successful auth is never recorded against the rate-limit window — only
// failed checks are, so flaky-link reconnects can't lock a device out.
func (s *Service) Authenticate(ip, deviceID, secret, fingerprint string) (DeviceCredential, string, error) {
	now := s.now()
	if s.limiter != nil && s.limiter.Blocked(ip, now) {
		return DeviceCredential{}, string(ratelimitedReason), errkind.RateLimited(nil)
	}
	recordFailure := func() {
		if s.limiter != nil {
			s.limiter.RecordFailure(ip, now)
		}
	}

	cred, ok, err := s.store.GetDevice(deviceID)
	if err != nil {
		return DeviceCredential{}, "", fmt.Errorf("lookup device: %w", err)
	}
	if !ok || cred.Revoked {
		recordFailure()
		return DeviceCredential{}, string(deviceRevokedReason), errkind.FatalAuth(fmt.Errorf("device not registered or revoked"))
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(cred.SecretHash)) != 1 {
		recordFailure()
		return DeviceCredential{}, string(deviceRevokedReason), errkind.FatalAuth(fmt.Errorf("bad device secret"))
	}
	if cred.Fingerprint != fingerprint {
		recordFailure()
		_ = s.store.RevokeDevice(deviceID, "fingerprint_mismatch")
		return DeviceCredential{}, string(fingerprintMismatchReason), errkind.FatalAuth(fmt.Errorf("fingerprint mismatch"))
	}

	return cred, "", nil
}

func (s *Service) Revoke(deviceID, reason string) error {
	return s.store.RevokeDevice(deviceID, reason)
}

// These mirror protocol.AuthFailedReason values without importing pkg/protocol,
// keeping identity free of a wire-format dependency; internal/transport maps
// them onto protocol.AuthPayload.Reason.
type reason string

const (
	fingerprintMismatchReason reason = "fingerprint_mismatch"
	deviceRevokedReason reason = "device_revoked"
	ratelimitedReason reason = "rate_limited"
	invalidTokenReason reason = "invalid_token"
	tokenExpiredReason reason = "token_expired"
	tokenConsumedReason reason = "token_consumed"
	tokenRevokedReason reason = "token_revoked"
)

var _ = tokenConsumedReason // referenced by store implementations' reason strings
