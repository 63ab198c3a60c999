package identity

import (
	"testing"
	"time"
)

func TestInviteMaxUses(t *testing.T) {
	store := NewMemStore()
	svc := NewService(store, nil)

	tok, err := svc.CreateInvite("user-1", "laptop", 1, 30)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	if _, reason, err := svc.Register("1.2.3.4", tok.Token, "laptop", "fp-1", "linux", nil); err != nil {
		t.Fatalf("first register should succeed, got reason=%s err=%v", reason, err)
	}

	_, reason, err := svc.Register("1.2.3.4", tok.Token, "laptop-2", "fp-2", "linux", nil)
	if err == nil {
		t.Fatalf("second register with max_uses=1 should fail")
	}
	if reason != "token_consumed" {
		t.Fatalf("expected token_consumed, got %s", reason)
	}
}

func TestFingerprintMismatchRevokes(t *testing.T) {
	store := NewMemStore()
	svc := NewService(store, nil)

	tok, err := svc.CreateInvite("user-1", "laptop", 1, 30)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	reg, _, err := svc.Register("1.2.3.4", tok.Token, "laptop", "fp-1", "linux", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, reason, err := svc.Authenticate("1.2.3.4", reg.DeviceID, reg.DeviceSecret, "fp-WRONG"); err == nil || reason != "fingerprint_mismatch" {
		t.Fatalf("expected fingerprint_mismatch, got reason=%s err=%v", reason, err)
	}

	// The mismatch must have revoked the device permanently — even the
	// correct fingerprint now fails.
	if _, reason, err := svc.Authenticate("1.2.3.4", reg.DeviceID, reg.DeviceSecret, "fp-1"); err == nil || reason != "device_revoked" {
		t.Fatalf("expected device_revoked after auto-revocation, got reason=%s err=%v", reason, err)
	}
}

func TestInviteExpiry(t *testing.T) {
	store := NewMemStore()
	svc := NewService(store, nil)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return fixedNow })

	tok, err := svc.CreateInvite("user-1", "laptop", 5, 1)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	svc.SetClock(func() time.Time { return fixedNow.AddDate(0, 0, 2) })
	if _, reason, err := svc.Register("1.2.3.4", tok.Token, "laptop", "fp-1", "linux", nil); err == nil || reason != "token_expired" {
		t.Fatalf("expected token_expired, got reason=%s err=%v", reason, err)
	}
}

func TestRateLimiter(t *testing.T) {
	lim := NewIPLimiter(3, 15*time.Minute)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if lim.Blocked("9.9.9.9", now) {
			t.Fatalf("attempt %d should not be blocked yet", i)
		}
		lim.RecordFailure("9.9.9.9", now)
	}
	if !lim.Blocked("9.9.9.9", now) {
		t.Fatalf("4th attempt within window should be rate limited")
	}
	if lim.Blocked("9.9.9.9", now.Add(16*time.Minute)) {
		t.Fatalf("attempt after window rolls off should be allowed")
	}
}

func TestSuccessfulAuthNotRateLimited(t *testing.T) {
	lim := NewIPLimiter(2, 15*time.Minute)
	store := NewMemStore()
	svc := NewService(store, lim)

	tok, err := svc.CreateInvite("user-1", "laptop", 1, 30)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	reg, _, err := svc.Register("1.2.3.4", tok.Token, "laptop", "fp-1", "linux", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Many successful auths from one IP: none count against the window, so
	// a flaky link reconnecting over and over stays welcome.
	for i := 0; i < 10; i++ {
		if _, reason, err := svc.Authenticate("1.2.3.4", reg.DeviceID, reg.DeviceSecret, "fp-1"); err != nil {
			t.Fatalf("auth %d failed: reason=%s err=%v", i, reason, err)
		}
	}

	// Failures do count: two bad secrets exhaust the window of 2.
	for i := 0; i < 2; i++ {
		if _, _, err := svc.Authenticate("1.2.3.4", reg.DeviceID, "wrong-secret", "fp-1"); err == nil {
			t.Fatal("bad secret should fail")
		}
	}
	if _, reason, _ := svc.Authenticate("1.2.3.4", reg.DeviceID, reg.DeviceSecret, "fp-1"); reason != "rate_limited" {
		t.Fatalf("expected rate_limited after repeated failures, got %q", reason)
	}
}
