package pg

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/identity"
)

// IdentityStore implements identity.Store backed by Postgres, the
// production counterpart to identity.MemStore. Plain database/sql, no ORM.
type IdentityStore struct {
	db *sql.DB
}

func NewIdentityStore(db *sql.DB) *IdentityStore { return &IdentityStore{db: db} }

func (s *IdentityStore) CreateInvite(tok identity.InviteToken) error {
	_, err := s.db.Exec(
		`INSERT INTO invite_tokens (token, label, user_id, max_uses, uses, expires_at, revoked, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		tok.Token, tok.Label, tok.UserID, tok.MaxUses, tok.Uses, tok.ExpiresAt, tok.Revoked, tok.CreatedAt,
	)
	return err
}

func (s *IdentityStore) GetInvite(token string) (identity.InviteToken, bool, error) {
	var t identity.InviteToken
	row := s.db.QueryRow(
		`SELECT token, label, user_id, max_uses, uses, expires_at, revoked, created_at
		 FROM invite_tokens WHERE token = $1`, token)
	err := row.Scan(&t.Token, &t.Label, &t.UserID, &t.MaxUses, &t.Uses, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.InviteToken{}, false, nil
	}
	if err != nil {
		return identity.InviteToken{}, false, err
	}
	return t, true, nil
}

// IncrementInviteUse performs the invariant check and increment inside one
// transaction so concurrent redemptions of a single-use invite can't both
// succeed.
func (s *IdentityStore) IncrementInviteUse(token string, now time.Time) (bool, string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	var t identity.InviteToken
	row := tx.QueryRow(
		`SELECT token, label, user_id, max_uses, uses, expires_at, revoked, created_at
		 FROM invite_tokens WHERE token = $1 FOR UPDATE`, token)
	if err := row.Scan(&t.Token, &t.Label, &t.UserID, &t.MaxUses, &t.Uses, &t.ExpiresAt, &t.Revoked, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "invalid_token", nil
		}
		return false, "", err
	}
	if t.Revoked {
		return false, "token_revoked", nil
	}
	if t.Expired(now) {
		return false, "token_expired", nil
	}
	if t.Consumed() {
		return false, "token_consumed", nil
	}
	if _, err := tx.Exec(`UPDATE invite_tokens SET uses = uses + 1 WHERE token = $1`, token); err != nil {
		return false, "", err
	}
	if err := tx.Commit(); err != nil {
		return false, "", err
	}
	return true, "", nil
}

func (s *IdentityStore) ListInvites(userID string) ([]identity.InviteToken, error) {
	rows, err := s.db.Query(
		`SELECT token, label, user_id, max_uses, uses, expires_at, revoked, created_at
		 FROM invite_tokens WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.InviteToken
	for rows.Next() {
		var t identity.InviteToken
		if err := rows.Scan(&t.Token, &t.Label, &t.UserID, &t.MaxUses, &t.Uses, &t.ExpiresAt, &t.Revoked, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *IdentityStore) RevokeInvite(token string) error {
	_, err := s.db.Exec(`UPDATE invite_tokens SET revoked = true WHERE token = $1`, token)
	return err
}

func (s *IdentityStore) CreateDevice(d identity.DeviceCredential) error {
	_, err := s.db.Exec(
		`INSERT INTO device_credentials
		 (device_id, label, secret_hash, fingerprint, user_id, platform, capabilities, registered_at, revoked, revoked_reason)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.DeviceID, d.Label, d.SecretHash, d.Fingerprint, d.UserID, d.Platform,
		strings.Join(d.Capabilities, ","), d.RegisteredAt, d.Revoked, d.RevokedReason,
	)
	return err
}

func (s *IdentityStore) GetDevice(deviceID string) (identity.DeviceCredential, bool, error) {
	var d identity.DeviceCredential
	var caps string
	row := s.db.QueryRow(
		`SELECT device_id, label, secret_hash, fingerprint, user_id, platform, capabilities, registered_at, revoked, revoked_reason
		 FROM device_credentials WHERE device_id = $1`, deviceID)
	err := row.Scan(&d.DeviceID, &d.Label, &d.SecretHash, &d.Fingerprint, &d.UserID, &d.Platform, &caps, &d.RegisteredAt, &d.Revoked, &d.RevokedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.DeviceCredential{}, false, nil
	}
	if err != nil {
		return identity.DeviceCredential{}, false, err
	}
	if caps != "" {
		d.Capabilities = strings.Split(caps, ",")
	}
	return d, true, nil
}

func (s *IdentityStore) ListDevices(userID string) ([]identity.DeviceCredential, error) {
	rows, err := s.db.Query(
		`SELECT device_id, label, secret_hash, fingerprint, user_id, platform, capabilities, registered_at, revoked, revoked_reason
		 FROM device_credentials WHERE user_id = $1 ORDER BY registered_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.DeviceCredential
	for rows.Next() {
		var d identity.DeviceCredential
		var caps string
		if err := rows.Scan(&d.DeviceID, &d.Label, &d.SecretHash, &d.Fingerprint, &d.UserID, &d.Platform, &caps, &d.RegisteredAt, &d.Revoked, &d.RevokedReason); err != nil {
			return nil, err
		}
		if caps != "" {
			d.Capabilities = strings.Split(caps, ",")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *IdentityStore) RevokeDevice(deviceID, reason string) error {
	_, err := s.db.Exec(`UPDATE device_credentials SET revoked = true, revoked_reason = $2 WHERE device_id = $1`, deviceID, reason)
	return err
}
