package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// EntrySessionTTL is the one-time-use entry session lifetime.
const EntrySessionTTL = 15 * time.Minute

// EntrySession is the server-side ephemeral record backing the credential
// entry web flow.
type EntrySession struct {
	Token string
	UserID string
	DeviceID string
	KeyName string
	Prompt string
	Title string
	AllowedDomain string
	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed bool
}

// Expired reports whether the session can no longer be submitted.
func (s EntrySession) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// SessionStore holds live entry sessions. Process-wide, mutex-guarded, no
// I/O under the lock.
type SessionStore struct {
	mu sync.Mutex
	sessions map[string]*EntrySession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*EntrySession)}
}

// Create mints a new entry session with a 32-byte hex token.
// allowedDomain is mandatory — an empty value is a fatal error per 
// step 1 ("Missing allowed_domain is a fatal error").
func (s *SessionStore) Create(userID, deviceID, keyName, prompt, title, allowedDomain string, now time.Time) (*EntrySession, error) {
	if allowedDomain == "" {
		return nil, fmt.Errorf("allowed_domain is required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	sess := &EntrySession{
		Token: hex.EncodeToString(buf),
		UserID: userID,
		DeviceID: deviceID,
		KeyName: keyName,
		Prompt: prompt,
		Title: title,
		AllowedDomain: allowedDomain,
		CreatedAt: now,
		ExpiresAt: now.Add(EntrySessionTTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess
	return sess, nil
}

// Get returns the session for rendering the entry form (GET), without
// consuming it.
func (s *SessionStore) Get(token string) (*EntrySession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	return sess, ok
}

// Consume atomically gets-and-consumes a session. Returns
// ok=false if the token is unknown, already consumed, or expired.
func (s *SessionStore) Consume(token string, now time.Time) (*EntrySession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok || sess.Consumed || sess.Expired(now) {
		return nil, false
	}
	sess.Consumed = true
	return sess, true
}

// Sweep deletes sessions that are both consumed and stale, or simply
// expired.
func (s *SessionStore) Sweep(now time.Time, graceAfterConsume time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, sess := range s.sessions {
		if sess.Expired(now) || (sess.Consumed && now.Sub(sess.CreatedAt) > graceAfterConsume) {
			delete(s.sessions, tok)
		}
	}
}
