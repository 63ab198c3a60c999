package credential

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"
)

// EntryHandlers implements the HTTP surface: GET /credentials/enter/<token>,
// POST /credentials/submit, GET /credentials/session. Every page is served
// under a strict CSP — the form is the only thing this surface does.
type EntryHandlers struct {
	Sessions *SessionStore
	MasterKey []byte
	Limiter *IPLimiter
	Now func() time.Time

	// OnStored is invoked after a successful submit with the newly minted
	// srv:-prefixed blob, so the caller can emit credential_stored over the
	// channel. Kept as a callback to avoid this package
	// depending on internal/transport.
	OnStored func(sess *EntrySession, blob string)
}

func (h *EntryHandlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

const securityHeaders = "default-src 'none'; form-action 'self'; frame-ancestors 'none'"

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", securityHeaders)
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// HandleEnter serves the entry form for a given token (GET /credentials/enter/<token>).
func (h *EntryHandlers) HandleEnter(w http.ResponseWriter, r *http.Request, token string) {
	setSecurityHeaders(w)

	sess, ok := h.Sessions.Get(token)
	if !ok || sess.Consumed || sess.Expired(h.now()) {
		writeExpiredPage(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, entryFormTemplate, html.EscapeString(sess.Title), html.EscapeString(sess.Prompt), html.EscapeString(token))
}

// HandleSubmit consumes the session and stores the credential (POST /credentials/submit).
func (h *EntryHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	ip := clientIP(r)
	now := h.now()
	if h.Limiter != nil && h.Limiter.Blocked(ip, now) {
		writeRateLimitedPage(w)
		return
	}
	recordFailure := func() {
		if h.Limiter != nil {
			h.Limiter.RecordFailure(ip, now)
		}
	}

	if err := r.ParseForm(); err != nil {
		recordFailure()
		writeErrorPage(w, "bad request")
		return
	}
	token := r.FormValue("token")
	value := r.FormValue("value")

	sess, ok := h.Sessions.Consume(token, now)
	if !ok {
		recordFailure()
		writeExpiredPage(w)
		return
	}

	blob, err := Encrypt(h.MasterKey, sess.UserID, sess.AllowedDomain, value)
	if err != nil {
		slog.Error("credential encrypt failed", "error", err, "key_name", sess.KeyName)
		writeErrorPage(w, "internal error")
		return
	}

	if h.OnStored != nil {
		h.OnStored(sess, blob)
	}

	writeSuccessPage(w)
}

// HandleSession serves the minimal cookie-auth landing page (GET /credentials/session).
func (h *EntryHandlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, sessionLandingTemplate)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

const entryFormTemplate = `<!doctype html><html><head><meta charset="utf-8"><title>%s</title></head>
<body><h1>%s</h1><form method="POST" action="/credentials/submit">
<input type="hidden" name="token" value="%s">
<input type="password" name="value" autocomplete="off" required>
<button type="submit">Save</button></form></body></html>`

const sessionLandingTemplate = `<!doctype html><html><head><meta charset="utf-8"><title>Session</title></head>
<body><p>You're signed in. You can close this window.</p></body></html>`

func writeSuccessPage(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<!doctype html><html><body><p>Saved. You can close this window.</p></body></html>`)
}

func writeExpiredPage(w http.ResponseWriter) {
	w.WriteHeader(http.StatusGone)
	fmt.Fprint(w, `<!doctype html><html><body><p>This link has expired or was already used.</p></body></html>`)
}

func writeRateLimitedPage(w http.ResponseWriter) {
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprint(w, `<!doctype html><html><body><p>Too many attempts. Try again later.</p></body></html>`)
}

func writeErrorPage(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `<!doctype html><html><body><p>%s</p></body></html>`, html.EscapeString(msg))
}
