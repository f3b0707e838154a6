// Package session implements the server-side session layer for the Campus
// portal. Session state lives in a pluggable Store (Redis in production,
// in-memory for tests) keyed by an opaque identifier carried in an
// HTTP-only cookie. The Manager enforces the session-security policy:
// identifier regeneration on first contact and on privilege change,
// user-agent binding, absolute and idle timeouts, and periodic identifier
// rotation for long-lived sessions.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Redirect reason codes appended to the login URL when a request is turned
// away. These are the stable machine-readable interface; the login UI
// localizes them. The codes deliberately do not reveal which specific
// integrity check failed.
const (
	ReasonNotLoggedIn     = "not_logged_in"
	ReasonSessionExpired  = "session_expired"
	ReasonSessionInvalid  = "session_invalid"
	ReasonAccountInactive = "account_inactive"
	ReasonRoleChanged     = "role_changed"
)

// AuthenticatedUser is the identity bound to a fully authenticated session.
// It is set only after password verification and, where enabled, one-time
// code confirmation.
type AuthenticatedUser struct {
	IdentityID string    `json:"identity_id"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	LoginAt    time.Time `json:"login_at"`
}

// PendingTwoFactor represents "password verified, code not yet confirmed."
// It lives only in the session store and is cleared the moment verification
// succeeds, fails terminally, or the session is destroyed.
type PendingTwoFactor struct {
	IdentityID string    `json:"identity_id"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	IssuedAt   time.Time `json:"issued_at"`

	// Attempts counts wrong codes submitted against this challenge.
	Attempts int `json:"attempts"`
}

// AttemptRecord tracks consecutive failed password attempts for one
// sanitized username within this browser session.
type AttemptRecord struct {
	Count        int       `json:"count"`
	FirstAttempt time.Time `json:"first_attempt"`
	LastAttempt  time.Time `json:"last_attempt"`
}

// Data is the serialized session payload. A session is never simultaneously
// pending two-factor verification and fully authenticated; the transition
// methods on Session maintain that exclusivity.
type Data struct {
	CreatedAt  time.Time `json:"created_at"`
	RotatedAt  time.Time `json:"rotated_at"`
	UserAgent  string    `json:"user_agent"`
	RemoteAddr string    `json:"remote_addr"`

	// CSRFToken is the per-session anti-forgery token. Issued lazily,
	// rotated on login and logout.
	CSRFToken string `json:"csrf_token,omitempty"`

	Auth    *AuthenticatedUser `json:"auth,omitempty"`
	Pending *PendingTwoFactor  `json:"pending,omitempty"`

	// Attempts maps sanitized usernames to their failure records.
	Attempts map[string]*AttemptRecord `json:"attempts,omitempty"`
}

// Session is the per-request handle on session state. Handlers and services
// mutate it freely; the Manager middleware persists it after the handler
// returns (unless the session was destroyed mid-request).
type Session struct {
	Data

	id        string
	destroyed bool
}

// ID returns the current opaque session identifier.
func (s *Session) ID() string {
	return s.id
}

// Destroyed reports whether the session was torn down during this request.
func (s *Session) Destroyed() bool {
	return s.destroyed
}

// IsAuthenticated reports whether the session carries a logged-in identity.
func (s *Session) IsAuthenticated() bool {
	return s.Auth != nil
}

// BeginTwoFactor parks the session in the pending-verification state.
// Any authenticated identity is dropped: pending and authenticated are
// mutually exclusive.
func (s *Session) BeginTwoFactor(p *PendingTwoFactor) {
	s.Auth = nil
	s.Pending = p
}

// CompleteLogin promotes the session to fully authenticated, clearing any
// pending two-factor state.
func (s *Session) CompleteLogin(u *AuthenticatedUser) {
	s.Pending = nil
	s.Auth = u
}

// ClearPending abandons an in-flight two-factor verification.
func (s *Session) ClearPending() {
	s.Pending = nil
}

// EnsureCSRFToken returns the session's anti-forgery token, generating one
// on first access.
func (s *Session) EnsureCSRFToken() string {
	if s.CSRFToken == "" {
		s.CSRFToken = newToken()
	}
	return s.CSRFToken
}

// RotateCSRFToken replaces the anti-forgery token. Called on every
// successful login and logout, and never between (so forms open in other
// tabs stay valid across a session's lifetime).
func (s *Session) RotateCSRFToken() string {
	s.CSRFToken = newToken()
	return s.CSRFToken
}

// tokenBytes is the entropy of session identifiers and CSRF tokens.
// 32 bytes = 256 bits, hex-encoded to 64 characters.
const tokenBytes = 32

// newToken creates a cryptographically random hex-encoded token.
func newToken() string {
	b := make([]byte, tokenBytes)
	// crypto/rand.Read only fails when the OS entropy source is broken,
	// at which point nothing here is salvageable.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
