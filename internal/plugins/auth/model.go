// Package auth implements the authentication core of the Campus portal:
// credential verification with transparent rehash, per-username login
// attempt limiting, staged two-factor verification via emailed one-time
// codes, and the session transitions for login and logout.
//
// This is a CORE plugin -- always enabled, cannot be disabled. Every other
// plugin sits behind its middleware.
package auth

import (
	"time"
)

// Portal roles. The set is closed; anything else in the database is a
// provisioning bug and is rejected at login.
const (
	RoleStudent   = "student"
	RoleTeacher   = "teacher"
	RoleLibrarian = "librarian"
	RoleRegistrar = "registrar"
)

// ValidRole reports whether role is one of the portal's known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleLibrarian, RoleRegistrar:
		return true
	}
	return false
}

// Identity represents one login-capable account. Business-profile data
// (enrollment, staff records, library cards) lives in other tables owned
// by other subsystems and references identities by ID.
type Identity struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"` // Never expose in JSON responses.
	Role         string `json:"role"`
	Email        string `json:"email"`
	Active       bool   `json:"active"`

	// Two-factor challenge material. Either both present (an unexpired
	// challenge is outstanding) or both nil -- never a dangling hash
	// without an expiry.
	TwoFactorEnabled   bool       `json:"twofa_enabled"`
	TwoFactorCodeHash  *string    `json:"-"` // Never expose.
	TwoFactorExpiresAt *time.Time `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// --- Request DTOs (bound from HTTP requests) ---

// LoginRequest holds the data submitted by the login form.
type LoginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// VerifyRequest holds the one-time code submitted on the second login step.
type VerifyRequest struct {
	Code string `json:"code" form:"code"`
}

// --- Service Input DTOs (passed from handler to service) ---

// LoginInput is the validated input for authenticating a user.
type LoginInput struct {
	Username string
	Password string
}

// Client carries the request signals recorded alongside security events.
type Client struct {
	IP        string
	UserAgent string
}

// --- Results ---

// Login outcome statuses returned to the client.
const (
	// StatusLoggedIn means the session is fully authenticated.
	StatusLoggedIn = "ok"

	// StatusTwoFactorRequired means the password was verified and a
	// one-time code has been emailed; the client must now POST it.
	StatusTwoFactorRequired = "2fa_required"
)

// LoginResult is the outcome of a password login attempt.
type LoginResult struct {
	Status string `json:"status"`

	// Username and Role are populated only when Status is StatusLoggedIn.
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}
