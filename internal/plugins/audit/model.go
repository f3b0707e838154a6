// Package audit provides the security event log for the Campus portal.
// Every significant authentication and session-security event (failed
// logins, lockouts, code issuance, hijack signals, logouts) is captured as
// an Event and persisted to the security_events table. The feed gives the
// registrar visibility into who tried to sign in as whom, from where, and
// what the portal did about it.
//
// The log only records observations; it never blocks the flow that emitted
// the event.
package audit

import (
	"context"
	"time"
)

// --- Action Constants ---
// Each action string follows the pattern "resource.verb" for consistent
// filtering and display grouping.

const (
	// ActionLoginFailed is logged on a wrong password or unknown username.
	ActionLoginFailed = "login.failed"

	// ActionLoginLockedOut is logged when an attempt is rejected because
	// the username is locked out.
	ActionLoginLockedOut = "login.locked_out"

	// ActionLoginSucceeded is logged when a session becomes fully
	// authenticated.
	ActionLoginSucceeded = "login.succeeded"

	// ActionCodeIssued is logged when a one-time code is generated and
	// dispatched.
	ActionCodeIssued = "twofactor.issued"

	// ActionCodeRejected is logged on a wrong, expired, or missing code.
	ActionCodeRejected = "twofactor.rejected"

	// ActionCodeVerified is logged when a one-time code is accepted.
	ActionCodeVerified = "twofactor.verified"

	// ActionSessionHijacked is logged when a session is destroyed because
	// its bound user-agent no longer matches.
	ActionSessionHijacked = "session.hijacked"

	// ActionSessionExpired is logged when a session hits its absolute age
	// limit.
	ActionSessionExpired = "session.expired"

	// ActionLogout is logged on explicit logout.
	ActionLogout = "logout"
)

// Event represents a single recorded security event. IdentityID is nil
// when the event concerns a username that resolved to no account (the
// username column still records what was typed, sanitized upstream).
type Event struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	IdentityID *string   `json:"identity_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recorder is the narrow contract other plugins use to emit events.
// Implementations must be safe to call fire-and-forget: a recording
// failure is logged, never propagated into the caller's control flow.
type Recorder interface {
	Record(ctx context.Context, event *Event)
}
