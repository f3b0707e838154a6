package auth

import (
	"strings"
	"time"

	"github.com/bellwetherhq/campus/internal/session"
)

// Limiter throttles password attempts per username. Records live in the
// caller's session store, keyed by a sanitized form of the username, so a
// lockout is scoped to one browser session. That is deliberately weaker
// than a shared store -- it avoids a persistent denial-of-service against a
// shared username from a single attacker -- and the per-IP rate limiter on
// the login route covers the cross-session case.
//
// Expiry is lazy: there is no background sweeper, stale records are
// discarded on the next read.
type Limiter struct {
	maxAttempts int
	window      time.Duration

	// now is swappable for simulated-time tests.
	now func() time.Time
}

// NewLimiter creates an attempt limiter allowing maxAttempts failures per
// username before locking for window, measured from the last attempt.
func NewLimiter(maxAttempts int, window time.Duration) *Limiter {
	return &Limiter{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// HasTooManyAttempts reports whether the username is locked out: the
// attempt count reached the maximum and the lockout window has not yet
// elapsed since the last attempt.
func (l *Limiter) HasTooManyAttempts(sess *session.Session, username string) bool {
	rec := l.record(sess, username)
	return rec != nil && rec.Count >= l.maxAttempts
}

// RecordAttempt registers one failed password attempt for the username,
// creating the record on first failure.
func (l *Limiter) RecordAttempt(sess *session.Session, username string) {
	key := attemptKey(username)
	now := l.now()

	if sess.Attempts == nil {
		sess.Attempts = make(map[string]*session.AttemptRecord)
	}

	rec := sess.Attempts[key]
	if rec == nil || l.expired(rec, now) {
		sess.Attempts[key] = &session.AttemptRecord{
			Count:        1,
			FirstAttempt: now,
			LastAttempt:  now,
		}
		return
	}

	rec.Count++
	rec.LastAttempt = now
}

// ClearAttempts deletes the username's record. Called atomically with
// successful password verification.
func (l *Limiter) ClearAttempts(sess *session.Session, username string) {
	delete(sess.Attempts, attemptKey(username))
}

// RemainingAttempts returns how many failures are left before lockout,
// never negative.
func (l *Limiter) RemainingAttempts(sess *session.Session, username string) int {
	rec := l.record(sess, username)
	if rec == nil {
		return l.maxAttempts
	}
	if rec.Count >= l.maxAttempts {
		return 0
	}
	return l.maxAttempts - rec.Count
}

// LockoutRemaining returns how long until the lockout window elapses for
// the username, zero if no lockout applies. Server-side only: the exact
// remaining time is never surfaced to the client.
func (l *Limiter) LockoutRemaining(sess *session.Session, username string) time.Duration {
	rec := l.record(sess, username)
	if rec == nil {
		return 0
	}
	remaining := l.window - l.now().Sub(rec.LastAttempt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// record fetches the username's attempt record, applying lazy expiry:
// a record whose window has elapsed is deleted and reported as absent.
func (l *Limiter) record(sess *session.Session, username string) *session.AttemptRecord {
	key := attemptKey(username)
	rec := sess.Attempts[key]
	if rec == nil {
		return nil
	}
	if l.expired(rec, l.now()) {
		delete(sess.Attempts, key)
		return nil
	}
	return rec
}

// expired reports whether the record's lockout window has fully elapsed.
func (l *Limiter) expired(rec *session.AttemptRecord, now time.Time) bool {
	return now.Sub(rec.LastAttempt) > l.window
}

// attemptKey reduces a username to a stable record key: lowercased, with
// everything but letters, digits, and underscores stripped. Keeps hostile
// input from growing unbounded distinct keys in the session.
func attemptKey(username string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(username) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
