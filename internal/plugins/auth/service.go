package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bellwetherhq/campus/internal/apperror"
	"github.com/bellwetherhq/campus/internal/plugins/audit"
	"github.com/bellwetherhq/campus/internal/session"
)

// CodeSender delivers a one-time code to an account's email address. The
// mailer plugin implements this; the indirection keeps auth testable
// without SMTP.
type CodeSender interface {
	SendOneTimeCode(ctx context.Context, toAddress, toName, code string) error
}

// Options carries the tunable policy for the auth service.
type Options struct {
	// MaxLoginAttempts is the number of failed passwords allowed per
	// username before lockout.
	MaxLoginAttempts int

	// LockoutWindow is how long a lockout lasts, measured from the most
	// recent failed attempt.
	LockoutWindow time.Duration

	// CodeTTL is how long an emailed one-time code stays valid.
	CodeTTL time.Duration

	// MaxCodeAttempts is the number of wrong codes allowed per challenge
	// before the login must restart from the password step.
	MaxCodeAttempts int
}

// AuthService handles authentication business logic: password login with
// attempt limiting and transparent rehash, two-step verification via
// emailed one-time codes, and logout. It mutates the caller's session
// state but never touches cookies or session identifiers; those belong to
// the HTTP layer.
type AuthService interface {
	// Login verifies a username and password. On success the session is
	// either fully authenticated or parked pending code verification,
	// indicated by the result's Status.
	Login(ctx context.Context, sess *session.Session, input LoginInput, client Client) (*LoginResult, error)

	// VerifyCode checks a submitted one-time code against the pending
	// challenge and completes the login on success.
	VerifyCode(ctx context.Context, sess *session.Session, code string, client Client) (*LoginResult, error)

	// Logout records the logout event. Session teardown is the caller's job.
	Logout(ctx context.Context, sess *session.Session, client Client)

	// FindIdentity loads an identity by ID. Used by the access middleware
	// to revalidate active status and role on every request.
	FindIdentity(ctx context.Context, id string) (*Identity, error)
}

// authService implements AuthService.
type authService struct {
	repo    IdentityRepository
	limiter *Limiter
	sender  CodeSender
	events  audit.Recorder
	opts    Options

	// now is swappable for simulated-time tests.
	now func() time.Time
}

// NewAuthService creates the authentication service.
func NewAuthService(repo IdentityRepository, sender CodeSender, events audit.Recorder, opts Options) AuthService {
	return &authService{
		repo:    repo,
		limiter: NewLimiter(opts.MaxLoginAttempts, opts.LockoutWindow),
		sender:  sender,
		events:  events,
		opts:    opts,
		now:     time.Now,
	}
}

// Login verifies the password and routes the session to the right state.
//
// The rejection message for a bad username and a bad password is the same
// on purpose, and the lockout check runs before any database access so a
// locked-out caller learns nothing about whether the account exists.
func (s *authService) Login(ctx context.Context, sess *session.Session, input LoginInput, client Client) (*LoginResult, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" || input.Password == "" {
		return nil, apperror.NewValidation("username and password are required")
	}

	if s.limiter.HasTooManyAttempts(sess, username) {
		s.events.Record(ctx, &audit.Event{
			Action:    audit.ActionLoginLockedOut,
			Username:  username,
			ClientIP:  client.IP,
			UserAgent: client.UserAgent,
		})
		return nil, apperror.NewTooManyRequests("too many failed attempts, please try again later")
	}

	identity, err := s.repo.FindByUsername(ctx, username)
	if apperror.IsNotFound(err) {
		return nil, s.rejectPassword(ctx, sess, username, client, "unknown username")
	}
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("looking up identity: %w", err))
	}

	if !verifyPassword(input.Password, identity.PasswordHash) {
		return nil, s.rejectPassword(ctx, sess, username, client, "wrong password")
	}

	// Password verified. Clearing the failure record here, before any other
	// outcome, keeps a successful verification from counting toward lockout.
	s.limiter.ClearAttempts(sess, username)

	// Inactive accounts are checked only after the password matched, so the
	// login form never becomes an account-existence oracle.
	if !identity.Active {
		s.events.Record(ctx, &audit.Event{
			Action:     audit.ActionLoginFailed,
			IdentityID: &identity.ID,
			Username:   username,
			ClientIP:   client.IP,
			UserAgent:  client.UserAgent,
			Details:    "account inactive",
		})
		return nil, apperror.NewForbidden("this account is disabled")
	}

	if !ValidRole(identity.Role) {
		return nil, apperror.NewInternal(fmt.Errorf("identity %s has unknown role %q", identity.ID, identity.Role))
	}

	s.maybeRehash(ctx, identity, input.Password)

	if identity.TwoFactorEnabled {
		return s.beginTwoFactor(ctx, sess, identity, client)
	}

	return s.completeLogin(ctx, sess, identity, client)
}

// rejectPassword records one failed attempt and returns the uniform
// rejection error.
func (s *authService) rejectPassword(ctx context.Context, sess *session.Session, username string, client Client, detail string) error {
	s.limiter.RecordAttempt(sess, username)
	s.events.Record(ctx, &audit.Event{
		Action:    audit.ActionLoginFailed,
		Username:  username,
		ClientIP:  client.IP,
		UserAgent: client.UserAgent,
		Details:   detail,
	})
	return apperror.NewUnauthorized("invalid username or password")
}

// maybeRehash upgrades the stored hash when its cost parameters are stale.
// This is the only moment the plaintext is available, and a failure here
// must not break an otherwise successful login.
func (s *authService) maybeRehash(ctx context.Context, identity *Identity, password string) {
	if !needsRehash(identity.PasswordHash) {
		return
	}

	newHash, err := hashPassword(password)
	if err != nil {
		slog.Error("failed to compute replacement password hash",
			slog.String("identity_id", identity.ID),
			slog.Any("error", err),
		)
		return
	}
	if err := s.repo.UpdatePasswordHash(ctx, identity.ID, newHash); err != nil {
		slog.Error("failed to store rehashed password",
			slog.String("identity_id", identity.ID),
			slog.Any("error", err),
		)
		return
	}

	slog.Info("password hash upgraded on login", slog.String("identity_id", identity.ID))
}

// beginTwoFactor issues a one-time code, stores its salted hash on the
// identity row, dispatches the email, and parks the session pending
// verification. The row update is a compare-and-set against the challenge
// hash read during login, so two racing logins cannot both believe their
// own code is the live one.
func (s *authService) beginTwoFactor(ctx context.Context, sess *session.Session, identity *Identity, client Client) (*LoginResult, error) {
	code, err := generateCode()
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	codeHash, err := hashCode(code)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	expiresAt := s.now().Add(s.opts.CodeTTL).UTC()
	if err := s.repo.SetTwoFactorChallenge(ctx, identity.ID, codeHash, expiresAt, identity.TwoFactorCodeHash); err != nil {
		if apperror.IsConflict(err) {
			return nil, apperror.NewConflict("another sign-in for this account is in progress, please try again")
		}
		return nil, apperror.NewInternal(fmt.Errorf("storing two-factor challenge: %w", err))
	}

	// The mailer has its own fallback tiers and only errors when every tier
	// failed. Even then the challenge stands: the user can restart the
	// login, which replaces it.
	if err := s.sender.SendOneTimeCode(ctx, identity.Email, identity.Username, code); err != nil {
		slog.Error("failed to deliver one-time code",
			slog.String("identity_id", identity.ID),
			slog.Any("error", err),
		)
	}

	sess.BeginTwoFactor(&session.PendingTwoFactor{
		IdentityID: identity.ID,
		Username:   identity.Username,
		Role:       identity.Role,
		IssuedAt:   s.now(),
	})

	s.events.Record(ctx, &audit.Event{
		Action:     audit.ActionCodeIssued,
		IdentityID: &identity.ID,
		Username:   identity.Username,
		ClientIP:   client.IP,
		UserAgent:  client.UserAgent,
	})

	return &LoginResult{Status: StatusTwoFactorRequired}, nil
}

// VerifyCode checks the submitted code against the pending challenge.
// Wrong codes are counted per challenge; exhausting the allowance or
// letting the code expire sends the user back to the password step.
func (s *authService) VerifyCode(ctx context.Context, sess *session.Session, code string, client Client) (*LoginResult, error) {
	pending := sess.Pending
	if pending == nil {
		return nil, apperror.NewBadRequest("no sign-in verification in progress")
	}

	identity, err := s.repo.FindByID(ctx, pending.IdentityID)
	if apperror.IsNotFound(err) {
		sess.ClearPending()
		return nil, apperror.NewUnauthorized("please sign in again")
	}
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("looking up identity: %w", err))
	}
	if !identity.Active {
		sess.ClearPending()
		return nil, apperror.NewForbidden("this account is disabled")
	}

	// No challenge on the row means it was consumed or replaced, likely by
	// a later login from another device. This session's code is dead.
	if identity.TwoFactorCodeHash == nil || identity.TwoFactorExpiresAt == nil {
		sess.ClearPending()
		return nil, apperror.NewUnauthorized("verification expired, please sign in again")
	}

	if s.now().After(*identity.TwoFactorExpiresAt) {
		s.abandonChallenge(ctx, identity)
		sess.ClearPending()
		s.recordCodeRejected(ctx, identity, client, "code expired")
		return nil, apperror.NewUnauthorized("the code has expired, please sign in again")
	}

	if !validCodeShape(code) || !verifyCode(code, *identity.TwoFactorCodeHash) {
		pending.Attempts++
		if pending.Attempts >= s.opts.MaxCodeAttempts {
			s.abandonChallenge(ctx, identity)
			sess.ClearPending()
			s.recordCodeRejected(ctx, identity, client, "attempts exhausted")
			return nil, apperror.NewTooManyRequests("too many incorrect codes, please sign in again")
		}
		s.recordCodeRejected(ctx, identity, client, "wrong code")
		return nil, apperror.NewUnauthorized("incorrect code")
	}

	// Consume the challenge with a compare-and-set on its hash, so one code
	// redeems exactly once even under concurrent submissions.
	if err := s.repo.ClearTwoFactorChallenge(ctx, identity.ID, *identity.TwoFactorCodeHash); err != nil {
		if apperror.IsConflict(err) {
			sess.ClearPending()
			return nil, apperror.NewUnauthorized("verification expired, please sign in again")
		}
		return nil, apperror.NewInternal(fmt.Errorf("consuming two-factor challenge: %w", err))
	}

	s.events.Record(ctx, &audit.Event{
		Action:     audit.ActionCodeVerified,
		IdentityID: &identity.ID,
		Username:   identity.Username,
		ClientIP:   client.IP,
		UserAgent:  client.UserAgent,
	})

	return s.completeLogin(ctx, sess, identity, client)
}

// abandonChallenge clears a dead challenge from the identity row. A
// conflict just means someone else already replaced it; nothing to do.
func (s *authService) abandonChallenge(ctx context.Context, identity *Identity) {
	if identity.TwoFactorCodeHash == nil {
		return
	}
	if err := s.repo.ClearTwoFactorChallenge(ctx, identity.ID, *identity.TwoFactorCodeHash); err != nil {
		if apperror.IsConflict(err) {
			return
		}
		slog.Error("failed to clear abandoned two-factor challenge",
			slog.String("identity_id", identity.ID),
			slog.Any("error", err),
		)
	}
}

// recordCodeRejected emits the rejection event for a failed code check.
func (s *authService) recordCodeRejected(ctx context.Context, identity *Identity, client Client, detail string) {
	s.events.Record(ctx, &audit.Event{
		Action:     audit.ActionCodeRejected,
		IdentityID: &identity.ID,
		Username:   identity.Username,
		ClientIP:   client.IP,
		UserAgent:  client.UserAgent,
		Details:    detail,
	})
}

// completeLogin promotes the session to fully authenticated and rotates the
// anti-forgery token. The HTTP layer regenerates the session identifier.
func (s *authService) completeLogin(ctx context.Context, sess *session.Session, identity *Identity, client Client) (*LoginResult, error) {
	sess.CompleteLogin(&session.AuthenticatedUser{
		IdentityID: identity.ID,
		Username:   identity.Username,
		Role:       identity.Role,
		LoginAt:    s.now(),
	})
	sess.RotateCSRFToken()

	if err := s.repo.UpdateLastLogin(ctx, identity.ID); err != nil {
		slog.Error("failed to update last login",
			slog.String("identity_id", identity.ID),
			slog.Any("error", err),
		)
	}

	s.events.Record(ctx, &audit.Event{
		Action:     audit.ActionLoginSucceeded,
		IdentityID: &identity.ID,
		Username:   identity.Username,
		ClientIP:   client.IP,
		UserAgent:  client.UserAgent,
	})

	slog.Info("user logged in",
		slog.String("identity_id", identity.ID),
		slog.String("username", identity.Username),
		slog.String("role", identity.Role),
	)

	return &LoginResult{
		Status:   StatusLoggedIn,
		Username: identity.Username,
		Role:     identity.Role,
	}, nil
}

// Logout records the logout event for an authenticated session. Anonymous
// and pending sessions log out silently.
func (s *authService) Logout(ctx context.Context, sess *session.Session, client Client) {
	if sess.Auth == nil {
		return
	}

	s.events.Record(ctx, &audit.Event{
		Action:     audit.ActionLogout,
		IdentityID: &sess.Auth.IdentityID,
		Username:   sess.Auth.Username,
		ClientIP:   client.IP,
		UserAgent:  client.UserAgent,
	})

	slog.Info("user logged out",
		slog.String("identity_id", sess.Auth.IdentityID),
		slog.String("username", sess.Auth.Username),
	)
}

// FindIdentity loads an identity by ID for per-request revalidation.
func (s *authService) FindIdentity(ctx context.Context, id string) (*Identity, error) {
	return s.repo.FindByID(ctx, id)
}
