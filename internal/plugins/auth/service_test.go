package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bellwetherhq/campus/internal/apperror"
	"github.com/bellwetherhq/campus/internal/plugins/audit"
	"github.com/bellwetherhq/campus/internal/session"
)

// --- Mock Repository ---

// mockIdentityRepo implements IdentityRepository for testing.
type mockIdentityRepo struct {
	findByUsernameFn          func(ctx context.Context, username string) (*Identity, error)
	findByIDFn                func(ctx context.Context, id string) (*Identity, error)
	updatePasswordHashFn      func(ctx context.Context, id, passwordHash string) error
	updateLastLoginFn         func(ctx context.Context, id string) error
	setTwoFactorChallengeFn   func(ctx context.Context, id, codeHash string, expiresAt time.Time, priorHash *string) error
	clearTwoFactorChallengeFn func(ctx context.Context, id, expectedHash string) error
}

func (m *mockIdentityRepo) FindByUsername(ctx context.Context, username string) (*Identity, error) {
	if m.findByUsernameFn != nil {
		return m.findByUsernameFn(ctx, username)
	}
	return nil, apperror.NewNotFound("identity not found")
}

func (m *mockIdentityRepo) FindByID(ctx context.Context, id string) (*Identity, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("identity not found")
}

func (m *mockIdentityRepo) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	if m.updatePasswordHashFn != nil {
		return m.updatePasswordHashFn(ctx, id, passwordHash)
	}
	return nil
}

func (m *mockIdentityRepo) UpdateLastLogin(ctx context.Context, id string) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, id)
	}
	return nil
}

func (m *mockIdentityRepo) SetTwoFactorChallenge(ctx context.Context, id, codeHash string, expiresAt time.Time, priorHash *string) error {
	if m.setTwoFactorChallengeFn != nil {
		return m.setTwoFactorChallengeFn(ctx, id, codeHash, expiresAt, priorHash)
	}
	return nil
}

func (m *mockIdentityRepo) ClearTwoFactorChallenge(ctx context.Context, id, expectedHash string) error {
	if m.clearTwoFactorChallengeFn != nil {
		return m.clearTwoFactorChallengeFn(ctx, id, expectedHash)
	}
	return nil
}

// --- Mock Code Sender ---

// mockCodeSender implements CodeSender for testing.
type mockCodeSender struct {
	sendFn func(ctx context.Context, toAddress, toName, code string) error
	// Capture fields for assertions.
	lastAddress string
	lastCode    string
	sendCount   int
}

func (m *mockCodeSender) SendOneTimeCode(ctx context.Context, toAddress, toName, code string) error {
	m.lastAddress = toAddress
	m.lastCode = code
	m.sendCount++
	if m.sendFn != nil {
		return m.sendFn(ctx, toAddress, toName, code)
	}
	return nil
}

// --- Mock Event Recorder ---

// mockRecorder implements audit.Recorder, capturing actions in order.
type mockRecorder struct {
	actions []string
	events  []*audit.Event
}

func (m *mockRecorder) Record(_ context.Context, event *audit.Event) {
	m.actions = append(m.actions, event.Action)
	m.events = append(m.events, event)
}

func (m *mockRecorder) has(action string) bool {
	for _, a := range m.actions {
		if a == action {
			return true
		}
	}
	return false
}

// --- Test Helpers ---

// testClock is a controllable time source shared by the service and its
// limiter.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time {
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

// newTestAuthService builds an authService on mocks with a fixed clock and
// the production policy numbers.
func newTestAuthService(repo *mockIdentityRepo, sender *mockCodeSender, rec *mockRecorder, clock *testClock) *authService {
	limiter := NewLimiter(5, 15*time.Minute)
	limiter.now = clock.Now
	return &authService{
		repo:    repo,
		limiter: limiter,
		sender:  sender,
		events:  rec,
		opts: Options{
			MaxLoginAttempts: 5,
			LockoutWindow:    15 * time.Minute,
			CodeTTL:          10 * time.Minute,
			MaxCodeAttempts:  5,
		},
		now: clock.Now,
	}
}

// assertAppError checks that err is an *apperror.AppError with the expected code.
func assertAppError(t *testing.T, err error, expectedCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", expectedCode)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

// testIdentity returns an active student with the given password hashed at
// current cost parameters.
func testIdentity(t *testing.T, password string) *Identity {
	t.Helper()
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hashing test password: %v", err)
	}
	return &Identity{
		ID:           "id-alice",
		Username:     "alice",
		PasswordHash: hash,
		Role:         RoleStudent,
		Email:        "alice@campus.example",
		Active:       true,
		CreatedAt:    time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC),
	}
}

var testClient = Client{IP: "203.0.113.7", UserAgent: "Mozilla/5.0 (test)"}

// --- Login Tests ---

func TestLogin_Success(t *testing.T) {
	identity := testIdentity(t, "correct horse battery")
	lastLoginUpdated := false
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			if username != "alice" {
				t.Errorf("expected lookup for alice, got %s", username)
			}
			return identity, nil
		},
		updateLastLoginFn: func(ctx context.Context, id string) error {
			lastLoginUpdated = true
			return nil
		},
	}
	rec := &mockRecorder{}
	clock := &testClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	svc := newTestAuthService(repo, &mockCodeSender{}, rec, clock)

	sess := &session.Session{}
	oldToken := sess.EnsureCSRFToken()

	result, err := svc.Login(context.Background(), sess, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != StatusLoggedIn {
		t.Errorf("expected status %q, got %q", StatusLoggedIn, result.Status)
	}
	if sess.Auth == nil {
		t.Fatal("expected session to be authenticated")
	}
	if sess.Auth.IdentityID != "id-alice" || sess.Auth.Role != RoleStudent {
		t.Errorf("unexpected session identity: %+v", sess.Auth)
	}
	if !sess.Auth.LoginAt.Equal(clock.Now()) {
		t.Errorf("expected login time %v, got %v", clock.Now(), sess.Auth.LoginAt)
	}
	if sess.CSRFToken == oldToken {
		t.Error("expected CSRF token to rotate on login")
	}
	if !lastLoginUpdated {
		t.Error("expected last login timestamp update")
	}
	if !rec.has(audit.ActionLoginSucceeded) {
		t.Errorf("expected %s event, got %v", audit.ActionLoginSucceeded, rec.actions)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	identity := testIdentity(t, "correct horse battery")
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			return identity, nil
		},
	}
	rec := &mockRecorder{}
	clock := &testClock{t: time.Now()}
	svc := newTestAuthService(repo, &mockCodeSender{}, rec, clock)
	sess := &session.Session{}

	_, err := svc.Login(context.Background(), sess, LoginInput{
		Username: "alice",
		Password: "wrong guess",
	}, testClient)
	assertAppError(t, err, http.StatusUnauthorized)

	if remaining := svc.limiter.RemainingAttempts(sess, "alice"); remaining != 4 {
		t.Errorf("expected 4 remaining attempts, got %d", remaining)
	}
	if !rec.has(audit.ActionLoginFailed) {
		t.Errorf("expected %s event, got %v", audit.ActionLoginFailed, rec.actions)
	}
	if sess.Auth != nil {
		t.Error("expected session to stay unauthenticated")
	}
}

func TestLogin_UnknownUsernameSameRejection(t *testing.T) {
	repo := &mockIdentityRepo{}
	clock := &testClock{t: time.Now()}
	svc := newTestAuthService(repo, &mockCodeSender{}, &mockRecorder{}, clock)
	sess := &session.Session{}

	_, unknownErr := svc.Login(context.Background(), sess, LoginInput{
		Username: "nobody",
		Password: "whatever",
	}, testClient)
	assertAppError(t, unknownErr, http.StatusUnauthorized)

	identity := testIdentity(t, "correct horse battery")
	repo.findByUsernameFn = func(ctx context.Context, username string) (*Identity, error) {
		return identity, nil
	}
	_, wrongErr := svc.Login(context.Background(), sess, LoginInput{
		Username: "alice",
		Password: "wrong guess",
	}, testClient)
	assertAppError(t, wrongErr, http.StatusUnauthorized)

	// Both failures must present the identical message so the login form
	// cannot be used to probe which usernames exist.
	if apperror.SafeMessage(unknownErr) != apperror.SafeMessage(wrongErr) {
		t.Errorf("rejection messages differ: %q vs %q",
			apperror.SafeMessage(unknownErr), apperror.SafeMessage(wrongErr))
	}
}

func TestLogin_LockoutAfterMaxAttempts(t *testing.T) {
	identity := testIdentity(t, "correct horse battery")
	lookups := 0
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			lookups++
			return identity, nil
		},
	}
	rec := &mockRecorder{}
	clock := &testClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	svc := newTestAuthService(repo, &mockCodeSender{}, rec, clock)
	sess := &session.Session{}

	for i := 0; i < 5; i++ {
		_, err := svc.Login(context.Background(), sess, LoginInput{
			Username: "alice",
			Password: "wrong guess",
		}, testClient)
		assertAppError(t, err, http.StatusUnauthorized)
	}

	// Sixth attempt is rejected before the password is even checked, with
	// the correct password.
	lookupsBefore := lookups
	_, err := svc.Login(context.Background(), sess, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient)
	assertAppError(t, err, http.StatusTooManyRequests)
	if lookups != lookupsBefore {
		t.Error("expected lockout rejection before any repository access")
	}
	if !rec.has(audit.ActionLoginLockedOut) {
		t.Errorf("expected %s event, got %v", audit.ActionLoginLockedOut, rec.actions)
	}

	// One second past the lockout window the same credentials succeed.
	clock.Advance(15*time.Minute + time.Second)
	result, err := svc.Login(context.Background(), sess, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient)
	if err != nil {
		t.Fatalf("unexpected error after lockout window elapsed: %v", err)
	}
	if result.Status != StatusLoggedIn {
		t.Errorf("expected status %q, got %q", StatusLoggedIn, result.Status)
	}
}

func TestLogin_InactiveAccount(t *testing.T) {
	identity := testIdentity(t, "correct horse battery")
	identity.Active = false
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			return identity, nil
		},
	}
	clock := &testClock{t: time.Now()}
	svc := newTestAuthService(repo, &mockCodeSender{}, &mockRecorder{}, clock)
	sess := &session.Session{}

	_, err := svc.Login(context.Background(), sess, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient)
	assertAppError(t, err, http.StatusForbidden)

	// A correct password against an inactive account is not a failed
	// attempt; the limiter record must be clear.
	if remaining := svc.limiter.RemainingAttempts(sess, "alice"); remaining != 5 {
		t.Errorf("expected 5 remaining attempts, got %d", remaining)
	}
}

func TestLogin_RehashOnLogin(t *testing.T) {
	// A hash stored with outdated cost parameters verifies and is then
	// transparently replaced with one at current parameters.
	identity := testIdentity(t, "correct horse battery")
	identity.PasswordHash = legacyHash(t, "correct horse battery")

	var storedHash string
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			return identity, nil
		},
		updatePasswordHashFn: func(ctx context.Context, id, passwordHash string) error {
			storedHash = passwordHash
			return nil
		},
	}
	clock := &testClock{t: time.Now()}
	svc := newTestAuthService(repo, &mockCodeSender{}, &mockRecorder{}, clock)

	_, err := svc.Login(context.Background(), &session.Session{}, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if storedHash == "" {
		t.Fatal("expected a replacement hash to be stored")
	}
	if needsRehash(storedHash) {
		t.Error("replacement hash still has outdated parameters")
	}
	if !verifyPassword("correct horse battery", storedHash) {
		t.Error("replacement hash does not verify the password")
	}
}

func TestLogin_FreshHashNotRewritten(t *testing.T) {
	identity := testIdentity(t, "correct horse battery")
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			return identity, nil
		},
		updatePasswordHashFn: func(ctx context.Context, id, passwordHash string) error {
			t.Error("unexpected password hash rewrite for a current-parameter hash")
			return nil
		},
	}
	clock := &testClock{t: time.Now()}
	svc := newTestAuthService(repo, &mockCodeSender{}, &mockRecorder{}, clock)

	if _, err := svc.Login(context.Background(), &session.Session{}, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Two-Factor Tests ---

func TestLogin_TwoFactorIssuesCode(t *testing.T) {
	identity := testIdentity(t, "correct horse battery")
	identity.TwoFactorEnabled = true

	var storedCodeHash string
	var storedExpiry time.Time
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			return identity, nil
		},
		setTwoFactorChallengeFn: func(ctx context.Context, id, codeHash string, expiresAt time.Time, priorHash *string) error {
			if priorHash != nil {
				t.Errorf("expected nil prior hash for first challenge, got %q", *priorHash)
			}
			storedCodeHash = codeHash
			storedExpiry = expiresAt
			return nil
		},
	}
	sender := &mockCodeSender{}
	rec := &mockRecorder{}
	clock := &testClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	svc := newTestAuthService(repo, sender, rec, clock)
	sess := &session.Session{}

	result, err := svc.Login(context.Background(), sess, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != StatusTwoFactorRequired {
		t.Fatalf("expected status %q, got %q", StatusTwoFactorRequired, result.Status)
	}
	if sess.Auth != nil {
		t.Error("session must not be authenticated before code verification")
	}
	if sess.Pending == nil || sess.Pending.IdentityID != "id-alice" {
		t.Fatalf("expected pending verification for id-alice, got %+v", sess.Pending)
	}

	if sender.sendCount != 1 || sender.lastAddress != "alice@campus.example" {
		t.Errorf("expected one code email to alice@campus.example, got %d to %q", sender.sendCount, sender.lastAddress)
	}
	if !validCodeShape(sender.lastCode) {
		t.Errorf("expected a 6-digit code, got %q", sender.lastCode)
	}
	if strings.Contains(storedCodeHash, sender.lastCode) {
		t.Error("stored challenge must not contain the plaintext code")
	}
	if !verifyCode(sender.lastCode, storedCodeHash) {
		t.Error("stored challenge hash does not verify the emailed code")
	}
	if want := clock.Now().Add(10 * time.Minute).UTC(); !storedExpiry.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, storedExpiry)
	}
	if !rec.has(audit.ActionCodeIssued) {
		t.Errorf("expected %s event, got %v", audit.ActionCodeIssued, rec.actions)
	}
}

func TestLogin_TwoFactorConcurrentLoginConflict(t *testing.T) {
	identity := testIdentity(t, "correct horse battery")
	identity.TwoFactorEnabled = true
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			return identity, nil
		},
		setTwoFactorChallengeFn: func(ctx context.Context, id, codeHash string, expiresAt time.Time, priorHash *string) error {
			return apperror.NewConflict("two-factor challenge changed concurrently")
		},
	}
	clock := &testClock{t: time.Now()}
	svc := newTestAuthService(repo, &mockCodeSender{}, &mockRecorder{}, clock)

	_, err := svc.Login(context.Background(), &session.Session{}, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient)
	assertAppError(t, err, http.StatusConflict)
}

func TestLogin_TwoFactorMailFailureStillPending(t *testing.T) {
	// Delivery trouble must not fail the login step; the user can retry
	// from the verification page or restart the login.
	identity := testIdentity(t, "correct horse battery")
	identity.TwoFactorEnabled = true
	repo := &mockIdentityRepo{
		findByUsernameFn: func(ctx context.Context, username string) (*Identity, error) {
			return identity, nil
		},
	}
	sender := &mockCodeSender{
		sendFn: func(ctx context.Context, toAddress, toName, code string) error {
			return errors.New("all mail transports failed")
		},
	}
	clock := &testClock{t: time.Now()}
	svc := newTestAuthService(repo, sender, &mockRecorder{}, clock)
	sess := &session.Session{}

	result, err := svc.Login(context.Background(), sess, LoginInput{
		Username: "alice",
		Password: "correct horse battery",
	}, testClient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusTwoFactorRequired {
		t.Errorf("expected status %q, got %q", StatusTwoFactorRequired, result.Status)
	}
	if sess.Pending == nil {
		t.Error("expected pending verification to survive a delivery failure")
	}
}

// pendingFixture returns an identity with an outstanding challenge for
// code plus a session parked on it.
func pendingFixture(t *testing.T, code string, clock *testClock) (*Identity, *session.Session) {
	t.Helper()
	identity := testIdentity(t, "correct horse battery")
	identity.TwoFactorEnabled = true

	codeHash, err := hashCode(code)
	if err != nil {
		t.Fatalf("hashing test code: %v", err)
	}
	expiresAt := clock.Now().Add(10 * time.Minute).UTC()
	identity.TwoFactorCodeHash = &codeHash
	identity.TwoFactorExpiresAt = &expiresAt

	sess := &session.Session{}
	sess.BeginTwoFactor(&session.PendingTwoFactor{
		IdentityID: identity.ID,
		Username:   identity.Username,
		Role:       identity.Role,
		IssuedAt:   clock.Now(),
	})
	return identity, sess
}

func TestVerifyCode_Success(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	identity, sess := pendingFixture(t, "428519", clock)

	cleared := false
	repo := &mockIdentityRepo{
		findByIDFn: func(ctx context.Context, id string) (*Identity, error) {
			return identity, nil
		},
		clearTwoFactorChallengeFn: func(ctx context.Context, id, expectedHash string) error {
			if expectedHash != *identity.TwoFactorCodeHash {
				t.Error("challenge cleared with a different hash than was read")
			}
			cleared = true
			return nil
		},
	}
	rec := &mockRecorder{}
	svc := newTestAuthService(repo, &mockCodeSender{}, rec, clock)

	result, err := svc.VerifyCode(context.Background(), sess, "428519", testClient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != StatusLoggedIn {
		t.Errorf("expected status %q, got %q", StatusLoggedIn, result.Status)
	}
	if sess.Auth == nil || sess.Auth.IdentityID != "id-alice" {
		t.Errorf("expected authenticated session for id-alice, got %+v", sess.Auth)
	}
	if sess.Pending != nil {
		t.Error("expected pending state to be cleared")
	}
	if !cleared {
		t.Error("expected challenge to be consumed")
	}
	if !rec.has(audit.ActionCodeVerified) || !rec.has(audit.ActionLoginSucceeded) {
		t.Errorf("expected verification and login events, got %v", rec.actions)
	}
}

func TestVerifyCode_WrongCodeCountsAttempts(t *testing.T) {
	clock := &testClock{t: time.Now()}
	identity, sess := pendingFixture(t, "428519", clock)

	challengeCleared := false
	repo := &mockIdentityRepo{
		findByIDFn: func(ctx context.Context, id string) (*Identity, error) {
			return identity, nil
		},
		clearTwoFactorChallengeFn: func(ctx context.Context, id, expectedHash string) error {
			challengeCleared = true
			return nil
		},
	}
	rec := &mockRecorder{}
	svc := newTestAuthService(repo, &mockCodeSender{}, rec, clock)

	// Four wrong codes: still pending, attempts counted.
	for i := 0; i < 4; i++ {
		_, err := svc.VerifyCode(context.Background(), sess, "000000", testClient)
		assertAppError(t, err, http.StatusUnauthorized)
	}
	if sess.Pending == nil || sess.Pending.Attempts != 4 {
		t.Fatalf("expected 4 counted attempts, got %+v", sess.Pending)
	}
	if challengeCleared {
		t.Fatal("challenge must survive until the allowance is exhausted")
	}

	// Fifth wrong code exhausts the allowance: back to the password step.
	_, err := svc.VerifyCode(context.Background(), sess, "000000", testClient)
	assertAppError(t, err, http.StatusTooManyRequests)
	if sess.Pending != nil {
		t.Error("expected pending state to be abandoned")
	}
	if !challengeCleared {
		t.Error("expected challenge to be cleared after exhausting attempts")
	}

	// The correct code is now worthless without a fresh login.
	_, err = svc.VerifyCode(context.Background(), sess, "428519", testClient)
	assertAppError(t, err, http.StatusBadRequest)
}

func TestVerifyCode_Expired(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	identity, sess := pendingFixture(t, "428519", clock)

	repo := &mockIdentityRepo{
		findByIDFn: func(ctx context.Context, id string) (*Identity, error) {
			return identity, nil
		},
	}
	svc := newTestAuthService(repo, &mockCodeSender{}, &mockRecorder{}, clock)

	// One second past the code's lifetime, even the correct code fails.
	clock.Advance(10*time.Minute + time.Second)
	_, err := svc.VerifyCode(context.Background(), sess, "428519", testClient)
	assertAppError(t, err, http.StatusUnauthorized)
	if sess.Pending != nil {
		t.Error("expected pending state to be cleared for an expired code")
	}
}

func TestVerifyCode_NoPendingVerification(t *testing.T) {
	clock := &testClock{t: time.Now()}
	svc := newTestAuthService(&mockIdentityRepo{}, &mockCodeSender{}, &mockRecorder{}, clock)

	_, err := svc.VerifyCode(context.Background(), &session.Session{}, "123456", testClient)
	assertAppError(t, err, http.StatusBadRequest)
}

func TestVerifyCode_ChallengeConsumedConcurrently(t *testing.T) {
	clock := &testClock{t: time.Now()}
	identity, sess := pendingFixture(t, "428519", clock)

	repo := &mockIdentityRepo{
		findByIDFn: func(ctx context.Context, id string) (*Identity, error) {
			return identity, nil
		},
		clearTwoFactorChallengeFn: func(ctx context.Context, id, expectedHash string) error {
			// A concurrent verification consumed the challenge first.
			return apperror.NewConflict("two-factor challenge changed concurrently")
		},
	}
	svc := newTestAuthService(repo, &mockCodeSender{}, &mockRecorder{}, clock)

	_, err := svc.VerifyCode(context.Background(), sess, "428519", testClient)
	assertAppError(t, err, http.StatusUnauthorized)
	if sess.Pending != nil {
		t.Error("expected pending state to be cleared after losing the race")
	}
	if sess.Auth != nil {
		t.Error("losing the consume race must not authenticate the session")
	}
}

func TestVerifyCode_AccountDeactivatedMidFlow(t *testing.T) {
	clock := &testClock{t: time.Now()}
	identity, sess := pendingFixture(t, "428519", clock)
	identity.Active = false

	repo := &mockIdentityRepo{
		findByIDFn: func(ctx context.Context, id string) (*Identity, error) {
			return identity, nil
		},
	}
	svc := newTestAuthService(repo, &mockCodeSender{}, &mockRecorder{}, clock)

	_, err := svc.VerifyCode(context.Background(), sess, "428519", testClient)
	assertAppError(t, err, http.StatusForbidden)
	if sess.Pending != nil {
		t.Error("expected pending state to be cleared for a deactivated account")
	}
}

// --- Logout Tests ---

func TestLogout_RecordsEvent(t *testing.T) {
	clock := &testClock{t: time.Now()}
	rec := &mockRecorder{}
	svc := newTestAuthService(&mockIdentityRepo{}, &mockCodeSender{}, rec, clock)

	sess := &session.Session{}
	sess.CompleteLogin(&session.AuthenticatedUser{
		IdentityID: "id-alice",
		Username:   "alice",
		Role:       RoleStudent,
		LoginAt:    clock.Now(),
	})

	svc.Logout(context.Background(), sess, testClient)
	if !rec.has(audit.ActionLogout) {
		t.Errorf("expected %s event, got %v", audit.ActionLogout, rec.actions)
	}
}

func TestLogout_AnonymousSessionSilent(t *testing.T) {
	clock := &testClock{t: time.Now()}
	rec := &mockRecorder{}
	svc := newTestAuthService(&mockIdentityRepo{}, &mockCodeSender{}, rec, clock)

	svc.Logout(context.Background(), &session.Session{}, testClient)
	if len(rec.actions) != 0 {
		t.Errorf("expected no events for anonymous logout, got %v", rec.actions)
	}
}
