package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bellwetherhq/campus/internal/apperror"
)

// IdentityRepository defines the data access contract for identity
// operations. All SQL lives in the concrete implementation -- no SQL leaks
// out.
type IdentityRepository interface {
	FindByUsername(ctx context.Context, username string) (*Identity, error)
	FindByID(ctx context.Context, id string) (*Identity, error)

	// UpdatePasswordHash replaces the stored password hash. Used by the
	// transparent rehash on login.
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error

	// UpdateLastLogin stamps last_login_at with the current time.
	UpdateLastLogin(ctx context.Context, id string) error

	// SetTwoFactorChallenge stores a fresh one-time code challenge, but
	// only if the stored challenge still matches priorHash (nil meaning no
	// challenge outstanding). Returns apperror.Conflict when a concurrent
	// login raced this one to the row.
	SetTwoFactorChallenge(ctx context.Context, id, codeHash string, expiresAt time.Time, priorHash *string) error

	// ClearTwoFactorChallenge consumes a challenge, but only if the stored
	// hash still matches expectedHash. Returns apperror.Conflict when the
	// challenge was already consumed or replaced.
	ClearTwoFactorChallenge(ctx context.Context, id, expectedHash string) error
}

// identityRepository implements IdentityRepository with hand-written
// MariaDB queries.
type identityRepository struct {
	db *sql.DB
}

// NewIdentityRepository creates a new identity repository backed by the
// given DB pool.
func NewIdentityRepository(db *sql.DB) IdentityRepository {
	return &identityRepository{db: db}
}

// FindByUsername retrieves an identity by its login name.
// Returns apperror.NotFound if no identity exists with this username.
func (r *identityRepository) FindByUsername(ctx context.Context, username string) (*Identity, error) {
	query := `SELECT id, username, password_hash, role, email, active,
	                 twofa_enabled, twofa_code_hash, twofa_code_expires_at,
	                 created_at, last_login_at
	          FROM identities WHERE username = ?`

	identity := &Identity{}
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&identity.ID,
		&identity.Username,
		&identity.PasswordHash,
		&identity.Role,
		&identity.Email,
		&identity.Active,
		&identity.TwoFactorEnabled,
		&identity.TwoFactorCodeHash,
		&identity.TwoFactorExpiresAt,
		&identity.CreatedAt,
		&identity.LastLoginAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("identity not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity by username: %w", err)
	}

	return identity, nil
}

// FindByID retrieves an identity by its UUID.
// Returns apperror.NotFound if no identity exists with this ID.
func (r *identityRepository) FindByID(ctx context.Context, id string) (*Identity, error) {
	query := `SELECT id, username, password_hash, role, email, active,
	                 twofa_enabled, twofa_code_hash, twofa_code_expires_at,
	                 created_at, last_login_at
	          FROM identities WHERE id = ?`

	identity := &Identity{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&identity.ID,
		&identity.Username,
		&identity.PasswordHash,
		&identity.Role,
		&identity.Email,
		&identity.Active,
		&identity.TwoFactorEnabled,
		&identity.TwoFactorCodeHash,
		&identity.TwoFactorExpiresAt,
		&identity.CreatedAt,
		&identity.LastLoginAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("identity not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity by id: %w", err)
	}

	return identity, nil
}

// UpdatePasswordHash replaces the stored password hash for an identity.
func (r *identityRepository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	query := `UPDATE identities SET password_hash = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, passwordHash, id)
	if err != nil {
		return fmt.Errorf("updating password hash: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewNotFound("identity not found")
	}

	return nil
}

// UpdateLastLogin sets the last_login_at timestamp to now for the given
// identity.
func (r *identityRepository) UpdateLastLogin(ctx context.Context, id string) error {
	query := `UPDATE identities SET last_login_at = NOW() WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}

	return nil
}

// SetTwoFactorChallenge writes a new challenge using a compare-and-set on
// the current challenge hash. The NULL-safe <=> lets a nil priorHash mean
// "only if no challenge is outstanding". Zero rows affected means another
// request changed the row first.
func (r *identityRepository) SetTwoFactorChallenge(ctx context.Context, id, codeHash string, expiresAt time.Time, priorHash *string) error {
	query := `UPDATE identities
	          SET twofa_code_hash = ?, twofa_code_expires_at = ?
	          WHERE id = ? AND twofa_code_hash <=> ?`

	result, err := r.db.ExecContext(ctx, query, codeHash, expiresAt, id, priorHash)
	if err != nil {
		return fmt.Errorf("setting two-factor challenge: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewConflict("two-factor challenge changed concurrently")
	}

	return nil
}

// ClearTwoFactorChallenge consumes a challenge with a compare-and-set on
// its hash, so a code can only be redeemed once even under concurrent
// verification requests.
func (r *identityRepository) ClearTwoFactorChallenge(ctx context.Context, id, expectedHash string) error {
	query := `UPDATE identities
	          SET twofa_code_hash = NULL, twofa_code_expires_at = NULL
	          WHERE id = ? AND twofa_code_hash = ?`

	result, err := r.db.ExecContext(ctx, query, id, expectedHash)
	if err != nil {
		return fmt.Errorf("clearing two-factor challenge: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewConflict("two-factor challenge changed concurrently")
	}

	return nil
}
