package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bellwetherhq/campus/internal/apperror"
)

// perPage is the number of events shown per page in the registrar's
// security feed.
const perPage = 50

// maxIdentityHistory caps the number of events returned for a single
// identity to prevent unbounded result sets.
const maxIdentityHistory = 100

// usernameColumnLimit truncates hostile usernames before they reach the
// log table. The column records what was typed, not what was valid.
const usernameColumnLimit = 64

// AuditService handles business logic for the security event log. It
// validates inputs, enforces limits, and delegates persistence to the
// repository.
type AuditService interface {
	Recorder

	// RecentEvents returns a paginated security feed, optionally filtered
	// by action. Returns events, total count, and any error.
	RecentEvents(ctx context.Context, action string, page int) ([]Event, int, error)

	// IdentityHistory returns the recent security events for one identity.
	IdentityHistory(ctx context.Context, identityID string) ([]Event, error)
}

// auditService implements AuditService.
type auditService struct {
	repo EventRepository
}

// NewAuditService creates a new audit service with the given repository.
func NewAuditService(repo EventRepository) AuditService {
	return &auditService{repo: repo}
}

// Record persists a security event. Fire-and-forget: a write failure is
// logged via slog and swallowed, because a broken event log must never
// block a login or a logout.
func (s *auditService) Record(ctx context.Context, event *Event) {
	if event.Action == "" {
		slog.Error("dropping security event with empty action")
		return
	}

	if len(event.Username) > usernameColumnLimit {
		event.Username = event.Username[:usernameColumnLimit]
	}

	if err := s.repo.Insert(ctx, event); err != nil {
		slog.Error("failed to write security event",
			slog.String("action", event.Action),
			slog.Any("error", err),
		)
	}
}

// RecentEvents returns the paginated security feed. Pages are 1-indexed.
// Invalid page numbers are clamped to 1.
func (s *auditService) RecentEvents(ctx context.Context, action string, page int) ([]Event, int, error) {
	if page < 1 {
		page = 1
	}

	offset := (page - 1) * perPage
	events, total, err := s.repo.ListRecent(ctx, action, perPage, offset)
	if err != nil {
		return nil, 0, apperror.NewInternal(fmt.Errorf("listing security events: %w", err))
	}

	return events, total, nil
}

// IdentityHistory returns the recent security events for one identity.
// Limited to maxIdentityHistory to prevent excessively large responses.
func (s *auditService) IdentityHistory(ctx context.Context, identityID string) ([]Event, error) {
	if identityID == "" {
		return nil, apperror.NewBadRequest("identity ID is required")
	}

	events, err := s.repo.ListByIdentity(ctx, identityID, maxIdentityHistory)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing identity security events: %w", err))
	}

	return events, nil
}
