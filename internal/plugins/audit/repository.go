package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventRepository defines the data access contract for the security event
// log. All SQL lives in the concrete implementation -- no SQL leaks out.
type EventRepository interface {
	// Insert persists a new security event.
	Insert(ctx context.Context, event *Event) error

	// ListRecent returns paginated security events, most recent first,
	// optionally filtered by action. Returns the events, total count (for
	// pagination), and any error.
	ListRecent(ctx context.Context, action string, limit, offset int) ([]Event, int, error)

	// ListByIdentity returns the most recent events for one identity.
	ListByIdentity(ctx context.Context, identityID string, limit int) ([]Event, error)
}

// eventRepository implements EventRepository with MariaDB queries.
type eventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new repository backed by the given DB pool.
func NewEventRepository(db *sql.DB) EventRepository {
	return &eventRepository{db: db}
}

// Insert persists a new security event, stamping CreatedAt if the caller
// left it zero.
func (r *eventRepository) Insert(ctx context.Context, event *Event) error {
	query := `INSERT INTO security_events (action, identity_id, username, client_ip, user_agent, details, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, query,
		event.Action, event.IdentityID, event.Username,
		event.ClientIP, event.UserAgent, event.Details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting security event id: %w", err)
	}
	event.ID = id

	return nil
}

// ListRecent returns security events ordered by most recent first. An
// empty action matches everything.
func (r *eventRepository) ListRecent(ctx context.Context, action string, limit, offset int) ([]Event, int, error) {
	countQuery := `SELECT COUNT(*) FROM security_events WHERE (? = '' OR action = ?)`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, action, action).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting security events: %w", err)
	}

	query := `SELECT id, action, identity_id, username, client_ip, user_agent, details, created_at
	          FROM security_events
	          WHERE (? = '' OR action = ?)
	          ORDER BY created_at DESC, id DESC
	          LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing security events: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// ListByIdentity returns the most recent events for one identity.
func (r *eventRepository) ListByIdentity(ctx context.Context, identityID string, limit int) ([]Event, error) {
	query := `SELECT id, action, identity_id, username, client_ip, user_agent, details, created_at
	          FROM security_events
	          WHERE identity_id = ?
	          ORDER BY created_at DESC, id DESC
	          LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing identity security events: %w", err)
	}
	defer rows.Close()

	return scanEventRows(rows)
}

// scanEventRows scans rows from a security_events query into Event slices.
// Expects columns: id, action, identity_id, username, client_ip,
// user_agent, details, created_at.
func scanEventRows(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var identityID, username, clientIP, userAgent, details sql.NullString
		if err := rows.Scan(
			&e.ID, &e.Action, &identityID, &username,
			&clientIP, &userAgent, &details, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}

		if identityID.Valid {
			e.IdentityID = &identityID.String
		}
		e.Username = username.String
		e.ClientIP = clientIP.String
		e.UserAgent = userAgent.String
		e.Details = details.String

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security event rows: %w", err)
	}

	return events, nil
}
