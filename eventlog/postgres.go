package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrGr33n98/marketauth"
)

// Querier is the subset of pgxpool.Pool the store needs. pgxmock
// satisfies it, so tests run without a database.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store appends and queries security events.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

// Schema returns the DDL for the security_events table. Callers run it
// through their migration tooling; the store never executes it itself.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS security_events (
	id          UUID PRIMARY KEY,
	event_type  TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT '',
	success     BOOLEAN NOT NULL,
	ip_address  TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	details     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_events_user ON security_events (user_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events (event_type, occurred_at DESC);
`
}

const insertEventSQL = `
		INSERT INTO security_events (
			id, event_type, user_id, email, success,
			ip_address, user_agent, error, details, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Append writes one event. Rows are immutable once written.
func (s *Store) Append(ctx context.Context, event marketauth.SecurityEvent) error {
	var details []byte
	if len(event.Details) > 0 {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, insertEventSQL,
		event.ID, string(event.Type), event.UserID, event.Email, event.Success,
		event.IPAddress, event.UserAgent, event.Error, details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

const selectEventSQL = `
		SELECT id, event_type, user_id, email, success,
		       ip_address, user_agent, error, details, occurred_at
		FROM security_events`

// ListByUser returns the newest events for one account, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]marketauth.SecurityEvent, error) {
	rows, err := s.db.Query(ctx, selectEventSQL+`
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list events by user: %w", err)
	}
	return scanEvents(rows)
}

// ListByType returns the newest events of one type, newest first.
func (s *Store) ListByType(ctx context.Context, eventType marketauth.EventType, limit int) ([]marketauth.SecurityEvent, error) {
	rows, err := s.db.Query(ctx, selectEventSQL+`
		WHERE event_type = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, string(eventType), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list events by type: %w", err)
	}
	return scanEvents(rows)
}

// ListByRange returns events in [from, to), oldest first, for export jobs.
func (s *Store) ListByRange(ctx context.Context, from, to time.Time, limit int) ([]marketauth.SecurityEvent, error) {
	rows, err := s.db.Query(ctx, selectEventSQL+`
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at ASC
		LIMIT $3`, from, to, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list events by range: %w", err)
	}
	return scanEvents(rows)
}

// CountFailures returns the number of failed events of one type for a
// user since the given time. Feed for anomaly dashboards.
func (s *Store) CountFailures(ctx context.Context, userID string, eventType marketauth.EventType, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE user_id = $1 AND event_type = $2 AND success = FALSE AND occurred_at >= $3`,
		userID, string(eventType), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

func scanEvents(rows pgx.Rows) ([]marketauth.SecurityEvent, error) {
	defer rows.Close()

	var events []marketauth.SecurityEvent
	for rows.Next() {
		var (
			event   marketauth.SecurityEvent
			typ     string
			details []byte
		)
		err := rows.Scan(&event.ID, &typ, &event.UserID, &event.Email, &event.Success,
			&event.IPAddress, &event.UserAgent, &event.Error, &details, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		event.Type = marketauth.EventType(typ)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read security events: %w", err)
	}
	return events, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
