package nib

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pdsno/pdsno/pkg/model"
)

// AppendEvent inserts one immutable audit event. Every field except hmac is
// required; there is no API to change or remove an event, and the storage
// layer's triggers reject updates and deletes outright.
func (s *Store) AppendEvent(ctx context.Context, e *model.Event) error {
	return s.Transaction(ctx, func(tx *Tx) error {
		return tx.AppendEvent(ctx, e)
	})
}

// AppendEvent is the transactional form of Store.AppendEvent.
func (tx *Tx) AppendEvent(ctx context.Context, e *model.Event) error {
	if e.EventID == "" || e.EventType == "" || e.ActorID == "" || e.Timestamp.IsZero() || e.Payload == nil {
		return invalidf("event requires event_id, event_type, actor_id, timestamp, and payload")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return invalidf("encode event payload: %v", err)
	}
	_, err = tx.tx.ExecContext(ctx, tx.s.rebind(
		`INSERT INTO events (event_id, event_type, actor_id, timestamp, payload, hmac) VALUES (?, ?, ?, ?, ?, ?)`),
		e.EventID, e.EventType, e.ActorID, formatTime(e.Timestamp), string(payload), e.HMAC)
	if err != nil {
		if uniqueViolation(err) {
			return duplicatef("event %s already recorded", e.EventID)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// GetEvent returns the event or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT event_id, event_type, actor_id, timestamp, payload, hmac FROM events WHERE event_id = ?`), eventID)
	return s.scanEvent(row.Scan)
}

// EventFilter selects events for QueryEvents; zero values match everything.
type EventFilter struct {
	EventType string
	ActorID   string
	Limit     int
}

// QueryEvents returns events in insertion order, newest last.
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]*model.Event, error) {
	query := `SELECT event_id, event_type, actor_id, timestamp, payload, hmac FROM events WHERE 1=1`
	args := []any{}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, filter.ActorID)
	}
	query += ` ORDER BY timestamp, event_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Event
	for rows.Next() {
		e, err := s.scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents returns the number of events matching the filter.
func (s *Store) CountEvents(ctx context.Context, filter EventFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM events WHERE 1=1`
	args := []any{}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, filter.ActorID)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) scanEvent(scan func(dest ...any) error) (*model.Event, error) {
	var (
		e         model.Event
		timestamp string
		payload   string
	)
	if err := scan(&e.EventID, &e.EventType, &e.ActorID, &timestamp, &payload, &e.HMAC); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Timestamp = parseTime(timestamp)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		s.markDegraded(fmt.Sprintf("corrupt event payload: %v", err))
		return nil, ErrUnavailable
	}
	return &e, nil
}
