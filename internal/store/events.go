// ABOUTME: Ledger events recording every prompt, reply, command and context forward
// ABOUTME: Supports per-conversation listing, per-session listing, and retention pruning

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrEventNotFound is returned when a requested event does not exist.
var ErrEventNotFound = errors.New("event not found")

// EventDirection says whether an event came from chat or went to it.
type EventDirection string

const (
	EventDirectionInbound  EventDirection = "inbound"
	EventDirectionOutbound EventDirection = "outbound"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeMessage EventType = "message"
	EventTypeCommand EventType = "command"
	EventTypeContext EventType = "context"
	EventTypeHistory EventType = "history"
	EventTypeError   EventType = "error"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000Z"

const maxListLimit = 500

// LedgerEvent is one recorded exchange step.
type LedgerEvent struct {
	ID              string
	ConversationKey string // identity key, e.g. "feishu-group-oc_123"
	SessionID       *string
	ChatID          *string
	Direction       EventDirection
	Author          string // platform user id, or "bot"
	Timestamp       time.Time
	Type            EventType
	Text            *string
	Outcome         *string
	Duration        time.Duration
}

const eventColumns = `event_id, conversation_key, session_id, chat_id, direction, author,
	timestamp, type, text, outcome, duration_ms`

// SaveEvent persists a ledger event.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *LedgerEvent) error {
	query := `INSERT INTO ledger_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ConversationKey,
		event.SessionID,
		event.ChatID,
		string(event.Direction),
		event.Author,
		formatTime(event.Timestamp),
		string(event.Type),
		event.Text,
		event.Outcome,
		event.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved ledger event",
		"event_id", event.ID,
		"conversation_key", event.ConversationKey,
		"type", event.Type,
	)
	return nil
}

// GetEvent retrieves a single event by ID.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*LedgerEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM ledger_events WHERE event_id = ?`

	event, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return event, nil
}

// ListEventsByConversation returns the newest limit events of a conversation,
// oldest first.
func (s *SQLiteStore) ListEventsByConversation(ctx context.Context, conversationKey string, limit int) ([]*LedgerEvent, error) {
	query := `
		SELECT * FROM (
			SELECT ` + eventColumns + `, rowid AS seq
			FROM ledger_events
			WHERE conversation_key = ?
			ORDER BY timestamp DESC, seq DESC
			LIMIT ?
		) ORDER BY timestamp ASC, seq ASC
	`
	return s.queryEvents(ctx, query, conversationKey, clampLimit(limit))
}

// ListEventsBySession returns events of a backend session, oldest first.
func (s *SQLiteStore) ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]*LedgerEvent, error) {
	query := `
		SELECT ` + eventColumns + `, rowid AS seq
		FROM ledger_events
		WHERE session_id = ?
		ORDER BY timestamp ASC, seq ASC
		LIMIT ?
	`
	return s.queryEvents(ctx, query, sessionID, clampLimit(limit))
}

// PruneBefore deletes events older than cutoff and reports how many.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger_events WHERE timestamp < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned ledger events", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// CountEvents reports the number of stored events.
func (s *SQLiteStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return min(limit, maxListLimit)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, extra ...any) (*LedgerEvent, error) {
	event := &LedgerEvent{}
	var timestampStr, direction, eventType string
	var durationMS sql.NullInt64

	dest := []any{
		&event.ID,
		&event.ConversationKey,
		&event.SessionID,
		&event.ChatID,
		&direction,
		&event.Author,
		&timestampStr,
		&eventType,
		&event.Text,
		&event.Outcome,
		&durationMS,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	event.Direction = EventDirection(direction)
	event.Type = EventType(eventType)
	event.Duration = time.Duration(durationMS.Int64) * time.Millisecond

	ts, err := time.Parse(timeLayout, timestampStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	event.Timestamp = ts
	return event, nil
}

// queryEvents runs a query whose rows are eventColumns followed by a sequence column.
func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*LedgerEvent
	for rows.Next() {
		var seq int64
		event, err := scanEvent(rows, &seq)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}
