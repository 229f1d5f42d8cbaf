package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jarrod-lowe/jmap-service-sync/internal/webhookevent"
)

// Events is a webhookevent.Store.
type Events struct {
	db *sqlx.DB
}

type eventRow struct {
	ExternalEventID string `db:"external_event_id"`
	AccountID       string `db:"account_id"`
	EventType       string `db:"event_type"`
	Payload         string `db:"payload"`
	ReceivedAt      int64  `db:"received_at"`
	Processed       bool   `db:"processed"`
	ProcessedAt     int64  `db:"processed_at"`
	Attempts        int    `db:"attempts"`
	LastError       string `db:"last_error"`
	DeadLettered    bool   `db:"dead_lettered"`
	ExpiresAt       int64  `db:"expires_at"`
}

func (r eventRow) toEvent() *webhookevent.Event {
	ev := &webhookevent.Event{
		ExternalEventID: r.ExternalEventID,
		AccountID:       r.AccountID,
		EventType:       r.EventType,
		ReceivedAt:      fromNanos(r.ReceivedAt),
		Processed:       r.Processed,
		ProcessedAt:     fromNanos(r.ProcessedAt),
		Attempts:        r.Attempts,
		LastError:       r.LastError,
		DeadLettered:    r.DeadLettered,
		ExpiresAt:       fromNanos(r.ExpiresAt),
	}
	if r.Payload != "" {
		ev.Payload = []byte(r.Payload)
	}
	return ev
}

// Insert records a new event. An event with the same external id yields
// webhookevent.ErrDuplicate and leaves the stored row untouched.
func (e *Events) Insert(ctx context.Context, ev *webhookevent.Event) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO webhook_events (
			external_event_id, account_id, event_type, payload, received_at,
			processed, processed_at, attempts, last_error, dead_lettered, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ExternalEventID, ev.AccountID, ev.EventType, string(ev.Payload), toNanos(ev.ReceivedAt),
		boolInt(ev.Processed), toNanos(ev.ProcessedAt), ev.Attempts, ev.LastError,
		boolInt(ev.DeadLettered), toNanos(ev.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return webhookevent.ErrDuplicate
		}
		return fmt.Errorf("inserting webhook event %s: %w", ev.ExternalEventID, err)
	}
	return nil
}

// Get retrieves an event by its external id.
func (e *Events) Get(ctx context.Context, id string) (*webhookevent.Event, error) {
	var row eventRow
	err := e.db.GetContext(ctx, &row, "SELECT * FROM webhook_events WHERE external_event_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhookevent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting webhook event %s: %w", id, err)
	}
	return row.toEvent(), nil
}

// MarkProcessed flags a pending event as applied.
func (e *Events) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := e.db.ExecContext(ctx,
		"UPDATE webhook_events SET processed = 1, processed_at = ? WHERE external_event_id = ? AND processed = 0",
		toNanos(at), id)
	if err != nil {
		return fmt.Errorf("marking webhook event %s processed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := e.Get(ctx, id); err != nil {
			return err
		}
		return webhookevent.ErrAlreadyProcessed
	}
	return nil
}

// RecordFailure stores the outcome of a failed application attempt.
func (e *Events) RecordFailure(ctx context.Context, id, reason string, attempts int, deadLetter bool) error {
	res, err := e.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET attempts = ?, last_error = ?, dead_lettered = MAX(dead_lettered, ?)
		WHERE external_event_id = ?`,
		attempts, reason, boolInt(deadLetter), id)
	if err != nil {
		return fmt.Errorf("recording webhook event %s failure: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhookevent.ErrNotFound
	}
	return nil
}

// ListUnprocessed returns up to limit pending events received before the
// given time, oldest first. A non-nil after resumes the listing past that
// event. A limit of zero means no limit.
func (e *Events) ListUnprocessed(ctx context.Context, receivedBefore time.Time, after *webhookevent.Event, limit int) ([]*webhookevent.Event, error) {
	query := `
		SELECT * FROM webhook_events
		WHERE processed = 0 AND dead_lettered = 0 AND received_at < ?`
	args := []any{toNanos(receivedBefore)}
	if after != nil {
		query += ` AND (received_at > ? OR (received_at = ? AND external_event_id > ?))`
		at := toNanos(after.ReceivedAt)
		args = append(args, at, at, after.ExternalEventID)
	}
	query += ` ORDER BY received_at, external_event_id`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []eventRow
	if err := e.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing pending webhook events: %w", err)
	}
	events := make([]*webhookevent.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toEvent())
	}
	return events, nil
}

// PurgeExpired deletes events whose retention has lapsed and reports how
// many were removed.
func (e *Events) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := e.db.ExecContext(ctx, "DELETE FROM webhook_events WHERE expires_at <= ?", toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("purging expired webhook events: %w", err)
	}
	return res.RowsAffected()
}
