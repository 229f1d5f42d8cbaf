package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

// States is a syncstate.Store.
type States struct {
	db *sqlx.DB
}

type stateRow struct {
	AccountID         string `db:"account_id"`
	Cursor            string `db:"cursor"`
	Status            string `db:"status"`
	SyncedCount       int64  `db:"synced_count"`
	TotalCount        int64  `db:"total_count"`
	ContinuationCount int    `db:"continuation_count"`
	MaxContinuations  int    `db:"max_continuations"`
	LastActivityAt    int64  `db:"last_activity_at"`
	LastError         string `db:"last_error"`
	LastErrorKind     string `db:"last_error_kind"`
	RetryCount        int    `db:"retry_count"`
	WebhookID         string `db:"webhook_id"`
	WebhookStatus     string `db:"webhook_status"`
	SuppressWebhooks  bool   `db:"suppress_webhooks"`
	RunID             string `db:"run_id"`
	LeaseID           string `db:"lease_id"`
	LeaseExpiresAt    int64  `db:"lease_expires_at"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (r stateRow) toState() *syncstate.MailboxSyncState {
	st := &syncstate.MailboxSyncState{
		AccountID:         r.AccountID,
		Cursor:            r.Cursor,
		Status:            syncstate.Status(r.Status),
		SyncedCount:       r.SyncedCount,
		TotalCount:        r.TotalCount,
		ContinuationCount: r.ContinuationCount,
		MaxContinuations:  r.MaxContinuations,
		LastActivityAt:    fromNanos(r.LastActivityAt),
		LastError:         r.LastError,
		LastErrorKind:     syncstate.ErrorKind(r.LastErrorKind),
		RetryCount:        r.RetryCount,
		WebhookID:         r.WebhookID,
		WebhookStatus:     syncstate.WebhookStatus(r.WebhookStatus),
		SuppressWebhooks:  r.SuppressWebhooks,
		RunID:             r.RunID,
		LeaseID:           r.LeaseID,
		CreatedAt:         fromNanos(r.CreatedAt),
		UpdatedAt:         fromNanos(r.UpdatedAt),
	}
	if r.LeaseExpiresAt != 0 {
		st.LeaseExpiresAt = time.Unix(r.LeaseExpiresAt, 0).UTC()
	}
	return st
}

// Create stores a new sync state.
func (s *States) Create(ctx context.Context, st *syncstate.MailboxSyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_states (
			account_id, cursor, status, synced_count, total_count,
			continuation_count, max_continuations, last_activity_at,
			last_error, last_error_kind, retry_count,
			webhook_id, webhook_status, suppress_webhooks, run_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.AccountID, st.Cursor, string(st.Status), st.SyncedCount, st.TotalCount,
		st.ContinuationCount, st.MaxContinuations, toNanos(st.LastActivityAt),
		st.LastError, string(st.LastErrorKind), st.RetryCount,
		st.WebhookID, string(st.WebhookStatus), boolInt(st.SuppressWebhooks), st.RunID,
		toNanos(st.CreatedAt), toNanos(st.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return syncstate.ErrAlreadyExists
		}
		return fmt.Errorf("creating sync state %s: %w", st.AccountID, err)
	}
	return nil
}

// Get retrieves the sync state for an account.
func (s *States) Get(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM sync_states WHERE account_id = ?", accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncstate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync state %s: %w", accountID, err)
	}
	return row.toState(), nil
}

// AcquireLease claims the tick lease while the account is syncing and no
// unexpired lease is held.
func (s *States) AcquireLease(ctx context.Context, accountID, leaseID string, now, expiresAt time.Time) (*syncstate.MailboxSyncState, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_states
		SET lease_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE account_id = ?
		  AND status IN (?, ?)
		  AND (lease_id = '' OR lease_expires_at < ?)`,
		leaseID, expiresAt.Unix(), toNanos(now),
		accountID,
		string(syncstate.StatusInitialSyncing), string(syncstate.StatusBackgroundSyncing),
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("acquiring lease for %s: %w", accountID, err)
	}

	current, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return current, nil
	}
	if !current.Status.IsSyncing() {
		return current, syncstate.ErrNotSyncing
	}
	return current, syncstate.ErrLeaseHeld
}

// Save persists tick-owned fields while heldLeaseID still owns the lease.
// An empty st.LeaseID releases it.
func (s *States) Save(ctx context.Context, st *syncstate.MailboxSyncState, heldLeaseID string) error {
	var leaseExpires int64
	if st.LeaseID != "" {
		leaseExpires = st.LeaseExpiresAt.Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_states SET
			cursor = ?, status = ?, synced_count = ?, total_count = ?,
			continuation_count = ?, last_activity_at = ?,
			last_error = ?, last_error_kind = ?, retry_count = ?,
			suppress_webhooks = ?, updated_at = ?,
			lease_id = ?, lease_expires_at = ?
		WHERE account_id = ? AND lease_id = ? AND lease_id != ''`,
		st.Cursor, string(st.Status), st.SyncedCount, st.TotalCount,
		st.ContinuationCount, toNanos(st.LastActivityAt),
		st.LastError, string(st.LastErrorKind), st.RetryCount,
		boolInt(st.SuppressWebhooks), toNanos(st.UpdatedAt),
		st.LeaseID, leaseExpires,
		st.AccountID, heldLeaseID,
	)
	if err != nil {
		return fmt.Errorf("saving sync state %s: %w", st.AccountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncstate.ErrLeaseLost
	}
	return nil
}

// TouchActivity bumps lastActivityAt.
func (s *States) TouchActivity(ctx context.Context, accountID string, at time.Time) error {
	return s.updateExisting(ctx, accountID,
		"last_activity_at = ?, updated_at = ?", toNanos(at), toNanos(at))
}

// BeginBackgroundSync starts a new incremental run on an idle account.
func (s *States) BeginBackgroundSync(ctx context.Context, accountID, runID string, now time.Time) (*syncstate.MailboxSyncState, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_states SET
			status = ?, continuation_count = 0, retry_count = 0, run_id = ?,
			last_activity_at = ?, updated_at = ?, last_error = '', last_error_kind = ''
		WHERE account_id = ? AND status = ?`,
		string(syncstate.StatusBackgroundSyncing), runID,
		toNanos(now), toNanos(now),
		accountID, string(syncstate.StatusIdle),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning sync for %s: %w", accountID, err)
	}
	current, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return current, syncstate.ErrStatusConflict
	}
	return current, nil
}

// ResetForResume moves the account to BackgroundSyncing in a fresh run,
// clearing errors and any lease, leaving the cursor untouched.
func (s *States) ResetForResume(ctx context.Context, accountID, runID string, now time.Time) (*syncstate.MailboxSyncState, error) {
	err := s.updateExisting(ctx, accountID, `
		status = ?, retry_count = 0, continuation_count = 0, run_id = ?,
		last_activity_at = ?, updated_at = ?, last_error = '', last_error_kind = '',
		lease_id = '', lease_expires_at = 0`,
		string(syncstate.StatusBackgroundSyncing), runID, toNanos(now), toNanos(now))
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, accountID)
}

// ResetCursor discards the cursor and all counters and leaves the account
// Idle.
func (s *States) ResetCursor(ctx context.Context, accountID string, now time.Time) (*syncstate.MailboxSyncState, error) {
	err := s.updateExisting(ctx, accountID, `
		status = ?, cursor = '', synced_count = 0, total_count = 0,
		continuation_count = 0, retry_count = 0, suppress_webhooks = 0,
		updated_at = ?, last_error = '', last_error_kind = '',
		lease_id = '', lease_expires_at = 0`,
		string(syncstate.StatusIdle), toNanos(now))
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, accountID)
}

// SetWebhook records the provider push subscription.
func (s *States) SetWebhook(ctx context.Context, accountID, webhookID string, status syncstate.WebhookStatus, now time.Time) error {
	return s.updateExisting(ctx, accountID,
		"webhook_id = ?, webhook_status = ?, updated_at = ?",
		webhookID, string(status), toNanos(now))
}

// Delete removes the sync state. Deleting a missing record is not an error.
func (s *States) Delete(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_states WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("deleting sync state %s: %w", accountID, err)
	}
	return nil
}

func (s *States) updateExisting(ctx context.Context, accountID, set string, args ...any) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_states SET "+set+" WHERE account_id = ?",
		append(args, accountID)...)
	if err != nil {
		return fmt.Errorf("updating sync state %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncstate.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
