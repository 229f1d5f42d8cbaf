package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
)

// Credentials is a credential.Store.
type Credentials struct {
	db *sqlx.DB
}

type credentialRow struct {
	AccountID            string `db:"account_id"`
	AccessToken          string `db:"access_token"`
	RefreshToken         string `db:"refresh_token"`
	ExpiresAt            int64  `db:"expires_at"`
	LastRefreshedAt      int64  `db:"last_refreshed_at"`
	LastRefreshAttemptAt int64  `db:"last_refresh_attempt_at"`
	LastRefreshError     string `db:"last_refresh_error"`
	UpdatedAt            int64  `db:"updated_at"`
}

func (r credentialRow) toRecord() *credential.Record {
	return &credential.Record{
		AccountID:            r.AccountID,
		AccessToken:          r.AccessToken,
		RefreshToken:         r.RefreshToken,
		ExpiresAt:            fromNanos(r.ExpiresAt),
		LastRefreshedAt:      fromNanos(r.LastRefreshedAt),
		LastRefreshAttemptAt: fromNanos(r.LastRefreshAttemptAt),
		LastRefreshError:     r.LastRefreshError,
		UpdatedAt:            fromNanos(r.UpdatedAt),
	}
}

// Put writes a credential, replacing any existing one.
func (c *Credentials) Put(ctx context.Context, rec *credential.Record) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO credentials (
			account_id, access_token, refresh_token, expires_at,
			last_refreshed_at, last_refresh_attempt_at, last_refresh_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AccountID, rec.AccessToken, rec.RefreshToken, toNanos(rec.ExpiresAt),
		toNanos(rec.LastRefreshedAt), toNanos(rec.LastRefreshAttemptAt), rec.LastRefreshError, toNanos(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing credential %s: %w", rec.AccountID, err)
	}
	return nil
}

// Get retrieves the credential for an account.
func (c *Credentials) Get(ctx context.Context, accountID string) (*credential.Record, error) {
	var row credentialRow
	err := c.db.GetContext(ctx, &row, "SELECT * FROM credentials WHERE account_id = ?", accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %s: %w", accountID, err)
	}
	return row.toRecord(), nil
}

// ListExpiring returns every credential expiring at or before the given
// time, oldest first.
func (c *Credentials) ListExpiring(ctx context.Context, before time.Time) ([]*credential.Record, error) {
	var rows []credentialRow
	err := c.db.SelectContext(ctx, &rows,
		"SELECT * FROM credentials WHERE expires_at <= ? ORDER BY expires_at, account_id",
		toNanos(before))
	if err != nil {
		return nil, fmt.Errorf("listing expiring credentials: %w", err)
	}
	records := make([]*credential.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

// ReplaceTokens swaps in a new token pair provided the stored refresh token
// is still previousRefreshToken.
func (c *Credentials) ReplaceTokens(ctx context.Context, accountID, previousRefreshToken string, tokens credential.Tokens, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE credentials SET
			access_token = ?, refresh_token = ?, expires_at = ?,
			last_refreshed_at = ?, last_refresh_attempt_at = ?,
			last_refresh_error = '', updated_at = ?
		WHERE account_id = ? AND refresh_token = ?`,
		tokens.AccessToken, tokens.RefreshToken, toNanos(tokens.ExpiresAt),
		toNanos(at), toNanos(at), toNanos(at),
		accountID, previousRefreshToken,
	)
	if err != nil {
		return fmt.Errorf("replacing tokens for %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credential.ErrConcurrentUpdate
	}
	return nil
}

// RecordRefreshFailure notes a failed refresh without touching the tokens.
func (c *Credentials) RecordRefreshFailure(ctx context.Context, accountID, reason string, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE credentials SET
			last_refresh_error = ?, last_refresh_attempt_at = ?, updated_at = ?
		WHERE account_id = ?`,
		reason, toNanos(at), toNanos(at), accountID,
	)
	if err != nil {
		return fmt.Errorf("recording refresh failure for %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// Delete removes the credential. Deleting a missing record is not an error.
func (c *Credentials) Delete(ctx context.Context, accountID string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM credentials WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("deleting credential %s: %w", accountID, err)
	}
	return nil
}
