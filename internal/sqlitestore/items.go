package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
)

// Items is a mirror.Store.
type Items struct {
	db *sqlx.DB
}

type itemRow struct {
	AccountID      string `db:"account_id"`
	ProviderItemID string `db:"provider_item_id"`
	Kind           string `db:"kind"`
	ThreadID       string `db:"thread_id"`
	Subject        string `db:"subject"`
	From           string `db:"from_addr"`
	Snippet        string `db:"snippet"`
	Labels         string `db:"labels"`
	ReceivedAt     int64  `db:"received_at"`
	Deleted        bool   `db:"deleted"`
	ContentHash    string `db:"content_hash"`
	Source         string `db:"source"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r itemRow) toItem() (*mirror.Item, error) {
	item := &mirror.Item{
		AccountID:      r.AccountID,
		ProviderItemID: r.ProviderItemID,
		Kind:           mirror.Kind(r.Kind),
		ThreadID:       r.ThreadID,
		Subject:        r.Subject,
		From:           r.From,
		Snippet:        r.Snippet,
		ReceivedAt:     fromNanos(r.ReceivedAt),
		Deleted:        r.Deleted,
		ContentHash:    r.ContentHash,
		Source:         mirror.Source(r.Source),
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Labels), &item.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels for %s: %w", r.ProviderItemID, err)
	}
	if len(item.Labels) == 0 {
		item.Labels = nil
	}
	return item, nil
}

// Upsert writes the item when it is new or its content hash differs from the
// stored copy.
func (s *Items) Upsert(ctx context.Context, item *mirror.Item) (mirror.UpsertOutcome, error) {
	item.Labels = mirror.NormalizeLabels(item.Labels)
	item.ContentHash = mirror.ContentHash(item)

	labels := item.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("encoding labels for %s: %w", item.ProviderItemID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning upsert of %s: %w", item.ProviderItemID, err)
	}
	defer tx.Rollback()

	var storedHash string
	err = tx.GetContext(ctx, &storedHash,
		"SELECT content_hash FROM mirror_items WHERE account_id = ? AND provider_item_id = ?",
		item.AccountID, item.ProviderItemID)
	outcome := mirror.Updated
	switch {
	case errors.Is(err, sql.ErrNoRows):
		outcome = mirror.Created
	case err != nil:
		return "", fmt.Errorf("reading mirror item %s: %w", item.ProviderItemID, err)
	case storedHash == item.ContentHash:
		return mirror.Unchanged, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO mirror_items (
			account_id, provider_item_id, kind, thread_id, subject, from_addr,
			snippet, labels, received_at, deleted, content_hash, source, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.AccountID, item.ProviderItemID, string(item.Kind), item.ThreadID, item.Subject, item.From,
		item.Snippet, string(labelsJSON), toNanos(item.ReceivedAt), boolInt(item.Deleted),
		item.ContentHash, string(item.Source), toNanos(item.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("upserting mirror item %s: %w", item.ProviderItemID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing mirror item %s: %w", item.ProviderItemID, err)
	}
	return outcome, nil
}

// Get retrieves a mirrored item.
func (s *Items) Get(ctx context.Context, accountID, providerItemID string) (*mirror.Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM mirror_items WHERE account_id = ? AND provider_item_id = ?",
		accountID, providerItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mirror.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting mirror item %s: %w", providerItemID, err)
	}
	return row.toItem()
}
