package mirror

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Op is the kind of change a delta carries.
type Op string

const (
	OpUpsert Op = "upsert"
	OpPatch  Op = "patch"
	OpDelete Op = "delete"
)

// ErrInvalidDelta is returned for deltas that cannot be applied to any state.
var ErrInvalidDelta = errors.New("invalid delta")

// Delta is a single remote change delivered by a webhook.
type Delta struct {
	Op             Op
	ProviderItemID string
	Item           *Item
	AddLabels      []string
	RemoveLabels   []string
}

// Validate checks the delta is well formed.
func (d Delta) Validate() error {
	switch d.Op {
	case OpUpsert:
		if d.Item == nil || d.Item.ProviderItemID == "" {
			return fmt.Errorf("%w: upsert requires an item with providerItemId", ErrInvalidDelta)
		}
	case OpPatch:
		if d.ProviderItemID == "" {
			return fmt.Errorf("%w: patch requires providerItemId", ErrInvalidDelta)
		}
		if len(d.AddLabels) == 0 && len(d.RemoveLabels) == 0 {
			return fmt.Errorf("%w: patch changes nothing", ErrInvalidDelta)
		}
	case OpDelete:
		if d.ProviderItemID == "" {
			return fmt.Errorf("%w: delete requires providerItemId", ErrInvalidDelta)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidDelta, d.Op)
	}
	return nil
}

// Apply applies a delta to the account's mirror through the same upsert
// path the sync uses. A patch of an item that is not mirrored yet returns
// ErrNotFound.
func Apply(ctx context.Context, store Store, accountID string, d Delta, now time.Time) (UpsertOutcome, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}

	var item *Item
	switch d.Op {
	case OpUpsert:
		copied := *d.Item
		item = &copied
	case OpPatch:
		existing, err := store.Get(ctx, accountID, d.ProviderItemID)
		if err != nil {
			return "", err
		}
		labels := slices.DeleteFunc(slices.Concat(existing.Labels, d.AddLabels), func(l string) bool {
			return slices.Contains(d.RemoveLabels, l)
		})
		existing.Labels = labels
		item = existing
	case OpDelete:
		existing, err := store.Get(ctx, accountID, d.ProviderItemID)
		switch {
		case errors.Is(err, ErrNotFound):
			item = &Item{ProviderItemID: d.ProviderItemID, Kind: KindMessage}
		case err != nil:
			return "", err
		default:
			item = existing
		}
		item.Deleted = true
	}

	item.AccountID = accountID
	item.Source = SourceWebhook
	item.UpdatedAt = now
	return store.Upsert(ctx, item)
}
