// Package mirror provides the local copy of remote mailbox items and the
// idempotent upsert discipline shared by sync and webhook application.
package mirror

import (
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dynamo"
)

// Kind identifies the type of remote resource an item mirrors.
type Kind string

const (
	KindMessage       Kind = "message"
	KindCalendarEvent Kind = "calendar_event"
	KindChatMessage   Kind = "chat_message"
)

// Source records which path last wrote an item.
type Source string

const (
	SourceSync    Source = "sync"
	SourceWebhook Source = "webhook"
)

// Item is one mirrored remote resource.
// PK: ACCOUNT#{accountId}
// SK: ITEM#{providerItemId}
type Item struct {
	AccountID      string
	ProviderItemID string
	Kind           Kind
	ThreadID       string
	Subject        string
	From           string
	Snippet        string
	Labels         []string
	ReceivedAt     time.Time
	Deleted        bool
	ContentHash    string
	Source         Source
	UpdatedAt      time.Time
}

// PK returns the DynamoDB partition key for this item.
func (i *Item) PK() string {
	return dynamo.AccountPK(i.AccountID)
}

// SK returns the DynamoDB sort key for this item.
func (i *Item) SK() string {
	return PrefixItem + i.ProviderItemID
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome string

const (
	Created   UpsertOutcome = "created"
	Updated   UpsertOutcome = "updated"
	Unchanged UpsertOutcome = "unchanged"
)
