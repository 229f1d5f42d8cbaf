// Package webhookevent provides the webhook event log and its storage.
package webhookevent

import (
	"encoding/json"
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dynamo"
)

// DefaultRetention is how long a received event is kept.
const DefaultRetention = 30 * 24 * time.Hour

// Event is one provider notification, keyed by the provider's event id.
// PK: WEBHOOK#{externalEventId}
// SK: EVENT
// GSI1 (while pending): WEBHOOK#PENDING / {receivedAt}#{externalEventId}
type Event struct {
	ExternalEventID string
	AccountID       string
	EventType       string
	Payload         json.RawMessage
	ReceivedAt      time.Time
	Processed       bool
	ProcessedAt     time.Time
	Attempts        int
	LastError       string
	DeadLettered    bool
	ExpiresAt       time.Time
}

// New builds an unprocessed event received at now.
func New(id, accountID, eventType string, payload json.RawMessage, now time.Time) *Event {
	return &Event{
		ExternalEventID: id,
		AccountID:       accountID,
		EventType:       eventType,
		Payload:         payload,
		ReceivedAt:      now,
		ExpiresAt:       now.Add(DefaultRetention),
	}
}

// PK returns the DynamoDB partition key for this event.
func (e *Event) PK() string {
	return dynamo.PrefixWebhook + e.ExternalEventID
}

// SK returns the DynamoDB sort key for this event.
func (e *Event) SK() string {
	return SKEvent
}

// Pending reports whether the event still awaits application.
func (e *Event) Pending() bool {
	return !e.Processed && !e.DeadLettered
}
