package webhookevent

// Key values for webhook event items.
const (
	SKEvent       = "EVENT"
	GSI1PKPending = "WEBHOOK#PENDING"
)

// Attribute names for DynamoDB items.
const (
	AttrExternalEventID = "externalEventId"
	AttrAccountID       = "accountId"
	AttrEventType       = "eventType"
	AttrPayload         = "payload"
	AttrReceivedAt      = "receivedAt"
	AttrProcessed       = "processed"
	AttrProcessedAt     = "processedAt"
	AttrAttempts        = "attempts"
	AttrLastError       = "lastError"
	AttrDeadLettered    = "deadLettered"
)
