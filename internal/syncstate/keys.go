package syncstate

// Sort key for the sync state item.
const SKSyncState = "SYNCSTATE"

// Attribute names for DynamoDB items.
const (
	AttrAccountID         = "accountId"
	AttrCursor            = "cursor"
	AttrStatus            = "status"
	AttrSyncedCount       = "syncedCount"
	AttrTotalCount        = "totalCount"
	AttrContinuationCount = "continuationCount"
	AttrMaxContinuations  = "maxContinuations"
	AttrLastActivityAt    = "lastActivityAt"
	AttrLastError         = "lastError"
	AttrLastErrorKind     = "lastErrorKind"
	AttrRetryCount        = "retryCount"
	AttrWebhookID         = "webhookId"
	AttrWebhookStatus     = "webhookStatus"
	AttrSuppressWebhooks  = "suppressWebhooks"
	AttrRunID             = "runId"
	AttrLeaseID           = "leaseId"
	AttrLeaseExpiresAt    = "leaseExpiresAt"
	AttrCreatedAt         = "createdAt"
	AttrUpdatedAt         = "updatedAt"
)
