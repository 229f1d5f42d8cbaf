// Package syncstate provides the per-account sync state record and its storage.
package syncstate

import (
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dynamo"
)

// Status is the single authoritative state of an account's sync.
type Status string

const (
	StatusIdle              Status = "Idle"
	StatusInitialSyncing    Status = "InitialSyncing"
	StatusBackgroundSyncing Status = "BackgroundSyncing"
	StatusError             Status = "Error"
	StatusStopped           Status = "Stopped"
)

// IsSyncing reports whether a tick may run for this status.
func (s Status) IsSyncing() bool {
	return s == StatusInitialSyncing || s == StatusBackgroundSyncing
}

// WebhookStatus tracks the provider push subscription for an account.
type WebhookStatus string

const (
	WebhookInactive WebhookStatus = "Inactive"
	WebhookActive   WebhookStatus = "Active"
	WebhookFailed   WebhookStatus = "Failed"
)

// ErrorKind classifies LastError.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindAuth       ErrorKind = "auth"
	ErrorKindStructural ErrorKind = "structural"
)

// DefaultMaxContinuations caps the number of successor ticks in one sync run.
const DefaultMaxContinuations = 100

// ContinuationLimitExceeded is the terminal error recorded when a run hits
// MaxContinuations.
const ContinuationLimitExceeded = "continuation limit exceeded"

// MailboxSyncState is the durable sync record for one connected account.
// PK: ACCOUNT#{accountId}
// SK: SYNCSTATE
//
// An empty Cursor means "start of history" while syncing and "no watermark"
// otherwise.
type MailboxSyncState struct {
	AccountID         string
	Cursor            string
	Status            Status
	SyncedCount       int64
	TotalCount        int64
	ContinuationCount int
	MaxContinuations  int
	LastActivityAt    time.Time
	LastError         string
	LastErrorKind     ErrorKind
	RetryCount        int
	WebhookID         string
	WebhookStatus     WebhookStatus
	SuppressWebhooks  bool
	RunID             string
	LeaseID           string
	LeaseExpiresAt    time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PK returns the DynamoDB partition key for this record.
func (s *MailboxSyncState) PK() string {
	return dynamo.AccountPK(s.AccountID)
}

// SK returns the DynamoDB sort key for this record.
func (s *MailboxSyncState) SK() string {
	return SKSyncState
}

// NewInitial returns the state of a freshly connected account.
func NewInitial(accountID, runID string, maxContinuations int, now time.Time) *MailboxSyncState {
	if maxContinuations <= 0 {
		maxContinuations = DefaultMaxContinuations
	}
	return &MailboxSyncState{
		AccountID:        accountID,
		Status:           StatusInitialSyncing,
		MaxContinuations: maxContinuations,
		LastActivityAt:   now,
		WebhookStatus:    WebhookInactive,
		SuppressWebhooks: true,
		RunID:            runID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// SetError records a terminal or surfaced error.
func (s *MailboxSyncState) SetError(kind ErrorKind, msg string) {
	s.LastErrorKind = kind
	s.LastError = msg
}

// ClearError removes any recorded error.
func (s *MailboxSyncState) ClearError() {
	s.LastErrorKind = ErrorKindNone
	s.LastError = ""
}
