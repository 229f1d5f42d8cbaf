// Package credential provides OAuth credential records and their storage.
package credential

import (
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dynamo"
)

// Record is the access/refresh token pair for an account.
// PK: ACCOUNT#{accountId}
// SK: CREDENTIAL
// GSI1: CREDENTIAL / {expiresAt}
type Record struct {
	AccountID            string
	AccessToken          string
	RefreshToken         string
	ExpiresAt            time.Time
	LastRefreshedAt      time.Time
	LastRefreshAttemptAt time.Time
	LastRefreshError     string
	UpdatedAt            time.Time
}

// PK returns the DynamoDB partition key for this record.
func (r *Record) PK() string {
	return dynamo.AccountPK(r.AccountID)
}

// SK returns the DynamoDB sort key for this record.
func (r *Record) SK() string {
	return SKCredential
}

// Tokens is a freshly issued token pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
