// Package provider defines the contract the sync engine needs from a remote
// mail provider, and the error taxonomy it relies on.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
)

// Failure classes. Gateways wrap every error they return in one of these.
var (
	// ErrTransient covers network failures, rate limits and provider outages.
	ErrTransient = errors.New("provider temporarily unavailable")
	// ErrAuth means the token was rejected or the grant revoked.
	ErrAuth = errors.New("provider rejected credentials")
	// ErrInvalidCursor means the provider no longer accepts the cursor.
	ErrInvalidCursor = errors.New("provider rejected cursor")
)

// Page is one page of remote items.
type Page struct {
	Items      []*mirror.Item
	NextCursor string
	HasMore    bool
	// TotalEstimate is the provider's estimate of the full item count, or 0
	// when it gave none.
	TotalEstimate int64
}

// WebhookTarget describes where and for what the provider should push.
type WebhookTarget struct {
	URL      string
	Triggers []string
}

// Token is a freshly issued access token.
type Token struct {
	AccessToken string
	// RefreshToken is empty when the provider did not rotate it.
	RefreshToken string
	ExpiresAt    time.Time
}

// Gateway is the remote provider capability used by the engine.
type Gateway interface {
	ListMessagesPage(ctx context.Context, accessToken, cursor string, pageSize int) (*Page, error)
	RegisterWebhook(ctx context.Context, accessToken string, target WebhookTarget) (string, error)
	DeregisterWebhook(ctx context.Context, accessToken, webhookID string) error
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}

// Class is the failure class of a gateway error.
type Class string

const (
	ClassNone          Class = ""
	ClassTransient     Class = "transient"
	ClassAuth          Class = "auth"
	ClassInvalidCursor Class = "invalid_cursor"
)

// Classify maps an error to its failure class. Unrecognised errors are
// treated as transient so they get retried rather than parking the account.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrInvalidCursor):
		return ClassInvalidCursor
	default:
		return ClassTransient
	}
}
