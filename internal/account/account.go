// Package account connects and disconnects accounts from the sync engine.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

// ErrNoCredential is returned by Connect when the OAuth flow has not stored
// a credential for the account yet.
var ErrNoCredential = errors.New("account has no credential")

// Config configures the lifecycle.
type Config struct {
	// Webhook is where the provider should push notifications.
	Webhook          provider.WebhookTarget
	MaxContinuations int
}

// Webhooks is the part of the provider gateway the lifecycle needs.
type Webhooks interface {
	RegisterWebhook(ctx context.Context, accessToken string, target provider.WebhookTarget) (string, error)
	DeregisterWebhook(ctx context.Context, accessToken, webhookID string) error
}

// CredentialStore is the part of the credential store the lifecycle needs.
type CredentialStore interface {
	Get(ctx context.Context, accountID string) (*credential.Record, error)
	Delete(ctx context.Context, accountID string) error
}

// Lifecycle manages account membership in the sync engine.
type Lifecycle struct {
	states     syncstate.Store
	creds      CredentialStore
	webhooks   Webhooks
	dispatcher dispatch.Dispatcher
	cfg        Config
	now        func() time.Time
	newID      func() string
}

// Option customises a Lifecycle.
type Option func(*Lifecycle)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(newID func() string) Option {
	return func(l *Lifecycle) { l.newID = newID }
}

// New creates a Lifecycle.
func New(states syncstate.Store, creds CredentialStore, webhooks Webhooks, dispatcher dispatch.Dispatcher, cfg Config, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		states:     states,
		creds:      creds,
		webhooks:   webhooks,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect starts the initial sync for an account. Connecting an account
// that already has sync state returns it after retrying a webhook
// registration that did not succeed. If that state is an initial sync whose
// first tick may never have been scheduled, the first tick is dispatched
// again under the same dedup id.
func (l *Lifecycle) Connect(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
	tracer := tracing.Tracer("jmap-sync-account")
	ctx, span := tracer.Start(ctx, "account.Connect",
		trace.WithAttributes(tracing.AccountID(accountID)))
	defer span.End()

	cred, err := l.creds.Get(ctx, accountID)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	now := l.now()
	existing := false
	st := syncstate.NewInitial(accountID, l.newID(), l.cfg.MaxContinuations, now)
	if err := l.states.Create(ctx, st); err != nil {
		if !errors.Is(err, syncstate.ErrAlreadyExists) {
			tracing.RecordError(span, err)
			return nil, fmt.Errorf("failed to create sync state: %w", err)
		}
		st, err = l.states.Get(ctx, accountID)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, fmt.Errorf("failed to read sync state: %w", err)
		}
		existing = true
		span.SetAttributes(attribute.Bool("account.existing", true))
	}

	if l.cfg.Webhook.URL != "" && st.WebhookStatus != syncstate.WebhookActive {
		if err := l.registerWebhook(ctx, cred, st, now); err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
	}
	if existing && !awaitingFirstTick(st) {
		return st, nil
	}

	msg := dispatch.TickMessage{
		AccountID: accountID,
		Reason:    dispatch.ReasonConnect,
		ID:        dispatch.DedupID(st.RunID, 0),
	}
	if err := l.dispatcher.DispatchTick(ctx, msg); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to dispatch first tick: %w", err)
	}
	return st, nil
}

// awaitingFirstTick reports whether an initial sync has made no progress,
// so its first tick may have been lost.
func awaitingFirstTick(st *syncstate.MailboxSyncState) bool {
	return st.Status == syncstate.StatusInitialSyncing && st.ContinuationCount == 0 && st.Cursor == ""
}

// registerWebhook asks the provider to push notifications for the account.
// A provider failure is recorded on the state, not returned.
func (l *Lifecycle) registerWebhook(ctx context.Context, cred *credential.Record, st *syncstate.MailboxSyncState, now time.Time) error {
	st.WebhookStatus = syncstate.WebhookActive
	webhookID, err := l.webhooks.RegisterWebhook(ctx, cred.AccessToken, l.cfg.Webhook)
	if err != nil {
		st.WebhookStatus = syncstate.WebhookFailed
		tracing.RecordError(trace.SpanFromContext(ctx), err)
	}
	st.WebhookID = webhookID
	if err := l.states.SetWebhook(ctx, st.AccountID, st.WebhookID, st.WebhookStatus, now); err != nil {
		return fmt.Errorf("failed to record webhook: %w", err)
	}
	return nil
}

// Disconnect removes an account from the sync engine. Webhook
// deregistration is best effort; the provider expires abandoned watches.
func (l *Lifecycle) Disconnect(ctx context.Context, accountID string) error {
	tracer := tracing.Tracer("jmap-sync-account")
	ctx, span := tracer.Start(ctx, "account.Disconnect",
		trace.WithAttributes(tracing.AccountID(accountID)))
	defer span.End()

	st, err := l.states.Get(ctx, accountID)
	if err != nil && !errors.Is(err, syncstate.ErrNotFound) {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to read sync state: %w", err)
	}

	if st != nil && st.WebhookID != "" {
		cred, err := l.creds.Get(ctx, accountID)
		if err == nil {
			err = l.webhooks.DeregisterWebhook(ctx, cred.AccessToken, st.WebhookID)
		}
		if err != nil {
			tracing.RecordError(span, err)
		}
	}

	if err := l.states.Delete(ctx, accountID); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to delete sync state: %w", err)
	}
	if err := l.creds.Delete(ctx, accountID); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
