// Package orchestrator runs the continuation-chained sync of one account:
// each tick applies pages until its time budget is spent, persists progress
// after every page and hands off to exactly one successor tick.
package orchestrator

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
	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

// Defaults for Config.
const (
	DefaultBudget         = 4 * time.Minute
	DefaultSafetyMargin   = 30 * time.Second
	DefaultPageSize       = 100
	DefaultRetryThreshold = 3
	DefaultLeaseGrace     = time.Minute
)

// Config tunes a tick.
type Config struct {
	// Budget is the wall-clock ceiling for one tick.
	Budget time.Duration
	// SafetyMargin is kept free before the invocation deadline.
	SafetyMargin time.Duration
	PageSize     int
	// RetryThreshold is the number of consecutive provider failures that
	// moves the account to Error.
	RetryThreshold int
	// LeaseGrace is added to the budget to get the lease lifetime.
	LeaseGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RetryThreshold <= 0 {
		c.RetryThreshold = DefaultRetryThreshold
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = DefaultLeaseGrace
	}
	return c
}

// CredentialReader reads the access token for an account.
type CredentialReader interface {
	Get(ctx context.Context, accountID string) (*credential.Record, error)
}

// SkipReason says why a tick did nothing.
type SkipReason string

const (
	SkipNotFound   SkipReason = "not_found"
	SkipNotSyncing SkipReason = "not_syncing"
	SkipLeaseHeld  SkipReason = "lease_held"
	SkipLeaseLost  SkipReason = "lease_lost"
)

// TickResult summarises one tick.
type TickResult struct {
	AccountID             string              `json:"accountId"`
	Status                syncstate.Status    `json:"status,omitempty"`
	SyncedDelta           int64               `json:"syncedDelta"`
	Pages                 int                 `json:"pages"`
	ScheduledContinuation bool                `json:"scheduledContinuation"`
	ErrorKind             syncstate.ErrorKind `json:"errorKind,omitempty"`
	Skipped               bool                `json:"skipped,omitempty"`
	SkipReason            SkipReason          `json:"skipReason,omitempty"`
}

// Orchestrator drives account syncs.
type Orchestrator struct {
	states     syncstate.Store
	creds      CredentialReader
	gateway    provider.Gateway
	items      mirror.Store
	dispatcher dispatch.Dispatcher
	cfg        Config
	now        func() time.Time
	newID      func() string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the run and lease id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// New creates an Orchestrator.
func New(states syncstate.Store, creds CredentialReader, gateway provider.Gateway, items mirror.Store, dispatcher dispatch.Dispatcher, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		states:     states,
		creds:      creds,
		gateway:    gateway,
		items:      items,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSync begins a background sync run on an idle account and runs its
// first tick. An account that is already syncing just gets a tick.
func (o *Orchestrator) StartSync(ctx context.Context, accountID string) (*TickResult, error) {
	_, err := o.states.BeginBackgroundSync(ctx, accountID, o.newID(), o.now())
	switch {
	case errors.Is(err, syncstate.ErrNotFound):
		return &TickResult{AccountID: accountID, Skipped: true, SkipReason: SkipNotFound}, nil
	case err != nil && !errors.Is(err, syncstate.ErrStatusConflict):
		return nil, fmt.Errorf("failed to start sync: %w", err)
	}
	return o.RunTick(ctx, accountID)
}

// RunTick runs one bounded unit of sync work for the account. Triggers that
// arrive while the account is not syncing or another tick holds the lease
// are skipped. An error is returned only when our own storage or dispatch
// failed; the caller should redeliver the trigger.
func (o *Orchestrator) RunTick(ctx context.Context, accountID string) (*TickResult, error) {
	tracer := tracing.Tracer("jmap-sync-orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.RunTick",
		trace.WithAttributes(tracing.AccountID(accountID)))
	defer span.End()

	res, err := o.runTick(ctx, accountID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("sync.status", string(res.Status)),
		attribute.Int("sync.pages", res.Pages),
		attribute.Int64("sync.synced_delta", res.SyncedDelta),
		attribute.Bool("sync.continued", res.ScheduledContinuation),
	)
	if res.Skipped {
		span.SetAttributes(attribute.String("sync.skip_reason", string(res.SkipReason)))
	}
	return res, nil
}

func (o *Orchestrator) runTick(ctx context.Context, accountID string) (*TickResult, error) {
	start := o.now()
	budget := o.budget(ctx, start)
	leaseID := o.newID()

	st, err := o.states.AcquireLease(ctx, accountID, leaseID, start, start.Add(budget+o.cfg.LeaseGrace))
	switch {
	case errors.Is(err, syncstate.ErrNotFound):
		return &TickResult{AccountID: accountID, Skipped: true, SkipReason: SkipNotFound}, nil
	case errors.Is(err, syncstate.ErrNotSyncing):
		return &TickResult{AccountID: accountID, Status: st.Status, Skipped: true, SkipReason: SkipNotSyncing}, nil
	case errors.Is(err, syncstate.ErrLeaseHeld):
		return &TickResult{AccountID: accountID, Status: st.Status, Skipped: true, SkipReason: SkipLeaseHeld}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to acquire tick lease: %w", err)
	}

	res := &TickResult{AccountID: accountID, Status: st.Status}

	cred, err := o.creds.Get(ctx, accountID)
	if errors.Is(err, credential.ErrNotFound) {
		return o.fail(ctx, st, leaseID, res, syncstate.StatusError, syncstate.ErrorKindAuth, "no credential for account")
	}
	if err != nil {
		o.release(ctx, st, leaseID)
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	for {
		pageStart := o.now()
		page, err := o.gateway.ListMessagesPage(ctx, cred.AccessToken, st.Cursor, o.cfg.PageSize)
		if err != nil {
			return o.providerFailed(ctx, st, leaseID, res, err)
		}

		for _, item := range page.Items {
			item.AccountID = accountID
			item.Source = mirror.SourceSync
			item.UpdatedAt = pageStart
			if _, err := o.items.Upsert(ctx, item); err != nil {
				o.release(ctx, st, leaseID)
				return nil, fmt.Errorf("failed to apply page: %w", err)
			}
		}

		now := o.now()
		st.Cursor = page.NextCursor
		st.SyncedCount += int64(len(page.Items))
		if page.TotalEstimate > 0 {
			st.TotalCount = page.TotalEstimate
		}
		st.RetryCount = 0
		st.LastActivityAt = now
		st.UpdatedAt = now
		res.Pages++
		res.SyncedDelta += int64(len(page.Items))

		if !page.HasMore {
			st.Status = syncstate.StatusIdle
			st.SuppressWebhooks = false
			st.ClearError()
			st.LeaseID = ""
			return o.persist(ctx, st, leaseID, res)
		}

		if err := o.states.Save(ctx, st, leaseID); err != nil {
			return o.saveFailed(ctx, st, leaseID, res, err)
		}

		if now.Sub(start)+now.Sub(pageStart) > budget {
			break
		}
	}

	return o.continueRun(ctx, st, leaseID, res, dispatch.ReasonContinuation)
}

// continueRun hands the run to a successor tick, or stops it at the
// continuation cap.
func (o *Orchestrator) continueRun(ctx context.Context, st *syncstate.MailboxSyncState, leaseID string, res *TickResult, reason dispatch.Reason) (*TickResult, error) {
	if st.ContinuationCount+1 > st.MaxContinuations {
		return o.fail(ctx, st, leaseID, res, syncstate.StatusStopped, syncstate.ErrorKindStructural, syncstate.ContinuationLimitExceeded)
	}

	st.ContinuationCount++
	st.UpdatedAt = o.now()
	st.LeaseID = ""
	res, err := o.persist(ctx, st, leaseID, res)
	if err != nil || res.SkipReason == SkipLeaseLost {
		return res, err
	}

	msg := dispatch.TickMessage{
		AccountID: st.AccountID,
		Reason:    reason,
		ID:        dispatch.DedupID(st.RunID, st.ContinuationCount),
	}
	if err := o.dispatcher.DispatchTick(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to dispatch %s tick: %w", reason, err)
	}
	res.ScheduledContinuation = true
	return res, nil
}

// providerFailed applies the retry policy for a failed page fetch.
func (o *Orchestrator) providerFailed(ctx context.Context, st *syncstate.MailboxSyncState, leaseID string, res *TickResult, cause error) (*TickResult, error) {
	switch provider.Classify(cause) {
	case provider.ClassAuth:
		return o.fail(ctx, st, leaseID, res, syncstate.StatusError, syncstate.ErrorKindAuth, cause.Error())
	case provider.ClassInvalidCursor:
		return o.fail(ctx, st, leaseID, res, syncstate.StatusStopped, syncstate.ErrorKindStructural, cause.Error())
	}

	st.RetryCount++
	if st.RetryCount >= o.cfg.RetryThreshold {
		return o.fail(ctx, st, leaseID, res, syncstate.StatusError, syncstate.ErrorKindTransient, cause.Error())
	}
	res.ErrorKind = syncstate.ErrorKindTransient
	return o.continueRun(ctx, st, leaseID, res, dispatch.ReasonRetry)
}

// fail records a surfaced error, releases the lease and schedules nothing.
func (o *Orchestrator) fail(ctx context.Context, st *syncstate.MailboxSyncState, leaseID string, res *TickResult, status syncstate.Status, kind syncstate.ErrorKind, msg string) (*TickResult, error) {
	st.Status = status
	st.SetError(kind, msg)
	st.UpdatedAt = o.now()
	st.LeaseID = ""
	res.ErrorKind = kind
	return o.persist(ctx, st, leaseID, res)
}

func (o *Orchestrator) persist(ctx context.Context, st *syncstate.MailboxSyncState, leaseID string, res *TickResult) (*TickResult, error) {
	if err := o.states.Save(ctx, st, leaseID); err != nil {
		return o.saveFailed(ctx, st, leaseID, res, err)
	}
	res.Status = st.Status
	return res, nil
}

func (o *Orchestrator) saveFailed(ctx context.Context, st *syncstate.MailboxSyncState, leaseID string, res *TickResult, err error) (*TickResult, error) {
	if errors.Is(err, syncstate.ErrLeaseLost) {
		res.SkipReason = SkipLeaseLost
		return res, nil
	}
	o.release(ctx, st, leaseID)
	return nil, fmt.Errorf("failed to persist sync state: %w", err)
}

// release gives up the lease, best effort, so a redelivered trigger can run
// without waiting for it to expire.
func (o *Orchestrator) release(ctx context.Context, st *syncstate.MailboxSyncState, leaseID string) {
	released := *st
	released.LeaseID = ""
	_ = o.states.Save(ctx, &released, leaseID)
}

// budget is the configured ceiling, shortened to fit before the invocation
// deadline.
func (o *Orchestrator) budget(ctx context.Context, now time.Time) time.Duration {
	b := o.cfg.Budget
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := deadline.Sub(now) - o.cfg.SafetyMargin; remaining < b {
			b = remaining
		}
	}
	return max(b, 0)
}
