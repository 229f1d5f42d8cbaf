// Package stall diagnoses accounts whose sync stopped making progress and
// applies the operator recovery actions.
package stall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

// DefaultThreshold is how long a syncing account may go without activity
// before it counts as stalled.
const DefaultThreshold = 10 * time.Minute

// Action is a recovery action.
type Action string

const (
	ActionNone         Action = "none"
	ActionForceRestart Action = "force_restart"
	ActionResetCursor  Action = "reset_cursor"
	ActionReconnect    Action = "reconnect"
)

// ErrUnknownAction is returned by Apply for actions it cannot perform.
var ErrUnknownAction = errors.New("unknown recovery action")

// Diagnosis is the read-only health report for one account.
type Diagnosis struct {
	AccountID         string           `json:"accountId"`
	Status            syncstate.Status `json:"status"`
	IsStalled         bool             `json:"isStalled"`
	Reason            string           `json:"reason,omitempty"`
	Recommendation    Action           `json:"recommendation"`
	LastError         string           `json:"lastError,omitempty"`
	LastErrorKind     string           `json:"lastErrorKind,omitempty"`
	SyncedCount       int64            `json:"syncedCount"`
	TotalCount        int64            `json:"totalCount"`
	ProgressPercent   *float64         `json:"progressPercent,omitempty"`
	ContinuationCount int              `json:"continuationCount"`
	MaxContinuations  int              `json:"maxContinuations"`
	RetryCount        int              `json:"retryCount"`
	LastActivityAt    time.Time        `json:"lastActivityAt"`
	WebhookStatus     string           `json:"webhookStatus"`
}

// ToMap renders the diagnosis as JMAP method response arguments.
func (d *Diagnosis) ToMap() map[string]any {
	m := map[string]any{
		"accountId":         d.AccountID,
		"status":            string(d.Status),
		"isStalled":         d.IsStalled,
		"recommendation":    string(d.Recommendation),
		"syncedCount":       d.SyncedCount,
		"totalCount":        d.TotalCount,
		"continuationCount": d.ContinuationCount,
		"maxContinuations":  d.MaxContinuations,
		"retryCount":        d.RetryCount,
		"webhookStatus":     d.WebhookStatus,
		"progressPercent":   nil,
		"lastActivityAt":    nil,
	}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}
	if d.LastError != "" {
		m["lastError"] = d.LastError
		m["lastErrorKind"] = d.LastErrorKind
	}
	if d.ProgressPercent != nil {
		m["progressPercent"] = *d.ProgressPercent
	}
	if !d.LastActivityAt.IsZero() {
		m["lastActivityAt"] = d.LastActivityAt.UTC().Format(time.RFC3339)
	}
	return m
}

// Detector diagnoses and recovers accounts.
type Detector struct {
	states     syncstate.Store
	dispatcher dispatch.Dispatcher
	threshold  time.Duration
	now        func() time.Time
	newID      func() string
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(newID func() string) Option {
	return func(d *Detector) { d.newID = newID }
}

// NewDetector creates a Detector. A zero threshold uses DefaultThreshold.
func NewDetector(states syncstate.Store, dispatcher dispatch.Dispatcher, threshold time.Duration, opts ...Option) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	d := &Detector{
		states:     states,
		dispatcher: dispatcher,
		threshold:  threshold,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Diagnose reports the account's sync health without changing anything.
func (d *Detector) Diagnose(ctx context.Context, accountID string) (*Diagnosis, error) {
	tracer := tracing.Tracer("jmap-sync-stall")
	ctx, span := tracer.Start(ctx, "stall.Diagnose",
		trace.WithAttributes(tracing.AccountID(accountID)))
	defer span.End()

	st, err := d.states.Get(ctx, accountID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	diag := d.diagnose(st)
	span.SetAttributes(
		attribute.Bool("sync.stalled", diag.IsStalled),
		attribute.String("sync.recommendation", string(diag.Recommendation)),
	)
	return diag, nil
}

func (d *Detector) diagnose(st *syncstate.MailboxSyncState) *Diagnosis {
	diag := &Diagnosis{
		AccountID:         st.AccountID,
		Status:            st.Status,
		Recommendation:    ActionNone,
		LastError:         st.LastError,
		LastErrorKind:     string(st.LastErrorKind),
		SyncedCount:       st.SyncedCount,
		TotalCount:        st.TotalCount,
		ContinuationCount: st.ContinuationCount,
		MaxContinuations:  st.MaxContinuations,
		RetryCount:        st.RetryCount,
		LastActivityAt:    st.LastActivityAt,
		WebhookStatus:     string(st.WebhookStatus),
	}
	if st.TotalCount > 0 {
		pct := min(float64(st.SyncedCount)*100/float64(st.TotalCount), 100)
		diag.ProgressPercent = &pct
	}

	idle := d.now().Sub(st.LastActivityAt)
	switch {
	case st.Status.IsSyncing() && idle > d.threshold:
		diag.IsStalled = true
		diag.Reason = fmt.Sprintf("no sync activity for %s", idle.Round(time.Second))
		diag.Recommendation = ActionForceRestart
	case st.Status == syncstate.StatusStopped:
		diag.Reason = "sync stopped: " + st.LastError
		diag.Recommendation = ActionResetCursor
	case st.Status == syncstate.StatusError && st.LastErrorKind == syncstate.ErrorKindAuth:
		diag.Reason = "provider rejected the account credentials"
		diag.Recommendation = ActionReconnect
	case st.Status == syncstate.StatusError:
		diag.Reason = "sync failed: " + st.LastError
		diag.Recommendation = ActionForceRestart
	}
	return diag
}

// ForceRestart resumes the account's sync from its current cursor in a new
// run and dispatches a tick.
func (d *Detector) ForceRestart(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
	st, err := d.states.ResetForResume(ctx, accountID, d.newID(), d.now())
	if err != nil {
		return nil, fmt.Errorf("failed to reset for resume: %w", err)
	}
	msg := dispatch.TickMessage{
		AccountID: accountID,
		Reason:    dispatch.ReasonRestart,
		ID:        dispatch.DedupID(st.RunID, 0),
	}
	if err := d.dispatcher.DispatchTick(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to dispatch restart tick: %w", err)
	}
	return st, nil
}

// ResetCursor discards sync progress so the next run starts from the
// beginning of history. The account is left Idle.
func (d *Detector) ResetCursor(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
	st, err := d.states.ResetCursor(ctx, accountID, d.now())
	if err != nil {
		return nil, fmt.Errorf("failed to reset cursor: %w", err)
	}
	return st, nil
}

// Apply performs a recovery action and returns the resulting diagnosis.
func (d *Detector) Apply(ctx context.Context, accountID string, action Action) (*Diagnosis, error) {
	tracer := tracing.Tracer("jmap-sync-stall")
	ctx, span := tracer.Start(ctx, "stall.Apply",
		trace.WithAttributes(
			tracing.AccountID(accountID),
			attribute.String("sync.action", string(action)),
		))
	defer span.End()

	var (
		st  *syncstate.MailboxSyncState
		err error
	)
	switch action {
	case ActionForceRestart:
		st, err = d.ForceRestart(ctx, accountID)
	case ActionResetCursor:
		st, err = d.ResetCursor(ctx, accountID)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return d.diagnose(st), nil
}
