package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhookevent"
)

// Defaults for Config.
const (
	DefaultGrace       = 2 * time.Minute
	DefaultMaxAttempts = 10
	DefaultSweepLimit  = 100
)

// ReasonAccountNotConnected is recorded on events for unknown accounts.
const ReasonAccountNotConnected = "account not connected"

// Config tunes the pipeline.
type Config struct {
	// Grace is how old an unprocessed event must be before the sweep
	// retries it.
	Grace time.Duration
	// MaxAttempts dead-letters an event after this many failed applications.
	MaxAttempts int
	// SweepLimit caps the events handled per sweep.
	SweepLimit int
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = DefaultSweepLimit
	}
	return c
}

// StateReader is the part of the sync state store the pipeline uses.
type StateReader interface {
	Get(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error)
	TouchActivity(ctx context.Context, accountID string, at time.Time) error
}

// IngestResult reports what happened to one delivered notification.
type IngestResult struct {
	// Accepted is false only when the event could not be stored.
	Accepted     bool
	Duplicate    bool
	Deferred     bool
	Applied      bool
	DeadLettered bool
	// Failure is set when the delta could not be applied yet.
	Failure string
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned      int `json:"scanned"`
	Applied      int `json:"applied"`
	Deferred     int `json:"deferred"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"deadLettered"`
}

// Pipeline ingests and reconciles webhook events.
type Pipeline struct {
	events webhookevent.Store
	states StateReader
	items  mirror.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline creates a Pipeline.
func NewPipeline(events webhookevent.Store, states StateReader, items mirror.Store, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		events: events,
		states: states,
		items:  items,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: logging.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest records a notification and, unless the account is still in its
// initial sync, applies it. Redelivery of a known id is a no-op. The only
// error returned is a failure to store the event.
func (p *Pipeline) Ingest(ctx context.Context, env *Envelope) (*IngestResult, error) {
	tracer := tracing.Tracer("jmap-sync-webhook")
	ctx, span := tracer.Start(ctx, "webhook.Ingest",
		trace.WithAttributes(
			tracing.AccountID(env.AccountID),
			attribute.String("webhook.event_id", env.ID),
		))
	defer span.End()

	ev := webhookevent.New(env.ID, env.AccountID, env.Type, env.Data, p.now())
	if err := p.events.Insert(ctx, ev); err != nil {
		if errors.Is(err, webhookevent.ErrDuplicate) {
			span.SetAttributes(attribute.Bool("webhook.duplicate", true))
			return &IngestResult{Accepted: true, Duplicate: true}, nil
		}
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to store webhook event: %w", err)
	}

	res := &IngestResult{Accepted: true}
	switch p.process(ctx, ev) {
	case outcomeApplied:
		res.Applied = true
	case outcomeDeferred:
		res.Deferred = true
	case outcomeDeadLettered:
		res.DeadLettered = true
		res.Failure = ev.LastError
	case outcomeFailed:
		res.Failure = ev.LastError
	}
	span.SetAttributes(
		attribute.Bool("webhook.applied", res.Applied),
		attribute.Bool("webhook.deferred", res.Deferred),
	)
	return res, nil
}

// Sweep retries unprocessed events older than the grace period: events
// deferred by suppression and events whose application failed. Deferred
// events do not count toward SweepLimit, so the sweep pages past them until
// it has handled SweepLimit events or run out of pending ones.
func (p *Pipeline) Sweep(ctx context.Context) (*SweepResult, error) {
	tracer := tracing.Tracer("jmap-sync-webhook")
	ctx, span := tracer.Start(ctx, "webhook.Sweep")
	defer span.End()

	before := p.now().Add(-p.cfg.Grace)
	res := &SweepResult{}
	suppressed := make(map[string]bool)
	handled := 0
	var after *webhookevent.Event

	for handled < p.cfg.SweepLimit {
		events, err := p.events.ListUnprocessed(ctx, before, after, p.cfg.SweepLimit)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
		}

		for _, ev := range events {
			after = ev
			res.Scanned++
			if suppressed[ev.AccountID] {
				res.Deferred++
				continue
			}
			switch p.process(ctx, ev) {
			case outcomeApplied:
				res.Applied++
				handled++
			case outcomeDeferred:
				res.Deferred++
				suppressed[ev.AccountID] = true
			case outcomeFailed:
				res.Failed++
				handled++
			case outcomeDeadLettered:
				res.DeadLettered++
				handled++
			}
			if handled >= p.cfg.SweepLimit {
				break
			}
		}
		if len(events) < p.cfg.SweepLimit {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("webhook.scanned", res.Scanned),
		attribute.Int("webhook.applied", res.Applied),
		attribute.Int("webhook.deferred", res.Deferred),
		attribute.Int("webhook.failed", res.Failed),
	)
	return res, nil
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDeferred
	outcomeFailed
	outcomeDeadLettered
)

// process applies one stored event. Failures are recorded on the event;
// ev.LastError carries the reason.
func (p *Pipeline) process(ctx context.Context, ev *webhookevent.Event) outcome {
	st, err := p.states.Get(ctx, ev.AccountID)
	if errors.Is(err, syncstate.ErrNotFound) {
		return p.fail(ctx, ev, ReasonAccountNotConnected, true)
	}
	if err != nil {
		return p.fail(ctx, ev, err.Error(), false)
	}
	if st.SuppressWebhooks {
		return outcomeDeferred
	}

	delta, err := DecodeDelta(ev.Payload)
	if err != nil {
		return p.fail(ctx, ev, err.Error(), true)
	}

	now := p.now()
	if _, err := mirror.Apply(ctx, p.items, ev.AccountID, delta, now); err != nil {
		return p.fail(ctx, ev, err.Error(), errors.Is(err, mirror.ErrInvalidDelta))
	}
	if err := p.events.MarkProcessed(ctx, ev.ExternalEventID, now); err != nil && !errors.Is(err, webhookevent.ErrAlreadyProcessed) {
		return p.fail(ctx, ev, err.Error(), false)
	}
	// Best effort: activity only feeds stall diagnosis.
	if err := p.states.TouchActivity(ctx, ev.AccountID, now); err != nil {
		p.logger.WarnContext(ctx, "Failed to record webhook activity",
			slog.String("account_id", ev.AccountID),
			slog.String("event_id", ev.ExternalEventID),
			slog.String("error", err.Error()),
		)
	}
	ev.Processed = true
	ev.ProcessedAt = now
	return outcomeApplied
}

// fail records an attempt, dead-lettering when the event can never succeed
// or has used up its attempts.
func (p *Pipeline) fail(ctx context.Context, ev *webhookevent.Event, reason string, permanent bool) outcome {
	ev.Attempts++
	ev.LastError = reason
	deadLetter := permanent || ev.Attempts >= p.cfg.MaxAttempts
	// A failed record leaves the event pending with its old attempt count,
	// which the next sweep retries.
	if err := p.events.RecordFailure(ctx, ev.ExternalEventID, reason, ev.Attempts, deadLetter); err != nil {
		p.logger.WarnContext(ctx, "Failed to record webhook event failure",
			slog.String("account_id", ev.AccountID),
			slog.String("event_id", ev.ExternalEventID),
			slog.Int("attempts", ev.Attempts),
			slog.String("error", err.Error()),
		)
	}
	if deadLetter {
		ev.DeadLettered = true
		return outcomeDeadLettered
	}
	return outcomeFailed
}
