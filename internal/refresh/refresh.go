// Package refresh proactively renews OAuth credentials before they expire.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
)

// Defaults for Config.
const (
	DefaultLookahead   = 15 * time.Minute
	DefaultConcurrency = 4
)

// Config tunes a sweep.
type Config struct {
	// Lookahead selects credentials expiring within this window.
	Lookahead   time.Duration
	Concurrency int
}

// Refresher is the part of the provider gateway a sweep needs.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error)
}

// Failure is one credential that could not be refreshed.
type Failure struct {
	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

// SweepResult lists the outcome per account, sorted by account id.
type SweepResult struct {
	Refreshed []string  `json:"refreshed"`
	Failed    []Failure `json:"failed"`
}

// Scheduler runs refresh sweeps.
type Scheduler struct {
	creds     credential.Store
	refresher Refresher
	cfg       Config
	now       func() time.Time
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a Scheduler.
func NewScheduler(creds credential.Store, refresher Refresher, cfg Config, opts ...Option) *Scheduler {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	s := &Scheduler{creds: creds, refresher: refresher, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep refreshes every credential expiring within the lookahead window.
// A failed refresh leaves the old tokens in place and is recorded on the
// credential; it does not fail the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepResult, error) {
	tracer := tracing.Tracer("jmap-sync-refresh")
	ctx, span := tracer.Start(ctx, "refresh.Sweep")
	defer span.End()

	expiring, err := s.creds.ListExpiring(ctx, s.now().Add(s.cfg.Lookahead))
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}

	var (
		mu  sync.Mutex
		res SweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, rec := range expiring {
		g.Go(func() error {
			reason := s.refreshOne(gctx, rec)
			mu.Lock()
			defer mu.Unlock()
			if reason == "" {
				res.Refreshed = append(res.Refreshed, rec.AccountID)
			} else {
				res.Failed = append(res.Failed, Failure{AccountID: rec.AccountID, Reason: reason})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Refreshed)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].AccountID < res.Failed[j].AccountID })

	span.SetAttributes(
		attribute.Int("refresh.candidates", len(expiring)),
		attribute.Int("refresh.refreshed", len(res.Refreshed)),
		attribute.Int("refresh.failed", len(res.Failed)),
	)
	return &res, nil
}

// refreshOne returns an empty string on success, otherwise the failure
// reason.
func (s *Scheduler) refreshOne(ctx context.Context, rec *credential.Record) string {
	tok, err := s.refresher.RefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		reason := err.Error()
		if provider.Classify(err) == provider.ClassAuth {
			reason = "refresh rejected: " + reason
		}
		_ = s.creds.RecordRefreshFailure(ctx, rec.AccountID, reason, s.now())
		return reason
	}

	tokens := credential.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = rec.RefreshToken
	}

	err = s.creds.ReplaceTokens(ctx, rec.AccountID, rec.RefreshToken, tokens, s.now())
	switch {
	case errors.Is(err, credential.ErrConcurrentUpdate):
		return "credential changed during refresh"
	case err != nil:
		_ = s.creds.RecordRefreshFailure(ctx, rec.AccountID, err.Error(), s.now())
		return err.Error()
	}
	return ""
}
