// Package dispatch schedules the successor unit of work for an account.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Reason says why a tick was scheduled.
type Reason string

const (
	ReasonConnect      Reason = "connect"
	ReasonContinuation Reason = "continuation"
	ReasonRetry        Reason = "retry"
	ReasonRestart      Reason = "restart"
	ReasonResync       Reason = "resync"
)

// DefaultRetryDelay matches how long the provider circuit breaker stays open.
const DefaultRetryDelay = 30 * time.Second

// ErrInvalidMessage is returned for tick messages that cannot be dispatched.
var ErrInvalidMessage = errors.New("invalid tick message")

// TickMessage is the queue body that triggers one orchestrator tick.
type TickMessage struct {
	AccountID string `json:"accountId"`
	Reason    Reason `json:"reason"`
	// ID deduplicates redelivered dispatches of the same successor.
	ID string `json:"id"`
	// NotBefore, when set, is the earliest time a consumer may run the tick.
	NotBefore time.Time `json:"notBefore,omitzero"`
}

// Validate checks the message carries what a consumer needs.
func (m TickMessage) Validate() error {
	if m.AccountID == "" {
		return errors.Join(ErrInvalidMessage, errors.New("accountId is required"))
	}
	return nil
}

// Delay returns how long a consumer should hold the tick back at now.
func (m TickMessage) Delay(now time.Time) time.Duration {
	if m.NotBefore.IsZero() || !m.NotBefore.After(now) {
		return 0
	}
	return m.NotBefore.Sub(now)
}

// withRetryDelay stamps NotBefore on retry ticks.
func withRetryDelay(msg TickMessage, delay time.Duration, now time.Time) TickMessage {
	if msg.Reason == ReasonRetry && delay > 0 && msg.NotBefore.IsZero() {
		msg.NotBefore = now.Add(delay).UTC()
	}
	return msg
}

// DedupID returns the id for the successor scheduled after the given number
// of continuations in a sync run.
func DedupID(runID string, continuationCount int) string {
	return runID + ":" + strconv.Itoa(continuationCount)
}

// Dispatcher schedules ticks.
type Dispatcher interface {
	DispatchTick(ctx context.Context, msg TickMessage) error
}
