package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker around a gateway.
type BreakerSettings struct {
	Name string
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// Interval resets the failure counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings returns the settings used in production.
func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:                name,
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps a Gateway so that a run of transient failures fails fast.
// Auth and cursor errors pass through without counting against the breaker.
type Breaker struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker creates a Breaker around next.
func NewBreaker(next Gateway, s BreakerSettings) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: s.MaxRequests,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				return Classify(err) != ClassTransient
			},
		}),
	}
}

// State reports the breaker state, for diagnostics.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return v, err
}

// ListMessagesPage implements Gateway.
func (b *Breaker) ListMessagesPage(ctx context.Context, accessToken, cursor string, pageSize int) (*Page, error) {
	v, err := b.execute(func() (any, error) {
		return b.next.ListMessagesPage(ctx, accessToken, cursor, pageSize)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Page), nil
}

// RegisterWebhook implements Gateway.
func (b *Breaker) RegisterWebhook(ctx context.Context, accessToken string, target WebhookTarget) (string, error) {
	v, err := b.execute(func() (any, error) {
		return b.next.RegisterWebhook(ctx, accessToken, target)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// DeregisterWebhook implements Gateway.
func (b *Breaker) DeregisterWebhook(ctx context.Context, accessToken, webhookID string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.next.DeregisterWebhook(ctx, accessToken, webhookID)
	})
	return err
}

// RefreshToken implements Gateway.
func (b *Breaker) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	v, err := b.execute(func() (any, error) {
		return b.next.RefreshToken(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}
