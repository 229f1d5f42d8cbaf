package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jarrod-lowe/jmap-service-sync/internal/webhook"
)

type mockSweeper struct {
	sweepFunc func(ctx context.Context) (*webhook.SweepResult, error)
}

func (m *mockSweeper) Sweep(ctx context.Context) (*webhook.SweepResult, error) {
	if m.sweepFunc != nil {
		return m.sweepFunc(ctx)
	}
	return &webhook.SweepResult{}, nil
}

func TestHandler_ReturnsSweepResult(t *testing.T) {
	h := newHandler(&mockSweeper{
		sweepFunc: func(ctx context.Context) (*webhook.SweepResult, error) {
			return &webhook.SweepResult{Scanned: 4, Applied: 2, Deferred: 1, Failed: 1}, nil
		},
	})

	res, err := h.handle(context.Background(), events.CloudWatchEvent{ID: "evt-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Scanned != 4 || res.Applied != 2 || res.Deferred != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestHandler_SweepError(t *testing.T) {
	h := newHandler(&mockSweeper{
		sweepFunc: func(ctx context.Context) (*webhook.SweepResult, error) {
			return nil, errors.New("query failed")
		},
	})

	if _, err := h.handle(context.Background(), events.CloudWatchEvent{}); err == nil {
		t.Fatal("expected error")
	}
}
