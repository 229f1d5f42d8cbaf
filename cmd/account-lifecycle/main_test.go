package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jarrod-lowe/jmap-service-sync/internal/account"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

type mockLifecycle struct {
	connectFunc    func(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error)
	disconnectFunc func(ctx context.Context, accountID string) error
}

func (m *mockLifecycle) Connect(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
	if m.connectFunc != nil {
		return m.connectFunc(ctx, accountID)
	}
	return &syncstate.MailboxSyncState{AccountID: accountID, Status: syncstate.StatusInitialSyncing}, nil
}

func (m *mockLifecycle) Disconnect(ctx context.Context, accountID string) error {
	if m.disconnectFunc != nil {
		return m.disconnectFunc(ctx, accountID)
	}
	return nil
}

func makeRecord(messageID, eventType, accountID string) events.SQSMessage {
	body, _ := json.Marshal(EventPayload{
		EventType:  eventType,
		OccurredAt: "2024-01-20T10:00:00Z",
		AccountID:  accountID,
	})
	return events.SQSMessage{
		MessageId: messageID,
		Body:      string(body),
	}
}

func TestHandler_Connected(t *testing.T) {
	connected := ""
	h := newHandler(&mockLifecycle{
		connectFunc: func(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
			connected = accountID
			return &syncstate.MailboxSyncState{AccountID: accountID, Status: syncstate.StatusInitialSyncing}, nil
		},
	})

	resp, err := h.handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{makeRecord("msg-1", EventAccountConnected, "user-123")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %d", len(resp.BatchItemFailures))
	}
	if connected != "user-123" {
		t.Errorf("connected %q, want user-123", connected)
	}
}

func TestHandler_Disconnected(t *testing.T) {
	disconnected := ""
	h := newHandler(&mockLifecycle{
		disconnectFunc: func(ctx context.Context, accountID string) error {
			disconnected = accountID
			return nil
		},
	})

	resp, err := h.handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{makeRecord("msg-1", EventAccountDisconnected, "user-123")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %d", len(resp.BatchItemFailures))
	}
	if disconnected != "user-123" {
		t.Errorf("disconnected %q, want user-123", disconnected)
	}
}

func TestHandler_IgnoresOtherEvents(t *testing.T) {
	h := newHandler(&mockLifecycle{
		connectFunc: func(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
			t.Fatal("Connect should not be called")
			return nil, nil
		},
	})

	resp, err := h.handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{makeRecord("msg-1", "account.created", "user-123")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %d", len(resp.BatchItemFailures))
	}
}

func TestHandler_Errors_ReportFailures(t *testing.T) {
	h := newHandler(&mockLifecycle{
		connectFunc: func(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
			return nil, account.ErrNoCredential
		},
		disconnectFunc: func(ctx context.Context, accountID string) error {
			return errors.New("delete failed")
		},
	})

	resp, err := h.handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			makeRecord("msg-1", EventAccountConnected, "user-1"),
			makeRecord("msg-2", EventAccountDisconnected, "user-2"),
			{MessageId: "msg-3", Body: "not json"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 3 {
		t.Errorf("expected 3 failures, got %d", len(resp.BatchItemFailures))
	}
}
