package main

import (
	"context"
	"errors"
	"testing"

	"github.com/jarrod-lowe/jmap-service-libs/plugincontract"

	"github.com/jarrod-lowe/jmap-service-sync/internal/stall"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

type mockDiagnoser struct {
	diagnoseFunc func(ctx context.Context, accountID string) (*stall.Diagnosis, error)
}

func (m *mockDiagnoser) Diagnose(ctx context.Context, accountID string) (*stall.Diagnosis, error) {
	if m.diagnoseFunc != nil {
		return m.diagnoseFunc(ctx, accountID)
	}
	return nil, syncstate.ErrNotFound
}

func TestWrongMethod(t *testing.T) {
	h := newHandler(&mockDiagnoser{})
	resp, err := h.handle(context.Background(), plugincontract.PluginInvocationRequest{
		Method:   "Email/get",
		ClientID: "c0",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.MethodResponse.Name != "error" {
		t.Errorf("expected error response, got %q", resp.MethodResponse.Name)
	}
	if resp.MethodResponse.Args["type"] != "unknownMethod" {
		t.Errorf("expected unknownMethod, got %v", resp.MethodResponse.Args["type"])
	}
}

func TestDiagnosis(t *testing.T) {
	var asked string
	h := newHandler(&mockDiagnoser{
		diagnoseFunc: func(ctx context.Context, accountID string) (*stall.Diagnosis, error) {
			asked = accountID
			return &stall.Diagnosis{
				AccountID:      accountID,
				Status:         syncstate.StatusBackgroundSyncing,
				IsStalled:      true,
				Recommendation: stall.ActionForceRestart,
			}, nil
		},
	})

	resp, err := h.handle(context.Background(), plugincontract.PluginInvocationRequest{
		Method:    "SyncStatus/get",
		AccountID: "user-123",
		ClientID:  "c0",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.MethodResponse.Name != "SyncStatus/get" {
		t.Fatalf("expected SyncStatus/get, got %q", resp.MethodResponse.Name)
	}
	if asked != "user-123" {
		t.Errorf("diagnosed %q, want user-123", asked)
	}
	if resp.MethodResponse.Args["isStalled"] != true {
		t.Errorf("isStalled = %v, want true", resp.MethodResponse.Args["isStalled"])
	}
	if resp.MethodResponse.Args["recommendation"] != "force_restart" {
		t.Errorf("recommendation = %v", resp.MethodResponse.Args["recommendation"])
	}
	if resp.MethodResponse.ClientID != "c0" {
		t.Errorf("ClientID = %q", resp.MethodResponse.ClientID)
	}
}

func TestAccountIDArgOverridesRequest(t *testing.T) {
	var asked string
	h := newHandler(&mockDiagnoser{
		diagnoseFunc: func(ctx context.Context, accountID string) (*stall.Diagnosis, error) {
			asked = accountID
			return &stall.Diagnosis{AccountID: accountID}, nil
		},
	})

	_, err := h.handle(context.Background(), plugincontract.PluginInvocationRequest{
		Method:    "SyncStatus/get",
		AccountID: "user-123",
		Args:      plugincontract.Args{"accountId": "user-456"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asked != "user-456" {
		t.Errorf("diagnosed %q, want user-456", asked)
	}
}

func TestAccountNotFound(t *testing.T) {
	h := newHandler(&mockDiagnoser{})
	resp, err := h.handle(context.Background(), plugincontract.PluginInvocationRequest{
		Method:    "SyncStatus/get",
		AccountID: "missing",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.MethodResponse.Args["type"] != "accountNotFound" {
		t.Errorf("expected accountNotFound, got %v", resp.MethodResponse.Args["type"])
	}
}

func TestStoreError(t *testing.T) {
	h := newHandler(&mockDiagnoser{
		diagnoseFunc: func(ctx context.Context, accountID string) (*stall.Diagnosis, error) {
			return nil, errors.New("dynamodb unavailable")
		},
	})
	resp, err := h.handle(context.Background(), plugincontract.PluginInvocationRequest{
		Method:    "SyncStatus/get",
		AccountID: "user-123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.MethodResponse.Args["type"] != "serverFail" {
		t.Errorf("expected serverFail, got %v", resp.MethodResponse.Args["type"])
	}
}
