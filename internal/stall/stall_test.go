package stall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
	"github.com/jarrod-lowe/jmap-service-sync/internal/synctest"
)

var testNow = time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)

func newDetector(states *synctest.States, dispatcher *synctest.Dispatcher) *Detector {
	return NewDetector(states, dispatcher, 10*time.Minute,
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(synctest.Sequence("run")))
}

func stateWith(fn func(st *syncstate.MailboxSyncState)) *syncstate.MailboxSyncState {
	st := syncstate.NewInitial("user-1", "run-0", 100, testNow.Add(-time.Hour))
	st.LastActivityAt = testNow
	fn(st)
	return st
}

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name        string
		state       *syncstate.MailboxSyncState
		wantStalled bool
		wantAction  Action
	}{
		{
			name: "background sync quiet for 15m",
			state: stateWith(func(st *syncstate.MailboxSyncState) {
				st.Status = syncstate.StatusBackgroundSyncing
				st.LastActivityAt = testNow.Add(-15 * time.Minute)
			}),
			wantStalled: true,
			wantAction:  ActionForceRestart,
		},
		{
			name: "initial sync making progress",
			state: stateWith(func(st *syncstate.MailboxSyncState) {
				st.LastActivityAt = testNow.Add(-5 * time.Minute)
			}),
			wantAction: ActionNone,
		},
		{
			name: "idle for days",
			state: stateWith(func(st *syncstate.MailboxSyncState) {
				st.Status = syncstate.StatusIdle
				st.LastActivityAt = testNow.Add(-72 * time.Hour)
			}),
			wantAction: ActionNone,
		},
		{
			name: "stopped at continuation limit",
			state: stateWith(func(st *syncstate.MailboxSyncState) {
				st.Status = syncstate.StatusStopped
				st.SetError(syncstate.ErrorKindStructural, syncstate.ContinuationLimitExceeded)
			}),
			wantAction: ActionResetCursor,
		},
		{
			name: "auth error",
			state: stateWith(func(st *syncstate.MailboxSyncState) {
				st.Status = syncstate.StatusError
				st.SetError(syncstate.ErrorKindAuth, "token revoked")
			}),
			wantAction: ActionReconnect,
		},
		{
			name: "retries exhausted",
			state: stateWith(func(st *syncstate.MailboxSyncState) {
				st.Status = syncstate.StatusError
				st.SetError(syncstate.ErrorKindTransient, "provider unavailable")
			}),
			wantAction: ActionForceRestart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := synctest.NewStates()
			states.Put(tt.state)
			d := newDetector(states, &synctest.Dispatcher{})

			diag, err := d.Diagnose(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diag.IsStalled != tt.wantStalled {
				t.Errorf("IsStalled = %v, want %v", diag.IsStalled, tt.wantStalled)
			}
			if diag.Recommendation != tt.wantAction {
				t.Errorf("Recommendation = %q, want %q", diag.Recommendation, tt.wantAction)
			}
			if diag.LastError != tt.state.LastError {
				t.Errorf("LastError = %q, want verbatim %q", diag.LastError, tt.state.LastError)
			}
		})
	}
}

func TestDiagnose_DoesNotMutate(t *testing.T) {
	states := synctest.NewStates()
	states.Put(stateWith(func(st *syncstate.MailboxSyncState) {
		st.LastActivityAt = testNow.Add(-time.Hour)
	}))
	d := newDetector(states, &synctest.Dispatcher{})

	if _, err := d.Diagnose(context.Background(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if states.Snapshot("user-1").Status != syncstate.StatusInitialSyncing || states.Saves != 0 {
		t.Error("Diagnose should be read-only")
	}
}

func TestDiagnose_ProgressPercent(t *testing.T) {
	states := synctest.NewStates()
	states.Put(stateWith(func(st *syncstate.MailboxSyncState) {
		st.SyncedCount = 50
		st.TotalCount = 200
	}))
	d := newDetector(states, &synctest.Dispatcher{})

	diag, err := d.Diagnose(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diag.ProgressPercent == nil || *diag.ProgressPercent != 25 {
		t.Errorf("ProgressPercent = %v, want 25", diag.ProgressPercent)
	}

	states.Put(stateWith(func(st *syncstate.MailboxSyncState) {
		st.SyncedCount = 50
	}))
	diag, _ = d.Diagnose(context.Background(), "user-1")
	if diag.ProgressPercent != nil {
		t.Errorf("ProgressPercent = %v, want nil without an estimate", *diag.ProgressPercent)
	}
}

func TestDiagnose_NotFound(t *testing.T) {
	d := newDetector(synctest.NewStates(), &synctest.Dispatcher{})
	_, err := d.Diagnose(context.Background(), "missing")
	if !errors.Is(err, syncstate.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestForceRestart_ResumesFromCursor(t *testing.T) {
	states := synctest.NewStates()
	states.Put(stateWith(func(st *syncstate.MailboxSyncState) {
		st.Status = syncstate.StatusError
		st.SetError(syncstate.ErrorKindTransient, "provider unavailable")
		st.Cursor = "offset:300"
		st.RetryCount = 3
		st.ContinuationCount = 40
		st.LeaseID = "dead-tick"
		st.LeaseExpiresAt = testNow.Add(time.Minute)
	}))
	dispatcher := &synctest.Dispatcher{}
	d := newDetector(states, dispatcher)

	diag, err := d.Apply(context.Background(), "user-1", ActionForceRestart)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diag.Status != syncstate.StatusBackgroundSyncing {
		t.Errorf("Status = %q", diag.Status)
	}

	st := states.Snapshot("user-1")
	if st.Cursor != "offset:300" {
		t.Errorf("Cursor = %q, want untouched", st.Cursor)
	}
	if st.LastError != "" || st.RetryCount != 0 || st.ContinuationCount != 0 || st.LeaseID != "" {
		t.Errorf("state not reset: %+v", st)
	}
	if st.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", st.RunID)
	}

	msgs := dispatcher.Messages()
	want := dispatch.TickMessage{AccountID: "user-1", Reason: dispatch.ReasonRestart, ID: "run-1:0"}
	if len(msgs) != 1 || msgs[0] != want {
		t.Errorf("dispatched = %+v, want %+v", msgs, want)
	}
}

func TestResetCursor(t *testing.T) {
	states := synctest.NewStates()
	states.Put(stateWith(func(st *syncstate.MailboxSyncState) {
		st.Status = syncstate.StatusStopped
		st.SetError(syncstate.ErrorKindStructural, "history expired")
		st.Cursor = "offset:300"
		st.SyncedCount = 300
		st.TotalCount = 900
		st.ContinuationCount = 100
	}))
	dispatcher := &synctest.Dispatcher{}
	d := newDetector(states, dispatcher)

	for range 2 {
		if _, err := d.Apply(context.Background(), "user-1", ActionResetCursor); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	st := states.Snapshot("user-1")
	if st.Status != syncstate.StatusIdle || st.Cursor != "" {
		t.Errorf("Status = %q, Cursor = %q", st.Status, st.Cursor)
	}
	if st.SyncedCount != 0 || st.TotalCount != 0 || st.ContinuationCount != 0 || st.RetryCount != 0 {
		t.Errorf("counters not cleared: %+v", st)
	}
	if st.SuppressWebhooks || st.LastError != "" {
		t.Errorf("SuppressWebhooks = %v, LastError = %q", st.SuppressWebhooks, st.LastError)
	}
	if len(dispatcher.Messages()) != 0 {
		t.Error("reset_cursor should not start a sync")
	}
}

func TestApply_UnknownAction(t *testing.T) {
	states := synctest.NewStates()
	states.Put(stateWith(func(*syncstate.MailboxSyncState) {}))
	d := newDetector(states, &synctest.Dispatcher{})

	_, err := d.Apply(context.Background(), "user-1", ActionReconnect)
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("err = %v, want ErrUnknownAction", err)
	}
}

func TestDiagnosis_ToMap(t *testing.T) {
	pct := 25.0
	d := &Diagnosis{
		AccountID:       "user-1",
		Status:          syncstate.StatusError,
		Recommendation:  ActionReconnect,
		LastError:       "token revoked",
		LastErrorKind:   string(syncstate.ErrorKindAuth),
		SyncedCount:     50,
		TotalCount:      200,
		ProgressPercent: &pct,
		LastActivityAt:  testNow,
	}

	m := d.ToMap()
	if m["status"] != "Error" || m["recommendation"] != "reconnect" {
		t.Errorf("status/recommendation = %v/%v", m["status"], m["recommendation"])
	}
	if m["progressPercent"] != 25.0 {
		t.Errorf("progressPercent = %v, want 25", m["progressPercent"])
	}
	if m["lastActivityAt"] != "2024-01-20T10:00:00Z" {
		t.Errorf("lastActivityAt = %v", m["lastActivityAt"])
	}
	if m["lastErrorKind"] != "auth" {
		t.Errorf("lastErrorKind = %v", m["lastErrorKind"])
	}
	if _, ok := m["reason"]; ok {
		t.Errorf("reason should be omitted when empty")
	}

	empty := (&Diagnosis{AccountID: "user-2"}).ToMap()
	if empty["progressPercent"] != nil || empty["lastActivityAt"] != nil {
		t.Errorf("unknown values should be null, got %v/%v", empty["progressPercent"], empty["lastActivityAt"])
	}
}
