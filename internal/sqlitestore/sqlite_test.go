package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhookevent"
)

var testNow = time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.States().Create(context.Background(), syncstate.NewInitial("user-1", "run-1", 0, testNow)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer db.Close()
	if _, err := db.States().Get(context.Background(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStates_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	states := openTestDB(t).States()

	st := syncstate.NewInitial("user-1", "run-1", 5, testNow)
	if err := states.Create(ctx, st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := states.Create(ctx, st); !errors.Is(err, syncstate.ErrAlreadyExists) {
		t.Fatalf("second Create error = %v, want ErrAlreadyExists", err)
	}

	got, err := states.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != syncstate.StatusInitialSyncing || got.MaxContinuations != 5 || got.RunID != "run-1" {
		t.Errorf("got %+v", got)
	}
	if !got.SuppressWebhooks || got.WebhookStatus != syncstate.WebhookInactive {
		t.Errorf("webhook fields = %v/%q", got.SuppressWebhooks, got.WebhookStatus)
	}
	if !got.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testNow)
	}

	if _, err := states.Get(ctx, "missing"); !errors.Is(err, syncstate.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStates_Lease(t *testing.T) {
	ctx := context.Background()
	states := openTestDB(t).States()
	if err := states.Create(ctx, syncstate.NewInitial("user-1", "run-1", 0, testNow)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, err := states.AcquireLease(ctx, "user-1", "lease-a", testNow, testNow.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.LeaseID != "lease-a" {
		t.Errorf("LeaseID = %q, want lease-a", st.LeaseID)
	}

	_, err = states.AcquireLease(ctx, "user-1", "lease-b", testNow.Add(time.Minute), testNow.Add(6*time.Minute))
	if !errors.Is(err, syncstate.ErrLeaseHeld) {
		t.Fatalf("AcquireLease while held error = %v, want ErrLeaseHeld", err)
	}

	// An expired lease can be taken over.
	later := testNow.Add(10 * time.Minute)
	st, err = states.AcquireLease(ctx, "user-1", "lease-b", later, later.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st.Cursor = "offset:100"
	st.SyncedCount = 100
	st.LeaseID = ""
	if err := states.Save(ctx, st, "lease-a"); !errors.Is(err, syncstate.ErrLeaseLost) {
		t.Fatalf("Save with stale lease error = %v, want ErrLeaseLost", err)
	}
	if err := states.Save(ctx, st, "lease-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := states.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cursor != "offset:100" || got.SyncedCount != 100 || got.LeaseID != "" || !got.LeaseExpiresAt.IsZero() {
		t.Errorf("after release got %+v", got)
	}
	if err := states.Save(ctx, got, ""); !errors.Is(err, syncstate.ErrLeaseLost) {
		t.Errorf("Save without lease error = %v, want ErrLeaseLost", err)
	}
}

func TestStates_AcquireLeaseNotSyncing(t *testing.T) {
	ctx := context.Background()
	states := openTestDB(t).States()
	st := syncstate.NewInitial("user-1", "run-1", 0, testNow)
	st.Status = syncstate.StatusIdle
	if err := states.Create(ctx, st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := states.AcquireLease(ctx, "user-1", "lease-a", testNow, testNow.Add(time.Minute))
	if !errors.Is(err, syncstate.ErrNotSyncing) {
		t.Fatalf("error = %v, want ErrNotSyncing", err)
	}
	if got == nil || got.Status != syncstate.StatusIdle {
		t.Errorf("current state = %+v", got)
	}
	if _, err := states.AcquireLease(ctx, "missing", "lease-a", testNow, testNow.Add(time.Minute)); !errors.Is(err, syncstate.ErrNotFound) {
		t.Errorf("missing account error = %v, want ErrNotFound", err)
	}
}

func TestStates_Transitions(t *testing.T) {
	ctx := context.Background()
	states := openTestDB(t).States()
	st := syncstate.NewInitial("user-1", "run-1", 0, testNow)
	st.Status = syncstate.StatusIdle
	st.Cursor = "history:42"
	st.SyncedCount = 42
	if err := states.Create(ctx, st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := states.BeginBackgroundSync(ctx, "user-1", "run-2", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != syncstate.StatusBackgroundSyncing || got.RunID != "run-2" {
		t.Errorf("after begin got %+v", got)
	}
	if _, err := states.BeginBackgroundSync(ctx, "user-1", "run-3", testNow); !errors.Is(err, syncstate.ErrStatusConflict) {
		t.Errorf("second begin error = %v, want ErrStatusConflict", err)
	}

	got, err = states.ResetForResume(ctx, "user-1", "run-4", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.RunID != "run-4" || got.Cursor != "history:42" || got.ContinuationCount != 0 {
		t.Errorf("after resume got %+v", got)
	}

	got, err = states.ResetCursor(ctx, "user-1", testNow.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != syncstate.StatusIdle || got.Cursor != "" || got.SyncedCount != 0 || got.SuppressWebhooks {
		t.Errorf("after reset got %+v", got)
	}

	if err := states.SetWebhook(ctx, "user-1", "hook-1", syncstate.WebhookActive, testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	touched := testNow.Add(3 * time.Minute)
	if err := states.TouchActivity(ctx, "user-1", touched); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = states.Get(ctx, "user-1")
	if got.WebhookID != "hook-1" || got.WebhookStatus != syncstate.WebhookActive || !got.LastActivityAt.Equal(touched) {
		t.Errorf("after webhook/touch got %+v", got)
	}

	if err := states.TouchActivity(ctx, "missing", touched); !errors.Is(err, syncstate.ErrNotFound) {
		t.Errorf("TouchActivity(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := states.ResetCursor(ctx, "missing", touched); !errors.Is(err, syncstate.ErrNotFound) {
		t.Errorf("ResetCursor(missing) error = %v, want ErrNotFound", err)
	}

	if err := states.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := states.Delete(ctx, "user-1"); err != nil {
		t.Errorf("second Delete error = %v", err)
	}
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	creds := openTestDB(t).Credentials()

	for _, rec := range []*credential.Record{
		{AccountID: "late", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: testNow.Add(2 * time.Hour)},
		{AccountID: "soon", AccessToken: "a2", RefreshToken: "r2", ExpiresAt: testNow.Add(5 * time.Minute)},
		{AccountID: "expired", AccessToken: "a3", RefreshToken: "r3", ExpiresAt: testNow.Add(-time.Minute)},
	} {
		if err := creds.Put(ctx, rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	expiring, err := creds.ListExpiring(ctx, testNow.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(expiring) != 2 || expiring[0].AccountID != "expired" || expiring[1].AccountID != "soon" {
		t.Fatalf("ListExpiring = %+v", expiring)
	}

	tokens := credential.Tokens{AccessToken: "a2-new", RefreshToken: "r2-new", ExpiresAt: testNow.Add(time.Hour)}
	if err := creds.ReplaceTokens(ctx, "soon", "stale", tokens, testNow); !errors.Is(err, credential.ErrConcurrentUpdate) {
		t.Fatalf("ReplaceTokens with stale token error = %v, want ErrConcurrentUpdate", err)
	}
	if err := creds.RecordRefreshFailure(ctx, "soon", "boom", testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := creds.ReplaceTokens(ctx, "soon", "r2", tokens, testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := creds.Get(ctx, "soon")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AccessToken != "a2-new" || got.RefreshToken != "r2-new" || !got.ExpiresAt.Equal(tokens.ExpiresAt) {
		t.Errorf("after replace got %+v", got)
	}
	if got.LastRefreshError != "" || !got.LastRefreshedAt.Equal(testNow) {
		t.Errorf("refresh bookkeeping = %q/%v", got.LastRefreshError, got.LastRefreshedAt)
	}

	if err := creds.RecordRefreshFailure(ctx, "missing", "boom", testNow); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("RecordRefreshFailure(missing) error = %v, want ErrNotFound", err)
	}
	if err := creds.Delete(ctx, "soon"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := creds.Get(ctx, "soon"); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	events := openTestDB(t).Events()

	first := webhookevent.New("evt-1", "user-1", "message.changed", json.RawMessage(`{"op":"delete"}`), testNow)
	second := webhookevent.New("evt-2", "user-1", "message.changed", nil, testNow.Add(time.Second))
	for _, ev := range []*webhookevent.Event{second, first} {
		if err := events.Insert(ctx, ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := events.Insert(ctx, first); !errors.Is(err, webhookevent.ErrDuplicate) {
		t.Fatalf("duplicate Insert error = %v, want ErrDuplicate", err)
	}

	pending, err := events.ListUnprocessed(ctx, testNow.Add(time.Minute), nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 2 || pending[0].ExternalEventID != "evt-1" {
		t.Fatalf("ListUnprocessed = %+v", pending)
	}
	if string(pending[0].Payload) != `{"op":"delete"}` {
		t.Errorf("Payload = %s", pending[0].Payload)
	}

	limited, err := events.ListUnprocessed(ctx, testNow.Add(time.Minute), nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited ListUnprocessed returned %d events", len(limited))
	}

	resumed, err := events.ListUnprocessed(ctx, testNow.Add(time.Minute), limited[0], 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resumed) != 1 || resumed[0].ExternalEventID != "evt-2" {
		t.Errorf("ListUnprocessed after evt-1 = %+v, want evt-2", resumed)
	}

	if err := events.MarkProcessed(ctx, "evt-1", testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := events.MarkProcessed(ctx, "evt-1", testNow); !errors.Is(err, webhookevent.ErrAlreadyProcessed) {
		t.Errorf("second MarkProcessed error = %v, want ErrAlreadyProcessed", err)
	}
	if err := events.MarkProcessed(ctx, "missing", testNow); !errors.Is(err, webhookevent.ErrNotFound) {
		t.Errorf("MarkProcessed(missing) error = %v, want ErrNotFound", err)
	}

	if err := events.RecordFailure(ctx, "evt-2", "not mirrored", 10, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := events.Get(ctx, "evt-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.DeadLettered || got.Attempts != 10 || got.LastError != "not mirrored" {
		t.Errorf("after failure got %+v", got)
	}
	pending, _ = events.ListUnprocessed(ctx, testNow.Add(time.Minute), nil, 0)
	if len(pending) != 0 {
		t.Errorf("pending after process and dead-letter = %d", len(pending))
	}

	purged, err := events.PurgeExpired(ctx, testNow.Add(webhookevent.DefaultRetention))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestItems_Upsert(t *testing.T) {
	ctx := context.Background()
	items := openTestDB(t).Items()

	item := &mirror.Item{
		AccountID:      "user-1",
		ProviderItemID: "msg-1",
		Kind:           mirror.KindMessage,
		Subject:        "Hello",
		Labels:         []string{"INBOX", "UNREAD", "INBOX"},
		ReceivedAt:     testNow,
		Source:         mirror.SourceSync,
		UpdatedAt:      testNow,
	}
	tests := []struct {
		name   string
		mutate func(*mirror.Item)
		want   mirror.UpsertOutcome
	}{
		{name: "new item", mutate: func(*mirror.Item) {}, want: mirror.Created},
		{name: "same content", mutate: func(i *mirror.Item) { i.Labels = []string{"UNREAD", "INBOX"}; i.UpdatedAt = testNow.Add(time.Hour) }, want: mirror.Unchanged},
		{name: "label removed", mutate: func(i *mirror.Item) { i.Labels = []string{"INBOX"} }, want: mirror.Updated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.mutate(item)
			got, err := items.Upsert(ctx, item)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Upsert = %q, want %q", got, tt.want)
			}
		})
	}

	stored, err := items.Get(ctx, "user-1", "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored.Labels) != 1 || stored.Labels[0] != "INBOX" || stored.Subject != "Hello" {
		t.Errorf("stored = %+v", stored)
	}
	if stored.ContentHash != mirror.ContentHash(stored) {
		t.Errorf("stored hash does not match content")
	}

	if _, err := items.Get(ctx, "user-1", "missing"); !errors.Is(err, mirror.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestItems_ApplyDelta(t *testing.T) {
	ctx := context.Background()
	items := openTestDB(t).Items()

	outcome, err := mirror.Apply(ctx, items, "user-1", mirror.Delta{Op: mirror.OpDelete, ProviderItemID: "msg-9"}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != mirror.Created {
		t.Errorf("outcome = %q, want created", outcome)
	}
	got, err := items.Get(ctx, "user-1", "msg-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Deleted || got.Source != mirror.SourceWebhook || got.Labels != nil {
		t.Errorf("tombstone = %+v", got)
	}
}
