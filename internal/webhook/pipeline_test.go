package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/logging"

	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
	"github.com/jarrod-lowe/jmap-service-sync/internal/synctest"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhookevent"
)

var testNow = time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *synctest.Clock
	states   *synctest.States
	events   *synctest.Events
	items    *synctest.Items
	pipeline *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:  synctest.NewClock(testNow),
		states: synctest.NewStates(),
		events: synctest.NewEvents(),
		items:  synctest.NewItems(),
	}
	f.pipeline = NewPipeline(f.events, f.states, f.items, cfg, WithClock(f.clock.Now))
	return f
}

func (f *fixture) account(suppressed bool) {
	st := syncstate.NewInitial("user-1", "run-1", 100, testNow)
	if !suppressed {
		st.Status = syncstate.StatusIdle
		st.SuppressWebhooks = false
	}
	f.states.Put(st)
}

func envelope(id, data string) *Envelope {
	return &Envelope{
		ID:         id,
		AccountID:  "user-1",
		Type:       "message.changed",
		OccurredAt: testNow,
		Data:       json.RawMessage(data),
	}
}

func otherAccountEnvelope(id, data string) *Envelope {
	env := envelope(id, data)
	env.AccountID = "user-2"
	return env
}

const upsertData = `{"op":"upsert","item":{"providerItemId":"msg-1","subject":"Hello","labels":["INBOX"],"receivedAt":"2024-01-20T09:00:00Z"}}`

func TestIngest_AppliesDelta(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(false)

	res, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", upsertData))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted || !res.Applied {
		t.Errorf("result = %+v, want accepted and applied", res)
	}

	item, err := f.items.Get(context.Background(), "user-1", "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Subject != "Hello" || item.Source != mirror.SourceWebhook {
		t.Errorf("item = %+v", item)
	}
	ev, _ := f.events.Get(context.Background(), "evt_1")
	if !ev.Processed || !ev.ProcessedAt.Equal(testNow) {
		t.Errorf("event processed = %v at %v", ev.Processed, ev.ProcessedAt)
	}
	if got := f.states.Snapshot("user-1").LastActivityAt; !got.Equal(testNow) {
		t.Errorf("LastActivityAt = %v, want %v", got, testNow)
	}
}

func TestIngest_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(false)

	if _, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", upsertData)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	changed := `{"op":"upsert","item":{"providerItemId":"msg-1","subject":"Changed"}}`
	res, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", changed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted || !res.Duplicate || res.Applied {
		t.Errorf("result = %+v, want accepted duplicate", res)
	}
	if f.events.Len() != 1 {
		t.Errorf("events = %d, want 1", f.events.Len())
	}
	if f.items.Writes != 1 {
		t.Errorf("mirror writes = %d, want 1", f.items.Writes)
	}
	item, _ := f.items.Get(context.Background(), "user-1", "msg-1")
	if item.Subject != "Hello" {
		t.Errorf("Subject = %q, want first delivery kept", item.Subject)
	}
}

func TestIngest_SuppressedUntilSweep(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(true)

	res, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", upsertData))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Deferred || res.Applied {
		t.Errorf("result = %+v, want deferred", res)
	}
	if f.items.Len() != 0 {
		t.Fatal("no delta may reach the mirror while suppressed")
	}

	// Still suppressed: the sweep leaves it alone.
	f.clock.Advance(3 * time.Minute)
	sweep, err := f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.Deferred != 1 || f.items.Len() != 0 {
		t.Errorf("sweep = %+v, items = %d", sweep, f.items.Len())
	}

	// The initial sync finishes.
	f.account(false)
	sweep, err = f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.Applied != 1 {
		t.Errorf("Applied = %d, want 1", sweep.Applied)
	}
	if f.items.Len() != 1 {
		t.Errorf("items = %d, want 1", f.items.Len())
	}

	sweep, err = f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.Scanned != 0 {
		t.Errorf("Scanned = %d, want processed event gone from the pending set", sweep.Scanned)
	}
}

func TestSweep_HonoursGracePeriod(t *testing.T) {
	f := newFixture(t, Config{Grace: 2 * time.Minute})
	f.account(true)
	if _, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", upsertData)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.account(false)

	f.clock.Advance(time.Minute)
	sweep, err := f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.Scanned != 0 {
		t.Errorf("Scanned = %d, want 0 inside the grace period", sweep.Scanned)
	}
}

func TestIngest_PatchBeforeItemArrivesIsRetried(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(false)

	patch := `{"op":"patch","providerItemId":"msg-1","addLabels":["STARRED"]}`
	res, err := f.pipeline.Ingest(context.Background(), envelope("evt_2", patch))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted || res.Applied || res.Failure == "" {
		t.Errorf("result = %+v, want accepted with failure", res)
	}
	ev, _ := f.events.Get(context.Background(), "evt_2")
	if ev.Attempts != 1 || !ev.Pending() {
		t.Errorf("Attempts = %d, pending = %v, want 1 and pending", ev.Attempts, ev.Pending())
	}

	if _, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", upsertData)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.Advance(3 * time.Minute)
	sweep, err := f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.Applied != 1 {
		t.Errorf("sweep = %+v, want the patch applied", sweep)
	}
	item, _ := f.items.Get(context.Background(), "user-1", "msg-1")
	if len(item.Labels) != 2 {
		t.Errorf("Labels = %v, want INBOX and STARRED", item.Labels)
	}
}

func TestSweep_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})
	f.account(false)

	patch := `{"op":"patch","providerItemId":"missing","removeLabels":["INBOX"]}`
	if _, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", patch)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.Advance(3 * time.Minute)

	sweep, err := f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.DeadLettered != 1 {
		t.Errorf("sweep = %+v, want one dead letter", sweep)
	}
	ev, _ := f.events.Get(context.Background(), "evt_1")
	if !ev.DeadLettered || ev.Attempts != 2 {
		t.Errorf("DeadLettered = %v, Attempts = %d", ev.DeadLettered, ev.Attempts)
	}

	sweep, err = f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.Scanned != 0 {
		t.Errorf("Scanned = %d, want dead letters excluded", sweep.Scanned)
	}
}

func TestIngest_UnknownAccountIsDeadLettered(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", upsertData))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted || !res.DeadLettered || res.Failure != ReasonAccountNotConnected {
		t.Errorf("result = %+v", res)
	}
	ev, _ := f.events.Get(context.Background(), "evt_1")
	if ev.LastError != ReasonAccountNotConnected {
		t.Errorf("LastError = %q", ev.LastError)
	}
}

func TestSweep_UndecodablePayloadIsDeadLettered(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(false)
	ev := webhookevent.New("evt_1", "user-1", "message.changed", json.RawMessage(`{"op":"rename"}`), testNow)
	if err := f.events.Insert(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.Advance(3 * time.Minute)

	sweep, err := f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.DeadLettered != 1 {
		t.Errorf("sweep = %+v, want dead letter", sweep)
	}
}

func TestIngest_StoreFailureIsReturned(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(false)
	f.events.InsertErr = errors.New("table unavailable")

	if _, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", upsertData)); err == nil {
		t.Fatal("expected error")
	}
	if f.items.Len() != 0 {
		t.Error("mirror must not change when the event was not stored")
	}
}

func TestIngest_MirrorFailureIsAttempt(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(false)
	f.items.UpsertErr = errors.New("throttled")

	res, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", upsertData))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Applied || res.Failure != "throttled" {
		t.Errorf("result = %+v", res)
	}
	ev, _ := f.events.Get(context.Background(), "evt_1")
	if ev.Processed || ev.Attempts != 1 {
		t.Errorf("Processed = %v, Attempts = %d", ev.Processed, ev.Attempts)
	}
}

func TestSweep_DeferredEventsDoNotStarveOtherAccounts(t *testing.T) {
	f := newFixture(t, Config{SweepLimit: 5})
	f.account(true)
	other := syncstate.NewInitial("user-2", "run-2", 100, testNow)
	other.Status = syncstate.StatusIdle
	other.SuppressWebhooks = false
	f.states.Put(other)

	for i := 1; i <= 8; i++ {
		if _, err := f.pipeline.Ingest(context.Background(), envelope(fmt.Sprintf("evt_%02d", i), upsertData)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	f.clock.Advance(time.Second)
	patch := `{"op":"patch","providerItemId":"missing","addLabels":["STARRED"]}`
	res, err := f.pipeline.Ingest(context.Background(), otherAccountEnvelope("evt_other", patch))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failure == "" {
		t.Fatalf("result = %+v, want a failed patch", res)
	}

	f.clock.Advance(3 * time.Minute)
	sweep, err := f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.Scanned != 9 || sweep.Deferred != 8 || sweep.Failed != 1 {
		t.Errorf("sweep = %+v, want 9 scanned, 8 deferred and 1 failed", sweep)
	}
	ev, _ := f.events.Get(context.Background(), "evt_other")
	if ev.Attempts != 2 {
		t.Errorf("Attempts = %d, want the other account's event retried", ev.Attempts)
	}
	for i := 1; i <= 8; i++ {
		ev, _ := f.events.Get(context.Background(), fmt.Sprintf("evt_%02d", i))
		if !ev.Pending() || ev.Attempts != 0 {
			t.Errorf("%s pending = %v, attempts = %d, want untouched", ev.ExternalEventID, ev.Pending(), ev.Attempts)
		}
	}
}

func TestSweep_StopsAtSweepLimit(t *testing.T) {
	f := newFixture(t, Config{SweepLimit: 2})
	f.account(false)

	patch := `{"op":"patch","providerItemId":"missing","addLabels":["STARRED"]}`
	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		if _, err := f.pipeline.Ingest(context.Background(), envelope(id, patch)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	f.clock.Advance(3 * time.Minute)

	sweep, err := f.pipeline.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweep.Failed != 2 || sweep.Scanned != 2 {
		t.Errorf("sweep = %+v, want two failed", sweep)
	}
	ev, _ := f.events.Get(context.Background(), "evt_3")
	if ev.Attempts != 1 {
		t.Errorf("evt_3 Attempts = %d, want 1", ev.Attempts)
	}
}

func TestIngest_RecordFailureErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, Config{})
	f.pipeline = NewPipeline(f.events, f.states, f.items, Config{},
		WithClock(f.clock.Now),
		WithLogger(logging.New(logging.WithOutput(&buf))),
	)
	f.account(false)
	f.events.RecordFailureErr = errors.New("throttled")

	patch := `{"op":"patch","providerItemId":"missing","addLabels":["STARRED"]}`
	res, err := f.pipeline.Ingest(context.Background(), envelope("evt_1", patch))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failure == "" || res.Applied {
		t.Errorf("result = %+v, want failure", res)
	}
	if !strings.Contains(buf.String(), "Failed to record webhook event failure") || !strings.Contains(buf.String(), "throttled") {
		t.Errorf("log = %q", buf.String())
	}
}
