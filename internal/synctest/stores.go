package synctest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhookevent"
)

// States is an in-memory syncstate.Store.
type States struct {
	mu sync.Mutex
	m  map[string]syncstate.MailboxSyncState
	// SaveHook, when set, runs before every Save and can fail it.
	SaveHook func(st *syncstate.MailboxSyncState) error
	Saves    int
}

// NewStates creates an empty States.
func NewStates() *States {
	return &States{m: map[string]syncstate.MailboxSyncState{}}
}

// Put stores st unconditionally.
func (s *States) Put(st *syncstate.MailboxSyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[st.AccountID] = *st
}

// Snapshot returns a copy of the stored state, or nil.
func (s *States) Snapshot(accountID string) *syncstate.MailboxSyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[accountID]
	if !ok {
		return nil
	}
	return &st
}

func (s *States) Create(ctx context.Context, st *syncstate.MailboxSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[st.AccountID]; ok {
		return syncstate.ErrAlreadyExists
	}
	s.m[st.AccountID] = *st
	return nil
}

func (s *States) Get(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error) {
	if st := s.Snapshot(accountID); st != nil {
		return st, nil
	}
	return nil, syncstate.ErrNotFound
}

func (s *States) AcquireLease(ctx context.Context, accountID, leaseID string, now, expiresAt time.Time) (*syncstate.MailboxSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[accountID]
	if !ok {
		return nil, syncstate.ErrNotFound
	}
	if !st.Status.IsSyncing() {
		return &st, syncstate.ErrNotSyncing
	}
	if st.LeaseID != "" && st.LeaseExpiresAt.Unix() >= now.Unix() {
		return &st, syncstate.ErrLeaseHeld
	}
	st.LeaseID = leaseID
	st.LeaseExpiresAt = expiresAt
	st.UpdatedAt = now
	s.m[accountID] = st
	return &st, nil
}

func (s *States) Save(ctx context.Context, st *syncstate.MailboxSyncState, heldLeaseID string) error {
	if s.SaveHook != nil {
		if err := s.SaveHook(st); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[st.AccountID]
	if !ok || cur.LeaseID != heldLeaseID {
		return syncstate.ErrLeaseLost
	}
	cur.Cursor = st.Cursor
	cur.Status = st.Status
	cur.SyncedCount = st.SyncedCount
	cur.TotalCount = st.TotalCount
	cur.ContinuationCount = st.ContinuationCount
	cur.LastActivityAt = st.LastActivityAt
	cur.LastError = st.LastError
	cur.LastErrorKind = st.LastErrorKind
	cur.RetryCount = st.RetryCount
	cur.SuppressWebhooks = st.SuppressWebhooks
	cur.UpdatedAt = st.UpdatedAt
	cur.LeaseID = st.LeaseID
	cur.LeaseExpiresAt = time.Time{}
	if st.LeaseID != "" {
		cur.LeaseExpiresAt = st.LeaseExpiresAt
	}
	s.m[st.AccountID] = cur
	s.Saves++
	return nil
}

func (s *States) TouchActivity(ctx context.Context, accountID string, at time.Time) error {
	return s.mutate(accountID, func(st *syncstate.MailboxSyncState) error {
		st.LastActivityAt = at
		st.UpdatedAt = at
		return nil
	})
}

func (s *States) BeginBackgroundSync(ctx context.Context, accountID, runID string, now time.Time) (*syncstate.MailboxSyncState, error) {
	var out syncstate.MailboxSyncState
	err := s.mutate(accountID, func(st *syncstate.MailboxSyncState) error {
		if st.Status != syncstate.StatusIdle {
			out = *st
			return syncstate.ErrStatusConflict
		}
		st.Status = syncstate.StatusBackgroundSyncing
		st.ContinuationCount = 0
		st.RetryCount = 0
		st.RunID = runID
		st.LastActivityAt = now
		st.UpdatedAt = now
		st.ClearError()
		out = *st
		return nil
	})
	if err != nil && out.AccountID == "" {
		return nil, err
	}
	return &out, err
}

func (s *States) ResetForResume(ctx context.Context, accountID, runID string, now time.Time) (*syncstate.MailboxSyncState, error) {
	var out syncstate.MailboxSyncState
	err := s.mutate(accountID, func(st *syncstate.MailboxSyncState) error {
		st.Status = syncstate.StatusBackgroundSyncing
		st.RetryCount = 0
		st.ContinuationCount = 0
		st.RunID = runID
		st.LastActivityAt = now
		st.UpdatedAt = now
		st.ClearError()
		st.LeaseID = ""
		st.LeaseExpiresAt = time.Time{}
		out = *st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *States) ResetCursor(ctx context.Context, accountID string, now time.Time) (*syncstate.MailboxSyncState, error) {
	var out syncstate.MailboxSyncState
	err := s.mutate(accountID, func(st *syncstate.MailboxSyncState) error {
		st.Status = syncstate.StatusIdle
		st.Cursor = ""
		st.SyncedCount = 0
		st.TotalCount = 0
		st.ContinuationCount = 0
		st.RetryCount = 0
		st.SuppressWebhooks = false
		st.UpdatedAt = now
		st.ClearError()
		st.LeaseID = ""
		st.LeaseExpiresAt = time.Time{}
		out = *st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *States) SetWebhook(ctx context.Context, accountID, webhookID string, status syncstate.WebhookStatus, now time.Time) error {
	return s.mutate(accountID, func(st *syncstate.MailboxSyncState) error {
		st.WebhookID = webhookID
		st.WebhookStatus = status
		st.UpdatedAt = now
		return nil
	})
}

func (s *States) Delete(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, accountID)
	return nil
}

func (s *States) mutate(accountID string, fn func(st *syncstate.MailboxSyncState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[accountID]
	if !ok {
		return syncstate.ErrNotFound
	}
	if err := fn(&st); err != nil {
		return err
	}
	s.m[accountID] = st
	return nil
}

// Credentials is an in-memory credential.Store.
type Credentials struct {
	mu sync.Mutex
	m  map[string]credential.Record
	// ReplaceErr, when set, fails ReplaceTokens.
	ReplaceErr error
}

// NewCredentials creates an empty Credentials.
func NewCredentials() *Credentials {
	return &Credentials{m: map[string]credential.Record{}}
}

func (c *Credentials) Put(ctx context.Context, rec *credential.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[rec.AccountID] = *rec
	return nil
}

func (c *Credentials) Get(ctx context.Context, accountID string) (*credential.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.m[accountID]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return &rec, nil
}

func (c *Credentials) ListExpiring(ctx context.Context, before time.Time) ([]*credential.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*credential.Record
	for _, rec := range c.m {
		if !rec.ExpiresAt.After(before) {
			rec := rec
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (c *Credentials) ReplaceTokens(ctx context.Context, accountID, previousRefreshToken string, tokens credential.Tokens, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReplaceErr != nil {
		return c.ReplaceErr
	}
	rec, ok := c.m[accountID]
	if !ok || rec.RefreshToken != previousRefreshToken {
		return credential.ErrConcurrentUpdate
	}
	rec.AccessToken = tokens.AccessToken
	rec.RefreshToken = tokens.RefreshToken
	rec.ExpiresAt = tokens.ExpiresAt
	rec.LastRefreshedAt = at
	rec.LastRefreshAttemptAt = at
	rec.LastRefreshError = ""
	rec.UpdatedAt = at
	c.m[accountID] = rec
	return nil
}

func (c *Credentials) RecordRefreshFailure(ctx context.Context, accountID, reason string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.m[accountID]
	if !ok {
		return credential.ErrNotFound
	}
	rec.LastRefreshError = reason
	rec.LastRefreshAttemptAt = at
	rec.UpdatedAt = at
	c.m[accountID] = rec
	return nil
}

func (c *Credentials) Delete(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, accountID)
	return nil
}

// Events is an in-memory webhookevent.Store.
type Events struct {
	mu sync.Mutex
	m  map[string]webhookevent.Event
	// InsertErr, when set, fails Insert.
	InsertErr error
	// RecordFailureErr, when set, fails RecordFailure.
	RecordFailureErr error
}

// NewEvents creates an empty Events.
func NewEvents() *Events {
	return &Events{m: map[string]webhookevent.Event{}}
}

// Len returns the number of stored events.
func (e *Events) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.m)
}

func (e *Events) Insert(ctx context.Context, ev *webhookevent.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InsertErr != nil {
		return e.InsertErr
	}
	if _, ok := e.m[ev.ExternalEventID]; ok {
		return webhookevent.ErrDuplicate
	}
	e.m[ev.ExternalEventID] = *ev
	return nil
}

func (e *Events) Get(ctx context.Context, id string) (*webhookevent.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.m[id]
	if !ok {
		return nil, webhookevent.ErrNotFound
	}
	return &ev, nil
}

func (e *Events) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.m[id]
	if !ok || ev.Processed {
		return webhookevent.ErrAlreadyProcessed
	}
	ev.Processed = true
	ev.ProcessedAt = at
	e.m[id] = ev
	return nil
}

func (e *Events) RecordFailure(ctx context.Context, id, reason string, attempts int, deadLetter bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RecordFailureErr != nil {
		return e.RecordFailureErr
	}
	ev, ok := e.m[id]
	if !ok {
		return webhookevent.ErrNotFound
	}
	ev.Attempts = attempts
	ev.LastError = reason
	if deadLetter {
		ev.DeadLettered = true
	}
	e.m[id] = ev
	return nil
}

func (e *Events) ListUnprocessed(ctx context.Context, receivedBefore time.Time, after *webhookevent.Event, limit int) ([]*webhookevent.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*webhookevent.Event
	for _, ev := range e.m {
		if ev.Pending() && ev.ReceivedAt.Before(receivedBefore) && (after == nil || eventAfter(&ev, after)) {
			ev := ev
			out = append(out, &ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ExternalEventID < out[j].ExternalEventID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func eventAfter(ev, cursor *webhookevent.Event) bool {
	if ev.ReceivedAt.Equal(cursor.ReceivedAt) {
		return ev.ExternalEventID > cursor.ExternalEventID
	}
	return ev.ReceivedAt.After(cursor.ReceivedAt)
}

// Items is an in-memory mirror.Store.
type Items struct {
	mu     sync.Mutex
	m      map[string]mirror.Item
	Writes int
	// UpsertErr, when set, fails Upsert.
	UpsertErr error
}

// NewItems creates an empty Items.
func NewItems() *Items {
	return &Items{m: map[string]mirror.Item{}}
}

// Len returns the number of mirrored items across all accounts.
func (it *Items) Len() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.m)
}

func (it *Items) Upsert(ctx context.Context, item *mirror.Item) (mirror.UpsertOutcome, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.UpsertErr != nil {
		return "", it.UpsertErr
	}
	item.Labels = mirror.NormalizeLabels(item.Labels)
	item.ContentHash = mirror.ContentHash(item)
	key := item.AccountID + "/" + item.ProviderItemID
	existing, ok := it.m[key]
	if ok && existing.ContentHash == item.ContentHash {
		return mirror.Unchanged, nil
	}
	stored := *item
	stored.Labels = slices.Clone(item.Labels)
	it.m[key] = stored
	it.Writes++
	if ok {
		return mirror.Updated, nil
	}
	return mirror.Created, nil
}

func (it *Items) Get(ctx context.Context, accountID, providerItemID string) (*mirror.Item, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	item, ok := it.m[accountID+"/"+providerItemID]
	if !ok {
		return nil, mirror.ErrNotFound
	}
	item.Labels = slices.Clone(item.Labels)
	return &item, nil
}
