package syncstate

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrNotFound       = errors.New("sync state not found")
	ErrAlreadyExists  = errors.New("sync state already exists")
	ErrNotSyncing     = errors.New("account is not syncing")
	ErrLeaseHeld      = errors.New("another tick holds the lease")
	ErrLeaseLost      = errors.New("tick lease lost")
	ErrStatusConflict = errors.New("sync state status does not allow this transition")
)

// Store is the storage contract for sync state. The DynamoDB repository and
// the SQLite store both implement it.
type Store interface {
	Create(ctx context.Context, st *MailboxSyncState) error
	Get(ctx context.Context, accountID string) (*MailboxSyncState, error)
	AcquireLease(ctx context.Context, accountID, leaseID string, now, expiresAt time.Time) (*MailboxSyncState, error)
	Save(ctx context.Context, st *MailboxSyncState, heldLeaseID string) error
	TouchActivity(ctx context.Context, accountID string, at time.Time) error
	BeginBackgroundSync(ctx context.Context, accountID, runID string, now time.Time) (*MailboxSyncState, error)
	ResetForResume(ctx context.Context, accountID, runID string, now time.Time) (*MailboxSyncState, error)
	ResetCursor(ctx context.Context, accountID string, now time.Time) (*MailboxSyncState, error)
	SetWebhook(ctx context.Context, accountID, webhookID string, status WebhookStatus, now time.Time) error
	Delete(ctx context.Context, accountID string) error
}

// DynamoDBClient defines the DynamoDB operations used by the repository.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Repository stores sync state in DynamoDB.
type Repository struct {
	client    DynamoDBClient
	tableName string
}

// NewRepository creates a new Repository.
func NewRepository(client DynamoDBClient, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
	}
}

func (r *Repository) key(accountID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: dynamo.S(dynamo.AccountPK(accountID)),
		dynamo.AttrSK: dynamo.S(SKSyncState),
	}
}

// Create writes a new sync state. It fails with ErrAlreadyExists if the
// account already has one.
func (r *Repository) Create(ctx context.Context, st *MailboxSyncState) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                marshalState(st),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get retrieves the sync state for an account.
func (r *Repository) Get(ctx context.Context, accountID string) (*MailboxSyncState, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(accountID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalState(output.Item), nil
}

// AcquireLease claims the single-writer tick lease. It succeeds only while the
// account is syncing and no unexpired lease is held. On ErrNotSyncing and
// ErrLeaseHeld the current state is returned alongside the error.
func (r *Repository) AcquireLease(ctx context.Context, accountID, leaseID string, now, expiresAt time.Time) (*MailboxSyncState, error) {
	u := dynamo.NewUpdate().
		Set(AttrLeaseID, dynamo.S(leaseID)).
		Set(AttrLeaseExpiresAt, dynamo.N(expiresAt.Unix())).
		Set(AttrUpdatedAt, dynamo.Time(now))
	cond := "attribute_exists(pk) AND " + u.Name(AttrStatus) + " IN (" +
		u.Value(":initial", dynamo.S(string(StatusInitialSyncing))) + ", " +
		u.Value(":background", dynamo.S(string(StatusBackgroundSyncing))) + ") AND (attribute_not_exists(" +
		u.Name(AttrLeaseExpiresAt) + ") OR " + u.Name(AttrLeaseExpiresAt) + " < " +
		u.Value(":now", dynamo.N(now.Unix())) + ")"

	output, err := r.update(ctx, accountID, u, cond)
	if err != nil {
		if !isConditionFailed(err) {
			return nil, err
		}
		current, getErr := r.Get(ctx, accountID)
		if getErr != nil {
			return nil, getErr
		}
		if !current.Status.IsSyncing() {
			return current, ErrNotSyncing
		}
		return current, ErrLeaseHeld
	}
	return unmarshalState(output.Attributes), nil
}

// Save persists tick-owned fields. The write is conditioned on heldLeaseID
// still owning the lease; st.LeaseID empty releases it in the same write.
func (r *Repository) Save(ctx context.Context, st *MailboxSyncState, heldLeaseID string) error {
	u := dynamo.NewUpdate().
		SetOrRemove(AttrCursor, st.Cursor).
		Set(AttrStatus, dynamo.S(string(st.Status))).
		Set(AttrSyncedCount, dynamo.N(st.SyncedCount)).
		Set(AttrTotalCount, dynamo.N(st.TotalCount)).
		Set(AttrContinuationCount, dynamo.N(int64(st.ContinuationCount))).
		Set(AttrLastActivityAt, dynamo.Time(st.LastActivityAt)).
		SetOrRemove(AttrLastError, st.LastError).
		SetOrRemove(AttrLastErrorKind, string(st.LastErrorKind)).
		Set(AttrRetryCount, dynamo.N(int64(st.RetryCount))).
		Set(AttrSuppressWebhooks, &types.AttributeValueMemberBOOL{Value: st.SuppressWebhooks}).
		Set(AttrUpdatedAt, dynamo.Time(st.UpdatedAt))
	if st.LeaseID != "" {
		u.Set(AttrLeaseID, dynamo.S(st.LeaseID)).
			Set(AttrLeaseExpiresAt, dynamo.N(st.LeaseExpiresAt.Unix()))
	} else {
		u.Remove(AttrLeaseID).Remove(AttrLeaseExpiresAt)
	}
	cond := "attribute_exists(pk) AND " + u.Name(AttrLeaseID) + " = " + u.Value(":heldLease", dynamo.S(heldLeaseID))

	if _, err := r.update(ctx, st.AccountID, u, cond); err != nil {
		if isConditionFailed(err) {
			return ErrLeaseLost
		}
		return err
	}
	return nil
}

// TouchActivity bumps lastActivityAt.
func (r *Repository) TouchActivity(ctx context.Context, accountID string, at time.Time) error {
	u := dynamo.NewUpdate().
		Set(AttrLastActivityAt, dynamo.Time(at)).
		Set(AttrUpdatedAt, dynamo.Time(at))
	if _, err := r.update(ctx, accountID, u, "attribute_exists(pk)"); err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// BeginBackgroundSync starts a new incremental run on an idle account.
func (r *Repository) BeginBackgroundSync(ctx context.Context, accountID, runID string, now time.Time) (*MailboxSyncState, error) {
	u := dynamo.NewUpdate().
		Set(AttrStatus, dynamo.S(string(StatusBackgroundSyncing))).
		Set(AttrContinuationCount, dynamo.N(0)).
		Set(AttrRetryCount, dynamo.N(0)).
		Set(AttrRunID, dynamo.S(runID)).
		Set(AttrLastActivityAt, dynamo.Time(now)).
		Set(AttrUpdatedAt, dynamo.Time(now)).
		Remove(AttrLastError).
		Remove(AttrLastErrorKind)
	cond := "attribute_exists(pk) AND " + u.Name(AttrStatus) + " = " + u.Value(":idle", dynamo.S(string(StatusIdle)))

	output, err := r.update(ctx, accountID, u, cond)
	if err != nil {
		if !isConditionFailed(err) {
			return nil, err
		}
		current, getErr := r.Get(ctx, accountID)
		if getErr != nil {
			return nil, getErr
		}
		return current, ErrStatusConflict
	}
	return unmarshalState(output.Attributes), nil
}

// ResetForResume clears error state and any lease and moves the account to
// BackgroundSyncing with a fresh run, leaving the cursor untouched.
func (r *Repository) ResetForResume(ctx context.Context, accountID, runID string, now time.Time) (*MailboxSyncState, error) {
	u := dynamo.NewUpdate().
		Set(AttrStatus, dynamo.S(string(StatusBackgroundSyncing))).
		Set(AttrRetryCount, dynamo.N(0)).
		Set(AttrContinuationCount, dynamo.N(0)).
		Set(AttrRunID, dynamo.S(runID)).
		Set(AttrLastActivityAt, dynamo.Time(now)).
		Set(AttrUpdatedAt, dynamo.Time(now)).
		Remove(AttrLastError).
		Remove(AttrLastErrorKind).
		Remove(AttrLeaseID).
		Remove(AttrLeaseExpiresAt)
	return r.updateExisting(ctx, accountID, u)
}

// ResetCursor discards the cursor and all counters and leaves the account Idle.
func (r *Repository) ResetCursor(ctx context.Context, accountID string, now time.Time) (*MailboxSyncState, error) {
	u := dynamo.NewUpdate().
		Set(AttrStatus, dynamo.S(string(StatusIdle))).
		Set(AttrSyncedCount, dynamo.N(0)).
		Set(AttrTotalCount, dynamo.N(0)).
		Set(AttrContinuationCount, dynamo.N(0)).
		Set(AttrRetryCount, dynamo.N(0)).
		Set(AttrSuppressWebhooks, &types.AttributeValueMemberBOOL{Value: false}).
		Set(AttrUpdatedAt, dynamo.Time(now)).
		Remove(AttrCursor).
		Remove(AttrLastError).
		Remove(AttrLastErrorKind).
		Remove(AttrLeaseID).
		Remove(AttrLeaseExpiresAt)
	return r.updateExisting(ctx, accountID, u)
}

// SetWebhook records the provider push subscription.
func (r *Repository) SetWebhook(ctx context.Context, accountID, webhookID string, status WebhookStatus, now time.Time) error {
	u := dynamo.NewUpdate().
		SetOrRemove(AttrWebhookID, webhookID).
		Set(AttrWebhookStatus, dynamo.S(string(status))).
		Set(AttrUpdatedAt, dynamo.Time(now))
	_, err := r.updateExisting(ctx, accountID, u)
	return err
}

// Delete removes the sync state. Deleting a missing record is not an error.
func (r *Repository) Delete(ctx context.Context, accountID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(accountID),
	})
	return err
}

func (r *Repository) updateExisting(ctx context.Context, accountID string, u *dynamo.Update) (*MailboxSyncState, error) {
	output, err := r.update(ctx, accountID, u, "attribute_exists(pk)")
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return unmarshalState(output.Attributes), nil
}

func (r *Repository) update(ctx context.Context, accountID string, u *dynamo.Update, condition string) (*dynamodb.UpdateItemOutput, error) {
	return r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(accountID),
		UpdateExpression:          aws.String(u.Expression()),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  u.Names(),
		ExpressionAttributeValues: u.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// marshalState converts a MailboxSyncState to DynamoDB attribute values.
func marshalState(st *MailboxSyncState) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:         dynamo.S(st.PK()),
		dynamo.AttrSK:         dynamo.S(st.SK()),
		AttrAccountID:         dynamo.S(st.AccountID),
		AttrStatus:            dynamo.S(string(st.Status)),
		AttrSyncedCount:       dynamo.N(st.SyncedCount),
		AttrTotalCount:        dynamo.N(st.TotalCount),
		AttrContinuationCount: dynamo.N(int64(st.ContinuationCount)),
		AttrMaxContinuations:  dynamo.N(int64(st.MaxContinuations)),
		AttrLastActivityAt:    dynamo.Time(st.LastActivityAt),
		AttrRetryCount:        dynamo.N(int64(st.RetryCount)),
		AttrWebhookStatus:     dynamo.S(string(st.WebhookStatus)),
		AttrSuppressWebhooks:  &types.AttributeValueMemberBOOL{Value: st.SuppressWebhooks},
		AttrCreatedAt:         dynamo.Time(st.CreatedAt),
		AttrUpdatedAt:         dynamo.Time(st.UpdatedAt),
	}
	if st.Cursor != "" {
		item[AttrCursor] = dynamo.S(st.Cursor)
	}
	if st.LastError != "" {
		item[AttrLastError] = dynamo.S(st.LastError)
	}
	if st.LastErrorKind != ErrorKindNone {
		item[AttrLastErrorKind] = dynamo.S(string(st.LastErrorKind))
	}
	if st.WebhookID != "" {
		item[AttrWebhookID] = dynamo.S(st.WebhookID)
	}
	if st.RunID != "" {
		item[AttrRunID] = dynamo.S(st.RunID)
	}
	if st.LeaseID != "" {
		item[AttrLeaseID] = dynamo.S(st.LeaseID)
		item[AttrLeaseExpiresAt] = dynamo.N(st.LeaseExpiresAt.Unix())
	}
	return item
}

// unmarshalState converts DynamoDB attribute values to a MailboxSyncState.
func unmarshalState(item map[string]types.AttributeValue) *MailboxSyncState {
	st := &MailboxSyncState{
		AccountID:         dynamo.GetString(item, AttrAccountID),
		Cursor:            dynamo.GetString(item, AttrCursor),
		Status:            Status(dynamo.GetString(item, AttrStatus)),
		SyncedCount:       dynamo.GetInt(item, AttrSyncedCount),
		TotalCount:        dynamo.GetInt(item, AttrTotalCount),
		ContinuationCount: int(dynamo.GetInt(item, AttrContinuationCount)),
		MaxContinuations:  int(dynamo.GetInt(item, AttrMaxContinuations)),
		LastActivityAt:    dynamo.GetTime(item, AttrLastActivityAt),
		LastError:         dynamo.GetString(item, AttrLastError),
		LastErrorKind:     ErrorKind(dynamo.GetString(item, AttrLastErrorKind)),
		RetryCount:        int(dynamo.GetInt(item, AttrRetryCount)),
		WebhookID:         dynamo.GetString(item, AttrWebhookID),
		WebhookStatus:     WebhookStatus(dynamo.GetString(item, AttrWebhookStatus)),
		SuppressWebhooks:  dynamo.GetBool(item, AttrSuppressWebhooks),
		RunID:             dynamo.GetString(item, AttrRunID),
		LeaseID:           dynamo.GetString(item, AttrLeaseID),
		CreatedAt:         dynamo.GetTime(item, AttrCreatedAt),
		UpdatedAt:         dynamo.GetTime(item, AttrUpdatedAt),
	}
	if exp := dynamo.GetInt(item, AttrLeaseExpiresAt); exp > 0 {
		st.LeaseExpiresAt = time.Unix(exp, 0).UTC()
	}
	if st.MaxContinuations <= 0 {
		st.MaxContinuations = DefaultMaxContinuations
	}
	return st
}
