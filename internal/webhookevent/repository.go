package webhookevent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrDuplicate        = errors.New("webhook event already recorded")
	ErrNotFound         = errors.New("webhook event not found")
	ErrAlreadyProcessed = errors.New("webhook event already processed")
)

// Store is the storage contract for the webhook event log.
type Store interface {
	Insert(ctx context.Context, ev *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id, reason string, attempts int, deadLetter bool) error
	ListUnprocessed(ctx context.Context, receivedBefore time.Time, after *Event, limit int) ([]*Event, error)
}

// DynamoDBClient defines the DynamoDB operations used by the repository.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Repository stores webhook events in DynamoDB.
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

func (r *Repository) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: dynamo.S(dynamo.PrefixWebhook + id),
		dynamo.AttrSK: dynamo.S(SKEvent),
	}
}

// Insert records a new event. An event with the same external id yields
// ErrDuplicate and leaves the stored row untouched.
func (r *Repository) Insert(ctx context.Context, ev *Event) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                marshalEvent(ev),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

// Get retrieves an event by its external id.
func (r *Repository) Get(ctx context.Context, id string) (*Event, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(id),
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalEvent(output.Item), nil
}

// MarkProcessed flags a pending event as applied and drops it from the
// pending index.
func (r *Repository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	u := dynamo.NewUpdate().
		Set(AttrProcessed, &types.AttributeValueMemberBOOL{Value: true}).
		Set(AttrProcessedAt, dynamo.Time(at)).
		Remove(dynamo.AttrGSI1PK).
		Remove(dynamo.AttrGSI1SK)
	cond := "attribute_exists(pk) AND " + u.Name(AttrProcessed) + " = " + u.Value(":notProcessed", &types.AttributeValueMemberBOOL{Value: false})

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(id),
		UpdateExpression:          aws.String(u.Expression()),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  u.Names(),
		ExpressionAttributeValues: u.Values(),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}

// RecordFailure stores the outcome of a failed application attempt. With
// deadLetter set the event leaves the pending index for good.
func (r *Repository) RecordFailure(ctx context.Context, id, reason string, attempts int, deadLetter bool) error {
	u := dynamo.NewUpdate().
		Set(AttrAttempts, dynamo.N(int64(attempts))).
		Set(AttrLastError, dynamo.S(reason))
	if deadLetter {
		u.Set(AttrDeadLettered, &types.AttributeValueMemberBOOL{Value: true}).
			Remove(dynamo.AttrGSI1PK).
			Remove(dynamo.AttrGSI1SK)
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(id),
		UpdateExpression:          aws.String(u.Expression()),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames:  u.Names(),
		ExpressionAttributeValues: u.Values(),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ListUnprocessed returns up to limit pending events received before the
// given time, oldest first. A non-nil after resumes the listing past that
// event.
func (r *Repository) ListUnprocessed(ctx context.Context, receivedBefore time.Time, after *Event, limit int) ([]*Event, error) {
	keyCond := dynamo.AttrGSI1PK + " = :pk AND " + dynamo.AttrGSI1SK + " < :before"
	values := map[string]types.AttributeValue{
		":pk":     dynamo.S(GSI1PKPending),
		":before": dynamo.Time(receivedBefore),
	}
	var cursor string
	if after != nil {
		// Sort keys carry a "#<id>" suffix, so BETWEEN still excludes the
		// :before second itself.
		cursor = pendingSortKey(after)
		keyCond = dynamo.AttrGSI1PK + " = :pk AND " + dynamo.AttrGSI1SK + " BETWEEN :after AND :before"
		values[":after"] = dynamo.S(cursor)
	}

	var events []*Event
	var startKey map[string]types.AttributeValue

	for {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(r.tableName),
			IndexName:                 aws.String(dynamo.IndexGSI1),
			KeyConditionExpression:    aws.String(keyCond),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		}
		if limit > 0 {
			pageSize := limit - len(events)
			if cursor != "" {
				// Room for the cursor event itself.
				pageSize++
			}
			input.Limit = aws.Int32(int32(pageSize))
		}

		output, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query pending webhook events: %w", err)
		}
		for _, item := range output.Items {
			if sk, ok := item[dynamo.AttrGSI1SK].(*types.AttributeValueMemberS); ok && cursor != "" && sk.Value == cursor {
				continue
			}
			if limit > 0 && len(events) >= limit {
				break
			}
			events = append(events, unmarshalEvent(item))
		}
		if len(output.LastEvaluatedKey) == 0 || (limit > 0 && len(events) >= limit) {
			return events, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func pendingSortKey(ev *Event) string {
	return dynamo.Time(ev.ReceivedAt).Value + "#" + ev.ExternalEventID
}

func marshalEvent(ev *Event) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:       dynamo.S(ev.PK()),
		dynamo.AttrSK:       dynamo.S(ev.SK()),
		AttrExternalEventID: dynamo.S(ev.ExternalEventID),
		AttrAccountID:       dynamo.S(ev.AccountID),
		AttrEventType:       dynamo.S(ev.EventType),
		AttrPayload:         dynamo.S(string(ev.Payload)),
		AttrReceivedAt:      dynamo.Time(ev.ReceivedAt),
		AttrProcessed:       &types.AttributeValueMemberBOOL{Value: ev.Processed},
		AttrAttempts:        dynamo.N(int64(ev.Attempts)),
		AttrDeadLettered:    &types.AttributeValueMemberBOOL{Value: ev.DeadLettered},
	}
	if !ev.ExpiresAt.IsZero() {
		item[dynamo.AttrTTL] = dynamo.N(ev.ExpiresAt.Unix())
	}
	if !ev.ProcessedAt.IsZero() {
		item[AttrProcessedAt] = dynamo.Time(ev.ProcessedAt)
	}
	if ev.LastError != "" {
		item[AttrLastError] = dynamo.S(ev.LastError)
	}
	if ev.Pending() {
		item[dynamo.AttrGSI1PK] = dynamo.S(GSI1PKPending)
		item[dynamo.AttrGSI1SK] = dynamo.S(pendingSortKey(ev))
	}
	return item
}

func unmarshalEvent(item map[string]types.AttributeValue) *Event {
	ev := &Event{
		ExternalEventID: dynamo.GetString(item, AttrExternalEventID),
		AccountID:       dynamo.GetString(item, AttrAccountID),
		EventType:       dynamo.GetString(item, AttrEventType),
		ReceivedAt:      dynamo.GetTime(item, AttrReceivedAt),
		Processed:       dynamo.GetBool(item, AttrProcessed),
		ProcessedAt:     dynamo.GetTime(item, AttrProcessedAt),
		Attempts:        int(dynamo.GetInt(item, AttrAttempts)),
		LastError:       dynamo.GetString(item, AttrLastError),
		DeadLettered:    dynamo.GetBool(item, AttrDeadLettered),
	}
	if p := dynamo.GetString(item, AttrPayload); p != "" {
		ev.Payload = []byte(p)
	}
	if ttl := dynamo.GetInt(item, dynamo.AttrTTL); ttl > 0 {
		ev.ExpiresAt = time.Unix(ttl, 0).UTC()
	}
	return ev
}
