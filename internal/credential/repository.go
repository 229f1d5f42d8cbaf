package credential

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
	ErrNotFound         = errors.New("credential not found")
	ErrConcurrentUpdate = errors.New("credential changed concurrently")
)

// Store is the storage contract for credentials.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, accountID string) (*Record, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*Record, error)
	ReplaceTokens(ctx context.Context, accountID, previousRefreshToken string, tokens Tokens, at time.Time) error
	RecordRefreshFailure(ctx context.Context, accountID, reason string, at time.Time) error
	Delete(ctx context.Context, accountID string) error
}

// DynamoDBClient defines the DynamoDB operations used by the repository.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Repository stores credentials in DynamoDB.
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
		dynamo.AttrSK: dynamo.S(SKCredential),
	}
}

// Put writes a credential, replacing any existing one.
func (r *Repository) Put(ctx context.Context, rec *Record) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      marshalRecord(rec),
	})
	return err
}

// Get retrieves the credential for an account.
func (r *Repository) Get(ctx context.Context, accountID string) (*Record, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(accountID),
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalRecord(output.Item), nil
}

// ListExpiring returns every credential whose expiresAt is at or before the
// given time, oldest first.
func (r *Repository) ListExpiring(ctx context.Context, before time.Time) ([]*Record, error) {
	var records []*Record
	var startKey map[string]types.AttributeValue

	for {
		output, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(dynamo.IndexGSI1),
			KeyConditionExpression: aws.String(dynamo.AttrGSI1PK + " = :pk AND " + dynamo.AttrGSI1SK + " <= :before"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     dynamo.S(GSI1PK),
				":before": dynamo.Time(before),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query expiring credentials: %w", err)
		}
		for _, item := range output.Items {
			records = append(records, unmarshalRecord(item))
		}
		if len(output.LastEvaluatedKey) == 0 {
			return records, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// ReplaceTokens swaps in a new token pair in a single write, provided the
// stored refresh token is still previousRefreshToken.
func (r *Repository) ReplaceTokens(ctx context.Context, accountID, previousRefreshToken string, tokens Tokens, at time.Time) error {
	u := dynamo.NewUpdate().
		Set(AttrAccessToken, dynamo.S(tokens.AccessToken)).
		Set(AttrRefreshToken, dynamo.S(tokens.RefreshToken)).
		Set(AttrExpiresAt, dynamo.Time(tokens.ExpiresAt)).
		Set(dynamo.AttrGSI1SK, dynamo.Time(tokens.ExpiresAt)).
		Set(AttrLastRefreshedAt, dynamo.Time(at)).
		Set(AttrLastRefreshAttemptAt, dynamo.Time(at)).
		Set(AttrUpdatedAt, dynamo.Time(at)).
		Remove(AttrLastRefreshError)
	cond := "attribute_exists(pk) AND " + u.Name(AttrRefreshToken) + " = " + u.Value(":previous", dynamo.S(previousRefreshToken))

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(accountID),
		UpdateExpression:          aws.String(u.Expression()),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  u.Names(),
		ExpressionAttributeValues: u.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConcurrentUpdate
		}
		return err
	}
	return nil
}

// RecordRefreshFailure notes a failed refresh without touching the tokens.
func (r *Repository) RecordRefreshFailure(ctx context.Context, accountID, reason string, at time.Time) error {
	u := dynamo.NewUpdate().
		Set(AttrLastRefreshError, dynamo.S(reason)).
		Set(AttrLastRefreshAttemptAt, dynamo.Time(at)).
		Set(AttrUpdatedAt, dynamo.Time(at))

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(accountID),
		UpdateExpression:          aws.String(u.Expression()),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames:  u.Names(),
		ExpressionAttributeValues: u.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Delete removes the credential. Deleting a missing record is not an error.
func (r *Repository) Delete(ctx context.Context, accountID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(accountID),
	})
	return err
}

func marshalRecord(rec *Record) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:     dynamo.S(rec.PK()),
		dynamo.AttrSK:     dynamo.S(rec.SK()),
		dynamo.AttrGSI1PK: dynamo.S(GSI1PK),
		dynamo.AttrGSI1SK: dynamo.Time(rec.ExpiresAt),
		AttrAccountID:     dynamo.S(rec.AccountID),
		AttrAccessToken:   dynamo.S(rec.AccessToken),
		AttrRefreshToken:  dynamo.S(rec.RefreshToken),
		AttrExpiresAt:     dynamo.Time(rec.ExpiresAt),
		AttrUpdatedAt:     dynamo.Time(rec.UpdatedAt),
	}
	if !rec.LastRefreshedAt.IsZero() {
		item[AttrLastRefreshedAt] = dynamo.Time(rec.LastRefreshedAt)
	}
	if !rec.LastRefreshAttemptAt.IsZero() {
		item[AttrLastRefreshAttemptAt] = dynamo.Time(rec.LastRefreshAttemptAt)
	}
	if rec.LastRefreshError != "" {
		item[AttrLastRefreshError] = dynamo.S(rec.LastRefreshError)
	}
	return item
}

func unmarshalRecord(item map[string]types.AttributeValue) *Record {
	return &Record{
		AccountID:            dynamo.GetString(item, AttrAccountID),
		AccessToken:          dynamo.GetString(item, AttrAccessToken),
		RefreshToken:         dynamo.GetString(item, AttrRefreshToken),
		ExpiresAt:            dynamo.GetTime(item, AttrExpiresAt),
		LastRefreshedAt:      dynamo.GetTime(item, AttrLastRefreshedAt),
		LastRefreshAttemptAt: dynamo.GetTime(item, AttrLastRefreshAttemptAt),
		LastRefreshError:     dynamo.GetString(item, AttrLastRefreshError),
		UpdatedAt:            dynamo.GetTime(item, AttrUpdatedAt),
	}
}
