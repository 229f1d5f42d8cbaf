package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dynamo"
)

// ErrNotFound is returned when an item is not mirrored.
var ErrNotFound = errors.New("mirror item not found")

// Store is the storage contract for mirror items.
type Store interface {
	// Upsert writes the item unless an identical copy is already stored.
	Upsert(ctx context.Context, item *Item) (UpsertOutcome, error)
	Get(ctx context.Context, accountID, providerItemID string) (*Item, error)
}

// DynamoDBClient defines the DynamoDB operations used by the repository.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Repository stores mirror items in DynamoDB.
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

// Upsert writes the item when it is new or its content hash differs from the
// stored copy. A matching hash is reported as Unchanged without a write.
func (r *Repository) Upsert(ctx context.Context, item *Item) (UpsertOutcome, error) {
	item.Labels = NormalizeLabels(item.Labels)
	item.ContentHash = ContentHash(item)

	output, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                marshalItem(item),
		ConditionExpression: aws.String("attribute_not_exists(pk) OR #contentHash <> :hash"),
		ExpressionAttributeNames: map[string]string{
			"#contentHash": AttrContentHash,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":hash": dynamo.S(item.ContentHash),
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return Unchanged, nil
		}
		return "", fmt.Errorf("failed to upsert mirror item %s: %w", item.ProviderItemID, err)
	}
	if len(output.Attributes) == 0 {
		return Created, nil
	}
	return Updated, nil
}

// Get retrieves a mirrored item.
func (r *Repository) Get(ctx context.Context, accountID, providerItemID string) (*Item, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: dynamo.S(dynamo.AccountPK(accountID)),
			dynamo.AttrSK: dynamo.S(PrefixItem + providerItemID),
		},
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalItem(output.Item), nil
}

func marshalItem(item *Item) map[string]types.AttributeValue {
	av := map[string]types.AttributeValue{
		dynamo.AttrPK:      dynamo.S(item.PK()),
		dynamo.AttrSK:      dynamo.S(item.SK()),
		AttrAccountID:      dynamo.S(item.AccountID),
		AttrProviderItemID: dynamo.S(item.ProviderItemID),
		AttrKind:           dynamo.S(string(item.Kind)),
		AttrDeleted:        &types.AttributeValueMemberBOOL{Value: item.Deleted},
		AttrContentHash:    dynamo.S(item.ContentHash),
		AttrSource:         dynamo.S(string(item.Source)),
		AttrUpdatedAt:      dynamo.Time(item.UpdatedAt),
	}
	optional := map[string]string{
		AttrThreadID: item.ThreadID,
		AttrSubject:  item.Subject,
		AttrFrom:     item.From,
		AttrSnippet:  item.Snippet,
	}
	for k, v := range optional {
		if v != "" {
			av[k] = dynamo.S(v)
		}
	}
	if len(item.Labels) > 0 {
		av[AttrLabels] = &types.AttributeValueMemberSS{Value: item.Labels}
	}
	if !item.ReceivedAt.IsZero() {
		av[AttrReceivedAt] = dynamo.Time(item.ReceivedAt)
	}
	return av
}

func unmarshalItem(av map[string]types.AttributeValue) *Item {
	return &Item{
		AccountID:      dynamo.GetString(av, AttrAccountID),
		ProviderItemID: dynamo.GetString(av, AttrProviderItemID),
		Kind:           Kind(dynamo.GetString(av, AttrKind)),
		ThreadID:       dynamo.GetString(av, AttrThreadID),
		Subject:        dynamo.GetString(av, AttrSubject),
		From:           dynamo.GetString(av, AttrFrom),
		Snippet:        dynamo.GetString(av, AttrSnippet),
		Labels:         NormalizeLabels(dynamo.GetStringSet(av, AttrLabels)),
		ReceivedAt:     dynamo.GetTime(av, AttrReceivedAt),
		Deleted:        dynamo.GetBool(av, AttrDeleted),
		ContentHash:    dynamo.GetString(av, AttrContentHash),
		Source:         Source(dynamo.GetString(av, AttrSource)),
		UpdatedAt:      dynamo.GetTime(av, AttrUpdatedAt),
	}
}
