package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoDBClient implements DynamoDBClient for testing.
type mockDynamoDBClient struct {
	getItemFunc func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	putItemFunc func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func TestRepository_Upsert_Outcomes(t *testing.T) {
	tests := []struct {
		name string
		out  *dynamodb.PutItemOutput
		err  error
		want UpsertOutcome
	}{
		{"new item", &dynamodb.PutItemOutput{}, nil, Created},
		{"changed item", &dynamodb.PutItemOutput{Attributes: map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: "ACCOUNT#user-1"}}}, nil, Updated},
		{"identical item", nil, &types.ConditionalCheckFailedException{}, Unchanged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockDynamoDBClient{
				putItemFunc: func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
					if *input.ConditionExpression != "attribute_not_exists(pk) OR #contentHash <> :hash" {
						t.Errorf("ConditionExpression = %q", *input.ConditionExpression)
					}
					if got := input.Item["sk"].(*types.AttributeValueMemberS).Value; got != "ITEM#msg-1" {
						t.Errorf("sk = %q, want %q", got, "ITEM#msg-1")
					}
					if input.ReturnValues != types.ReturnValueAllOld {
						t.Errorf("ReturnValues = %v, want ALL_OLD", input.ReturnValues)
					}
					return tt.out, tt.err
				},
			}

			repo := NewRepository(mock, "test-table")
			got, err := repo.Upsert(context.Background(), baseItem())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRepository_Upsert_DynamoDBError(t *testing.T) {
	mock := &mockDynamoDBClient{
		putItemFunc: func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, errors.New("throttled")
		},
	}

	repo := NewRepository(mock, "test-table")
	if _, err := repo.Upsert(context.Background(), baseItem()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRepository_Get(t *testing.T) {
	stored := baseItem()
	stored.ContentHash = ContentHash(stored)
	mock := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: marshalItem(stored)}, nil
		},
	}

	repo := NewRepository(mock, "test-table")
	item, err := repo.Get(context.Background(), "user-1", "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Subject != stored.Subject || len(item.Labels) != 2 {
		t.Errorf("item = %+v", item)
	}
	if ContentHash(item) != stored.ContentHash {
		t.Error("round-tripped item should hash the same")
	}
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo := NewRepository(&mockDynamoDBClient{}, "test-table")
	_, err := repo.Get(context.Background(), "user-1", "msg-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
