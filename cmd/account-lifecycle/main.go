// Package main implements the account-lifecycle SQS consumer Lambda handler.
// It starts syncing connected accounts and tears down disconnected ones.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/jmap-service-sync/internal/account"
	"github.com/jarrod-lowe/jmap-service-sync/internal/config"
	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

var logger = logging.New()

// Lifecycle event types.
const (
	EventAccountConnected    = "account.connected"
	EventAccountDisconnected = "account.disconnected"
)

// EventPayload represents an account event from the connection service.
type EventPayload struct {
	EventType  string         `json:"eventType"`
	OccurredAt string         `json:"occurredAt"`
	AccountID  string         `json:"accountId"`
	Data       map[string]any `json:"data,omitempty"`
}

// Lifecycle connects and disconnects accounts.
type Lifecycle interface {
	Connect(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error)
	Disconnect(ctx context.Context, accountID string) error
}

// handler implements the account-lifecycle SQS consumer logic.
type handler struct {
	lifecycle Lifecycle
}

// newHandler creates a new handler.
func newHandler(lifecycle Lifecycle) *handler {
	return &handler{lifecycle: lifecycle}
}

// handle processes an SQS event containing account event messages.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := tracing.Tracer("jmap-sync-account-lifecycle")
	ctx, span := tracer.Start(ctx, "AccountLifecycleHandler")
	defer span.End()

	var failures []events.SQSBatchItemFailure

	for _, record := range event.Records {
		var payload EventPayload
		if err := json.Unmarshal([]byte(record.Body), &payload); err != nil {
			logger.ErrorContext(ctx, "Failed to parse SQS message",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}

		var err error
		switch payload.EventType {
		case EventAccountConnected:
			var st *syncstate.MailboxSyncState
			st, err = h.lifecycle.Connect(ctx, payload.AccountID)
			if err == nil {
				logger.InfoContext(ctx, "Account connected",
					slog.String("account_id", payload.AccountID),
					slog.String("status", string(st.Status)),
					slog.String("webhook_status", string(st.WebhookStatus)),
				)
			}
		case EventAccountDisconnected:
			err = h.lifecycle.Disconnect(ctx, payload.AccountID)
			if err == nil {
				logger.InfoContext(ctx, "Account disconnected",
					slog.String("account_id", payload.AccountID),
				)
			}
		default:
			logger.InfoContext(ctx, "Ignoring unrelated account event",
				slog.String("event_type", payload.EventType),
				slog.String("account_id", payload.AccountID),
			)
			continue
		}

		if err != nil {
			logger.ErrorContext(ctx, "Failed to handle account event",
				slog.String("event_type", payload.EventType),
				slog.String("account_id", payload.AccountID),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	logger.InfoContext(ctx, "Account lifecycle batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("failures", len(failures)),
	)

	return events.SQSEventResponse{
		BatchItemFailures: failures,
	}, nil
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("FATAL: Failed to load config", slog.String("error", err.Error()))
		panic(err)
	}

	dynamoClient := dbclient.NewClient(result.Config)

	// Warm the DynamoDB connection during init
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, _ = dynamoClient.GetItem(warmCtx, &dynamodb.GetItemInput{
		TableName: aws.String(cfg.TableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "WARMUP"},
			"sk": &types.AttributeValueMemberS{Value: "WARMUP"},
		},
	})
	cancel()

	lifecycle := account.New(
		syncstate.NewRepository(dynamoClient, cfg.TableName),
		credential.NewRepository(dynamoClient, cfg.TableName),
		cfg.NewGateway(),
		dispatch.NewSQSPublisher(sqs.NewFromConfig(result.Config), cfg.TickQueueURL),
		cfg.Account(),
	)

	h := newHandler(lifecycle)
	result.Start(h.handle)
}
