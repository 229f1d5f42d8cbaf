// Package main implements the sync-tick SQS consumer Lambda handler.
// Each message runs one bounded orchestrator tick for an account.
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

	"github.com/jarrod-lowe/jmap-service-sync/internal/config"
	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/orchestrator"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

var logger = logging.New()

// TickRunner runs orchestrator ticks.
type TickRunner interface {
	RunTick(ctx context.Context, accountID string) (*orchestrator.TickResult, error)
	StartSync(ctx context.Context, accountID string) (*orchestrator.TickResult, error)
}

// VisibilityChanger postpones redelivery of an SQS message.
type VisibilityChanger interface {
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// handler implements the sync-tick SQS consumer logic.
type handler struct {
	runner   TickRunner
	queue    VisibilityChanger
	queueURL string
	now      func() time.Time
}

// newHandler creates a new handler.
func newHandler(runner TickRunner, queue VisibilityChanger, queueURL string) *handler {
	return &handler{runner: runner, queue: queue, queueURL: queueURL, now: time.Now}
}

// holdBack returns a not-yet-due retry tick to the queue until its
// NotBefore passes. FIFO queues cannot delay single messages, so the delay
// is applied here.
func (h *handler) holdBack(ctx context.Context, record events.SQSMessage, msg dispatch.TickMessage, wait time.Duration) {
	seconds := int32((wait + time.Second - 1) / time.Second)
	_, err := h.queue.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(h.queueURL),
		ReceiptHandle:     aws.String(record.ReceiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to postpone retry tick",
			slog.String("account_id", msg.AccountID),
			slog.String("tick_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.InfoContext(ctx, "Retry tick postponed",
		slog.String("account_id", msg.AccountID),
		slog.String("tick_id", msg.ID),
		slog.Int("delay_seconds", int(seconds)),
	)
}

// handle processes an SQS event containing tick messages.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := tracing.Tracer("jmap-sync-tick")
	ctx, span := tracer.Start(ctx, "SyncTickHandler")
	defer span.End()

	var failures []events.SQSBatchItemFailure

	for _, record := range event.Records {
		var msg dispatch.TickMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			logger.ErrorContext(ctx, "Failed to parse SQS message",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}
		if err := msg.Validate(); err != nil {
			// Redelivery cannot fix a message without an account.
			logger.ErrorContext(ctx, "Dropping invalid tick message",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			continue
		}

		if wait := msg.Delay(h.now()); wait > 0 {
			h.holdBack(ctx, record, msg, wait)
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}

		run := h.runner.RunTick
		if msg.Reason == dispatch.ReasonResync {
			run = h.runner.StartSync
		}
		res, err := run(ctx, msg.AccountID)
		if err != nil {
			logger.ErrorContext(ctx, "Sync tick failed",
				slog.String("account_id", msg.AccountID),
				slog.String("reason", string(msg.Reason)),
				slog.String("tick_id", msg.ID),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}

		if res.Skipped {
			logger.InfoContext(ctx, "Sync tick skipped",
				slog.String("account_id", msg.AccountID),
				slog.String("tick_id", msg.ID),
				slog.String("skip_reason", string(res.SkipReason)),
			)
			continue
		}
		logger.InfoContext(ctx, "Sync tick completed",
			slog.String("account_id", msg.AccountID),
			slog.String("reason", string(msg.Reason)),
			slog.String("tick_id", msg.ID),
			slog.String("status", string(res.Status)),
			slog.Int("pages", res.Pages),
			slog.Int64("synced_delta", res.SyncedDelta),
			slog.Bool("continued", res.ScheduledContinuation),
			slog.String("error_kind", string(res.ErrorKind)),
		)
	}

	logger.InfoContext(ctx, "Sync tick batch completed",
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

	states := syncstate.NewRepository(dynamoClient, cfg.TableName)
	creds := credential.NewRepository(dynamoClient, cfg.TableName)
	items := mirror.NewRepository(dynamoClient, cfg.TableName)
	sqsClient := sqs.NewFromConfig(result.Config)
	ticks := dispatch.NewSQSPublisher(sqsClient, cfg.TickQueueURL)
	ticks.RetryDelay = cfg.Sync.RetryDelay

	orch := orchestrator.New(states, creds, cfg.NewGateway(), items, ticks, cfg.Orchestrator())

	h := newHandler(orch, sqsClient, cfg.TickQueueURL)
	result.Start(h.handle)
}
