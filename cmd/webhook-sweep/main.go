// Package main implements the webhook-sweep scheduled Lambda handler.
// It re-applies webhook events that were deferred or failed on arrival.
package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/jmap-service-sync/internal/config"
	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhook"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhookevent"
)

var logger = logging.New()

// Sweeper reconciles pending webhook events.
type Sweeper interface {
	Sweep(ctx context.Context) (*webhook.SweepResult, error)
}

// handler implements the webhook-sweep logic.
type handler struct {
	sweeper Sweeper
}

// newHandler creates a new handler.
func newHandler(sweeper Sweeper) *handler {
	return &handler{sweeper: sweeper}
}

// handle runs one sweep per scheduled invocation.
func (h *handler) handle(ctx context.Context, event events.CloudWatchEvent) (*webhook.SweepResult, error) {
	tracer := tracing.Tracer("jmap-sync-webhook-sweep")
	ctx, span := tracer.Start(ctx, "WebhookSweepHandler")
	defer span.End()

	res, err := h.sweeper.Sweep(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Webhook sweep failed",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	logger.InfoContext(ctx, "Webhook sweep completed",
		slog.Int("scanned", res.Scanned),
		slog.Int("applied", res.Applied),
		slog.Int("deferred", res.Deferred),
		slog.Int("failed", res.Failed),
		slog.Int("dead_lettered", res.DeadLettered),
	)
	return res, nil
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

	pipeline := webhook.NewPipeline(
		webhookevent.NewRepository(dynamoClient, cfg.TableName),
		syncstate.NewRepository(dynamoClient, cfg.TableName),
		mirror.NewRepository(dynamoClient, cfg.TableName),
		cfg.Pipeline(),
		webhook.WithLogger(logger),
	)

	h := newHandler(pipeline)
	result.Start(h.handle)
}
