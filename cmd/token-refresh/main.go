// Package main implements the token-refresh scheduled Lambda handler.
// It renews OAuth credentials that are about to expire.
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
	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
	"github.com/jarrod-lowe/jmap-service-sync/internal/refresh"
)

var logger = logging.New()

// Sweeper refreshes expiring credentials.
type Sweeper interface {
	Sweep(ctx context.Context) (*refresh.SweepResult, error)
}

// Response is the invocation result.
type Response struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// handler implements the token-refresh logic.
type handler struct {
	sweeper Sweeper
}

// newHandler creates a new handler.
func newHandler(sweeper Sweeper) *handler {
	return &handler{sweeper: sweeper}
}

// handle runs one refresh sweep per scheduled invocation.
func (h *handler) handle(ctx context.Context, event events.CloudWatchEvent) (Response, error) {
	tracer := tracing.Tracer("jmap-sync-token-refresh")
	ctx, span := tracer.Start(ctx, "TokenRefreshHandler")
	defer span.End()

	res, err := h.sweeper.Sweep(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Token refresh sweep failed",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return Response{}, err
	}

	for _, f := range res.Failed {
		logger.WarnContext(ctx, "Token refresh failed",
			slog.String("account_id", f.AccountID),
			slog.String("reason", f.Reason),
		)
	}

	logger.InfoContext(ctx, "Token refresh sweep completed",
		slog.Int("refreshed", len(res.Refreshed)),
		slog.Int("failed", len(res.Failed)),
	)
	return Response{Refreshed: len(res.Refreshed), Failed: len(res.Failed)}, nil
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

	scheduler := refresh.NewScheduler(
		credential.NewRepository(dynamoClient, cfg.TableName),
		cfg.NewGateway(),
		cfg.RefreshSettings(),
	)

	h := newHandler(scheduler)
	result.Start(h.handle)
}
