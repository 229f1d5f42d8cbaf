// Package main implements the SyncStatus/recover Lambda handler.
package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/plugincontract"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/jmap-service-sync/internal/config"
	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/stall"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

const methodName = "SyncStatus/recover"

var logger = logging.New()

// Recoverer applies recovery actions.
type Recoverer interface {
	Apply(ctx context.Context, accountID string, action stall.Action) (*stall.Diagnosis, error)
}

// handler implements the SyncStatus/recover logic.
type handler struct {
	recoverer Recoverer
}

// newHandler creates a new handler.
func newHandler(recoverer Recoverer) *handler {
	return &handler{recoverer: recoverer}
}

// handle processes a SyncStatus/recover request.
func (h *handler) handle(ctx context.Context, request plugincontract.PluginInvocationRequest) (plugincontract.PluginInvocationResponse, error) {
	tracer := tracing.Tracer("jmap-sync-recover")
	ctx, span := tracer.Start(ctx, "SyncRecoverHandler")
	defer span.End()

	if request.Method != methodName {
		return errorResponse(request.ClientID, jmaperror.UnknownMethod("This handler only supports SyncStatus/recover")), nil
	}

	accountID := request.Args.StringOr("accountId", request.AccountID)
	if accountID == "" {
		return errorResponse(request.ClientID, jmaperror.InvalidArguments("accountId is required")), nil
	}
	action, ok := request.Args.String("action")
	if !ok || action == "" {
		return errorResponse(request.ClientID, jmaperror.InvalidArguments("action argument is required")), nil
	}

	diag, err := h.recoverer.Apply(ctx, accountID, stall.Action(action))
	switch {
	case errors.Is(err, stall.ErrUnknownAction):
		return errorResponse(request.ClientID, jmaperror.InvalidArguments("action must be force_restart or reset_cursor")), nil
	case errors.Is(err, syncstate.ErrNotFound):
		return errorResponse(request.ClientID, &jmaperror.MethodError{
			ErrType:     "accountNotFound",
			Description: "Account is not connected for sync",
		}), nil
	case err != nil:
		logger.ErrorContext(ctx, "Failed to apply recovery action",
			slog.String("account_id", accountID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
	}

	logger.InfoContext(ctx, "SyncStatus/recover completed",
		slog.String("account_id", accountID),
		slog.String("action", action),
		slog.String("status", string(diag.Status)),
	)

	args := diag.ToMap()
	args["action"] = action
	return plugincontract.PluginInvocationResponse{
		MethodResponse: plugincontract.MethodResponse{
			Name:     methodName,
			Args:     args,
			ClientID: request.ClientID,
		},
	}, nil
}

// errorResponse creates an error response from a jmaperror.MethodError.
func errorResponse(clientID string, err *jmaperror.MethodError) plugincontract.PluginInvocationResponse {
	return plugincontract.PluginInvocationResponse{
		MethodResponse: plugincontract.MethodResponse{
			Name:     "error",
			Args:     err.ToMap(),
			ClientID: clientID,
		},
	}
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

	detector := stall.NewDetector(
		syncstate.NewRepository(dynamoClient, cfg.TableName),
		dispatch.NewSQSPublisher(sqs.NewFromConfig(result.Config), cfg.TickQueueURL),
		cfg.Stall.Threshold,
	)

	h := newHandler(detector)
	result.Start(h.handle)
}
