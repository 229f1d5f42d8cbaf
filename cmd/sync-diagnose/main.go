// Package main implements the SyncStatus/get Lambda handler.
package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/plugincontract"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/jmap-service-sync/internal/config"
	"github.com/jarrod-lowe/jmap-service-sync/internal/stall"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
)

const methodName = "SyncStatus/get"

var logger = logging.New()

// Diagnoser reports sync health.
type Diagnoser interface {
	Diagnose(ctx context.Context, accountID string) (*stall.Diagnosis, error)
}

// handler implements the SyncStatus/get logic.
type handler struct {
	diagnoser Diagnoser
}

// newHandler creates a new handler.
func newHandler(diagnoser Diagnoser) *handler {
	return &handler{diagnoser: diagnoser}
}

// handle processes a SyncStatus/get request.
func (h *handler) handle(ctx context.Context, request plugincontract.PluginInvocationRequest) (plugincontract.PluginInvocationResponse, error) {
	tracer := tracing.Tracer("jmap-sync-diagnose")
	ctx, span := tracer.Start(ctx, "SyncDiagnoseHandler")
	defer span.End()

	if request.Method != methodName {
		return errorResponse(request.ClientID, jmaperror.UnknownMethod("This handler only supports SyncStatus/get")), nil
	}

	accountID := request.Args.StringOr("accountId", request.AccountID)
	if accountID == "" {
		return errorResponse(request.ClientID, jmaperror.InvalidArguments("accountId is required")), nil
	}

	diag, err := h.diagnoser.Diagnose(ctx, accountID)
	if errors.Is(err, syncstate.ErrNotFound) {
		return errorResponse(request.ClientID, &jmaperror.MethodError{
			ErrType:     "accountNotFound",
			Description: "Account is not connected for sync",
		}), nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to diagnose sync",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
	}

	logger.InfoContext(ctx, "SyncStatus/get completed",
		slog.String("account_id", accountID),
		slog.String("status", string(diag.Status)),
		slog.Bool("stalled", diag.IsStalled),
		slog.String("recommendation", string(diag.Recommendation)),
	)

	return plugincontract.PluginInvocationResponse{
		MethodResponse: plugincontract.MethodResponse{
			Name:     methodName,
			Args:     diag.ToMap(),
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

	// Diagnosis never dispatches, so no tick publisher is wired.
	detector := stall.NewDetector(syncstate.NewRepository(dynamoClient, cfg.TableName), nil, cfg.Stall.Threshold)

	h := newHandler(detector)
	result.Start(h.handle)
}
