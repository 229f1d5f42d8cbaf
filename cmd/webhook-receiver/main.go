// Package main implements the webhook-receiver API Gateway Lambda handler.
// It authenticates provider notifications and hands them to the ingestion
// pipeline.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
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

// Ingester accepts authenticated notifications.
type Ingester interface {
	Ingest(ctx context.Context, env *webhook.Envelope) (*webhook.IngestResult, error)
}

// handler implements the webhook-receiver logic.
type handler struct {
	ingester Ingester
	secret   string
	maxSkew  time.Duration
	now      func() time.Time
}

// newHandler creates a new handler.
func newHandler(ingester Ingester, secret string, maxSkew time.Duration) *handler {
	return &handler{
		ingester: ingester,
		secret:   secret,
		maxSkew:  maxSkew,
		now:      time.Now,
	}
}

// handle processes one webhook delivery.
func (h *handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	tracer := tracing.Tracer("jmap-sync-webhook-receiver")
	ctx, span := tracer.Start(ctx, "WebhookReceiverHandler")
	defer span.End()

	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return respond(http.StatusBadRequest, "error", "body is not valid base64"), nil
		}
		body = decoded
	}

	err := webhook.VerifySignature(h.secret,
		header(request.Headers, webhook.HeaderTimestamp),
		header(request.Headers, webhook.HeaderSignature),
		body, h.now(), h.maxSkew)
	if err != nil {
		logger.WarnContext(ctx, "Rejected webhook delivery",
			slog.String("error", err.Error()),
		)
		return respond(http.StatusUnauthorized, "error", "invalid signature"), nil
	}

	env, err := webhook.ParseEnvelope(body)
	if err != nil {
		logger.WarnContext(ctx, "Malformed webhook delivery",
			slog.String("error", err.Error()),
		)
		return respond(http.StatusBadRequest, "error", err.Error()), nil
	}

	res, err := h.ingester.Ingest(ctx, env)
	if err != nil {
		tracing.RecordError(span, err)
		logger.ErrorContext(ctx, "Failed to store webhook event",
			slog.String("account_id", env.AccountID),
			slog.String("event_id", env.ID),
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, "error", "event not stored"), nil
	}

	logger.InfoContext(ctx, "Webhook event accepted",
		slog.String("account_id", env.AccountID),
		slog.String("event_id", env.ID),
		slog.String("outcome", outcome(res)),
		slog.String("failure", res.Failure),
	)
	return respond(http.StatusAccepted, "status", outcome(res)), nil
}

// outcome names an ingest result for responses and logs.
func outcome(res *webhook.IngestResult) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.DeadLettered:
		return "dead_lettered"
	case res.Deferred:
		return "deferred"
	case res.Applied:
		return "applied"
	default:
		return "pending"
	}
}

// header looks a header up case-insensitively; API Gateway lower-cases them.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	if v, ok := headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func respond(status int, key, value string) events.APIGatewayV2HTTPResponse {
	body, _ := json.Marshal(map[string]string{key: value})
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
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
	if cfg.Webhook.Secret == "" {
		err := errors.New("WEBHOOK_SECRET is required")
		logger.Error("FATAL: Missing webhook secret", slog.String("error", err.Error()))
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

	h := newHandler(pipeline, cfg.Webhook.Secret, cfg.Webhook.MaxSkew)
	result.Start(h.handle)
}
