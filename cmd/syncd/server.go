package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jarrod-lowe/jmap-service-sync/internal/account"
	"github.com/jarrod-lowe/jmap-service-sync/internal/credential"
	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/orchestrator"
	"github.com/jarrod-lowe/jmap-service-sync/internal/refresh"
	"github.com/jarrod-lowe/jmap-service-sync/internal/stall"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhook"
)

// TickRunner runs orchestrator ticks.
type TickRunner interface {
	RunTick(ctx context.Context, accountID string) (*orchestrator.TickResult, error)
	StartSync(ctx context.Context, accountID string) (*orchestrator.TickResult, error)
}

// WebhookPipeline ingests and sweeps webhook events.
type WebhookPipeline interface {
	Ingest(ctx context.Context, env *webhook.Envelope) (*webhook.IngestResult, error)
	Sweep(ctx context.Context) (*webhook.SweepResult, error)
}

// EventPurger removes webhook events past their retention.
type EventPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RefreshSweeper refreshes expiring credentials.
type RefreshSweeper interface {
	Sweep(ctx context.Context) (*refresh.SweepResult, error)
}

// Recovery diagnoses and recovers accounts.
type Recovery interface {
	Diagnose(ctx context.Context, accountID string) (*stall.Diagnosis, error)
	Apply(ctx context.Context, accountID string, action stall.Action) (*stall.Diagnosis, error)
}

// Lifecycle connects and disconnects accounts.
type Lifecycle interface {
	Connect(ctx context.Context, accountID string) (*syncstate.MailboxSyncState, error)
	Disconnect(ctx context.Context, accountID string) error
}

// CredentialWriter stores credentials supplied on connect.
type CredentialWriter interface {
	Put(ctx context.Context, rec *credential.Record) error
}

// server is the local HTTP surface over the sync engine.
type server struct {
	ticks     TickRunner
	webhooks  WebhookPipeline
	purger    EventPurger
	refresher RefreshSweeper
	recovery  Recovery
	lifecycle Lifecycle
	creds     CredentialWriter
	secret    string
	maxSkew   time.Duration
	now       func() time.Time
}

type connectRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type actionRequest struct {
	Action string `json:"action" binding:"required"`
}

type tickRequest struct {
	Reason dispatch.Reason `json:"reason"`
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.POST("/webhooks", s.receiveWebhook)
	r.POST("/sweeps/webhooks", s.sweepWebhooks)
	r.POST("/sweeps/token-refresh", s.sweepTokens)

	accounts := r.Group("/accounts/:id")
	accounts.POST("/connect", s.connect)
	accounts.DELETE("", s.disconnect)
	accounts.GET("/diagnosis", s.diagnose)
	accounts.POST("/actions", s.applyAction)
	accounts.POST("/ticks", s.runTick)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoContext(c.Request.Context(), "HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (s *server) receiveWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = webhook.VerifySignature(s.secret,
		c.GetHeader(webhook.HeaderTimestamp),
		c.GetHeader(webhook.HeaderSignature),
		body, s.now(), s.maxSkew)
	if err != nil {
		logger.WarnContext(c.Request.Context(), "Rejected webhook delivery",
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	env, err := webhook.ParseEnvelope(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.webhooks.Ingest(c.Request.Context(), env)
	if err != nil {
		logger.ErrorContext(c.Request.Context(), "Failed to store webhook event",
			slog.String("account_id", env.AccountID),
			slog.String("event_id", env.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event not stored"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": ingestOutcome(res)})
}

func ingestOutcome(res *webhook.IngestResult) string {
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

func (s *server) sweepWebhooks(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := s.webhooks.Sweep(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	purged, err := s.purger.PurgeExpired(ctx, s.now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": res, "purged": purged})
}

func (s *server) sweepTokens(c *gin.Context) {
	res, err := s.refresher.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refreshed": len(res.Refreshed),
		"failed":    len(res.Failed),
		"failures":  res.Failed,
	})
}

func (s *server) connect(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("id")

	var req connectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.AccessToken != "" || req.RefreshToken != "" {
		now := s.now()
		err := s.creds.Put(ctx, &credential.Record{
			AccountID:    accountID,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
			UpdatedAt:    now,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	st, err := s.lifecycle.Connect(ctx, accountID)
	if errors.Is(err, account.ErrNoCredential) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no credential stored for account"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"accountId":     st.AccountID,
		"status":        st.Status,
		"webhookStatus": st.WebhookStatus,
	})
}

func (s *server) disconnect(c *gin.Context) {
	if err := s.lifecycle.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) diagnose(c *gin.Context) {
	diag, err := s.recovery.Diagnose(c.Request.Context(), c.Param("id"))
	if errors.Is(err, syncstate.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not connected"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, diag.ToMap())
}

func (s *server) applyAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	diag, err := s.recovery.Apply(c.Request.Context(), c.Param("id"), stall.Action(req.Action))
	switch {
	case errors.Is(err, stall.ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, syncstate.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not connected"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, diag.ToMap())
	}
}

func (s *server) runTick(c *gin.Context) {
	var req tickRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	res, err := runTick(c.Request.Context(), s.ticks, dispatch.TickMessage{
		AccountID: c.Param("id"),
		Reason:    req.Reason,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// runTick runs the tick a message asks for; resync starts a new run first.
func runTick(ctx context.Context, ticks TickRunner, msg dispatch.TickMessage) (*orchestrator.TickResult, error) {
	if msg.Reason == dispatch.ReasonResync {
		return ticks.StartSync(ctx, msg.AccountID)
	}
	return ticks.RunTick(ctx, msg.AccountID)
}
