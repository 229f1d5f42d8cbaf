// Package main runs the sync engine as a single local daemon: SQLite for
// state, NATS JetStream for ticks and an HTTP surface for webhooks, sweeps
// and recovery.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/jmap-service-sync/internal/account"
	"github.com/jarrod-lowe/jmap-service-sync/internal/config"
	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/orchestrator"
	"github.com/jarrod-lowe/jmap-service-sync/internal/refresh"
	"github.com/jarrod-lowe/jmap-service-sync/internal/sqlitestore"
	"github.com/jarrod-lowe/jmap-service-sync/internal/stall"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhook"
)

var logger = logging.New()

func main() {
	if err := run(); err != nil {
		logger.Error("FATAL: syncd stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Webhook.Secret == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}

	db, err := sqlitestore.Open(cfg.Local.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	nc, err := nats.Connect(cfg.Local.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Drain()

	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	ticks := dispatch.NewJetStreamPublisher(js)
	ticks.RetryDelay = cfg.Sync.RetryDelay
	ticks.AckWait = cfg.TickAckWait()
	if err := ticks.EnsureStream(); err != nil {
		return err
	}

	states := db.States()
	creds := db.Credentials()
	gateway := cfg.NewGateway()

	orch := orchestrator.New(states, creds, gateway, db.Items(), ticks, cfg.Orchestrator())
	pipeline := webhook.NewPipeline(db.Events(), states, db.Items(), cfg.Pipeline(), webhook.WithLogger(logger))
	scheduler := refresh.NewScheduler(creds, gateway, cfg.RefreshSettings())
	detector := stall.NewDetector(states, ticks, cfg.Stall.Threshold)
	lifecycle := account.New(states, creds, gateway, ticks, cfg.Account())

	sub, err := ticks.Subscribe(ctx, cfg.Local.Durable, func(ctx context.Context, msg dispatch.TickMessage) error {
		res, err := runTick(ctx, orch, msg)
		if err != nil {
			logger.ErrorContext(ctx, "Sync tick failed",
				slog.String("account_id", msg.AccountID),
				slog.String("reason", string(msg.Reason)),
				slog.String("tick_id", msg.ID),
				slog.String("error", err.Error()),
			)
			return err
		}
		logger.InfoContext(ctx, "Sync tick completed",
			slog.String("account_id", msg.AccountID),
			slog.String("tick_id", msg.ID),
			slog.String("status", string(res.Status)),
			slog.Bool("skipped", res.Skipped),
			slog.Bool("continued", res.ScheduledContinuation),
		)
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	gin.SetMode(gin.ReleaseMode)
	srv := &server{
		ticks:     orch,
		webhooks:  pipeline,
		purger:    db.Events(),
		refresher: scheduler,
		recovery:  detector,
		lifecycle: lifecycle,
		creds:     creds,
		secret:    cfg.Webhook.Secret,
		maxSkew:   cfg.Webhook.MaxSkew,
		now:       time.Now,
	}
	httpServer := &http.Server{
		Addr:              cfg.Local.ListenAddr,
		Handler:           otelhttp.NewHandler(srv.routes(), "syncd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("syncd listening", slog.String("addr", cfg.Local.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweepLoop(gctx, cfg.Local.SweepInterval, pipeline, db.Events(), scheduler)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sweepLoop runs the webhook and token refresh sweeps until ctx is done. A
// non-positive interval disables them; POST /sweeps/* still works.
func sweepLoop(ctx context.Context, interval time.Duration, webhooks WebhookPipeline, purger EventPurger, refresher RefreshSweeper) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runSweeps(ctx, webhooks, purger, refresher, time.Now())
		}
	}
}

func runSweeps(ctx context.Context, webhooks WebhookPipeline, purger EventPurger, refresher RefreshSweeper, now time.Time) {
	if res, err := webhooks.Sweep(ctx); err != nil {
		logger.ErrorContext(ctx, "Webhook sweep failed", slog.String("error", err.Error()))
	} else if res.Scanned > 0 {
		logger.InfoContext(ctx, "Webhook sweep completed",
			slog.Int("scanned", res.Scanned),
			slog.Int("applied", res.Applied),
			slog.Int("dead_lettered", res.DeadLettered),
		)
	}

	if purged, err := purger.PurgeExpired(ctx, now); err != nil {
		logger.ErrorContext(ctx, "Webhook event purge failed", slog.String("error", err.Error()))
	} else if purged > 0 {
		logger.InfoContext(ctx, "Purged expired webhook events", slog.Int64("count", purged))
	}

	if res, err := refresher.Sweep(ctx); err != nil {
		logger.ErrorContext(ctx, "Token refresh sweep failed", slog.String("error", err.Error()))
	} else {
		for _, f := range res.Failed {
			logger.WarnContext(ctx, "Token refresh failed",
				slog.String("account_id", f.AccountID),
				slog.String("reason", f.Reason),
			)
		}
	}
}
