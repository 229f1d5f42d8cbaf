package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sync.Budget != 4*time.Minute {
		t.Errorf("Sync.Budget = %v, want 4m", cfg.Sync.Budget)
	}
	if cfg.Sync.MaxContinuations != 100 {
		t.Errorf("Sync.MaxContinuations = %d, want 100", cfg.Sync.MaxContinuations)
	}
	if cfg.Sync.RetryDelay != 30*time.Second {
		t.Errorf("Sync.RetryDelay = %v, want 30s", cfg.Sync.RetryDelay)
	}
	if got := cfg.TickAckWait(); got != 5*time.Minute {
		t.Errorf("TickAckWait() = %v, want 5m", got)
	}
	if cfg.Webhook.Grace != 2*time.Minute || cfg.Webhook.MaxAttempts != 10 {
		t.Errorf("Webhook = %+v", cfg.Webhook)
	}
	if cfg.Refresh.Lookahead != 15*time.Minute || cfg.Refresh.Concurrency != 4 {
		t.Errorf("Refresh = %+v", cfg.Refresh)
	}
	if cfg.Stall.Threshold != 10*time.Minute {
		t.Errorf("Stall.Threshold = %v, want 10m", cfg.Stall.Threshold)
	}
	if cfg.Local.ListenAddr != ":8080" || cfg.Local.Durable != "syncd" || cfg.Local.SweepInterval != time.Minute {
		t.Errorf("Local = %+v", cfg.Local)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("TABLE_NAME", "sync-table")
	t.Setenv("TICK_QUEUE_URL", "https://sqs.example/ticks.fifo")
	t.Setenv("SYNC_BUDGET", "90s")
	t.Setenv("SYNC_PAGE_SIZE", "25")
	t.Setenv("SYNC_RETRY_DELAY", "45s")
	t.Setenv("WEBHOOK_SECRET", "shh")
	t.Setenv("WEBHOOK_LABEL_IDS", "INBOX,SENT")
	t.Setenv("GMAIL_CLIENT_ID", "client-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TableName != "sync-table" || cfg.TickQueueURL != "https://sqs.example/ticks.fifo" {
		t.Errorf("TableName = %q, TickQueueURL = %q", cfg.TableName, cfg.TickQueueURL)
	}
	if cfg.Sync.Budget != 90*time.Second || cfg.Sync.PageSize != 25 || cfg.Sync.RetryDelay != 45*time.Second {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Webhook.Secret != "shh" {
		t.Errorf("Webhook.Secret = %q", cfg.Webhook.Secret)
	}
	if len(cfg.Webhook.LabelIDs) != 2 || cfg.Webhook.LabelIDs[1] != "SENT" {
		t.Errorf("Webhook.LabelIDs = %v", cfg.Webhook.LabelIDs)
	}
	if cfg.Gmail.ClientID != "client-1" {
		t.Errorf("Gmail.ClientID = %q", cfg.Gmail.ClientID)
	}
	if got := cfg.Orchestrator(); got.Budget != 90*time.Second || got.PageSize != 25 {
		t.Errorf("Orchestrator() = %+v", got)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	yaml := "local:\n  sqlite_path: /tmp/mirror.db\n  nats_url: nats://nats:4222\nstall:\n  threshold: 20m\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("LOCAL_NATS_URL", "nats://override:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Local.SQLitePath != "/tmp/mirror.db" {
		t.Errorf("Local.SQLitePath = %q", cfg.Local.SQLitePath)
	}
	if cfg.Local.NATSURL != "nats://override:4222" {
		t.Errorf("Local.NATSURL = %q, want environment to win", cfg.Local.NATSURL)
	}
	if cfg.Stall.Threshold != 20*time.Minute {
		t.Errorf("Stall.Threshold = %v, want 20m", cfg.Stall.Threshold)
	}
	if cfg.Local.ListenAddr != ":8080" {
		t.Errorf("Local.ListenAddr = %q, want default", cfg.Local.ListenAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error")
	}
}

func TestAccount(t *testing.T) {
	cfg := &Config{
		Webhook: WebhookConfig{Topic: "projects/p/topics/t", LabelIDs: []string{"INBOX"}},
		Sync:    SyncConfig{MaxContinuations: 7},
	}
	got := cfg.Account()
	if got.Webhook.URL != "projects/p/topics/t" || got.MaxContinuations != 7 {
		t.Errorf("Account() = %+v", got)
	}
}
