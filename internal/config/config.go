// Package config loads service configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jarrod-lowe/jmap-service-sync/internal/account"
	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/orchestrator"
	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
	"github.com/jarrod-lowe/jmap-service-sync/internal/provider/gmail"
	"github.com/jarrod-lowe/jmap-service-sync/internal/refresh"
	"github.com/jarrod-lowe/jmap-service-sync/internal/stall"
	"github.com/jarrod-lowe/jmap-service-sync/internal/syncstate"
	"github.com/jarrod-lowe/jmap-service-sync/internal/webhook"
)

// EnvConfigFile names the variable holding an optional YAML config path.
const EnvConfigFile = "CONFIG_FILE"

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	Budget           time.Duration `mapstructure:"budget"`
	SafetyMargin     time.Duration `mapstructure:"safety_margin"`
	PageSize         int           `mapstructure:"page_size"`
	RetryThreshold   int           `mapstructure:"retry_threshold"`
	MaxContinuations int           `mapstructure:"max_continuations"`
	// RetryDelay holds back the tick scheduled after a transient failure.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// WebhookConfig tunes ingestion and the provider push subscription.
type WebhookConfig struct {
	Secret      string        `mapstructure:"secret"`
	MaxSkew     time.Duration `mapstructure:"max_skew"`
	Grace       time.Duration `mapstructure:"grace"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	SweepLimit  int           `mapstructure:"sweep_limit"`
	// Topic is the push destination registered with the provider.
	Topic    string   `mapstructure:"topic"`
	LabelIDs []string `mapstructure:"label_ids"`
}

// RefreshConfig tunes the token refresh sweep.
type RefreshConfig struct {
	Lookahead   time.Duration `mapstructure:"lookahead"`
	Concurrency int           `mapstructure:"concurrency"`
}

// StallConfig tunes stall detection.
type StallConfig struct {
	Threshold time.Duration `mapstructure:"threshold"`
}

// GmailConfig holds the OAuth client and API overrides.
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
	Endpoint     string `mapstructure:"endpoint"`
}

// LocalConfig configures cmd/syncd.
type LocalConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	SQLitePath string `mapstructure:"sqlite_path"`
	NATSURL    string `mapstructure:"nats_url"`
	Durable    string `mapstructure:"durable"`
	// SweepInterval spaces the refresh and webhook sweeps.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Config is the full service configuration. Keys map to upper-case
// environment variables with dots replaced by underscores, so sync.budget
// is read from SYNC_BUDGET.
type Config struct {
	TableName    string        `mapstructure:"table_name"`
	TickQueueURL string        `mapstructure:"tick_queue_url"`
	Sync         SyncConfig    `mapstructure:"sync"`
	Webhook      WebhookConfig `mapstructure:"webhook"`
	Refresh      RefreshConfig `mapstructure:"refresh"`
	Stall        StallConfig   `mapstructure:"stall"`
	Gmail        GmailConfig   `mapstructure:"gmail"`
	Local        LocalConfig   `mapstructure:"local"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("table_name", "")
	v.SetDefault("tick_queue_url", "")

	v.SetDefault("sync.budget", orchestrator.DefaultBudget)
	v.SetDefault("sync.safety_margin", orchestrator.DefaultSafetyMargin)
	v.SetDefault("sync.page_size", orchestrator.DefaultPageSize)
	v.SetDefault("sync.retry_threshold", orchestrator.DefaultRetryThreshold)
	v.SetDefault("sync.max_continuations", syncstate.DefaultMaxContinuations)
	v.SetDefault("sync.retry_delay", dispatch.DefaultRetryDelay)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.max_skew", webhook.DefaultMaxSkew)
	v.SetDefault("webhook.grace", webhook.DefaultGrace)
	v.SetDefault("webhook.max_attempts", webhook.DefaultMaxAttempts)
	v.SetDefault("webhook.sweep_limit", webhook.DefaultSweepLimit)
	v.SetDefault("webhook.topic", "")
	v.SetDefault("webhook.label_ids", []string{"INBOX"})

	v.SetDefault("refresh.lookahead", refresh.DefaultLookahead)
	v.SetDefault("refresh.concurrency", refresh.DefaultConcurrency)

	v.SetDefault("stall.threshold", stall.DefaultThreshold)

	v.SetDefault("gmail.client_id", "")
	v.SetDefault("gmail.client_secret", "")
	v.SetDefault("gmail.token_url", "")
	v.SetDefault("gmail.endpoint", "")

	v.SetDefault("local.listen_addr", ":8080")
	v.SetDefault("local.sqlite_path", "syncd.db")
	v.SetDefault("local.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("local.durable", "syncd")
	v.SetDefault("local.sweep_interval", time.Minute)
}

// Load reads configuration from the environment, layered over the YAML file
// named by CONFIG_FILE when it is set.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(EnvConfigFile); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Orchestrator returns the orchestrator settings.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Budget:         c.Sync.Budget,
		SafetyMargin:   c.Sync.SafetyMargin,
		PageSize:       c.Sync.PageSize,
		RetryThreshold: c.Sync.RetryThreshold,
	}
}

// TickAckWait is how long a JetStream tick delivery may stay unacked: the
// tick budget plus a minute of slack.
func (c *Config) TickAckWait() time.Duration {
	return c.Sync.Budget + time.Minute
}

// Pipeline returns the webhook pipeline settings.
func (c *Config) Pipeline() webhook.Config {
	return webhook.Config{
		Grace:       c.Webhook.Grace,
		MaxAttempts: c.Webhook.MaxAttempts,
		SweepLimit:  c.Webhook.SweepLimit,
	}
}

// RefreshSettings returns the refresh sweep settings.
func (c *Config) RefreshSettings() refresh.Config {
	return refresh.Config{
		Lookahead:   c.Refresh.Lookahead,
		Concurrency: c.Refresh.Concurrency,
	}
}

// Account returns the lifecycle settings.
func (c *Config) Account() account.Config {
	return account.Config{
		Webhook: provider.WebhookTarget{
			URL:      c.Webhook.Topic,
			Triggers: c.Webhook.LabelIDs,
		},
		MaxContinuations: c.Sync.MaxContinuations,
	}
}

// NewGateway builds the Gmail gateway behind a circuit breaker.
func (c *Config) NewGateway() *provider.Breaker {
	gw := gmail.New(gmail.Config{
		ClientID:     c.Gmail.ClientID,
		ClientSecret: c.Gmail.ClientSecret,
		TokenURL:     c.Gmail.TokenURL,
		Endpoint:     c.Gmail.Endpoint,
	})
	return provider.NewBreaker(gw, provider.DefaultBreakerSettings("gmail"))
}
