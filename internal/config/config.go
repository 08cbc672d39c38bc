// Package config loads the control plane's configuration from YAML plus
// environment overrides, mirroring the nested-struct approach of the
// teacher's internal/config package. Every environment variable named in
// spec.md §6 maps to a field here; an absent variable disables the
// feature it gates rather than inventing a value.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration object, built once at process start and
// passed by value (or as a single *Config) through the dependency graph —
// no package-level singletons.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Node       NodeConfig       `yaml:"node"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Billing    BillingConfig    `yaml:"billing"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Affiliate  AffiliateConfig  `yaml:"affiliate"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	PlatformDomain  string `yaml:"platform_domain"`
	FleetAPIToken   string `yaml:"-"` // FLEET_API_TOKEN, env only
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
}

type DatabaseConfig struct {
	DSN string `yaml:"-"` // PLATFORM_DB_PATH, env only
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type GatewayConfig struct {
	DefaultRateLimitPerMin int     `yaml:"default_rate_limit_per_min"`
	BodyLimitLLMBytes      int64   `yaml:"body_limit_llm_bytes"`
	BodyLimitMediaBytes    int64   `yaml:"body_limit_media_bytes"`
	BodyLimitAudioBytes    int64   `yaml:"body_limit_audio_bytes"`
	BodyLimitWebhookBytes  int64   `yaml:"body_limit_webhook_bytes"`
	CircuitBreakerWindow   int     `yaml:"circuit_breaker_window_sec"`
	CircuitBreakerThresh   int     `yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetSec int     `yaml:"circuit_breaker_reset_sec"`
	DefaultMargin          float64 `yaml:"default_margin"`
	TwilioAuthToken        string  `yaml:"-"` // env only, never logged
	WebhookBaseURL         string  `yaml:"webhook_base_url"`
}

type NodeConfig struct {
	StaticSecret     string `yaml:"-"` // NODE_SECRET, env only
	HeartbeatGraceMS int    `yaml:"heartbeat_grace_ms"`
}

type SnapshotConfig struct {
	Dir   string `yaml:"dir"`    // SNAPSHOT_DIR
	DBDSN string `yaml:"-"`      // SNAPSHOT_DB_PATH, env only
}

type BillingConfig struct {
	PerBotDailyCents int64 `yaml:"per_bot_daily_cents"`
}

type WebhookConfig struct {
	CloudTasksQueue  string `yaml:"cloud_tasks_queue"`
	CloudTasksProjID string `yaml:"cloud_tasks_project"`
	CloudTasksLoc    string `yaml:"cloud_tasks_location"`
	PubSubProjectID  string `yaml:"pubsub_project"`
	PubSubTopic      string `yaml:"pubsub_topic"`
}

type AffiliateConfig struct {
	BaseURL string `yaml:"-"` // AFFILIATE_BASE_URL, env only
}

type MonitoringConfig struct {
	SentryDSN string `yaml:"-"` // SENTRY_DSN, env only
}

// ObjectStoreConfig gates internal/objectstore the same way Redis is
// gated: absence disables the feature (snapshots stay local-disk-only)
// rather than the process
// refusing to start.
type ObjectStoreConfig struct {
	ProjectURL string `yaml:"-"` // SUPABASE_URL, env only
	ServiceKey string `yaml:"-"` // SUPABASE_SERVICE_KEY, env only
	Bucket     string `yaml:"bucket"`
}

// Load reads an optional YAML file at path (skipped silently if it does not
// exist — a fresh checkout has no config file yet) then overlays it with
// environment variables, loading a local .env first via godotenv exactly as
// the teacher's cmd/server/main.go does.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best effort; absence is normal outside dev

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Env:             "development",
			PlatformDomain:  "wopr.bot",
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 30,
			IdleTimeoutSec:  120,
		},
		Gateway: GatewayConfig{
			DefaultRateLimitPerMin: 60,
			BodyLimitLLMBytes:      1 << 20,
			BodyLimitMediaBytes:    20 << 20,
			BodyLimitAudioBytes:    10 << 20,
			BodyLimitWebhookBytes:  64 << 10,
			CircuitBreakerWindow:   10,
			CircuitBreakerThresh:   20,
			CircuitBreakerResetSec: 30,
			DefaultMargin:          1.3,
		},
		Node: NodeConfig{
			HeartbeatGraceMS: 90_000,
		},
		Billing: BillingConfig{
			PerBotDailyCents: 17,
		},
		ObjectStore: ObjectStoreConfig{
			Bucket: "bot-snapshots",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			} else {
				slog.Warn("config: ignoring malformed integer env var", "key", key, "value", v)
			}
		}
	}

	str("PLATFORM_DOMAIN", &cfg.Server.PlatformDomain)
	str("FLEET_API_TOKEN", &cfg.Server.FleetAPIToken)
	str("NODE_SECRET", &cfg.Node.StaticSecret)
	str("PLATFORM_DB_PATH", &cfg.Database.DSN)
	str("SNAPSHOT_DIR", &cfg.Snapshot.Dir)
	str("SNAPSHOT_DB_PATH", &cfg.Snapshot.DBDSN)
	str("AFFILIATE_BASE_URL", &cfg.Affiliate.BaseURL)
	str("SENTRY_DSN", &cfg.Monitoring.SentryDSN)
	str("TWILIO_AUTH_TOKEN", &cfg.Gateway.TwilioAuthToken)
	str("WEBHOOK_BASE_URL", &cfg.Gateway.WebhookBaseURL)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("SUPABASE_URL", &cfg.ObjectStore.ProjectURL)
	str("SUPABASE_SERVICE_KEY", &cfg.ObjectStore.ServiceKey)

	// WOPR_HOME_BASE / FLEET_DATA_DIR gate the snapshot directory root
	// when SNAPSHOT_DIR isn't set directly.
	if cfg.Snapshot.Dir == "" {
		if base, ok := os.LookupEnv("WOPR_HOME_BASE"); ok {
			cfg.Snapshot.Dir = strings.TrimRight(base, "/") + "/snapshots"
		} else if base, ok := os.LookupEnv("FLEET_DATA_DIR"); ok {
			cfg.Snapshot.Dir = strings.TrimRight(base, "/") + "/snapshots"
		}
	}

	perBot := cfg.Billing.PerBotDailyCents
	i64("PER_BOT_DAILY_CENTS", &perBot)
	cfg.Billing.PerBotDailyCents = perBot
}

// Enabled reports whether a feature gated by an optional env var has a
// non-empty value — used instead of panicking when e.g. SENTRY_DSN is unset.
func Enabled(v string) bool { return strings.TrimSpace(v) != "" }
