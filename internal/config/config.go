package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// Config holds all Delivery Guardian configuration.
type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Events        EventsConfig        `mapstructure:"events"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// RateLimitConfig selects where rate-limit hits are counted: the store, Redis
// for counters shared between instances, or process memory.
type RateLimitConfig struct {
	Backend string `mapstructure:"backend"`
}

// RedisConfig defines the Redis connection used by the redis rate-limit backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DeliveryConfig defines outbound request settings.
type DeliveryConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	RetryableStatusCodes []int         `mapstructure:"retryable_status_codes"`
	UserAgent            string        `mapstructure:"user_agent"`
	EmitConcurrency      int           `mapstructure:"emit_concurrency"`
}

// RetryConfig defines backoff and the retry poller.
type RetryConfig struct {
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
}

// AlertingConfig defines when alert rules are evaluated.
type AlertingConfig struct {
	Schedule           string `mapstructure:"schedule"`
	EvaluateOnDelivery bool   `mapstructure:"evaluate_on_delivery"`
}

// BudgetConfig defines notification budget settings.
type BudgetConfig struct {
	Timezone    string           `mapstructure:"timezone"`
	PricingFile string           `mapstructure:"pricing_file"`
	EmailCost   float64          `mapstructure:"email_cost_usd"`
	Recipients  RecipientsConfig `mapstructure:"recipients"`
}

// RecipientsConfig defines per-recipient message caps.
type RecipientsConfig struct {
	MaxPerHour int           `mapstructure:"max_per_hour"`
	MaxPerDay  int           `mapstructure:"max_per_day"`
	AutoBlock  bool          `mapstructure:"auto_block"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// NotificationsConfig defines the alert notification channels.
type NotificationsConfig struct {
	Slack        SlackConfig   `mapstructure:"slack"`
	Teams        ChatConfig    `mapstructure:"teams"`
	Discord      ChatConfig    `mapstructure:"discord"`
	Webhook      WebhookConfig `mapstructure:"webhook"`
	Email        EmailConfig   `mapstructure:"email"`
	SMS          SMSConfig     `mapstructure:"sms"`
	CriticalOnly []string      `mapstructure:"critical_only"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// ChatConfig defines an incoming-webhook chat integration.
type ChatConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// EmailConfig defines the SMTP gateway and who receives alert email.
type EmailConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// SMSConfig defines the SMS gateway and who receives alert texts.
type SMSConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	GatewayURL string   `mapstructure:"gateway_url"`
	Token      string   `mapstructure:"token"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
	Prefix  string `mapstructure:"prefix"`
}

// ServerConfig defines the HTTP API listener.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".dg"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join(home, ".dg", "guardian.db"))
	v.SetDefault("ratelimit.backend", "store")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "dg:ratelimit:")
	v.SetDefault("delivery.timeout", "10s")
	v.SetDefault("delivery.retryable_status_codes", []int{408, 429})
	v.SetDefault("delivery.user_agent", "Delivery-Guardian/1.0")
	v.SetDefault("delivery.emit_concurrency", 8)
	v.SetDefault("retry.base_delay", "30s")
	v.SetDefault("retry.max_delay", "1h")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.poll_interval", "5s")
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.concurrency", 8)
	v.SetDefault("retry.stale_after", "5m")
	v.SetDefault("alerting.schedule", "@every 1m")
	v.SetDefault("alerting.evaluate_on_delivery", true)
	v.SetDefault("budget.timezone", "UTC")
	v.SetDefault("budget.recipients.max_per_hour", 10)
	v.SetDefault("budget.recipients.max_per_day", 50)
	v.SetDefault("budget.recipients.auto_block", true)
	v.SetDefault("budget.recipients.cooldown", "1h")
	v.SetDefault("notifications.slack.channel", "#alerts")
	v.SetDefault("notifications.email.port", 587)
	v.SetDefault("notifications.critical_only", []string{"sms"})
	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.url", "nats://127.0.0.1:4222")
	v.SetDefault("events.prefix", "dg")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Environment variables
	v.SetEnvPrefix("DG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate reports the first invalid setting as a *model.ConfigError.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return invalid("storage.path", "is required for sqlite")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return invalid("storage.dsn", "is required for postgres")
		}
	default:
		return invalid("storage.driver", fmt.Sprintf("unknown driver %q (sqlite, postgres)", c.Storage.Driver))
	}

	switch c.RateLimit.Backend {
	case "store", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return invalid("redis.addr", "is required for the redis backend")
		}
	default:
		return invalid("ratelimit.backend", fmt.Sprintf("unknown backend %q (store, redis, memory)", c.RateLimit.Backend))
	}
	if c.Delivery.Timeout <= 0 {
		return invalid("delivery.timeout", "must be positive")
	}
	if c.Retry.StaleAfter <= c.Delivery.Timeout {
		return invalid("retry.stale_after", "must be longer than delivery.timeout")
	}
	if c.Retry.BaseDelay <= 0 {
		return invalid("retry.base_delay", "must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return invalid("retry.max_delay", "must not be shorter than retry.base_delay")
	}
	if c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier", "must be at least 1")
	}
	if _, err := c.Location(); err != nil {
		return invalid("budget.timezone", err.Error())
	}
	if c.Budget.EmailCost < 0 {
		return invalid("budget.email_cost_usd", "must not be negative")
	}

	n := c.Notifications
	if n.Slack.Enabled && n.Slack.WebhookURL == "" {
		return invalid("notifications.slack.webhook_url", "is required when slack is enabled")
	}
	if n.Teams.Enabled && n.Teams.WebhookURL == "" {
		return invalid("notifications.teams.webhook_url", "is required when teams is enabled")
	}
	if n.Discord.Enabled && n.Discord.WebhookURL == "" {
		return invalid("notifications.discord.webhook_url", "is required when discord is enabled")
	}
	if n.Webhook.Enabled && n.Webhook.URL == "" {
		return invalid("notifications.webhook.url", "is required when the webhook is enabled")
	}
	if n.Email.Enabled && (n.Email.Host == "" || n.Email.From == "") {
		return invalid("notifications.email", "host and from are required when email is enabled")
	}
	if n.SMS.Enabled && n.SMS.GatewayURL == "" {
		return invalid("notifications.sms.gateway_url", "is required when sms is enabled")
	}
	for _, ch := range n.CriticalOnly {
		if !model.Channel(ch).Valid() {
			return invalid("notifications.critical_only", fmt.Sprintf("unknown channel %q", ch))
		}
	}

	switch c.Events.Backend {
	case "memory":
	case "nats":
		if c.Events.URL == "" {
			return invalid("events.url", "is required for the nats backend")
		}
	default:
		return invalid("events.backend", fmt.Sprintf("unknown backend %q (memory, nats)", c.Events.Backend))
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return invalid("logging.format", fmt.Sprintf("unknown format %q (json, text)", c.Logging.Format))
	}
	return nil
}

// Location returns the timezone budget periods are computed in.
func (c *Config) Location() (*time.Location, error) {
	if c.Budget.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Budget.Timezone)
}

func invalid(field, reason string) error {
	return &model.ConfigError{Field: field, Reason: reason}
}
