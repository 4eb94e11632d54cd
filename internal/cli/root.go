package cli

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/Delivery-Guardian/internal/config"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/alerts"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/budget"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/delivery"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/engine"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/events"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/metrics"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/notify"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/ratelimit"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/retry"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/storage"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dg",
	Short: "Delivery Guardian - webhook delivery, retries, rate limits and alerting",
	Long: `Delivery Guardian delivers signed webhooks to configured endpoints.
It retries transient failures with exponential backoff, enforces per-endpoint
rate limits and IP allowlists, raises alerts on endpoint health and keeps
alert notifications within a spending budget.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.dg/config.yaml)")
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is a fully wired engine and the resources it holds.
type app struct {
	engine   *engine.Engine
	registry *prometheus.Registry
	logger   logger.Logger
	closers  []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	_ = a.logger.Sync()
}

// initApp builds the engine and its backends from config.
func initApp(cfg *config.Config) (*app, error) {
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	a := &app{logger: log}

	store, err := initStorage(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	var counter ratelimit.Counter
	switch cfg.RateLimit.Backend {
	case "redis":
		rc, err := ratelimit.NewRedisCounter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		counter = rc
	case "memory":
		counter = ratelimit.NewMemoryCounter()
	}

	bus, err := initBus(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, bus.Close)

	pricing, err := initPricing(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.engine = engine.New(store, engine.Options{
		Counter: counter,
		Delivery: delivery.Options{
			Timeout:              cfg.Delivery.Timeout,
			RetryableStatusCodes: cfg.Delivery.RetryableStatusCodes,
			UserAgent:            cfg.Delivery.UserAgent,
		},
		Retry: retry.Policy{
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
		},
		Scheduler: retry.Options{
			PollInterval: cfg.Retry.PollInterval,
			BatchSize:    cfg.Retry.BatchSize,
			Concurrency:  cfg.Retry.Concurrency,
			StaleAfter:   cfg.Retry.StaleAfter,
		},
		AlertSchedule:      cfg.Alerting.Schedule,
		EvaluateOnDelivery: cfg.Alerting.EvaluateOnDelivery,
		Budget: budget.Options{
			Location: loc,
			Limits: budget.RecipientLimits{
				MaxPerHour: cfg.Budget.Recipients.MaxPerHour,
				MaxPerDay:  cfg.Budget.Recipients.MaxPerDay,
				AutoBlock:  cfg.Budget.Recipients.AutoBlock,
				Cooldown:   cfg.Budget.Recipients.Cooldown,
			},
			Pricing: pricing,
		},
		Notify:          initNotify(cfg),
		EmitConcurrency: cfg.Delivery.EmitConcurrency,
		Bus:             bus,
		Logger:          log,
		Metrics:         metrics.New(a.registry),
	})
	return a, nil
}

// initStorage creates a storage backend from config.
func initStorage(cfg *config.Config) (storage.Storage, error) {
	store, err := storage.Open(cfg.Storage.Driver, storageDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	return store, nil
}

// storageDSN returns the sqlite path or the postgres DSN for the configured driver.
func storageDSN(cfg *config.Config) string {
	if cfg.Storage.Driver == storage.DriverPostgres {
		return cfg.Storage.DSN
	}
	return cfg.Storage.Path
}

func initBus(cfg *config.Config, log logger.Logger) (events.Bus, error) {
	if cfg.Events.Backend == "nats" {
		return events.NewNATS(cfg.Events.URL, cfg.Events.Prefix, log)
	}
	return events.NewMemory(log), nil
}

func initPricing(cfg *config.Config) (*budget.Pricing, error) {
	pricing := budget.DefaultPricing()
	if cfg.Budget.PricingFile != "" {
		p, err := budget.LoadPricing(cfg.Budget.PricingFile)
		if err != nil {
			return nil, err
		}
		pricing = p
	}
	if cfg.Budget.EmailCost > 0 {
		pricing.EmailUSD = cfg.Budget.EmailCost
	}
	return pricing, nil
}

// initNotify creates alert notifiers from config.
func initNotify(cfg *config.Config) notify.Options {
	n := cfg.Notifications
	opts := notify.Options{
		Chat:       map[model.Channel]alerts.Notifier{},
		Direct:     map[model.Channel]alerts.RecipientNotifier{},
		Recipients: map[model.Channel][]string{},
	}

	if n.Slack.Enabled {
		opts.Chat[model.ChannelSlack] = alerts.NewSlackNotifier(n.Slack.WebhookURL, n.Slack.Channel)
	}
	if n.Teams.Enabled {
		opts.Chat[model.ChannelTeams] = alerts.NewTeamsNotifier(n.Teams.WebhookURL)
	}
	if n.Discord.Enabled {
		opts.Chat[model.ChannelDiscord] = alerts.NewDiscordNotifier(n.Discord.WebhookURL)
	}
	if n.Webhook.Enabled {
		opts.Chat[model.ChannelWebhook] = alerts.NewWebhookNotifier(n.Webhook.URL, n.Webhook.Secret)
	}

	if n.Email.Enabled {
		opts.Direct[model.ChannelEmail] = alerts.NewEmailNotifier(alerts.SMTPConfig{
			Host:     n.Email.Host,
			Port:     n.Email.Port,
			Username: n.Email.Username,
			Password: n.Email.Password,
			From:     n.Email.From,
		})
		opts.Recipients[model.ChannelEmail] = n.Email.Recipients
	}
	if n.SMS.Enabled {
		opts.Direct[model.ChannelSMS] = alerts.NewSMSNotifier(n.SMS.GatewayURL, n.SMS.Token, n.SMS.From)
		opts.Recipients[model.ChannelSMS] = n.SMS.Recipients
	}

	for _, ch := range n.CriticalOnly {
		opts.CriticalOnly = append(opts.CriticalOnly, model.Channel(ch))
	}
	return opts
}

// withApp loads config, builds the engine, runs fn and releases resources.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := initApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
