package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailward/mailward/internal/dispatch"
	"github.com/mailward/mailward/internal/ratelimit"
	"github.com/mailward/mailward/internal/transport"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Dispatch  dispatch.Config `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type DatabaseConfig struct {
	Path      string `yaml:"path"`       // sqlite campaign store
	StatePath string `yaml:"state_path"` // bbolt buckets and dedup set
}

type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// TransportConfig selects and configures the outbound provider
type TransportConfig struct {
	Mode  string                 `yaml:"mode"` // smtp or relay
	SMTP  transport.SMTPConfig   `yaml:"smtp"`
	Relay transport.RelayConfig  `yaml:"relay"`
}

type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

type TrackingConfig struct {
	BaseURL string `yaml:"base_url"` // public origin for pixel and redirect links
}

// EventsConfig configures webhook ingestion
type EventsConfig struct {
	DedupRetention time.Duration     `yaml:"dedup_retention"`
	SweepInterval  time.Duration     `yaml:"sweep_interval"`
	WebhookSecrets map[string]string `yaml:"webhook_secrets"` // provider -> HMAC secret
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/mailward/mailward.db"
	}
	if cfg.Database.StatePath == "" {
		cfg.Database.StatePath = "/var/lib/mailward/state.db"
	}
	if cfg.Transport.Mode == "" {
		cfg.Transport.Mode = "smtp"
	}
	if cfg.Transport.SMTP.Port == 0 {
		cfg.Transport.SMTP.Port = 587
	}
	if cfg.Dispatch.BatchCeiling == 0 {
		cfg.Dispatch.BatchCeiling = 50
	}
	if cfg.Dispatch.PollInterval == 0 {
		cfg.Dispatch.PollInterval = 5 * time.Second
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 5
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = 30 * time.Second
	}
	if cfg.Scheduler.ClaimTimeout == 0 {
		cfg.Scheduler.ClaimTimeout = 10 * time.Minute
	}
	if cfg.Events.DedupRetention == 0 {
		cfg.Events.DedupRetention = 72 * time.Hour
	}
	if cfg.Events.SweepInterval == 0 {
		cfg.Events.SweepInterval = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required")
	}
	if len(cfg.Auth.APIKey) < 16 {
		return fmt.Errorf("auth.api_key must be at least 16 characters")
	}

	switch cfg.Transport.Mode {
	case "smtp":
		if cfg.Transport.SMTP.Host == "" {
			return fmt.Errorf("transport.smtp.host is required")
		}
	case "relay":
		if cfg.Transport.Relay.BaseURL == "" {
			return fmt.Errorf("transport.relay.base_url is required")
		}
		if cfg.Transport.Relay.APIKey == "" {
			return fmt.Errorf("transport.relay.api_key is required")
		}
	default:
		return fmt.Errorf("transport.mode must be smtp or relay, got %q", cfg.Transport.Mode)
	}

	if cfg.DKIM.Enabled {
		if cfg.DKIM.Domain == "" || cfg.DKIM.Selector == "" || cfg.DKIM.KeyFile == "" {
			return fmt.Errorf("dkim requires domain, selector and key_file when enabled")
		}
	}

	return nil
}
