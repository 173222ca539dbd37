package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"convention-ledger/internal/pricing"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StripeConfig struct {
	SecretKey     string        `yaml:"secret_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	BaseURL       string        `yaml:"base_url"` // override for tests; empty = production
	PendingTTL    time.Duration `yaml:"pending_ttl"`
	MaxCharge     int64         `yaml:"max_charge"` // cents
}

type PaymentConfig struct {
	Provider         string       `yaml:"provider"` // stripe | noop
	Stripe           StripeConfig `yaml:"stripe"`
	ProcessingFeeBps int64        `yaml:"processing_fee_bps"`
	ProcessingFee    int64        `yaml:"processing_fee_fixed"` // cents per charge
}

type ReconcilerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type SecurityConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	AdminKey   string        `yaml:"admin_key"` // shared secret exchanged for a session
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Payment    PaymentConfig    `yaml:"payment"`
	Pricing    pricing.Config   `yaml:"pricing"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Security   SecurityConfig   `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig() (*Config, error) {
	var configPath string
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()

	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "stripe"
	}
	if cfg.Payment.Stripe.PendingTTL <= 0 {
		cfg.Payment.Stripe.PendingTTL = 30 * time.Minute
	}
	if cfg.Payment.Stripe.MaxCharge <= 0 {
		cfg.Payment.Stripe.MaxCharge = 999999
	}
	if cfg.Reconciler.Interval <= 0 {
		cfg.Reconciler.Interval = time.Minute
	}
	if cfg.Reconciler.StaleAfter <= 0 {
		cfg.Reconciler.StaleAfter = 45 * time.Minute
	}
	if cfg.Security.SessionTTL <= 0 {
		cfg.Security.SessionTTL = 12 * time.Hour
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Payment.Provider == "stripe" && cfg.Payment.Stripe.SecretKey == "" {
		return nil, errors.New("payment.stripe.secret_key is required")
	}
	if cfg.Security.JWTSecret == "" {
		return nil, errors.New("security.jwt_secret is required")
	}
	if len(cfg.Pricing.BadgePrices) == 0 {
		return nil, errors.New("pricing.badge_prices is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
