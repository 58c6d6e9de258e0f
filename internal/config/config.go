// Package config provides YAML-based configuration loading for Swatch.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Swatch configuration, loaded from swatch.yaml.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Messaging MessagingConfig `yaml:"messaging"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Payment   PaymentConfig   `yaml:"payment"`
	Server    ServerConfig    `yaml:"server"`
	Documents DocumentsConfig `yaml:"documents"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// StorageConfig selects and configures the durable backend for sessions and orders.
type StorageConfig struct {
	Driver   string         `yaml:"driver"` // "mysql", "sqlite", "dynamodb"
	MySQL    MySQLConfig    `yaml:"mysql"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// MySQLConfig holds connection settings for a MySQL-compatible server.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"SWATCH_MYSQL_PASSWORD"`
	Database string `yaml:"database"`
}

// SQLiteConfig holds the path of the local SQLite database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DynamoDBConfig names the single table holding sessions and orders.
type DynamoDBConfig struct {
	Table string `yaml:"table"`
}

// SessionConfig controls session persistence and retention.
type SessionConfig struct {
	WriteMode   string        `yaml:"write_mode"` // "through" or "buffered"
	FlushCron   string        `yaml:"flush_cron"`
	CleanupCron string        `yaml:"cleanup_cron"`
	Retention   time.Duration `yaml:"retention"`
}

// MessagingConfig selects the chat platform the funnel runs on.
type MessagingConfig struct {
	Platform    string         `yaml:"platform"` // "whatsapp", "slack", "discord"
	SendTimeout time.Duration  `yaml:"send_timeout"`
	WhatsApp    WhatsAppConfig `yaml:"whatsapp"`
	Slack       SlackConfig    `yaml:"slack"`
	Discord     DiscordConfig  `yaml:"discord"`
}

// WhatsAppConfig holds WhatsApp Cloud API credentials.
type WhatsAppConfig struct {
	PhoneNumberID string `yaml:"phone_number_id"`
	AccessToken   string `yaml:"access_token" env:"SWATCH_WHATSAPP_TOKEN"`
	VerifyToken   string `yaml:"verify_token" env:"SWATCH_WHATSAPP_VERIFY_TOKEN"`
	AppSecret     string `yaml:"app_secret" env:"SWATCH_WHATSAPP_APP_SECRET"`
	AllowUnsigned bool   `yaml:"allow_unsigned"` // accept webhooks without an app secret
	BaseURL       string `yaml:"base_url"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token" env:"SWATCH_SLACK_APP_TOKEN"`
	BotToken string `yaml:"bot_token" env:"SWATCH_SLACK_BOT_TOKEN"`
}

// DiscordConfig holds the Discord bot token.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token" env:"SWATCH_DISCORD_BOT_TOKEN"`
}

// AnalysisConfig configures the image-analysis collaborator.
type AnalysisConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key" env:"SWATCH_OPENAI_API_KEY"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// PaymentConfig configures the payment gateway and the checkout offer.
type PaymentConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Auth             string        `yaml:"auth"` // "basic" or "oauth2"
	KeyID            string        `yaml:"key_id"`
	KeySecret        string        `yaml:"key_secret" env:"SWATCH_GATEWAY_KEY_SECRET"`
	TokenURL         string        `yaml:"token_url"`
	WebhookSecret    string        `yaml:"webhook_secret" env:"SWATCH_WEBHOOK_SECRET"`
	SignatureHeader  string        `yaml:"signature_header"`
	AmountMinorUnits int64         `yaml:"amount_minor_units"`
	Currency         string        `yaml:"currency"`
	CheckoutURL      string        `yaml:"checkout_url"` // may contain {order_id}
	ReuseActiveOrder *bool         `yaml:"reuse_active_order"`
	Timeout          time.Duration `yaml:"timeout"`
	SweepCron        string        `yaml:"sweep_cron"`
	SweepAfter       time.Duration `yaml:"sweep_after"`
}

// ServerConfig configures the HTTP listener for webhooks and admin routes.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token" env:"SWATCH_ADMIN_TOKEN"`
}

// DocumentsConfig configures where generated color guides are written.
type DocumentsConfig struct {
	OutputDir     string `yaml:"output_dir"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// SecretsConfig configures optional AWS SSM lookups for secrets.
type SecretsConfig struct {
	SSMPrefix string `yaml:"ssm_prefix"`
}

// Load reads a YAML config file from path, applies environment overrides,
// and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// ReuseActiveOrder reports whether a repeated BUY reuses the open order.
func (c *Config) ReuseActiveOrder() bool {
	if c.Payment.ReuseActiveOrder == nil {
		return true
	}
	return *c.Payment.ReuseActiveOrder
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.MySQL.Host == "" {
		c.Storage.MySQL.Host = "127.0.0.1"
	}
	if c.Storage.MySQL.Port == 0 {
		c.Storage.MySQL.Port = 3306
	}
	if c.Storage.MySQL.User == "" {
		c.Storage.MySQL.User = "root"
	}
	if c.Storage.MySQL.Database == "" {
		c.Storage.MySQL.Database = "swatch"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "swatch.db"
	}
	if c.Session.WriteMode == "" {
		c.Session.WriteMode = "through"
	}
	if c.Session.FlushCron == "" {
		c.Session.FlushCron = "* * * * *"
	}
	if c.Session.CleanupCron == "" {
		c.Session.CleanupCron = "0 3 * * *"
	}
	if c.Session.Retention == 0 {
		c.Session.Retention = 30 * 24 * time.Hour
	}
	if c.Messaging.SendTimeout == 0 {
		c.Messaging.SendTimeout = 10 * time.Second
	}
	if c.Messaging.WhatsApp.BaseURL == "" {
		c.Messaging.WhatsApp.BaseURL = "https://graph.facebook.com/v21.0"
	}
	if c.Analysis.BaseURL == "" {
		c.Analysis.BaseURL = "https://api.openai.com/v1"
	}
	if c.Analysis.Model == "" {
		c.Analysis.Model = "gpt-4o-mini"
	}
	if c.Analysis.Timeout == 0 {
		c.Analysis.Timeout = 45 * time.Second
	}
	if c.Analysis.MaxBytes == 0 {
		c.Analysis.MaxBytes = 8 << 20
	}
	if c.Payment.Auth == "" {
		c.Payment.Auth = "basic"
	}
	if c.Payment.SignatureHeader == "" {
		c.Payment.SignatureHeader = "X-Signature"
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "USD"
	}
	if c.Payment.Timeout == 0 {
		c.Payment.Timeout = 15 * time.Second
	}
	if c.Payment.SweepCron == "" {
		c.Payment.SweepCron = "*/10 * * * *"
	}
	if c.Payment.SweepAfter == 0 {
		c.Payment.SweepAfter = 10 * time.Minute
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Documents.OutputDir == "" {
		c.Documents.OutputDir = "documents"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Driver {
	case "mysql", "sqlite":
	case "dynamodb":
		if c.Storage.DynamoDB.Table == "" {
			errs = append(errs, "storage.dynamodb.table is required for the dynamodb driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported", c.Storage.Driver))
	}

	switch c.Session.WriteMode {
	case "through", "buffered":
	default:
		errs = append(errs, fmt.Sprintf("session.write_mode %q is not supported", c.Session.WriteMode))
	}

	switch c.Messaging.Platform {
	case "whatsapp":
		if c.Messaging.WhatsApp.PhoneNumberID == "" {
			errs = append(errs, "messaging.whatsapp.phone_number_id is required")
		}
	case "slack", "discord", "":
	default:
		errs = append(errs, fmt.Sprintf("messaging.platform %q is not supported", c.Messaging.Platform))
	}

	switch c.Payment.Auth {
	case "basic":
	case "oauth2":
		if c.Payment.TokenURL == "" {
			errs = append(errs, "payment.token_url is required for oauth2 auth")
		}
	default:
		errs = append(errs, fmt.Sprintf("payment.auth %q is not supported", c.Payment.Auth))
	}
	if c.Payment.AmountMinorUnits < 0 {
		errs = append(errs, "payment.amount_minor_units must not be negative")
	}
	if len(c.Payment.Currency) != 3 {
		errs = append(errs, fmt.Sprintf("payment.currency %q must be a 3-letter code", c.Payment.Currency))
	}
	if c.Session.Retention < 0 {
		errs = append(errs, "session.retention must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
