package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
storage:
  driver: mysql
  mysql:
    host: 10.0.0.5
    port: 3307
    user: swatch
    database: swatch_prod

session:
  write_mode: buffered
  flush_cron: "*/2 * * * *"
  cleanup_cron: "30 4 * * *"
  retention: 720h

messaging:
  platform: whatsapp
  send_timeout: 5s
  whatsapp:
    phone_number_id: "1098765"
    access_token: wa-token
    verify_token: verify-me

analysis:
  model: gpt-4o
  timeout: 30s

payment:
  base_url: https://api.gateway.test
  auth: oauth2
  key_id: key_123
  key_secret: shh
  token_url: https://api.gateway.test/oauth/token
  webhook_secret: whsec
  signature_header: X-Gateway-Signature
  amount_minor_units: 1499
  currency: EUR
  checkout_url: https://pay.swatch.test/checkout/{order_id}
  reuse_active_order: false

server:
  port: 9090
  admin_token: admin

documents:
  output_dir: /var/lib/swatch/docs
  public_base_url: https://files.swatch.test
`

const minimalYAML = `
messaging:
  platform: slack
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.Driver != "mysql" {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "mysql")
	}
	if cfg.Storage.MySQL.Host != "10.0.0.5" || cfg.Storage.MySQL.Port != 3307 {
		t.Errorf("MySQL = %s:%d, want 10.0.0.5:3307", cfg.Storage.MySQL.Host, cfg.Storage.MySQL.Port)
	}
	if cfg.Session.WriteMode != "buffered" {
		t.Errorf("Session.WriteMode = %q, want %q", cfg.Session.WriteMode, "buffered")
	}
	if cfg.Session.Retention != 720*time.Hour {
		t.Errorf("Session.Retention = %v, want 720h", cfg.Session.Retention)
	}
	if cfg.Messaging.SendTimeout != 5*time.Second {
		t.Errorf("Messaging.SendTimeout = %v, want 5s", cfg.Messaging.SendTimeout)
	}
	if cfg.Messaging.WhatsApp.PhoneNumberID != "1098765" {
		t.Errorf("WhatsApp.PhoneNumberID = %q, want %q", cfg.Messaging.WhatsApp.PhoneNumberID, "1098765")
	}
	if cfg.Analysis.Model != "gpt-4o" {
		t.Errorf("Analysis.Model = %q, want %q", cfg.Analysis.Model, "gpt-4o")
	}
	if cfg.Payment.AmountMinorUnits != 1499 || cfg.Payment.Currency != "EUR" {
		t.Errorf("Payment amount = %d %s, want 1499 EUR", cfg.Payment.AmountMinorUnits, cfg.Payment.Currency)
	}
	if cfg.Payment.SignatureHeader != "X-Gateway-Signature" {
		t.Errorf("Payment.SignatureHeader = %q", cfg.Payment.SignatureHeader)
	}
	if cfg.ReuseActiveOrder() {
		t.Error("ReuseActiveOrder() = true, want false")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestParse_MinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.SQLite.Path != "swatch.db" {
		t.Errorf("SQLite.Path = %q, want swatch.db", cfg.Storage.SQLite.Path)
	}
	if cfg.Session.WriteMode != "through" {
		t.Errorf("Session.WriteMode = %q, want through", cfg.Session.WriteMode)
	}
	if cfg.Session.Retention != 30*24*time.Hour {
		t.Errorf("Session.Retention = %v, want 720h", cfg.Session.Retention)
	}
	if cfg.Analysis.Timeout != 45*time.Second {
		t.Errorf("Analysis.Timeout = %v, want 45s", cfg.Analysis.Timeout)
	}
	if cfg.Payment.Auth != "basic" {
		t.Errorf("Payment.Auth = %q, want basic", cfg.Payment.Auth)
	}
	if cfg.Payment.SignatureHeader != "X-Signature" {
		t.Errorf("Payment.SignatureHeader = %q, want X-Signature", cfg.Payment.SignatureHeader)
	}
	if cfg.Payment.Currency != "USD" {
		t.Errorf("Payment.Currency = %q, want USD", cfg.Payment.Currency)
	}
	if !cfg.ReuseActiveOrder() {
		t.Error("ReuseActiveOrder() should default to true")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown storage driver",
			yaml: "storage:\n  driver: postgres\n",
			want: `storage.driver "postgres" is not supported`,
		},
		{
			name: "dynamodb without table",
			yaml: "storage:\n  driver: dynamodb\n",
			want: "storage.dynamodb.table is required",
		},
		{
			name: "bad write mode",
			yaml: "session:\n  write_mode: lazy\n",
			want: `session.write_mode "lazy" is not supported`,
		},
		{
			name: "whatsapp without phone number id",
			yaml: "messaging:\n  platform: whatsapp\n",
			want: "messaging.whatsapp.phone_number_id is required",
		},
		{
			name: "unknown platform",
			yaml: "messaging:\n  platform: telegram\n",
			want: `messaging.platform "telegram" is not supported`,
		},
		{
			name: "oauth2 without token url",
			yaml: "payment:\n  auth: oauth2\n",
			want: "payment.token_url is required",
		},
		{
			name: "bad currency",
			yaml: "payment:\n  currency: EURO\n",
			want: "must be a 3-letter code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("storage: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swatch.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SWATCH_WEBHOOK_SECRET", "from-env")
	t.Setenv("SWATCH_WHATSAPP_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Payment.WebhookSecret != "from-env" {
		t.Errorf("WebhookSecret = %q, want from-env", cfg.Payment.WebhookSecret)
	}
	if cfg.Messaging.WhatsApp.AccessToken != "env-token" {
		t.Errorf("WhatsApp.AccessToken = %q, want env-token", cfg.Messaging.WhatsApp.AccessToken)
	}
	// Unset variables leave YAML values in place.
	if cfg.Payment.KeySecret != "shh" {
		t.Errorf("KeySecret = %q, want shh", cfg.Payment.KeySecret)
	}
}
