package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/zulandar/swatch/internal/config"
	"github.com/zulandar/swatch/internal/db"
	"github.com/zulandar/swatch/internal/integrations/openai"
	"github.com/zulandar/swatch/internal/integrations/paramstore"
	"github.com/zulandar/swatch/internal/payment"
	"github.com/zulandar/swatch/internal/payment/gateway"
	"github.com/zulandar/swatch/internal/session"
	"github.com/zulandar/swatch/internal/telegraph"
	discordadapter "github.com/zulandar/swatch/internal/telegraph/discord"
	slackadapter "github.com/zulandar/swatch/internal/telegraph/slack"
	whatsappadapter "github.com/zulandar/swatch/internal/telegraph/whatsapp"
	"gorm.io/gorm"
)

// loadAWSConfig resolves AWS credentials and region. Tests override it.
var loadAWSConfig = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// secretNames maps parameter names below secrets.ssm_prefix to the config
// fields they fill.
func secretNames(cfg *config.Config) []paramstore.Secret {
	return []paramstore.Secret{
		{Name: "mysql-password", Target: &cfg.Storage.MySQL.Password},
		{Name: "whatsapp-access-token", Target: &cfg.Messaging.WhatsApp.AccessToken},
		{Name: "whatsapp-verify-token", Target: &cfg.Messaging.WhatsApp.VerifyToken},
		{Name: "whatsapp-app-secret", Target: &cfg.Messaging.WhatsApp.AppSecret},
		{Name: "slack-app-token", Target: &cfg.Messaging.Slack.AppToken},
		{Name: "slack-bot-token", Target: &cfg.Messaging.Slack.BotToken},
		{Name: "discord-bot-token", Target: &cfg.Messaging.Discord.BotToken},
		{Name: "gateway-key-secret", Target: &cfg.Payment.KeySecret},
		{Name: "webhook-secret", Target: &cfg.Payment.WebhookSecret},
		{Name: "admin-token", Target: &cfg.Server.AdminToken},
	}
}

// analysisKeyParam is fetched lazily by the analyzer when no key is configured.
const analysisKeyParam = "openai-api-key"

// loadConfig reads the config file and, when secrets.ssm_prefix is set,
// fills secrets from Parameter Store. The returned getter is nil without
// a prefix.
func loadConfig(ctx context.Context, configPath string) (*config.Config, paramstore.Getter, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Secrets.SSMPrefix == "" {
		return cfg, nil, nil
	}

	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS config: %w", err)
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, nil, err
	}
	n, err := paramstore.Load(ctx, params, cfg.Secrets.SSMPrefix, secretNames(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("load secrets: %w", err)
	}
	log.Printf("swatch: loaded %d secret(s) from %s", n, cfg.Secrets.SSMPrefix)
	return cfg, params, nil
}

// storage bundles the session and order backends selected by storage.driver.
type storage struct {
	sessions session.Store
	cache    *session.CachedStore // set in buffered write mode
	orders   payment.OrderStore
	audit    *payment.GormAuditLog // nil for dynamodb
	gormDB   *gorm.DB
}

// ready pings the relational backend. DynamoDB has no cheap probe.
func (s *storage) ready(ctx context.Context) error {
	if s.gormDB == nil {
		return nil
	}
	sqlDB, err := s.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// reconcilerAudit avoids storing a typed nil in the interface.
func (s *storage) reconcilerAudit() payment.AuditLog {
	if s.audit == nil {
		return nil
	}
	return s.audit
}

func openStorage(ctx context.Context, cfg *config.Config, migrate bool) (*storage, error) {
	var (
		st      = &storage{}
		backend interface {
			session.Store
			session.Backend
		}
	)

	switch cfg.Storage.Driver {
	case "mysql", "sqlite":
		gormDB, err := db.Open(cfg.Storage)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := db.AutoMigrate(gormDB); err != nil {
				return nil, err
			}
		}
		sessions, err := session.NewGormStore(gormDB)
		if err != nil {
			return nil, err
		}
		orders, err := payment.NewGormOrderStore(gormDB)
		if err != nil {
			return nil, err
		}
		audit, err := payment.NewGormAuditLog(gormDB)
		if err != nil {
			return nil, err
		}
		backend, st.orders, st.audit, st.gormDB = sessions, orders, audit, gormDB

	case "dynamodb":
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg)
		sessions, err := session.NewDynamoStore(client, cfg.Storage.DynamoDB.Table)
		if err != nil {
			return nil, err
		}
		orders, err := payment.NewDynamoOrderStore(client, cfg.Storage.DynamoDB.Table)
		if err != nil {
			return nil, err
		}
		backend, st.orders = sessions, orders

	default:
		return nil, fmt.Errorf("storage driver %q is not supported", cfg.Storage.Driver)
	}

	st.sessions = backend
	if cfg.Session.WriteMode == "buffered" {
		cache, err := session.NewCachedStore(ctx, backend)
		if err != nil {
			return nil, err
		}
		st.sessions, st.cache = cache, cache
	}
	return st, nil
}

func newGateway(ctx context.Context, cfg *config.Config) (*gateway.Client, error) {
	return gateway.New(ctx, gateway.Config{
		BaseURL:   cfg.Payment.BaseURL,
		Auth:      cfg.Payment.Auth,
		KeyID:     cfg.Payment.KeyID,
		KeySecret: cfg.Payment.KeySecret,
		TokenURL:  cfg.Payment.TokenURL,
		Timeout:   cfg.Payment.Timeout,
	})
}

func newAnalyzer(cfg *config.Config, params paramstore.Getter) (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithBaseURL(cfg.Analysis.BaseURL),
		openai.WithModel(cfg.Analysis.Model),
		openai.WithMaxImageBytes(cfg.Analysis.MaxBytes),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.Analysis.Timeout}),
	}
	if cfg.Analysis.APIKey == "" && params != nil {
		opts = append(opts, openai.WithKeyFromParamStore(params, path.Join(cfg.Secrets.SSMPrefix, analysisKeyParam)))
	}
	return openai.NewClient(cfg.Analysis.APIKey, opts...)
}

// chatAdapter is what the funnel needs from a platform adapter.
type chatAdapter interface {
	telegraph.Adapter
	telegraph.MediaFetcher
}

// createAdapter builds the platform adapter named by messaging.platform.
// The WhatsApp adapter is also returned on its own so the HTTP server can
// feed it webhooks.
func createAdapter(cfg *config.Config) (chatAdapter, *whatsappadapter.Adapter, error) {
	switch cfg.Messaging.Platform {
	case "whatsapp":
		if cfg.Messaging.WhatsApp.AppSecret == "" && !cfg.Messaging.WhatsApp.AllowUnsigned {
			return nil, nil, fmt.Errorf("messaging.whatsapp.app_secret is required (set allow_unsigned: true to accept unsigned webhooks)")
		}
		wa, err := whatsappadapter.New(whatsappadapter.AdapterOpts{
			PhoneNumberID: cfg.Messaging.WhatsApp.PhoneNumberID,
			AccessToken:   cfg.Messaging.WhatsApp.AccessToken,
			VerifyToken:   cfg.Messaging.WhatsApp.VerifyToken,
			AppSecret:     cfg.Messaging.WhatsApp.AppSecret,
			AllowUnsigned: cfg.Messaging.WhatsApp.AllowUnsigned,
			BaseURL:       cfg.Messaging.WhatsApp.BaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return wa, wa, nil
	case "slack":
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Messaging.Slack.AppToken,
			BotToken: cfg.Messaging.Slack.BotToken,
		})
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	case "discord":
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Messaging.Discord.BotToken,
		})
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	case "":
		return nil, nil, fmt.Errorf("no messaging platform configured (set messaging.platform)")
	default:
		return nil, nil, fmt.Errorf("unsupported messaging platform %q", cfg.Messaging.Platform)
	}
}
