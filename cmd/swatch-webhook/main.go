package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/zulandar/swatch/internal/funnel"
	"github.com/zulandar/swatch/internal/integrations/paramstore"
	"github.com/zulandar/swatch/internal/lambdahook"
	"github.com/zulandar/swatch/internal/payment"
	"github.com/zulandar/swatch/internal/payment/gateway"
	"github.com/zulandar/swatch/internal/telegraph/whatsapp"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	gatewayURL := mustEnv("GATEWAY_BASE_URL")
	gatewayKeyID := mustEnv("GATEWAY_KEY_ID")
	signatureHeader := os.Getenv("SIGNATURE_HEADER")
	phoneNumberID := os.Getenv("WHATSAPP_PHONE_NUMBER_ID")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Secrets ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	webhookSecret := mustParam(ctx, ssmClient, paramPrefix, "webhook-secret")
	gatewaySecret := mustParam(ctx, ssmClient, paramPrefix, "gateway-key-secret")

	// ---- Clients ----
	orders, err := payment.NewDynamoOrderStore(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create order store", "err", err)
		os.Exit(1)
	}
	gw, err := gateway.New(ctx, gateway.Config{
		BaseURL:   gatewayURL,
		Auth:      envOr("GATEWAY_AUTH", "basic"),
		KeyID:     gatewayKeyID,
		KeySecret: gatewaySecret,
		TokenURL:  os.Getenv("GATEWAY_TOKEN_URL"),
		Timeout:   10 * time.Second,
	})
	if err != nil {
		slog.Error("failed to create gateway client", "err", err)
		os.Exit(1)
	}

	var sender funnel.Sender
	if phoneNumberID != "" {
		sender = mustWhatsApp(ctx, ssmClient, paramPrefix, phoneNumberID)
	} else {
		slog.Warn("WHATSAPP_PHONE_NUMBER_ID not set; settled orders will not be announced")
	}

	// ---- Handler ----
	rec, err := payment.NewReconciler(payment.ReconcilerOpts{
		Store:         orders,
		Gateway:       gw,
		Notifier:      lambdahook.NewNudger(sender, 5*time.Second),
		WebhookSecret: []byte(webhookSecret),
	})
	if err != nil {
		slog.Error("failed to create reconciler", "err", err)
		os.Exit(1)
	}

	h, err := lambdahook.NewHandler(rec, signatureHeader)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustWhatsApp(ctx context.Context, g paramstore.Getter, prefix, phoneNumberID string) *whatsapp.Adapter {
	wa, err := whatsapp.New(whatsapp.AdapterOpts{
		PhoneNumberID: phoneNumberID,
		AccessToken:   mustParam(ctx, g, prefix, "whatsapp-access-token"),
	})
	if err != nil {
		slog.Error("failed to create WhatsApp client", "err", err)
		os.Exit(1)
	}
	if err := wa.Connect(ctx); err != nil {
		slog.Error("failed to connect WhatsApp client", "err", err)
		os.Exit(1)
	}
	return wa
}

func mustParam(ctx context.Context, g paramstore.Getter, prefix, name string) string {
	v, err := g.GetParameter(ctx, strings.TrimRight(prefix, "/")+"/"+name)
	if errors.Is(err, paramstore.ErrNotFound) {
		slog.Error("required parameter is missing", "name", name)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("failed to read parameter", "name", name, "err", err)
		os.Exit(1)
	}
	return strings.TrimSpace(v)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
