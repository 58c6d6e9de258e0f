// Package server exposes Swatch over HTTP: payment gateway and WhatsApp
// webhooks, health checks, generated documents and read-only admin routes.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/swatch/internal/models"
	"github.com/zulandar/swatch/internal/payment"
)

// PaymentWebhooks authenticates and applies payment gateway notifications.
type PaymentWebhooks interface {
	HandleWebhook(ctx context.Context, w payment.Webhook) (payment.Outcome, error)
}

// WhatsAppWebhooks receives WhatsApp Cloud API deliveries.
type WhatsAppWebhooks interface {
	VerifySubscription(mode, token, challenge string) (string, bool)
	VerifySignature(raw []byte, header string) bool
	Ingest(ctx context.Context, raw []byte) (int, error)
}

// SessionReader looks up a conversation session.
type SessionReader interface {
	Get(ctx context.Context, userID string) (*models.ConversationSession, error)
}

// OrderReader looks up a payment order.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error)
}

// DeliveryLog lists recent webhook deliveries.
type DeliveryLog interface {
	Recent(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Port int
	Out  io.Writer

	Payments        PaymentWebhooks // required
	SignatureHeader string          // defaults to X-Signature
	WhatsApp        WhatsAppWebhooks

	// Ready reports whether dependencies are reachable. Optional.
	Ready func(ctx context.Context) error

	DocumentsDir string // served under /documents when set

	// Admin routes are registered only when AdminToken is set.
	AdminToken string
	Sessions   SessionReader
	Orders     OrderReader
	Deliveries DeliveryLog

	ShutdownTimeout time.Duration // defaults to 10s
}

// NewRouter builds the Gin engine with every configured route.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Payments == nil {
		return nil, fmt.Errorf("server: payment webhook handler is required")
	}
	if opts.AdminToken != "" && (opts.Sessions == nil || opts.Orders == nil) {
		return nil, fmt.Errorf("server: admin routes need session and order readers")
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = "X-Signature"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "HTTP server listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
