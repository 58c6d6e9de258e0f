package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/payment"
	"github.com/zulandar/swatch/internal/session"
)

// maxBodyBytes caps webhook bodies.
const maxBodyBytes = 1 << 20

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts))

	router.POST("/webhooks/payment", handlePaymentWebhook(opts.Payments, opts.SignatureHeader))

	if opts.WhatsApp != nil {
		router.GET("/webhooks/whatsapp", handleWhatsAppVerify(opts.WhatsApp))
		router.POST("/webhooks/whatsapp", handleWhatsAppDelivery(opts.WhatsApp))
	}

	if opts.DocumentsDir != "" {
		router.Static("/documents", opts.DocumentsDir)
	}

	if opts.AdminToken != "" {
		admin := router.Group("/admin", requireBearer(opts.AdminToken))
		admin.GET("/sessions/:id", handleSessionDetail(opts.Sessions))
		admin.GET("/orders/:id", handleOrderDetail(opts.Orders))
		if opts.Deliveries != nil {
			admin.GET("/webhooks", handleRecentDeliveries(opts.Deliveries))
		}
	}
}

func handleHealth(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Ready != nil {
			if err := opts.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// readBody returns the exact request bytes; signatures are computed over them.
func readBody(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	if len(raw) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return nil, false
	}
	return raw, true
}

func handlePaymentWebhook(p PaymentWebhooks, header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := readBody(c)
		if !ok {
			return
		}
		outcome, err := p.HandleWebhook(c.Request.Context(), payment.Webhook{
			Raw:       raw,
			Signature: c.GetHeader(header),
		})
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"outcome": outcome})
		case apperr.Is(err, apperr.KindSignatureInvalid):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case apperr.Is(err, apperr.KindValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": apperr.ReasonOf(err)})
		default:
			// Non-2xx makes the gateway redeliver.
			log.Printf("server: payment webhook: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
	}
}

func handleWhatsAppVerify(w WhatsAppWebhooks) gin.HandlerFunc {
	return func(c *gin.Context) {
		challenge, ok := w.VerifySubscription(c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"))
		if !ok {
			c.String(http.StatusForbidden, "forbidden")
			return
		}
		c.String(http.StatusOK, challenge)
	}
}

func handleWhatsAppDelivery(w WhatsAppWebhooks) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := readBody(c)
		if !ok {
			return
		}
		if !w.VerifySignature(raw, c.GetHeader("X-Hub-Signature-256")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		n, err := w.Ingest(c.Request.Context(), raw)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"queued": n})
		case apperr.Is(err, apperr.KindValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": apperr.ReasonOf(err)})
		default:
			log.Printf("server: whatsapp webhook: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not accepting messages"})
		}
	}
}

// requireBearer rejects requests without the admin token.
func requireBearer(token string) gin.HandlerFunc {
	want := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(strings.TrimSpace(c.GetHeader("Authorization")))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func handleSessionDetail(sessions SessionReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			log.Printf("server: get session: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id":                 s.UserID,
			"state":                   s.State,
			"platform":                s.Platform,
			"message_count":           s.MessageCount,
			"has_analysis":            s.Analysis != nil,
			"active_payment_order_id": s.ActivePaymentOrderID,
			"pdf_delivered":           s.PDFDelivered,
			"created_at":              s.CreatedAt,
			"last_active":             s.LastActive,
			"version":                 s.Version,
		})
	}
}

func handleOrderDetail(orders OrderReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := orders.GetOrder(c.Request.Context(), c.Param("id"))
		if errors.Is(err, payment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		if err != nil {
			log.Printf("server: get order: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"order_id":           o.OrderID,
			"user_id":            o.UserID,
			"status":             o.Status,
			"amount_minor_units": o.AmountMinorUnits,
			"currency":           o.Currency,
			"payment_id":         o.PaymentID,
			"failure_reason":     o.FailureReason,
			"document_ref":       o.DocumentRef,
			"created_at":         o.CreatedAt,
			"completed_at":       o.CompletedAt,
		})
	}
}

func handleRecentDeliveries(deliveries DeliveryLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 || limit > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		out, err := deliveries.Recent(c.Request.Context(), limit)
		if err != nil {
			log.Printf("server: recent webhooks: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deliveries": out})
	}
}
