// Package lambdahook serves payment gateway webhooks from AWS Lambda behind
// API Gateway, and nudges the buyer on WhatsApp once an order settles.
package lambdahook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/payment"
)

// Webhooks authenticates and applies one gateway notification.
type Webhooks interface {
	HandleWebhook(ctx context.Context, w payment.Webhook) (payment.Outcome, error)
}

// Handler adapts API Gateway proxy requests to a Webhooks implementation.
type Handler struct {
	webhooks        Webhooks
	signatureHeader string
}

type outcomeResponse struct {
	Outcome payment.Outcome `json:"outcome"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler returns a Handler reading the signature from signatureHeader,
// or X-Signature when empty.
func NewHandler(webhooks Webhooks, signatureHeader string) (*Handler, error) {
	if webhooks == nil {
		return nil, errors.New("lambdahook: webhooks is required")
	}
	if signatureHeader == "" {
		signatureHeader = "X-Signature"
	}
	return &Handler{webhooks: webhooks, signatureHeader: signatureHeader}, nil
}

// Handle is the Lambda entry point. Only unexpected failures return a 5xx,
// which makes the gateway redeliver.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"}), nil
	}

	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: "body is not valid base64"}), nil
		}
		raw = decoded
	}

	outcome, err := h.webhooks.HandleWebhook(ctx, payment.Webhook{
		Raw:       raw,
		Signature: header(req.Headers, h.signatureHeader),
	})
	switch {
	case err == nil:
		return jsonResponse(http.StatusOK, outcomeResponse{Outcome: outcome}), nil
	case apperr.Is(err, apperr.KindSignatureInvalid):
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: "invalid signature"}), nil
	case apperr.Is(err, apperr.KindValidation):
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: apperr.ReasonOf(err)}), nil
	default:
		slog.Error("payment webhook failed", "err", err, "request_id", req.RequestContext.RequestID)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: "internal error"}), nil
	}
}

// header looks up name case-insensitively; API Gateway preserves the
// client's casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status, b = http.StatusInternalServerError, []byte(`{"error":"internal error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(b),
	}
}
