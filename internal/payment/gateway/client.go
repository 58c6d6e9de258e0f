// Package gateway is an HTTP client for the payment gateway's orders API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/payment"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// HTTPStatusError captures non-2xx gateway responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gateway: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Config selects how the client authenticates.
type Config struct {
	BaseURL   string
	Auth      string // "basic" or "oauth2"
	KeyID     string
	KeySecret string
	TokenURL  string
	Timeout   time.Duration
}

// Client implements payment.Gateway.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	basicAuth  bool
	timeout    time.Duration
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the transport client. With oauth2 auth the
// supplied client is used to fetch tokens as well.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

var _ payment.Gateway = (*Client)(nil)

// New builds a Client. For oauth2 the returned client refreshes tokens
// through the client-credentials flow against cfg.TokenURL.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway: base url is required")
	}
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, errors.New("gateway: key id and secret are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:    base,
		keyID:      cfg.KeyID,
		keySecret:  cfg.KeySecret,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	switch cfg.Auth {
	case "", "basic":
		c.basicAuth = true
	case "oauth2":
		if cfg.TokenURL == "" {
			return nil, errors.New("gateway: token url is required for oauth2")
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.KeyID,
			ClientSecret: cfg.KeySecret,
			TokenURL:     cfg.TokenURL,
		}
		transport := c.httpClient
		c.httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, transport))
		c.httpClient.Timeout = timeout
	default:
		return nil, fmt.Errorf("gateway: auth %q is not supported", cfg.Auth)
	}
	return c, nil
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// CreateOrder mints a gateway order.
func (c *Client) CreateOrder(ctx context.Context, amountMinorUnits int64, currency string, metadata map[string]string) (payment.GatewayOrder, error) {
	body, err := json.Marshal(createOrderRequest{
		Amount:   amountMinorUnits,
		Currency: currency,
		Receipt:  "rcpt_" + uuid.NewString(),
		Notes:    metadata,
	})
	if err != nil {
		return payment.GatewayOrder{}, fmt.Errorf("gateway: marshal order: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, "/v1/orders", body)
	if err != nil {
		return payment.GatewayOrder{}, classify("gateway create order", err)
	}
	doc := gjson.ParseBytes(raw)
	id := doc.Get("id").String()
	if id == "" {
		return payment.GatewayOrder{}, apperr.New(apperr.KindUpstreamError, "gateway create order", errors.New("response has no order id"))
	}
	return payment.GatewayOrder{OrderID: id, CheckoutURL: doc.Get("short_url").String()}, nil
}

// FetchOrderStatus reads the order and, for attempted orders, the most
// recent payment to tell a failed attempt from one still in flight.
func (c *Client) FetchOrderStatus(ctx context.Context, orderID string) (payment.GatewayOrderStatus, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return payment.GatewayOrderStatus{}, classify("gateway fetch order", err)
	}
	status := gjson.GetBytes(raw, "status").String()
	if status == "created" {
		return payment.GatewayOrderStatus{Status: payment.GatewayPending}, nil
	}

	raw, err = c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/payments", nil)
	if err != nil {
		return payment.GatewayOrderStatus{}, classify("gateway fetch payments", err)
	}
	return statusFromPayments(status, gjson.GetBytes(raw, "items")), nil
}

// statusFromPayments prefers a captured payment; otherwise the newest
// payment decides.
func statusFromPayments(orderStatus string, items gjson.Result) payment.GatewayOrderStatus {
	var newest gjson.Result
	captured := ""
	items.ForEach(func(_, item gjson.Result) bool {
		if payment.NormalizeStatus(item.Get("status").String()) == payment.GatewayPaid && captured == "" {
			captured = item.Get("id").String()
		}
		if !newest.Exists() || item.Get("created_at").Int() > newest.Get("created_at").Int() {
			newest = item
		}
		return true
	})

	if captured != "" || payment.NormalizeStatus(orderStatus) == payment.GatewayPaid {
		return payment.GatewayOrderStatus{Status: payment.GatewayPaid, PaymentID: captured}
	}
	if newest.Exists() && payment.NormalizeStatus(newest.Get("status").String()) == payment.GatewayFailed {
		reason := newest.Get("error_description").String()
		if reason == "" {
			reason = "payment failed"
		}
		return payment.GatewayOrderStatus{
			Status:        payment.GatewayFailed,
			PaymentID:     newest.Get("id").String(),
			FailureReason: reason,
		}
	}
	return payment.GatewayOrderStatus{Status: payment.GatewayPending}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.basicAuth {
		req.SetBasicAuth(c.keyID, c.keySecret)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if !gjson.ValidBytes(buf) {
		return nil, fmt.Errorf("gateway: response from %s is not JSON", u)
	}
	return buf, nil
}

// classify maps transport failures onto the error taxonomy.
func classify(reason string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.New(apperr.KindUpstreamTimeout, reason, err)
	}
	return apperr.New(apperr.KindUpstreamError, reason, err)
}
