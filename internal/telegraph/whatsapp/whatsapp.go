// Package whatsapp implements the telegraph Adapter for the WhatsApp Cloud
// API. Inbound traffic arrives as webhooks, which the HTTP server hands to
// Ingest; outbound messages go through the Graph API.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = time.Minute
	// maxTextLen is the Cloud API limit for a text message body.
	maxTextLen = 4096
	// maxInteractiveBody is the limit for the body of a button message.
	maxInteractiveBody = 1024
	// maxButtons is the number of reply buttons one message can carry.
	maxButtons = 3
	// maxButtonTitle is the rune limit for a reply button title.
	maxButtonTitle = 20
	// maxMediaBytes caps media downloads.
	maxMediaBytes = 20 << 20

	platform = "whatsapp"
)

// HTTPStatusError captures non-2xx Graph API responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	msg := e.Body
	if m := gjson.Get(e.Body, "error.message"); m.Exists() {
		msg = m.String()
	}
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, msg)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Adapter implements telegraph.Adapter and telegraph.MediaFetcher for
// WhatsApp.
type Adapter struct {
	baseURL       string
	phoneNumberID string
	accessToken   string
	verifyToken   string
	appSecret     []byte
	allowUnsigned bool
	httpClient    *http.Client

	mu        sync.RWMutex
	connected bool
	closed    bool
	inbound   chan telegraph.Event
	done      chan struct{}
	closeOnce sync.Once

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

var (
	_ telegraph.Adapter      = (*Adapter)(nil)
	_ telegraph.MediaFetcher = (*Adapter)(nil)
)

// AdapterOpts holds parameters for creating a WhatsApp Adapter.
type AdapterOpts struct {
	PhoneNumberID string // sender phone number id
	AccessToken   string // system user or app access token
	VerifyToken   string // echoed during webhook subscription
	AppSecret     string // signs webhook deliveries
	AllowUnsigned bool   // accept unsigned deliveries when AppSecret is empty
	BaseURL       string // defaults to https://graph.facebook.com/v21.0
	HTTPClient    *http.Client
}

// New creates a WhatsApp Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp: phone number id is required")
	}
	if opts.AccessToken == "" {
		return nil, fmt.Errorf("whatsapp: access token is required")
	}

	a := &Adapter{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		phoneNumberID: opts.PhoneNumberID,
		accessToken:   opts.AccessToken,
		verifyToken:   opts.VerifyToken,
		appSecret:     []byte(opts.AppSecret),
		allowUnsigned: opts.AllowUnsigned,
		httpClient:    opts.HTTPClient,
		inbound:       make(chan telegraph.Event, 100),
		done:          make(chan struct{}),
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
	}
	if a.baseURL == "" {
		a.baseURL = "https://graph.facebook.com/v21.0"
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	switch {
	case len(a.appSecret) > 0:
	case a.allowUnsigned:
		log.Printf("whatsapp: no app secret configured, webhook signatures will not be checked")
	default:
		log.Printf("whatsapp: no app secret configured, inbound webhooks will be rejected")
	}
	return a, nil
}

// Connect marks the adapter ready. The Cloud API has no persistent
// connection; webhooks are pushed to the HTTP server.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("whatsapp: adapter already closed")
	}
	a.connected = true
	return nil
}

// Listen returns the channel Ingest feeds. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.Event, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, fmt.Errorf("whatsapp: not connected")
	}
	return a.inbound, nil
}

// VerifySubscription answers the webhook subscription handshake. It
// returns the challenge to echo and whether the request is genuine.
func (a *Adapter) VerifySubscription(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || a.verifyToken == "" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(a.verifyToken)) {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks the X-Hub-Signature-256 header over the raw body.
// Without an app secret every delivery fails unless AllowUnsigned was set.
func (a *Adapter) VerifySignature(raw []byte, header string) bool {
	if len(a.appSecret) == 0 {
		return a.allowUnsigned
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, a.appSecret)
	mac.Write(raw)
	return hmac.Equal(got, mac.Sum(nil))
}

// Ingest normalizes a webhook delivery and queues its events for Listen.
// It returns the number of events queued.
func (a *Adapter) Ingest(ctx context.Context, raw []byte) (int, error) {
	events, err := Normalize(raw)
	if err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed || !a.connected {
		return 0, fmt.Errorf("whatsapp: not connected")
	}
	for i, ev := range events {
		select {
		case a.inbound <- ev:
		case <-a.done:
			return i, fmt.Errorf("whatsapp: adapter closed")
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return len(events), nil
}

// Normalize converts a Cloud API webhook body into canonical events.
// Status callbacks and unsupported message types yield no events.
func Normalize(raw []byte) ([]telegraph.Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, apperr.New(apperr.KindValidation, "malformed webhook payload", nil)
	}
	doc := gjson.ParseBytes(raw)
	if obj := doc.Get("object").String(); obj != "" && obj != "whatsapp_business_account" {
		return nil, apperr.New(apperr.KindValidation, "unexpected webhook object "+obj, nil)
	}

	var events []telegraph.Event
	for _, change := range doc.Get("entry.#.changes|@flatten").Array() {
		value := change.Get("value")
		names := make(map[string]string)
		for _, c := range value.Get("contacts").Array() {
			names[c.Get("wa_id").String()] = c.Get("profile.name").String()
		}
		for _, m := range value.Get("messages").Array() {
			ev, ok := messageEvent(m, names)
			if !ok {
				log.Printf("whatsapp: skipping %s message %s", m.Get("type").String(), m.Get("id").String())
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func messageEvent(m gjson.Result, names map[string]string) (telegraph.Event, bool) {
	from := m.Get("from").String()
	id := m.Get("id").String()
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(m.Raw)).String()
	}
	ts := time.Now().UTC()
	if sec := m.Get("timestamp").Int(); sec > 0 {
		ts = time.Unix(sec, 0).UTC()
	}
	ev := telegraph.Event{
		ID:        platform + ":" + id,
		UserID:    from,
		UserName:  names[from],
		Timestamp: ts,
		Platform:  platform,
		ChannelID: from,
	}

	switch m.Get("type").String() {
	case "text":
		ev.Kind = telegraph.EventText
		ev.Text = m.Get("text.body").String()
	case "image":
		ev.Kind = telegraph.EventImage
		ev.Image = &telegraph.ImageRef{ID: m.Get("image.id").String(), MimeType: m.Get("image.mime_type").String()}
		ev.Text = m.Get("image.caption").String()
	case "document":
		mime := m.Get("document.mime_type").String()
		if !strings.HasPrefix(mime, "image/") {
			return ev, false
		}
		ev.Kind = telegraph.EventImage
		ev.Image = &telegraph.ImageRef{ID: m.Get("document.id").String(), MimeType: mime}
	case "interactive":
		reply := m.Get("interactive.button_reply")
		if !reply.Exists() {
			reply = m.Get("interactive.list_reply")
		}
		ev.Kind = telegraph.EventReply
		ev.ReplyID = reply.Get("id").String()
		ev.Text = reply.Get("title").String()
	case "button":
		ev.Kind = telegraph.EventReply
		ev.ReplyID = m.Get("button.payload").String()
		ev.Text = m.Get("button.text").String()
	default:
		return ev, false
	}

	if ev.Validate() != nil {
		return ev, false
	}
	return ev, true
}

// Send delivers a message through the Graph API. Up to three options
// become reply buttons; more are listed in the text.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.RLock()
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		return fmt.Errorf("whatsapp: not connected")
	}

	to := msg.ChannelID
	if to == "" {
		to = msg.UserID
	}
	if to == "" {
		return fmt.Errorf("whatsapp: no recipient specified")
	}

	url := a.baseURL + "/" + a.phoneNumberID + "/messages"
	for _, p := range buildPayloads(to, msg) {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("whatsapp: marshal message: %w", err)
		}
		err = a.retryOnRateLimit(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			_, err = a.do(req, url)
			return err
		})
		if err != nil {
			return fmt.Errorf("whatsapp: send %s message: %w", p.Type, err)
		}
	}
	return nil
}

// FetchMedia resolves a media id to its short-lived download url and
// downloads it. A reference that already carries a url skips the lookup.
func (a *Adapter) FetchMedia(ctx context.Context, ref telegraph.ImageRef) ([]byte, string, error) {
	mediaURL, mime := ref.URL, ref.MimeType
	if mediaURL == "" {
		if ref.ID == "" {
			return nil, "", fmt.Errorf("whatsapp: media reference has no id")
		}
		lookup := a.baseURL + "/" + ref.ID
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup, nil)
		if err != nil {
			return nil, "", fmt.Errorf("whatsapp: build media lookup: %w", err)
		}
		raw, err := a.do(req, lookup)
		if err != nil {
			return nil, "", fmt.Errorf("whatsapp: look up media %s: %w", ref.ID, err)
		}
		mediaURL = gjson.GetBytes(raw, "url").String()
		if mediaURL == "" {
			return nil, "", fmt.Errorf("whatsapp: media %s has no url", ref.ID)
		}
		if mime == "" {
			mime = gjson.GetBytes(raw, "mime_type").String()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: build media download: %w", err)
	}
	data, err := a.do(req, mediaURL)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: download media %s: %w", ref.ID, err)
	}
	return data, mime, nil
}

// do sends an authenticated request and returns the body of a 2xx response.
func (a *Adapter) do(req *http.Request, url string) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// Close stops accepting webhooks and closes the Listen channel.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.inbound)
	return nil
}

// retryOnRateLimit calls fn and retries with exponential backoff when the
// Graph API answers 429. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		statusErr, ok := err.(*HTTPStatusError)
		if !ok || statusErr.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("whatsapp: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// --- Outbound payloads ---

type payload struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
	Document         *mediaBody   `json:"document,omitempty"`
	Image            *mediaBody   `json:"image,omitempty"`
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type interactive struct {
	Type   string            `json:"type"`
	Body   interactiveBody   `json:"body"`
	Action interactiveAction `json:"action"`
}

type interactiveBody struct {
	Text string `json:"text"`
}

type interactiveAction struct {
	Buttons []button `json:"buttons"`
}

type button struct {
	Type  string      `json:"type"`
	Reply buttonReply `json:"reply"`
}

type buttonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type mediaBody struct {
	Link     string `json:"link"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

func newPayload(to, typ string) payload {
	return payload{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: typ}
}

// buildPayloads renders msg as Cloud API messages in send order: text
// chunks, the button message, then media.
func buildPayloads(to string, msg telegraph.OutboundMessage) []payload {
	var out []payload
	text := msg.Text
	opts := msg.Options
	if len(opts) > maxButtons {
		text = strings.TrimSpace(text + "\n\n" + telegraph.OptionsFallback(opts))
		opts = nil
	}

	if len(opts) > 0 {
		if text == "" {
			text = "Choose an option:"
		}
		chunks := telegraph.ChunkMessage(text, maxInteractiveBody)
		for _, c := range chunks[:len(chunks)-1] {
			p := newPayload(to, "text")
			p.Text = &textBody{Body: c, PreviewURL: true}
			out = append(out, p)
		}
		p := newPayload(to, "interactive")
		p.Interactive = &interactive{Type: "button", Body: interactiveBody{Text: chunks[len(chunks)-1]}}
		for _, o := range opts {
			p.Interactive.Action.Buttons = append(p.Interactive.Action.Buttons, button{
				Type:  "reply",
				Reply: buttonReply{ID: o.ID, Title: truncateRunes(o.Label, maxButtonTitle)},
			})
		}
		out = append(out, p)
	} else if text != "" {
		for _, c := range telegraph.ChunkMessage(text, maxTextLen) {
			p := newPayload(to, "text")
			p.Text = &textBody{Body: c, PreviewURL: true}
			out = append(out, p)
		}
	}

	if m := msg.Media; m != nil && m.URL != "" {
		if strings.HasPrefix(m.MimeType, "image/") {
			p := newPayload(to, "image")
			p.Image = &mediaBody{Link: m.URL, Caption: m.Caption}
			out = append(out, p)
		} else {
			p := newPayload(to, "document")
			p.Document = &mediaBody{Link: m.URL, Filename: m.FileName, Caption: m.Caption}
			out = append(out, p)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
