// Package slack implements the telegraph Adapter for Slack using Socket Mode.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/swatch/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// maxTextLen keeps a section block under Slack's 3000 character limit.
	maxTextLen = 2900
	// optionsBlockID tags the actions block carrying quick-reply buttons.
	optionsBlockID = "swatch_options"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements telegraph.Adapter and telegraph.MediaFetcher for
// Slack direct messages.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan telegraph.Event
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration     // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration     // reconnection max backoff (default: maxBackoff const)
	maxReconnect int               // max reconnection attempts (default: maxReconnectAttempts)
}

var (
	_ telegraph.Adapter      = (*Adapter)(nil)
	_ telegraph.MediaFetcher = (*Adapter)(nil)
)

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	a := &Adapter{
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan telegraph.Event, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}

	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}

	return a, nil
}

// Connect establishes the Socket Mode WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Get bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events. Starts the Socket Mode
// event pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	// Start socket mode in background with reconnection logic.
	go a.runWithReconnect(listenCtx)

	// Pump events from socket mode to inbound channel.
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send delivers a message to Slack. Options become Block Kit buttons and
// media is posted as a link.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = msg.UserID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	for _, options := range buildMessages(msg) {
		err := retryOnRateLimit(ctx, func() error {
			_, _, postErr := a.client.PostMessage(channelID, options...)
			return postErr
		})
		if err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	return nil
}

// FetchMedia downloads a file shared in a direct message. Slack file urls
// require the bot token, which the API client supplies.
func (a *Adapter) FetchMedia(ctx context.Context, ref telegraph.ImageRef) ([]byte, string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, "", fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	if ref.URL == "" {
		return nil, "", fmt.Errorf("slack: no download url for file %s", ref.ID)
	}
	var buf bytes.Buffer
	if err := a.client.GetFileContext(ctx, ref.URL, &buf); err != nil {
		return nil, "", fmt.Errorf("slack: download file %s: %w", ref.ID, err)
	}
	return buf.Bytes(), ref.MimeType, nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to telegraph events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			a.emit(ctx, a.messageEvent(ev))
		}

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.emit(ctx, a.replyEvent(callback))

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

func (a *Adapter) emit(ctx context.Context, ev *telegraph.Event) {
	if ev == nil {
		return
	}
	select {
	case a.inbound <- *ev:
	case <-ctx.Done():
	}
}

// messageEvent normalizes a direct message. Bot messages, edits and other
// subtypes are dropped; a file share with an image becomes an image event.
func (a *Adapter) messageEvent(ev *slackevents.MessageEvent) *telegraph.Event {
	if ev.User == "" || ev.User == a.BotUserID() || ev.BotID != "" {
		return nil
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return nil
	}

	out := &telegraph.Event{
		ID:        "slack:" + ev.Channel + ":" + ev.TimeStamp,
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
		Platform:  "slack",
		ChannelID: ev.Channel,
		Kind:      telegraph.EventText,
		Text:      ev.Text,
	}
	for _, f := range ev.Files {
		if !strings.HasPrefix(f.Mimetype, "image/") {
			continue
		}
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		out.Kind = telegraph.EventImage
		out.Image = &telegraph.ImageRef{ID: f.ID, URL: url, MimeType: f.Mimetype}
		break
	}
	if out.Kind == telegraph.EventText && strings.TrimSpace(out.Text) == "" {
		return nil
	}
	return out
}

// replyEvent normalizes a button click. Only block actions from our own
// options block are forwarded.
func (a *Adapter) replyEvent(cb slackapi.InteractionCallback) *telegraph.Event {
	if cb.Type != slackapi.InteractionTypeBlockActions || cb.User.ID == "" {
		return nil
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil || action.BlockID != optionsBlockID {
			continue
		}
		ts := action.ActionTs
		return &telegraph.Event{
			ID:        "slack:action:" + cb.User.ID + ":" + ts,
			UserID:    cb.User.ID,
			UserName:  cb.User.Name,
			Timestamp: parseSlackTimestamp(ts),
			Platform:  "slack",
			ChannelID: cb.Channel.ID,
			Kind:      telegraph.EventReply,
			ReplyID:   action.ActionID,
			Text:      action.Value,
		}
	}
	return nil
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// buildMessages translates an OutboundMessage into one or more posts. Long
// text is split across posts; buttons and media ride on the last one.
func buildMessages(msg telegraph.OutboundMessage) [][]slackapi.MsgOption {
	text := msg.Text
	if msg.Media != nil {
		link := fmt.Sprintf("<%s|%s>", msg.Media.URL, mediaName(msg.Media))
		if msg.Media.Caption != "" && msg.Media.Caption != text {
			text = strings.TrimSpace(text + "\n" + msg.Media.Caption)
		}
		text = strings.TrimSpace(text + "\n" + link)
	}

	chunks := telegraph.ChunkMessage(text, maxTextLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	out := make([][]slackapi.MsgOption, 0, len(chunks))
	for i, chunk := range chunks {
		blocks := []slackapi.Block{
			slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, chunk, false, false), nil, nil),
		}
		if i == len(chunks)-1 && len(msg.Options) > 0 {
			blocks = append(blocks, optionsBlock(msg.Options))
		}
		out = append(out, []slackapi.MsgOption{
			slackapi.MsgOptionText(chunk, false),
			slackapi.MsgOptionBlocks(blocks...),
		})
	}
	return out
}

func optionsBlock(opts []telegraph.Option) *slackapi.ActionBlock {
	elems := make([]slackapi.BlockElement, 0, len(opts))
	for _, o := range opts {
		label := slackapi.NewTextBlockObject(slackapi.PlainTextType, o.Label, false, false)
		elems = append(elems, slackapi.NewButtonBlockElement(o.ID, o.Label, label))
	}
	return slackapi.NewActionBlock(optionsBlockID, elems...)
}

func mediaName(m *telegraph.Media) string {
	if m.FileName != "" {
		return m.FileName
	}
	return "Download"
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	secStr, fracStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if fracStr != "" {
		usec, _ = strconv.ParseInt(fracStr, 10, 64)
	}
	return time.Unix(sec, usec*int64(time.Microsecond))
}
