// Package discord implements the telegraph Adapter for Discord direct
// messages using the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/swatch/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxContentLen is Discord's message content limit.
	maxContentLen = 2000
	// maxButtonsPerRow is Discord's action row limit.
	maxButtonsPerRow = 5
	// maxMediaBytes caps attachment downloads.
	maxMediaBytes = 20 << 20
	// embedColor is the accent used for document embeds.
	embedColor = "#b5838d"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements telegraph.Adapter and telegraph.MediaFetcher for
// Discord direct messages.
type Adapter struct {
	sess           session
	botToken       string
	botUserID      string
	httpClient     *http.Client
	mu             sync.Mutex
	connected      bool
	closed         bool
	inbound        chan telegraph.Event
	cancelFunc     context.CancelFunc
	removeHandlers []func()
	dmChannels     map[string]string // user id -> DM channel id
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

var (
	_ telegraph.Adapter      = (*Adapter)(nil)
	_ telegraph.MediaFetcher = (*Adapter)(nil)
)

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken   string // Discord bot token
	HTTPClient *http.Client
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		httpClient:  opts.HTTPClient,
		inbound:     make(chan telegraph.Event, 100),
		dmChannels:  make(map[string]string),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}

	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Register Ready handler to capture bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})

	// discordgo reconnects on its own; these are for the log.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events. Registers message and
// interaction handlers on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	a.removeHandlers = append(a.removeHandlers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.emit(listenCtx, a.messageEvent(m))
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.emit(listenCtx, a.interactionEvent(i))
		}),
	)

	return a.inbound, nil
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

// Send delivers a message to Discord. Options become buttons, media an
// embed linking the file. Without a channel the user's DM channel is used.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	channelID, err := a.channelFor(ctx, msg)
	if err != nil {
		return err
	}

	for _, data := range buildMessageSends(msg) {
		err := a.retryOnRateLimit(ctx, func() error {
			_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
			return sendErr
		})
		if err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// channelFor resolves where msg goes. A channel id equal to the user id
// means no channel was recorded, so a DM channel is opened.
func (a *Adapter) channelFor(ctx context.Context, msg telegraph.OutboundMessage) (string, error) {
	if msg.ChannelID != "" && msg.ChannelID != msg.UserID {
		return msg.ChannelID, nil
	}
	if msg.UserID == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}

	a.mu.Lock()
	cached, ok := a.dmChannels[msg.UserID]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.UserChannelCreate(msg.UserID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open dm with %s: %w", msg.UserID, err)
	}
	a.mu.Lock()
	a.dmChannels[msg.UserID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

// FetchMedia downloads an attachment from Discord's CDN.
func (a *Adapter) FetchMedia(ctx context.Context, ref telegraph.ImageRef) ([]byte, string, error) {
	if ref.URL == "" {
		return nil, "", fmt.Errorf("discord: attachment %s has no url", ref.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("discord: build attachment request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("discord: download attachment %s: %w", ref.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("discord: download attachment %s: status %d", ref.ID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", fmt.Errorf("discord: read attachment %s: %w", ref.ID, err)
	}
	mime := ref.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return data, mime, nil
}

// Close gracefully shuts down the adapter connection.
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
	for _, remove := range a.removeHandlers {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// messageEvent normalizes a Discord message. Bot messages are dropped; the
// first image attachment turns the message into an image event.
func (a *Adapter) messageEvent(m *discordgo.MessageCreate) *telegraph.Event {
	if m == nil || m.Message == nil || m.Author == nil {
		return nil
	}
	if m.Author.ID == a.BotUserID() || m.Author.Bot {
		return nil
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts, _ = discordgo.SnowflakeTimestamp(m.ID)
	}
	ev := &telegraph.Event{
		ID:        "discord:" + m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Timestamp: ts,
		Platform:  "discord",
		ChannelID: m.ChannelID,
		Kind:      telegraph.EventText,
		Text:      m.Content,
	}
	for _, att := range m.Attachments {
		if att == nil || !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}
		ev.Kind = telegraph.EventImage
		ev.Image = &telegraph.ImageRef{ID: att.ID, URL: att.URL, MimeType: att.ContentType}
		break
	}
	if ev.Kind == telegraph.EventText && strings.TrimSpace(ev.Text) == "" {
		return nil
	}
	return ev
}

// interactionEvent normalizes a button click and acknowledges it so the
// client does not show a failure.
func (a *Adapter) interactionEvent(i *discordgo.InteractionCreate) *telegraph.Event {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return nil
	}
	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return nil
	}

	err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		log.Printf("discord: ack interaction %s: %v", i.ID, err)
	}

	ts, _ := discordgo.SnowflakeTimestamp(i.ID)
	return &telegraph.Event{
		ID:        "discord:interaction:" + i.ID,
		UserID:    user.ID,
		UserName:  user.Username,
		Timestamp: ts,
		Platform:  "discord",
		ChannelID: i.ChannelID,
		Kind:      telegraph.EventReply,
		ReplyID:   i.MessageComponentData().CustomID,
	}
}

// buildMessageSends translates an OutboundMessage into one or more Discord
// messages. Long content is split; buttons and media ride on the last one.
func buildMessageSends(msg telegraph.OutboundMessage) []*discordgo.MessageSend {
	chunks := telegraph.ChunkMessage(msg.Text, maxContentLen)
	out := make([]*discordgo.MessageSend, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, &discordgo.MessageSend{Content: c})
	}

	last := out[len(out)-1]
	if len(msg.Options) > 0 {
		last.Components = optionRows(msg.Options)
	}
	if msg.Media != nil {
		last.Embeds = []*discordgo.MessageEmbed{mediaEmbed(msg.Media)}
	}
	return out
}

func optionRows(opts []telegraph.Option) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for start := 0; start < len(opts); start += maxButtonsPerRow {
		end := start + maxButtonsPerRow
		if end > len(opts) {
			end = len(opts)
		}
		var buttons []discordgo.MessageComponent
		for _, o := range opts[start:end] {
			buttons = append(buttons, discordgo.Button{
				Label:    o.Label,
				Style:    discordgo.PrimaryButton,
				CustomID: o.ID,
			})
		}
		rows = append(rows, discordgo.ActionsRow{Components: buttons})
	}
	return rows
}

func mediaEmbed(m *telegraph.Media) *discordgo.MessageEmbed {
	title := m.FileName
	if title == "" {
		title = "Download"
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		URL:         m.URL,
		Description: m.Caption,
		Color:       parseHexColor(embedColor),
	}
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
