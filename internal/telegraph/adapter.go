// Package telegraph normalizes chat platforms (WhatsApp, Slack, Discord)
// into one canonical event shape and delivers outbound replies.
package telegraph

import (
	"context"
	"time"

	"github.com/zulandar/swatch/internal/apperr"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter owns its connection, turns platform payloads into Events and
// renders OutboundMessages in the platform's native form.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of canonical inbound events. The channel is
	// closed when the context is cancelled or the adapter is closed. Listen
	// must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// MediaFetcher is implemented by adapters that can download the bytes of an
// inbound image.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref ImageRef) ([]byte, string, error)
}

// EventKind is the canonical inbound event type.
type EventKind string

const (
	EventText  EventKind = "text"
	EventImage EventKind = "image"
	EventReply EventKind = "interactive_reply"
)

// ImageRef points at an image hosted by the chat platform.
type ImageRef struct {
	ID       string // platform media id, if any
	URL      string // download url, if any
	MimeType string
}

// Event is the canonical inbound message. Nothing platform specific beyond
// the identity fields leaks past the adapter.
type Event struct {
	ID        string
	UserID    string
	Timestamp time.Time
	Kind      EventKind
	Text      string
	Image     *ImageRef
	ReplyID   string

	Platform  string // e.g. "whatsapp", "slack", "discord"
	ChannelID string // where replies go; the phone number on WhatsApp
	UserName  string
}

// Validate enforces the event contract. Invalid events are dropped by the
// caller without touching any session.
func (e Event) Validate() error {
	invalid := func(reason string) error {
		return apperr.New(apperr.KindValidation, reason, nil)
	}
	if e.ID == "" {
		return invalid("event id is required")
	}
	if e.UserID == "" {
		return invalid("event user id is required")
	}
	if e.Timestamp.IsZero() {
		return invalid("event timestamp is required")
	}
	switch e.Kind {
	case EventText:
		if e.Text == "" {
			return invalid("text event has no text")
		}
	case EventImage:
		if e.Image == nil || (e.Image.ID == "" && e.Image.URL == "") {
			return invalid("image event has no image reference")
		}
	case EventReply:
		if e.ReplyID == "" {
			return invalid("interactive reply has no reply id")
		}
	default:
		return invalid("unknown event kind " + string(e.Kind))
	}
	return nil
}

// Option is a quick-reply button.
type Option struct {
	ID    string // reply id echoed back in an interactive_reply event
	Label string
}

// Media is an outbound document or image.
type Media struct {
	URL      string
	FileName string
	MimeType string
	Caption  string
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	UserID    string
	ChannelID string   // target channel
	Text      string   // message text (platform-native formatting)
	Options   []Option // rendered as buttons where the platform supports them
	Media     *Media
}

// SendText builds a plain text message.
func SendText(userID, channelID, text string) OutboundMessage {
	return OutboundMessage{UserID: userID, ChannelID: channelID, Text: text}
}

// SendOptions builds a message with quick-reply buttons.
func SendOptions(userID, channelID, text string, opts ...Option) OutboundMessage {
	return OutboundMessage{UserID: userID, ChannelID: channelID, Text: text, Options: opts}
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
