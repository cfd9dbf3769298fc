// Package channels defines the transport interfaces of the bridge. Each chat
// platform (Telegram, Discord) implements Channel to receive and send text
// in a unified way; the policy layer never talks to a platform directly.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageOther MessageType = "other"
)

// Format selects how outgoing content is rendered.
type Format string

const (
	// FormatMarkdown renders Markdown with the platform's rich text and falls
	// back to plain text when the platform rejects the markup.
	FormatMarkdown Format = "markdown"

	// FormatPlain sends the content as is.
	FormatPlain Format = "plain"
)

// Channel is implemented by every chat transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection and starts receiving.
	Connect(ctx context.Context) error

	// Disconnect stops receiving and closes the connection.
	Disconnect() error

	// Send delivers a message to chatID. Link previews are always disabled
	// and mentions never notify anyone beyond the recipient.
	Send(ctx context.Context, chatID string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with a typing indicator.
type PresenceChannel interface {
	Channel

	// SendTyping shows a "typing..." indicator in chatID for a few seconds.
	SendTyping(ctx context.Context, chatID string) error
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// Channel identifies the source channel.
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, for logs only.
	FromName string

	// ChatID is the conversation identifier.
	ChatID string

	// IsGroup indicates a group conversation.
	IsGroup bool

	Type      MessageType
	Content   string
	Timestamp time.Time
}

// OutgoingMessage is a message to send.
type OutgoingMessage struct {
	Content string
	Format  Format

	// ReplyTo is the platform message ID to reply to, if any.
	ReplyTo string
}

// HealthStatus is the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
)
