// Package discord implements the Discord channel using discordgo.
//
// Only direct messages are forwarded; guild traffic is ignored so a reply can
// never land in a shared channel. Outgoing messages suppress link embeds and
// carry an empty allowed-mentions list.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/novabridge/pkg/novabridge/channels"
	"github.com/jholhewres/novabridge/pkg/novabridge/format"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// Principal is the Discord user ID allowed to talk to the bridge.
	Principal string `yaml:"principal"`
}

// session is the part of *discordgo.Session the channel uses.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	Close() error
}

// Discord implements channels.Channel and channels.PresenceChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session session

	// botID is the bot's own user ID, to ignore its echoes.
	botID string

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	mu sync.Mutex
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected.Load() {
		return nil
	}

	s, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	s.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.AddHandler(d.onMessageCreate)

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = s
	d.botID = s.State.User.ID
	d.connected.Store(true)
	d.logger.Info("discord: connected", "bot", s.State.User.Username, "id", s.State.User.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("discord: close failed", "error", err)
		}
		d.session = nil
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the specified channel, split at the 2000
// character limit. Discord renders Markdown natively, so the content is sent
// as is in both formats.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return channels.ErrChannelDisconnected
	}

	content := message.Content
	if message.Format == channels.FormatPlain {
		content = format.ToPlainText(content)
	}

	for i, chunk := range format.Split(content, format.DiscordMaxLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := &discordgo.MessageSend{
			Content: chunk,
			Flags:   discordgo.MessageFlagsSuppressEmbeds,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		}
		if i == 0 && message.ReplyTo != "" {
			msg.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo, ChannelID: to}
		}
		if _, err := s.ChannelMessageSendComplex(to, msg); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: send: %w", err)
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.ChannelTyping(to)
}

// ---------- Event Handlers ----------

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botID || m.Author.Bot {
		return
	}
	// Guild messages are never forwarded.
	if m.GuildID != "" {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Content == "" {
		incoming.Type = channels.MessageOther
	}

	d.lastMsg.Store(time.Now())

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}
