package discord

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/novabridge/pkg/novabridge/channels"
)

type fakeSession struct {
	mu     sync.Mutex
	sent   []*discordgo.MessageSend
	typing []string
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "m", ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, channelID)
	return nil
}

func (f *fakeSession) Close() error { return nil }

func newTestDiscord() (*Discord, *fakeSession) {
	fs := &fakeSession{}
	d := New(Config{Token: "x"}, nil)
	d.session = fs
	d.botID = "bot"
	d.connected.Store(true)
	return d, fs
}

func TestSend_SuppressesEmbedsAndMentions(t *testing.T) {
	t.Parallel()
	d, fs := newTestDiscord()

	err := d.Send(context.Background(), "dm-1", &channels.OutgoingMessage{
		Content: "see https://example.com",
		Format:  channels.FormatMarkdown,
		ReplyTo: "42",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fs.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fs.sent))
	}
	msg := fs.sent[0]
	if msg.Flags&discordgo.MessageFlagsSuppressEmbeds == 0 {
		t.Error("embeds not suppressed")
	}
	if msg.AllowedMentions == nil || len(msg.AllowedMentions.Parse) != 0 || msg.AllowedMentions.Parse == nil {
		t.Errorf("AllowedMentions = %+v, want an empty parse list", msg.AllowedMentions)
	}
	if msg.Reference == nil || msg.Reference.MessageID != "42" {
		t.Errorf("Reference = %+v, want message 42", msg.Reference)
	}
}

func TestSend_Chunks(t *testing.T) {
	t.Parallel()
	d, fs := newTestDiscord()

	long := strings.Repeat("one more line of text for discord\n", 200)
	if err := d.Send(context.Background(), "dm-1", &channels.OutgoingMessage{Content: long}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fs.sent) < 3 {
		t.Fatalf("sent %d messages, want at least 3", len(fs.sent))
	}
	for i, m := range fs.sent {
		if len(m.Content) > 2000 {
			t.Errorf("chunk %d has %d bytes", i, len(m.Content))
		}
		if i > 0 && m.Reference != nil {
			t.Errorf("chunk %d carries a reply reference", i)
		}
	}
}

func TestSend_Disconnected(t *testing.T) {
	t.Parallel()
	d := New(Config{}, nil)
	if err := d.Send(context.Background(), "x", &channels.OutgoingMessage{Content: "x"}); err != channels.ErrChannelDisconnected {
		t.Errorf("Send = %v, want ErrChannelDisconnected", err)
	}
}

func TestSendTyping(t *testing.T) {
	t.Parallel()
	d, fs := newTestDiscord()
	if err := d.SendTyping(context.Background(), "dm-1"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if len(fs.typing) != 1 || fs.typing[0] != "dm-1" {
		t.Errorf("typing = %v", fs.typing)
	}
}

func TestOnMessageCreate_Filters(t *testing.T) {
	t.Parallel()

	mk := func(author *discordgo.User, guild, content string) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{Message: &discordgo.Message{
			ID:        "1",
			ChannelID: "dm-1",
			GuildID:   guild,
			Author:    author,
			Content:   content,
			Timestamp: time.Now(),
		}}
	}
	user := &discordgo.User{ID: "u1", Username: "ada"}

	tests := []struct {
		name string
		msg  *discordgo.MessageCreate
		want bool
	}{
		{"direct message", mk(user, "", "hi"), true},
		{"guild message", mk(user, "g1", "hi"), false},
		{"own echo", mk(&discordgo.User{ID: "bot"}, "", "hi"), false},
		{"other bot", mk(&discordgo.User{ID: "b2", Bot: true}, "", "hi"), false},
		{"no author", mk(nil, "", "hi"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, _ := newTestDiscord()
			d.onMessageCreate(nil, tt.msg)

			select {
			case got := <-d.Receive():
				if !tt.want {
					t.Errorf("forwarded %+v", got)
				} else if got.From != "u1" || got.ChatID != "dm-1" || got.Content != "hi" {
					t.Errorf("message = %+v", got)
				}
			default:
				if tt.want {
					t.Error("message not forwarded")
				}
			}
		})
	}
}
