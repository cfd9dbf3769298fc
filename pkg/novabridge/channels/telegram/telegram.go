// Package telegram implements the Telegram channel using the Bot API
// directly over HTTP.
//
// Features:
//   - Long polling for updates (getUpdates), pending updates dropped at start
//   - Text messages only; other content is ignored
//   - Typing indicators (sendChatAction)
//   - HTML formatting with a plain-text fallback, link previews disabled
//   - Replies split at the 4096 character limit
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/novabridge/pkg/novabridge/channels"
	"github.com/jholhewres/novabridge/pkg/novabridge/format"
)

// DefaultAPIURL is the Telegram Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Telegram Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// APIURL overrides the Bot API endpoint (local Bot API server, tests).
	APIURL string `yaml:"api_url"`

	// PollTimeout is the long-polling timeout passed to getUpdates.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// DropPendingUpdates discards messages queued while the bridge was down.
	DropPendingUpdates bool `yaml:"drop_pending_updates"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIURL:             DefaultAPIURL,
		PollTimeout:        30 * time.Second,
		DropPendingUpdates: true,
	}
}

// APIError is an error reported by the Bot API ("ok": false).
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// Telegram implements channels.Channel and channels.PresenceChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// baseURL is the Bot API base URL (<api>/bot<token>).
	baseURL string

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	dropped    atomic.Int64

	// offset is the last processed update ID + 1.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// New creates a new Telegram channel instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: cfg.PollTimeout + 30*time.Second},
		baseURL:  strings.TrimRight(cfg.APIURL, "/") + "/bot" + cfg.Token,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the long-polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	// getUpdates does not work while a webhook is set.
	if _, err := t.apiCall(t.ctx, "deleteWebhook", map[string]any{
		"drop_pending_updates": t.cfg.DropPendingUpdates,
	}); err != nil {
		t.cancel()
		return fmt.Errorf("telegram: deleting webhook: %w", err)
	}

	me, err := t.getMe(t.ctx)
	if err != nil {
		t.cancel()
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)

	t.done = make(chan struct{})
	go t.pollLoop(t.ctx, t.done)
	return nil
}

// Disconnect stops the polling loop and waits for it to exit.
func (t *Telegram) Disconnect() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	t.connected.Store(false)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send delivers message to chat to, split into chunks that fit the message
// limit. Markdown content is sent as HTML and re-sent as plain text when the
// API rejects the markup.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	for i, chunk := range format.Split(message.Content, format.TelegramMaxLength) {
		replyTo := ""
		if i == 0 {
			replyTo = message.ReplyTo
		}
		if err := t.sendChunk(ctx, chatID, chunk, message.Format, replyTo); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) sendChunk(ctx context.Context, chatID int64, chunk string, f channels.Format, replyTo string) error {
	if f == channels.FormatMarkdown {
		html := format.ToTelegramHTML(chunk)
		if html != "" && format.Len(html) <= 4096 {
			err := t.sendText(ctx, chatID, html, "HTML", replyTo)
			if err == nil {
				return nil
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
				return err
			}
			t.logger.Debug("telegram: formatted send rejected, retrying as plain text", "error", apiErr.Description)
		}
		chunk = format.ToPlainText(chunk)
	}
	return t.sendText(ctx, chatID, chunk, "", replyTo)
}

func (t *Telegram) sendText(ctx context.Context, chatID int64, text, parseMode, replyTo string) error {
	payload := map[string]any{
		"chat_id":              chatID,
		"text":                 text,
		"link_preview_options": map[string]any{"is_disabled": true},
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	if replyTo != "" {
		if id, err := strconv.ParseInt(replyTo, 10, 64); err == nil {
			payload["reply_parameters"] = map[string]any{
				"message_id":                  id,
				"allow_sending_without_reply": true,
			}
		}
	}

	_, err := t.apiCall(ctx, "sendMessage", payload)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		t.logger.Warn("telegram: rate limited", "retry_after", apiErr.RetryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(apiErr.RetryAfter):
		}
		_, err = t.apiCall(ctx, "sendMessage", payload)
	}
	if err != nil {
		t.errorCount.Add(1)
		return err
	}
	return nil
}

// Receive returns the channel for incoming messages.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// IsConnected returns true if connected.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  t.connected.Load(),
		ErrorCount: int(t.errorCount.Load()),
		Details: map[string]any{
			"dropped_updates": t.dropped.Load(),
		},
	}
	if v := t.lastMsg.Load(); v != nil {
		h.LastMessageAt = v.(time.Time)
	}
	return h
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a "typing..." indicator. Telegram shows it for about
// five seconds.
func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// ---------- Polling ----------

// pollLoop runs the getUpdates long-polling loop.
func (t *Telegram) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(ctx, t.offset, 100, int(t.cfg.PollTimeout/time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

// processUpdate converts a Telegram update into an IncomingMessage. Access
// control is not applied here; every text message is forwarded to the
// bridge, which decides.
func (t *Telegram) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil {
		return
	}

	from := ""
	fromName := ""
	if msg.From != nil {
		from = strconv.FormatInt(msg.From.ID, 10)
		fromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if fromName == "" {
			fromName = msg.From.Username
		}
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.FormatInt(int64(msg.MessageID), 10),
		Channel:   "telegram",
		From:      from,
		FromName:  fromName,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup:   msg.Chat.Type != "private",
		Type:      channels.MessageText,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.Text == "" {
		incoming.Type = channels.MessageOther
	}

	t.lastMsg.Store(time.Now())

	select {
	case t.messages <- incoming:
	default:
		t.dropped.Add(1)
		t.logger.Warn("telegram: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int     `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int     `json:"date"`
	Text      string  `json:"text"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup", "channel"
}

type tgBotUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// ---------- API Helpers ----------

// apiCall makes a POST request to the Telegram Bot API.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	url := t.baseURL + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the token; drop it from the error.
		var uerr *neturl.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		code := result.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &APIError{
			Method:      method,
			Code:        code,
			Description: result.Description,
			RetryAfter:  time.Duration(result.Parameters.RetryAfter) * time.Second,
		}
	}
	return result.Result, nil
}

// getMe verifies the bot token and returns bot info.
func (t *Telegram) getMe(ctx context.Context) (*tgBotUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// getUpdates fetches new updates using long polling.
func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	payload := map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	}
	data, err := t.apiCall(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}
