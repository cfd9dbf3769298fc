// Package bridge relays messages between the chat channels and the
// generator. Each inbound event runs through the policy layer as a turn:
// access gate, injection scan, optional confirmation, generator call, output
// sanitizer, delivery and one history record.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/novabridge/pkg/novabridge/approval"
	"github.com/jholhewres/novabridge/pkg/novabridge/channels"
	"github.com/jholhewres/novabridge/pkg/novabridge/fetch"
	"github.com/jholhewres/novabridge/pkg/novabridge/history"
	"github.com/jholhewres/novabridge/pkg/novabridge/runner"
	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

// Config configures the bridge.
type Config struct {
	// AssistantName is the persona name used in prompts and greetings.
	AssistantName string `yaml:"name"`

	// SystemPrompt is prepended to every prompt. Empty uses the default
	// persona prompt for AssistantName.
	SystemPrompt string `yaml:"system_prompt"`

	// QueueSize bounds the pending turns of one chat. Defaults to 16.
	QueueSize int `yaml:"queue_size"`

	// TypingInterval is how often the typing indicator is refreshed while
	// the generator runs. Defaults to 4s.
	TypingInterval time.Duration `yaml:"typing_interval"`

	// GeneratorTimeout overrides the generator's own timeout when positive.
	GeneratorTimeout time.Duration `yaml:"generator_timeout"`

	// DriftWindow is how many messages the drift heuristic looks at,
	// including the current one. Defaults to 6.
	DriftWindow int `yaml:"drift_window"`

	// FilesRoot resolves relative /file paths.
	FilesRoot string `yaml:"files_root"`

	// FileReadLimit caps how much of a file /file reads. Defaults to 64 KiB.
	FileReadLimit int64 `yaml:"file_read_limit"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		AssistantName:  "Nova",
		QueueSize:      16,
		TypingInterval: 4 * time.Second,
		DriftWindow:    6,
		FileReadLimit:  64 * 1024,
	}
}

// DefaultSystemPrompt is the persona prompt used when none is configured.
func DefaultSystemPrompt(name string) string {
	return fmt.Sprintf("You are %[1]s, a personal AI assistant. "+
		"You always identify yourself as %[1]s, never as Claude or Claude Code. "+
		"You are helpful, concise, and friendly. "+
		"This is an ongoing conversation: do not greet the user or re-introduce yourself "+
		"at the start of each message, and do not re-examine things you already checked "+
		"earlier in the conversation. Pick up naturally where you left off and answer "+
		"the latest message directly.", name)
}

// Transport sends to and signals typing on a named channel.
// *channels.Manager satisfies it.
type Transport interface {
	Send(ctx context.Context, channelName, to string, msg *channels.OutgoingMessage) error
	SendTyping(ctx context.Context, channelName, to string) error
}

// Generator produces a response for a prompt. *runner.Invoker satisfies it.
type Generator interface {
	Invoke(ctx context.Context, prompt string, timeout time.Duration) (*runner.Response, error)
}

// HistoryStore persists turns and provides prompt context.
// *history.Store satisfies it.
type HistoryStore interface {
	AppendTurn(ctx context.Context, t history.Turn) error
	RecentUserMessages(ctx context.Context, n int) ([]string, error)
	LoadContext(ctx context.Context) (string, error)
}

// URLFetcher retrieves a confirmed URL. *fetch.Fetcher satisfies it.
type URLFetcher interface {
	Fetch(ctx context.Context, u security.TrackedURL, g approval.Grant) (*fetch.Result, error)
}

// Deps are the collaborators of the bridge. Transport, Gates, Scanner,
// Sanitizer, Approvals and Generator are required.
type Deps struct {
	Transport Transport

	// Gates maps a channel name to its access gate. Messages from a channel
	// without a gate are dropped.
	Gates map[string]*security.AccessGate

	Scanner   *security.InjectionScanner
	Sanitizer *security.OutputSanitizer
	Approvals *approval.Manager
	Generator Generator

	// Resources enables /file. Optional.
	Resources *security.ResourceGuard

	// Egress and Fetcher enable /fetch. Optional.
	Egress  *security.EgressGuard
	Fetcher URLFetcher

	// History is optional; without it turns are not recorded and prompts
	// carry no conversation context.
	History HistoryStore

	// Secrets are process secrets (bot tokens and the like) that no
	// outbound URL may carry.
	Secrets map[string]string
}

// Stats are counters since startup.
type Stats struct {
	Turns     int64
	Delivered int64
	Failed    int64
	Abandoned int64
	Busy      int64
	Denied    int64
}

// Bridge dispatches inbound messages to per-chat workers.
type Bridge struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	// secrets holds the process fingerprints; each turn works on a clone.
	secrets *security.Fingerprints

	seq atomic.Uint64

	mu      sync.Mutex
	workers map[string]*worker

	// replyURLs holds the links of recent replies per chat. A /fetch of one
	// of them is tagged as generator-sourced.
	replyURLs map[string][]string
	wg      sync.WaitGroup

	turns     atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	busy      atomic.Int64

	// now is replaceable for tests.
	now func() time.Time
}

// worker runs the turns of one chat in arrival order.
type worker struct {
	jobs chan *job
}

// New creates a bridge.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Transport == nil:
		return nil, fmt.Errorf("bridge: transport is required")
	case len(deps.Gates) == 0:
		return nil, fmt.Errorf("bridge: at least one access gate is required")
	case deps.Scanner == nil:
		return nil, fmt.Errorf("bridge: injection scanner is required")
	case deps.Sanitizer == nil:
		return nil, fmt.Errorf("bridge: output sanitizer is required")
	case deps.Approvals == nil:
		return nil, fmt.Errorf("bridge: approval manager is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("bridge: generator is required")
	}

	def := DefaultConfig()
	if cfg.AssistantName == "" {
		cfg.AssistantName = def.AssistantName
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt(cfg.AssistantName)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = def.TypingInterval
	}
	if cfg.DriftWindow <= 0 {
		cfg.DriftWindow = def.DriftWindow
	}
	if cfg.FileReadLimit <= 0 {
		cfg.FileReadLimit = def.FileReadLimit
	}

	secrets := security.NewFingerprints()
	for origin, value := range deps.Secrets {
		secrets.Add(origin, value)
	}

	return &Bridge{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "bridge"),
		secrets:   secrets,
		workers:   make(map[string]*worker),
		replyURLs: make(map[string][]string),
		now:       time.Now,
	}, nil
}

// Run dispatches messages from in until ctx is cancelled or in is closed,
// then waits for the running turns to finish.
func (b *Bridge) Run(ctx context.Context, in <-chan *channels.IncomingMessage) error {
	b.logger.Info("bridge started", "queue_size", b.cfg.QueueSize)
	defer func() {
		b.wg.Wait()
		b.logger.Info("bridge stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			b.Dispatch(ctx, msg)
		}
	}
}

// Dispatch handles one inbound message on the caller's goroutine: access
// check, then either a command answered immediately or a turn queued on
// the chat's worker.
func (b *Bridge) Dispatch(ctx context.Context, msg *channels.IncomingMessage) {
	ev := security.InboundEvent{
		SenderID:  msg.From,
		ChatID:    msg.ChatID,
		Text:      msg.Content,
		Timestamp: msg.Timestamp,
		Sequence:  b.seq.Add(1),
	}

	gate := b.deps.Gates[msg.Channel]
	if gate == nil {
		b.logger.Warn("access denied",
			"reason", "channel has no gate",
			"channel", msg.Channel,
			"category", security.CategoryAccessDenied,
		)
		return
	}
	if !gate.Authorize(ev) {
		return
	}

	if msg.Type != channels.MessageText || strings.TrimSpace(msg.Content) == "" {
		b.logger.Debug("ignoring non-text message", "channel", msg.Channel, "msg_id", msg.ID)
		return
	}

	if b.handleCommand(ctx, msg, ev, gate.Principal()) {
		return
	}
	b.enqueue(ctx, gate.Principal(), &job{msg: msg, event: ev, kind: jobMessage})
}

// enqueue binds j to principal and hands it to the chat's worker, starting
// it if needed. A full queue rejects the job with a busy notice.
func (b *Bridge) enqueue(ctx context.Context, principal security.Principal, j *job) {
	j.principal = principal
	key := chatKey(j.msg)

	b.mu.Lock()
	w, ok := b.workers[key]
	if !ok {
		w = &worker{jobs: make(chan *job, b.cfg.QueueSize)}
		b.workers[key] = w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.runWorker(ctx, w)
		}()
	}
	b.mu.Unlock()

	select {
	case w.jobs <- j:
	default:
		b.busy.Add(1)
		b.logger.Warn("chat queue full, rejecting message",
			"chat", key,
			"category", security.CategoryBusy,
		)
		b.notify(ctx, j.msg, security.CategoryBusy)
	}
}

func (b *Bridge) runWorker(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			b.process(ctx, j)
		}
	}
}

// Stats returns the counters.
func (b *Bridge) Stats() Stats {
	var denied int64
	for _, g := range b.deps.Gates {
		denied += g.Denied()
	}
	return Stats{
		Turns:     b.turns.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Abandoned: b.abandoned.Load(),
		Busy:      b.busy.Load(),
		Denied:    denied,
	}
}

// reply sends a short plain-text message to the chat of msg.
func (b *Bridge) reply(ctx context.Context, msg *channels.IncomingMessage, text string) {
	if text == "" {
		return
	}
	err := b.deps.Transport.Send(ctx, msg.Channel, msg.ChatID, &channels.OutgoingMessage{
		Content: text,
		Format:  channels.FormatPlain,
	})
	if err != nil {
		b.logger.Error("reply failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
	}
}

// notify sends the category-only notice for c.
func (b *Bridge) notify(ctx context.Context, msg *channels.IncomingMessage, c security.Category) {
	b.reply(ctx, msg, security.Notice(c))
}

// startTyping refreshes the typing indicator until the returned stop
// function is called.
func (b *Bridge) startTyping(ctx context.Context, msg *channels.IncomingMessage) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.cfg.TypingInterval)
		defer ticker.Stop()
		for {
			if err := b.deps.Transport.SendTyping(ctx, msg.Channel, msg.ChatID); err != nil && ctx.Err() == nil {
				b.logger.Debug("typing indicator failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// chatKey identifies a conversation across channels.
func chatKey(msg *channels.IncomingMessage) string {
	return msg.Channel + ":" + msg.ChatID
}
