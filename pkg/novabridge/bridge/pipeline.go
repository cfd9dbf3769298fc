package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jholhewres/novabridge/pkg/novabridge/approval"
	"github.com/jholhewres/novabridge/pkg/novabridge/channels"
	"github.com/jholhewres/novabridge/pkg/novabridge/fetch"
	"github.com/jholhewres/novabridge/pkg/novabridge/history"
	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

type jobKind int

const (
	jobMessage jobKind = iota
	jobFile
	jobFetch
)

// job is one queued turn.
type job struct {
	msg       *channels.IncomingMessage
	event     security.InboundEvent
	principal security.Principal
	kind      jobKind

	// arg is the path of /file or the URL of /fetch; question is the text
	// that follows it.
	arg      string
	question string
}

// turn carries the state of one job through the pipeline.
type turn struct {
	id     string
	job    *job
	sm     *stateMachine
	logger *slog.Logger

	// fp holds the process secrets plus every file or page read during the
	// turn; no outbound URL may carry any of them.
	fp *security.Fingerprints

	findings    []security.ScanResult
	attachments []string

	// raw is the unwrapped /file content.
	raw string

	outbound string
	errCat   security.Category
}

// turnError is a failure with a notice more specific than its category's.
type turnError struct {
	cat    security.Category
	notice string
	err    error
}

func (e *turnError) Error() string                { return e.err.Error() }
func (e *turnError) Unwrap() error                { return e.err }
func (e *turnError) Category() security.Category { return e.cat }

// errStopped ends a turn that already reached a terminal state and sent its
// notice.
var errStopped = errors.New("turn stopped")

// process runs one turn to a terminal state and records it.
func (b *Bridge) process(ctx context.Context, j *job) {
	id := uuid.NewString()
	logger := b.logger.With("turn_id", id, "channel", j.msg.Channel)
	t := &turn{
		id:     id,
		job:    j,
		sm:     newStateMachine(id, logger),
		logger: logger,
		fp:     b.secrets.Clone(),
	}
	b.turns.Add(1)

	defer b.record(ctx, t)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in turn", "panic", r, "stack", string(debug.Stack()))
			b.fail(ctx, t, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := b.run(ctx, t); err != nil && !errors.Is(err, errStopped) {
		b.fail(ctx, t, err)
	}
}

// run executes the pipeline steps. A returned error fails the turn.
func (b *Bridge) run(ctx context.Context, t *turn) error {
	j := t.job

	// /file content is scanned with the message, so read it first.
	if j.kind == jobFile {
		if err := b.attachFile(t); err != nil {
			return err
		}
	}

	if err := b.scan(ctx, t); err != nil {
		return err
	}

	if j.kind == jobFetch {
		if err := b.attachPage(ctx, t); err != nil {
			return err
		}
	}

	prompt, err := b.buildPrompt(ctx, t)
	if err != nil {
		return err
	}

	stop := b.startTyping(ctx, j.msg)
	resp, err := b.deps.Generator.Invoke(ctx, prompt, b.cfg.GeneratorTimeout)
	stop()
	if err != nil {
		return err
	}
	if err := t.sm.to(StateExecuted); err != nil {
		return err
	}
	t.logger.Info("generator finished", "duration_ms", resp.Duration.Milliseconds(), "attempts", resp.Attempts)

	out, err := b.deps.Sanitizer.Sanitize(resp.Text, t.fp)
	if err != nil {
		return err
	}
	if err := t.sm.to(StateSanitized); err != nil {
		return err
	}

	err = b.deps.Transport.Send(ctx, j.msg.Channel, j.msg.ChatID, &channels.OutgoingMessage{
		Content: out.Text(),
		Format:  channels.FormatMarkdown,
		ReplyTo: j.msg.ID,
	})
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	t.outbound = out.Text()
	b.rememberReplyURLs(chatKey(j.msg), t.outbound)
	return t.sm.to(StateDelivered)
}

// scan runs the injection scanner over the message, with the drift window
// from history, and over an attached file. Pausing findings stop the turn
// until the principal confirms.
func (b *Bridge) scan(ctx context.Context, t *turn) error {
	var recent []string
	if b.deps.History != nil {
		var err error
		recent, err = b.deps.History.RecentUserMessages(ctx, b.cfg.DriftWindow-1)
		if err != nil {
			t.logger.Warn("loading drift window failed", "error", err)
		}
	}

	results := b.deps.Scanner.ScanWithHistory(t.job.event.Text, recent)
	if t.job.kind == jobFile {
		// The attachment is wrapped; scan the raw file text.
		results = append(results, b.deps.Scanner.Scan(t.raw)...)
	}
	t.findings = append(t.findings, results...)

	if err := t.sm.to(StateScanned); err != nil {
		return err
	}
	if !security.ShouldPause(results) {
		return nil
	}
	_, err := b.confirm(ctx, t, approval.Request{
		Kind:       approval.KindInjection,
		Categories: security.Categories(results),
	})
	return err
}

// confirm pauses the turn until the principal answers. It returns the
// outcome of a confirmed request; any other outcome ends the turn.
func (b *Bridge) confirm(ctx context.Context, t *turn, req approval.Request) (approval.Outcome, error) {
	if err := t.sm.to(StateAwaitingConfirmation); err != nil {
		return approval.Outcome{}, err
	}
	req.ChatID = chatKey(t.job.msg)
	req.Principal = t.job.principal
	req.TurnID = t.id

	id, report := b.deps.Approvals.Create(req)
	b.reply(ctx, t.job.msg, report)

	out, err := b.deps.Approvals.Wait(ctx, id)
	if err != nil {
		// Shutdown while waiting.
		t.errCat = security.CategoryAbandoned
		_ = t.sm.to(StateAbandoned)
		return out, errStopped
	}

	switch out.Decision {
	case approval.Confirmed:
		return out, t.sm.to(StateConfirmed)
	case approval.Cancelled:
		t.errCat = security.CategoryAbandoned
		_ = t.sm.to(StateAbandoned)
		return out, errStopped
	default:
		t.errCat = security.CategoryAbandoned
		_ = t.sm.to(StateAbandoned)
		b.notify(ctx, t.job.msg, security.CategoryAbandoned)
		return out, errStopped
	}
}

// attachFile reads the /file target through the resource guard.
func (b *Bridge) attachFile(t *turn) error {
	path := t.job.arg
	if !filepath.IsAbs(path) && b.cfg.FilesRoot != "" && path[0] != '~' {
		path = filepath.Join(b.cfg.FilesRoot, path)
	}

	data, err := b.deps.Resources.ReadFile(path, b.cfg.FileReadLimit)
	switch {
	case errors.Is(err, security.ErrSensitiveResource):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return &turnError{cat: security.CategoryInternal, notice: "❌ File not found.", err: err}
	case err != nil:
		return &turnError{cat: security.CategoryInternal, notice: "❌ Could not read that file.", err: err}
	}
	if int64(len(data)) == b.cfg.FileReadLimit {
		// The read limit may have cut the last rune.
		for i := 0; i < utf8.UTFMax-1 && len(data) > 0 && !utf8.Valid(data); i++ {
			data = data[:len(data)-1]
		}
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return &turnError{
			cat:    security.CategoryInternal,
			notice: "❌ Only text files can be attached.",
			err:    fmt.Errorf("%s is not a text file", filepath.Base(path)),
		}
	}

	t.fp.AddContent("file:"+path, data)
	t.attachments = append(t.attachments, fetch.WrapExternal("file", filepath.Base(path), string(data)))
	t.raw = string(data)
	return nil
}

// attachPage confirms, fetches and scans the /fetch target.
func (b *Bridge) attachPage(ctx context.Context, t *turn) error {
	urls := security.TrackURLs(t.job.arg, security.OriginInbound, t.id)
	if len(urls) == 0 {
		return &turnError{cat: security.CategoryInternal, notice: "❌ No URL to fetch.", err: errors.New("no url in /fetch argument")}
	}
	target := urls[0]
	target.Origin = b.urlOrigin(chatKey(t.job.msg), target.Raw)
	t.logger.Info("fetch requested", "origin", target.Origin)

	// Refuse blocked hosts before asking for a confirmation.
	if b.deps.Egress != nil {
		if err := b.deps.Egress.CheckURL(ctx, target); err != nil {
			return err
		}
	}

	out, err := b.confirm(ctx, t, approval.Request{Kind: approval.KindFetch, Subject: target.Raw, Origin: target.Origin})
	if err != nil {
		return err
	}

	res, err := b.deps.Fetcher.Fetch(ctx, target, out.Grant)
	if err != nil {
		if c := security.Classify(err); c != security.CategoryInternal {
			return err
		}
		return &turnError{cat: security.CategoryInternal, notice: "❌ Could not fetch that page.", err: err}
	}

	host := target.Raw
	if u, err := url.Parse(target.Raw); err == nil {
		host = u.Hostname()
	}

	results := b.deps.Scanner.Scan(res.Text)
	t.findings = append(t.findings, results...)
	if security.ShouldPause(results) {
		if _, err := b.confirm(ctx, t, approval.Request{
			Kind:       approval.KindInjection,
			Categories: security.Categories(results),
		}); err != nil {
			return err
		}
	}

	t.fp.AddContent("fetch:"+host, []byte(res.Text))
	t.attachments = append(t.attachments, fetch.WrapExternal("web_fetch", host, res.Text))
	return nil
}

// maxReplyURLs bounds the links remembered per chat.
const maxReplyURLs = 32

func (b *Bridge) rememberReplyURLs(chat, text string) {
	urls := security.ExtractURLs(text)
	if len(urls) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.replyURLs[chat], urls...)
	if len(list) > maxReplyURLs {
		list = list[len(list)-maxReplyURLs:]
	}
	b.replyURLs[chat] = list
}

// urlOrigin reports whether raw was sent to chat in an earlier reply.
func (b *Bridge) urlOrigin(chat, raw string) security.Origin {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.replyURLs[chat] {
		if u == raw {
			return security.OriginGenerator
		}
	}
	return security.OriginInbound
}

// fail moves the turn to its failed (or abandoned) state and sends the
// category notice.
func (b *Bridge) fail(ctx context.Context, t *turn, err error) {
	cat := security.Classify(err)
	if errors.Is(err, context.Canceled) {
		cat = security.CategoryAbandoned
	}
	t.errCat = cat
	t.sm.fail()

	attrs := []any{"category", cat, "state", t.sm.state, "error", err}
	if cat.Terminal() {
		t.logger.Warn("turn rejected", attrs...)
	} else {
		t.logger.Error("turn failed", attrs...)
	}

	if ctx.Err() != nil {
		return
	}
	notice := security.Notice(cat)
	var te *turnError
	if errors.As(err, &te) && te.notice != "" {
		notice = te.notice
	}
	b.reply(ctx, t.job.msg, notice)
}

// record updates the counters and writes the turn to history in one
// transaction.
func (b *Bridge) record(ctx context.Context, t *turn) {
	switch t.sm.state {
	case StateDelivered:
		b.delivered.Add(1)
	case StateAbandoned:
		b.abandoned.Add(1)
	default:
		b.failed.Add(1)
	}

	if b.deps.History == nil {
		return
	}

	inbound := t.job.msg.Content
	if t.sm.state == StateAbandoned {
		// Unconfirmed text never reaches the context or the drift window.
		inbound = ""
	}
	created := t.job.msg.Timestamp
	if created.IsZero() {
		created = b.now()
	}

	rec := history.Turn{
		ID:        t.id,
		ChatID:    t.job.msg.ChatID,
		Source:    t.job.msg.Channel,
		Inbound:   inbound,
		Outbound:  t.outbound,
		Findings:  t.findings,
		State:     string(t.sm.state),
		Error:     t.errCat,
		CreatedAt: created,
	}

	// The record is written even when shutdown cancelled the turn.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.deps.History.AppendTurn(wctx, rec); err != nil {
		t.logger.Error("recording turn failed", "error", err)
	}
}
