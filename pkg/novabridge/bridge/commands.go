// Package bridge – commands.go implements the chat commands. They are only
// reachable after the access gate:
//
//	/start                  - Greeting
//	/help                   - Show available commands
//	/status                 - Show turn counters
//	/confirm [id]           - Continue a paused request (latest when no id)
//	/cancel [id]            - Drop a paused request (latest when no id)
//	/file <path> [question] - Ask about a local text file
//	/fetch <url> [question] - Ask about a web page
//
// /confirm and /cancel are answered on the dispatcher path so a turn waiting
// for confirmation can be resumed while the chat's worker is blocked.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/novabridge/pkg/novabridge/approval"
	"github.com/jholhewres/novabridge/pkg/novabridge/channels"
	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

// IsCommand returns true if the message starts with "/".
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// parseCommand splits "/cmd@bot rest" into "/cmd" and "rest".
func parseCommand(content string) (cmd, rest string) {
	content = strings.TrimSpace(content)
	cmd, rest, _ = strings.Cut(content, " ")
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

// handleCommand answers or queues a command. It returns false when msg is
// not a command and should run as a plain turn.
func (b *Bridge) handleCommand(ctx context.Context, msg *channels.IncomingMessage, ev security.InboundEvent, principal security.Principal) bool {
	if !IsCommand(msg.Content) {
		return false
	}
	cmd, rest := parseCommand(msg.Content)

	switch cmd {
	case "/start":
		b.reply(ctx, msg, fmt.Sprintf("👋 Hi, I'm %s. Send me a message and I'll answer. /help lists the commands.", b.cfg.AssistantName))

	case "/help":
		b.reply(ctx, msg, b.helpText())

	case "/status":
		b.reply(ctx, msg, b.statusText(msg))

	case "/confirm", "/yes":
		b.reply(ctx, msg, b.resolveCommand(msg, principal, rest, true))

	case "/cancel", "/no":
		b.reply(ctx, msg, b.resolveCommand(msg, principal, rest, false))

	case "/file":
		if b.deps.Resources == nil {
			b.reply(ctx, msg, "File access is disabled.")
			return true
		}
		path, question, _ := strings.Cut(rest, " ")
		if path == "" {
			b.reply(ctx, msg, "Usage: /file <path> [question]")
			return true
		}
		b.enqueue(ctx, principal, &job{msg: msg, event: ev, kind: jobFile, arg: path, question: strings.TrimSpace(question)})

	case "/fetch":
		if b.deps.Fetcher == nil {
			b.reply(ctx, msg, "Fetching is disabled.")
			return true
		}
		raw, question, _ := strings.Cut(rest, " ")
		if len(security.ExtractURLs(raw)) == 0 {
			b.reply(ctx, msg, "Usage: /fetch <url> [question]")
			return true
		}
		b.enqueue(ctx, principal, &job{msg: msg, event: ev, kind: jobFetch, arg: raw, question: strings.TrimSpace(question)})

	default:
		b.reply(ctx, msg, "Unknown command. Send /help for the list.")
	}
	return true
}

// resolveCommand resolves the confirmation named in rest, or the latest one
// of the chat.
func (b *Bridge) resolveCommand(msg *channels.IncomingMessage, principal security.Principal, rest string, confirm bool) string {
	id := strings.TrimSpace(rest)
	if id == "" {
		id = b.deps.Approvals.Latest(chatKey(msg))
	}
	if id == "" {
		return "No pending confirmation."
	}

	err := b.deps.Approvals.Resolve(id, principal, confirm)
	switch {
	case err == nil && confirm:
		return "✅ Confirmed."
	case err == nil:
		return "❌ Cancelled."
	case errors.Is(err, approval.ErrResolved):
		return "That confirmation was already answered."
	default:
		b.logger.Warn("confirmation resolve failed", "id", id, "error", err)
		return "No pending confirmation."
	}
}

func (b *Bridge) helpText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s commands:\n\n", b.cfg.AssistantName)
	sb.WriteString("/help - Show this message\n")
	sb.WriteString("/status - Show request counters\n")
	sb.WriteString("/confirm [id] - Continue a paused request\n")
	sb.WriteString("/cancel [id] - Drop a paused request\n")
	if b.deps.Resources != nil {
		sb.WriteString("/file <path> [question] - Ask about a local text file\n")
	}
	if b.deps.Fetcher != nil {
		sb.WriteString("/fetch <url> [question] - Ask about a web page\n")
	}
	sb.WriteString("\nAnything else is sent to the assistant.")
	return sb.String()
}

func (b *Bridge) statusText(msg *channels.IncomingMessage) string {
	s := b.Stats()
	return fmt.Sprintf("Turns: %d\nDelivered: %d\nFailed: %d\nAbandoned: %d\nBusy: %d\nDenied: %d\nPending confirmations: %d",
		s.Turns, s.Delivered, s.Failed, s.Abandoned, s.Busy, s.Denied,
		b.deps.Approvals.PendingCount(chatKey(msg)))
}
