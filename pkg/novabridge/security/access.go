// Package security – access.go implements the single-principal access gate.
// Every inbound event is checked; there is no cached "already authorized"
// state and a missing identity fails closed.
package security

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Principal is the single chat identity allowed to talk to the bridge.
type Principal string

// InboundEvent is one message received from the chat transport. It is never
// mutated after construction; scanning produces derived values.
type InboundEvent struct {
	SenderID  string
	ChatID    string
	Text      string
	Timestamp time.Time
	Sequence  uint64
}

// AccessConfig configures the gate.
type AccessConfig struct {
	// Principal is the authorized sender identity.
	Principal Principal `yaml:"id"`

	// ChatID optionally pins the conversation the principal must write from.
	// Empty accepts any chat as long as the sender matches.
	ChatID string `yaml:"chat_id"`
}

// AccessGate authorizes inbound events against the configured principal.
type AccessGate struct {
	cfg    AccessConfig
	logger *slog.Logger
	denied atomic.Int64
}

// NewAccessGate creates a gate bound to an immutable principal.
func NewAccessGate(cfg AccessConfig, logger *slog.Logger) *AccessGate {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Principal = Principal(strings.TrimSpace(string(cfg.Principal)))
	cfg.ChatID = strings.TrimSpace(cfg.ChatID)
	return &AccessGate{
		cfg:    cfg,
		logger: logger.With("component", "access_gate"),
	}
}

// Principal returns the configured principal.
func (g *AccessGate) Principal() Principal { return g.cfg.Principal }

// Authorize returns true only when the event comes from the principal.
// Rejected events are logged and must be dropped without a reply.
func (g *AccessGate) Authorize(ev InboundEvent) bool {
	reason := ""
	switch {
	case g.cfg.Principal == "":
		reason = "no principal configured"
	case ev.SenderID == "":
		reason = "missing sender"
	case ev.SenderID != string(g.cfg.Principal):
		reason = "sender mismatch"
	case g.cfg.ChatID != "" && ev.ChatID != g.cfg.ChatID:
		reason = "chat mismatch"
	}
	if reason == "" {
		return true
	}
	g.denied.Add(1)
	g.logger.Warn("access denied",
		"reason", reason,
		"sender", ev.SenderID,
		"chat", ev.ChatID,
		"category", CategoryAccessDenied,
	)
	return false
}

// Denied returns how many events were rejected since startup.
func (g *AccessGate) Denied() int64 { return g.denied.Load() }
