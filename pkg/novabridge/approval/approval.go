// Package approval implements the STOP → REPORT → CONFIRM flow. A paused
// turn creates a pending confirmation bound to the principal; the worker
// blocks in Wait while the dispatcher resolves it from a /confirm or /cancel
// reply. Unanswered confirmations expire and the turn is abandoned.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

// DefaultWindow is how long a confirmation stays open.
const DefaultWindow = 2 * time.Minute

// Kind is what a confirmation unlocks.
type Kind string

const (
	// KindInjection resumes a turn paused by scanner findings.
	KindInjection Kind = "injection"
	// KindFetch allows one fetch of an externally sourced URL.
	KindFetch Kind = "fetch"
)

// Decision is the outcome of a confirmation.
type Decision string

const (
	Confirmed Decision = "confirmed"
	Cancelled Decision = "cancelled"
	Expired   Decision = "expired"
)

var (
	ErrNotFound       = errors.New("confirmation not found")
	ErrWrongPrincipal = errors.New("confirmation belongs to another principal")
	ErrResolved       = errors.New("confirmation already resolved")
	ErrInvalidGrant   = errors.New("invalid or expired grant")
)

// Request describes what needs confirming.
type Request struct {
	Kind      Kind
	ChatID    string
	Principal security.Principal
	TurnID    string

	// Subject is the URL for fetch confirmations. It is never echoed back
	// verbatim; the report shows the host only.
	Subject string

	// Origin is where the fetch URL was found.
	Origin security.Origin

	// Categories are the scanner categories that paused the turn.
	Categories []security.ScanCategory
}

// Pending is an open confirmation.
type Pending struct {
	ID        string
	Request   Request
	CreatedAt time.Time
	ExpiresAt time.Time

	result  chan Decision
	waiting bool
}

// Outcome is what Wait returns.
type Outcome struct {
	Decision Decision

	// Grant is set for confirmed fetch requests.
	Grant Grant
}

// Grant authorizes exactly one fetch of one URL. Its fields are unexported
// so only the manager can issue one.
type Grant struct {
	id      string
	subject string
	turnID  string
	expires time.Time
}

// ID returns the confirmation ID the grant was issued for.
func (g Grant) ID() string { return g.id }

// IsZero reports whether g is the zero grant.
func (g Grant) IsZero() bool { return g.id == "" }

// Manager tracks pending confirmations and issued grants.
type Manager struct {
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*Pending
	grants  map[string]Grant
}

// NewManager returns a manager whose confirmations expire after window.
func NewManager(window time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Manager{
		window:  window,
		logger:  logger.With("component", "approval"),
		now:     time.Now,
		pending: make(map[string]*Pending),
		grants:  make(map[string]Grant),
	}
}

// Window returns the confirmation window.
func (m *Manager) Window() time.Duration { return m.window }

// Create opens a confirmation and returns its ID and the report to send to
// the principal. The caller sends the report, then calls Wait.
func (m *Manager) Create(req Request) (id string, report string) {
	now := m.now()
	id = uuid.New().String()[:8]

	p := &Pending{
		ID:        id,
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(m.window),
		result:    make(chan Decision, 1),
	}

	m.mu.Lock()
	for m.pending[id] != nil {
		id = uuid.New().String()[:8]
		p.ID = id
	}
	m.pending[id] = p
	m.mu.Unlock()

	m.logger.Info("confirmation created",
		"id", id,
		"kind", req.Kind,
		"turn_id", req.TurnID,
		"categories", req.Categories,
	)
	return id, formatReport(p, m.window)
}

// Wait blocks until the confirmation is resolved, expires or ctx is done.
// The pending entry is removed when Wait returns.
func (m *Manager) Wait(ctx context.Context, id string) (Outcome, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		p.waiting = true
	}
	m.mu.Unlock()
	if !ok {
		return Outcome{}, ErrNotFound
	}

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(time.Until(p.ExpiresAt))
	defer timer.Stop()

	select {
	case d := <-p.result:
		out := Outcome{Decision: d}
		if d == Confirmed && p.Request.Kind == KindFetch {
			out.Grant = m.issueGrant(p)
		}
		m.logger.Info("confirmation resolved", "id", id, "decision", d, "turn_id", p.Request.TurnID)
		return out, nil

	case <-timer.C:
		m.logger.Warn("confirmation expired", "id", id, "turn_id", p.Request.TurnID)
		return Outcome{Decision: Expired}, nil

	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Resolve confirms or cancels a pending confirmation. Only the principal the
// confirmation was created for can resolve it.
func (m *Manager) Resolve(id string, by security.Principal, confirm bool) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if by == "" || by != p.Request.Principal {
		m.logger.Warn("confirmation resolve rejected: principal mismatch", "id", id)
		return ErrWrongPrincipal
	}
	if m.now().After(p.ExpiresAt) {
		return ErrNotFound
	}

	d := Cancelled
	if confirm {
		d = Confirmed
	}
	select {
	case p.result <- d:
		return nil
	default:
		return ErrResolved
	}
}

// Latest returns the ID of the newest pending confirmation in chatID, or ""
// when there is none. It lets a bare /confirm resolve the latest request.
func (m *Manager) Latest(chatID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Pending
	for _, p := range m.pending {
		if p.Request.ChatID != chatID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return ""
	}
	return latest.ID
}

// PendingCount returns the number of open confirmations in chatID.
func (m *Manager) PendingCount(chatID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if p.Request.ChatID == chatID {
			n++
		}
	}
	return n
}

// Redeem consumes a grant for subject. A grant is valid once, for the URL it
// was issued for, until the confirmation window elapses.
func (m *Manager) Redeem(g Grant, subject string) error {
	if g.IsZero() {
		return ErrInvalidGrant
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	issued, ok := m.grants[g.id]
	if !ok || issued != g || issued.subject != subject || m.now().After(issued.expires) {
		return ErrInvalidGrant
	}
	delete(m.grants, g.id)
	return nil
}

// Sweep drops expired confirmations nobody is waiting on and expired grants.
// It returns the number of removed entries.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, p := range m.pending {
		if !p.waiting && now.After(p.ExpiresAt) {
			delete(m.pending, id)
			removed++
		}
	}
	for id, g := range m.grants {
		if now.After(g.expires) {
			delete(m.grants, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("swept expired confirmations", "removed", removed)
	}
	return removed
}

func (m *Manager) issueGrant(p *Pending) Grant {
	g := Grant{
		id:      p.ID,
		subject: p.Request.Subject,
		turnID:  p.Request.TurnID,
		expires: m.now().Add(m.window),
	}
	m.mu.Lock()
	m.grants[g.id] = g
	m.mu.Unlock()
	return g
}

// formatReport is the REPORT step: what stopped and how to continue. It names
// categories and hosts, never the offending content.
func formatReport(p *Pending, window time.Duration) string {
	var what string
	switch p.Request.Kind {
	case KindFetch:
		host := "an external link"
		if u, err := url.Parse(p.Request.Subject); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
		what = fmt.Sprintf("Fetch of %s requested. External links are only fetched after confirmation.", host)
		if p.Request.Origin == security.OriginGenerator {
			what = fmt.Sprintf("Fetch of %s requested. The link comes from an earlier reply and is only fetched after confirmation.", host)
		}
	default:
		cats := make([]string, 0, len(p.Request.Categories))
		for _, c := range p.Request.Categories {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		what = "Paused: the message looks like a prompt injection attempt"
		if len(cats) > 0 {
			what += " (" + strings.Join(cats, ", ") + ")"
		}
		what += "."
	}
	return fmt.Sprintf("⚠️ %s\n\nReply /confirm %s to continue or /cancel %s to drop it. Expires in %s.",
		what, p.ID, p.ID, window.Round(time.Second))
}
