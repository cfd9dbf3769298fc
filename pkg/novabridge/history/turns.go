package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

// Turn is the record of one processed inbound event.
type Turn struct {
	ID        string
	ChatID    string
	Source    string
	SessionID string

	// Inbound and Outbound are stored as message rows. Either may be empty,
	// for example when a turn was abandoned before the generator ran.
	Inbound  string
	Outbound string

	Findings []security.ScanResult

	// State is the final state of the turn state machine.
	State string

	// Error is the category of the failure for failed turns.
	Error security.Category

	CreatedAt time.Time
}

// AppendTurn writes the turn row, its findings and its message rows in one
// transaction. It assigns an ID and timestamp when they are empty.
func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	if t.ChatID == "" {
		return fmt.Errorf("append turn: empty chat id")
	}
	if t.State == "" {
		return fmt.Errorf("append turn: empty state")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.Source == "" {
		t.Source = SourceTelegram
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, chat_id, source, session_id, state, error_category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChatID, t.Source, nullString(t.SessionID), t.State,
		nullString(string(t.Error)), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}

	for _, f := range t.Findings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO findings (turn_id, category, rule, severity, span_start, span_end)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, string(f.Category), f.Rule, string(f.Severity), f.Span.Start, f.Span.End,
		)
		if err != nil {
			return fmt.Errorf("save finding: %w", err)
		}
	}

	for _, m := range []Message{
		{Role: RoleUser, Content: t.Inbound, CreatedAt: t.CreatedAt},
		{Role: RoleAssistant, Content: t.Outbound, CreatedAt: s.now()},
	} {
		m.Source = t.Source
		m.SessionID = t.SessionID
		m.TurnID = t.ID
		if _, err := s.saveMessage(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	s.logger.Debug("turn recorded", "turn_id", t.ID, "state", t.State, "findings", len(t.Findings))

	s.rotateIfNeeded(ctx)
	return nil
}

// LoadRecentTurns returns the last n turns of chatID, oldest first, with
// their messages and findings.
func (s *Store) LoadRecentTurns(ctx context.Context, chatID string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, source, COALESCE(session_id, ''), state,
		       COALESCE(error_category, ''), created_at
		FROM turns WHERE chat_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}

	var turns []Turn
	for rows.Next() {
		var (
			t        Turn
			errCat   string
			createdS string
		)
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Source, &t.SessionID, &t.State, &errCat, &createdS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Error = security.Category(errCat)
		t.CreatedAt, _ = parseTime(createdS)
		turns = append(turns, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range turns {
		if err := s.loadTurnDetails(ctx, &turns[i]); err != nil {
			return nil, err
		}
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) loadTurnDetails(ctx context.Context, t *Turn) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content FROM messages WHERE turn_id = ? ORDER BY id", t.ID)
	if err != nil {
		return fmt.Errorf("query turn messages: %w", err)
	}
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			rows.Close()
			return err
		}
		switch role {
		case RoleUser:
			t.Inbound = content
		case RoleAssistant:
			t.Outbound = content
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT category, rule, severity, COALESCE(span_start, 0), COALESCE(span_end, 0)
		FROM findings WHERE turn_id = ? ORDER BY id`, t.ID)
	if err != nil {
		return fmt.Errorf("query turn findings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			f             security.ScanResult
			cat, severity string
		)
		if err := rows.Scan(&cat, &f.Rule, &severity, &f.Span.Start, &f.Span.End); err != nil {
			return err
		}
		f.Category = security.ScanCategory(cat)
		f.Severity = security.Severity(severity)
		t.Findings = append(t.Findings, f)
	}
	return rows.Err()
}
