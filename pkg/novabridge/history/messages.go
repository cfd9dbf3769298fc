package history

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one row of the messages table.
type Message struct {
	ID        int64
	Role      string
	Content   string
	Source    string
	SessionID string
	TurnID    string
	Hash      string
	CreatedAt time.Time
}

// messageMetadata is the JSON kept in the metadata column. The hooks read
// created_at and content_hash from it.
type messageMetadata struct {
	SessionID   string `json:"session_id,omitempty"`
	CreatedAt   string `json:"created_at"`
	ContentHash string `json:"content_hash"`
}

// ContentHash returns the first 16 hex characters of the SHA-256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// execer is the subset of *sql.DB and *sql.Tx used by the write helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveMessage writes one message. It reports false without error when the
// content is blank or a duplicate was written inside the dedup window.
func (s *Store) SaveMessage(ctx context.Context, m Message) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	saved, err := s.saveMessage(ctx, s.db, m)
	if err != nil {
		return false, err
	}
	if saved {
		s.rotateIfNeeded(ctx)
	}
	return saved, nil
}

func (s *Store) saveMessage(ctx context.Context, q execer, m Message) (bool, error) {
	if strings.TrimSpace(m.Content) == "" {
		return false, nil
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return false, fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Source == "" {
		m.Source = SourceClaudeCode
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.Hash = ContentHash(m.Content)

	dup, err := s.isDuplicate(ctx, q, m.Role, m.Hash, m.CreatedAt)
	if err != nil {
		return false, err
	}
	if dup {
		s.logger.Debug("skipping duplicate message", "role", m.Role, "source", m.Source, "hash", m.Hash)
		return false, nil
	}

	created := formatTime(m.CreatedAt)
	meta, err := json.Marshal(messageMetadata{
		SessionID:   m.SessionID,
		CreatedAt:   created,
		ContentHash: m.Hash,
	})
	if err != nil {
		return false, fmt.Errorf("encode message metadata: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO messages (role, content, metadata, source, content_hash, created_at, turn_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Role, m.Content, string(meta), m.Source, m.Hash, created, nullString(m.TurnID),
	)
	if err != nil {
		return false, fmt.Errorf("save message: %w", err)
	}
	return true, nil
}

// isDuplicate looks for the same role and hash inside the dedup window, from
// any source. Rows written before the hash column existed are matched through
// their metadata.
func (s *Store) isDuplicate(ctx context.Context, q execer, role, hash string, at time.Time) (bool, error) {
	if s.cfg.DedupWindow <= 0 {
		return false, nil
	}
	cutoff := formatTime(at.Add(-s.cfg.DedupWindow))

	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM messages
		WHERE role = ?
		  AND COALESCE(content_hash, json_extract(metadata, '$.content_hash')) = ?
		  AND COALESCE(created_at, json_extract(metadata, '$.created_at')) >= ?
		LIMIT 1`,
		role, hash, cutoff,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return true, nil
}

// RecentMessages returns up to limit newest messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, COALESCE(metadata, ''), COALESCE(source, ''),
		       COALESCE(content_hash, ''), COALESCE(created_at, ''), COALESCE(turn_id, '')
		FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                 Message
			metadata, created string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &metadata, &m.Source, &m.Hash, &created, &m.TurnID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var meta messageMetadata
		if metadata != "" {
			_ = json.Unmarshal([]byte(metadata), &meta)
		}
		if created == "" {
			created = meta.CreatedAt
		}
		if m.Hash == "" {
			m.Hash = meta.ContentHash
		}
		m.SessionID = meta.SessionID
		m.CreatedAt, _ = parseTime(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentUserMessages returns the text of the last n user messages, oldest
// first, across all sources. The drift detector runs over this window.
func (s *Store) RecentUserMessages(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT content FROM messages WHERE role = ? ORDER BY id DESC LIMIT ?", RoleUser, n)
	if err != nil {
		return nil, fmt.Errorf("query user messages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Rotate keeps the newest MaxMessages messages and as many turns, and
// returns the number of deleted messages.
func (s *Store) Rotate(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY id DESC LIMIT ?
		)`, s.cfg.MaxMessages)
	if err != nil {
		return 0, fmt.Errorf("rotate messages: %w", err)
	}
	deleted, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM turns WHERE id NOT IN (
			SELECT id FROM turns ORDER BY created_at DESC LIMIT ?
		)`, s.cfg.MaxMessages)
	if err != nil {
		return 0, fmt.Errorf("rotate turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM findings WHERE turn_id NOT IN (SELECT id FROM turns)"); err != nil {
		return 0, fmt.Errorf("rotate findings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rotation: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("history rotated", "deleted", deleted, "kept", s.cfg.MaxMessages)
	}
	return deleted, nil
}

// rotateIfNeeded rotates when the table has grown past the limit. Failures
// are logged; the write that triggered it has already been committed.
func (s *Store) rotateIfNeeded(ctx context.Context) {
	n, err := s.Count(ctx)
	if err != nil || n <= s.cfg.MaxMessages {
		return
	}
	if _, err := s.Rotate(ctx); err != nil {
		s.logger.Warn("history rotation failed", "error", err)
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
