package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Session is one conversation in the log.
type Session struct {
	ID           string
	Client       string
	Model        string
	Title        string
	CreatedAt    string
	UpdatedAt    string
	MessageCount int
}

// Message is one turn of a logged conversation.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Model     string
	ToolCalls *string // JSON array, nil when the turn made no calls
	CreatedAt string
}

// EnsureSession creates the session if it does not exist and bumps its
// updated_at otherwise. The title is only set on creation.
func (d *DB) EnsureSession(s *Session) error {
	ts := now()
	_, err := d.conn.Exec(
		`INSERT INTO sessions (id, client, model, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, model = excluded.model`,
		s.ID, s.Client, s.Model, s.Title, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", s.ID, err)
	}
	return nil
}

// InsertMessage appends a message to its session.
func (d *DB) InsertMessage(m *Message) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt == "" {
		createdAt = now()
	}
	res, err := d.conn.Exec(
		`INSERT INTO messages (session_id, role, content, model, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, m.Model, m.ToolCalls, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// GetSession retrieves a single session by ID, or nil when it does not exist.
func (d *DB) GetSession(id string) (*Session, error) {
	s := &Session{}
	err := d.conn.QueryRow(
		`SELECT s.id, s.client, s.model, s.title, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE s.id = ?`, id,
	).Scan(&s.ID, &s.Client, &s.Model, &s.Title, &s.CreatedAt, &s.UpdatedAt, &s.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (d *DB) ListSessions(limit, offset int) ([]Session, error) {
	rows, err := d.conn.Query(
		`SELECT s.id, s.client, s.model, s.title, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s ORDER BY s.updated_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	sessions := []Session{}
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Client, &s.Model, &s.Title, &s.CreatedAt, &s.UpdatedAt, &s.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListMessages returns a session's messages in the order they were logged.
func (d *DB) ListMessages(sessionID string, limit int) ([]Message, error) {
	rows, err := d.conn.Query(
		`SELECT id, session_id, role, content, model, tool_calls, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Model, &m.ToolCalls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
