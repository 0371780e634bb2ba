package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Memory is a fact the user asked the gateway to remember across sessions.
type Memory struct {
	ID        int64
	Category  string
	Content   string
	Active    bool
	CreatedAt string
	UpdatedAt string
}

const memoryColumns = `id, category, content, active, created_at, updated_at`

func scanMemory(scanner interface{ Scan(...any) error }, m *Memory) error {
	var active int
	if err := scanner.Scan(&m.ID, &m.Category, &m.Content, &active, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return err
	}
	m.Active = active == 1
	return nil
}

// InsertMemory stores a memory record and returns its ID.
func (d *DB) InsertMemory(m *Memory) (int64, error) {
	if m.Category == "" {
		m.Category = "general"
	}
	ts := now()
	res, err := d.conn.Exec(
		`INSERT INTO memories (category, content, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		m.Category, m.Content, boolToInt(m.Active), ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return res.LastInsertId()
}

// GetMemory retrieves a single memory by ID, or nil when it does not exist.
func (d *DB) GetMemory(id int64) (*Memory, error) {
	m := &Memory{}
	err := scanMemory(d.conn.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id), m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %d: %w", id, err)
	}
	return m, nil
}

// DeleteMemory removes a memory by ID. It reports whether a row was removed.
func (d *DB) DeleteMemory(id int64) (bool, error) {
	res, err := d.conn.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete memory %d: %w", id, err)
	}
	return n > 0, nil
}

// ListMemories returns memories newest first, optionally filtered by category.
func (d *DB) ListMemories(category *string, limit, offset int) ([]Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE 1=1`
	var args []any
	if category != nil {
		query += ` AND category = ?`
		args = append(args, *category)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	memories := []Memory{}
	for rows.Next() {
		var m Memory
		if err := scanMemory(rows, &m); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// GetActiveMemories returns the most recently updated active memories.
func (d *DB) GetActiveMemories(limit int) ([]Memory, error) {
	rows, err := d.conn.Query(
		`SELECT `+memoryColumns+` FROM memories WHERE active = 1 ORDER BY updated_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get active memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var memories []Memory
	for rows.Next() {
		var m Memory
		if err := scanMemory(rows, &m); err != nil {
			return nil, fmt.Errorf("scan active memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
