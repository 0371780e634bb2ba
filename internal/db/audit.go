package db

import "fmt"

// AuditEntry is one access decision. Entries are append-only.
type AuditEntry struct {
	ID         int64
	Timestamp  string
	ClientAddr string
	Method     string
	Path       string
	Required   string
	Granted    bool
	Detail     string
}

// InsertAuditEntries appends a batch of entries in one transaction.
func (d *DB) InsertAuditEntries(entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO audit_entries (timestamp, client_addr, method, path, required, granted, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entries {
		ts := e.Timestamp
		if ts == "" {
			ts = now()
		}
		if _, err := stmt.Exec(ts, e.ClientAddr, e.Method, e.Path, e.Required, boolToInt(e.Granted), e.Detail); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// ListAuditEntries returns entries newest first.
func (d *DB) ListAuditEntries(limit, offset int) ([]AuditEntry, error) {
	rows, err := d.conn.Query(
		`SELECT id, timestamp, client_addr, method, path, required, granted, detail
		 FROM audit_entries ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var granted int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ClientAddr, &e.Method, &e.Path, &e.Required, &granted, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Granted = granted == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
