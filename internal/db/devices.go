package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Device is a client paired with the gateway.
type Device struct {
	ID         string
	Name       string
	ClientAddr string
	CreatedAt  string
	LastSeenAt *string
	Revoked    bool
}

// InsertDevice records a newly paired device.
func (d *DB) InsertDevice(dev *Device) error {
	createdAt := dev.CreatedAt
	if createdAt == "" {
		createdAt = now()
	}
	_, err := d.conn.Exec(
		`INSERT INTO devices (id, name, client_addr, created_at, revoked) VALUES (?, ?, ?, ?, 0)`,
		dev.ID, dev.Name, dev.ClientAddr, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by ID, or nil when it does not exist.
func (d *DB) GetDevice(id string) (*Device, error) {
	dev := &Device{}
	var revoked int
	err := d.conn.QueryRow(
		`SELECT id, name, client_addr, created_at, last_seen_at, revoked FROM devices WHERE id = ?`, id,
	).Scan(&dev.ID, &dev.Name, &dev.ClientAddr, &dev.CreatedAt, &dev.LastSeenAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	dev.Revoked = revoked == 1
	return dev, nil
}

// ListDevices returns every paired device, newest first.
func (d *DB) ListDevices() ([]Device, error) {
	rows, err := d.conn.Query(
		`SELECT id, name, client_addr, created_at, last_seen_at, revoked FROM devices ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	devices := []Device{}
	for rows.Next() {
		var dev Device
		var revoked int
		if err := rows.Scan(&dev.ID, &dev.Name, &dev.ClientAddr, &dev.CreatedAt, &dev.LastSeenAt, &revoked); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		dev.Revoked = revoked == 1
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// TouchDevice records that the device was just seen.
func (d *DB) TouchDevice(id string) error {
	if _, err := d.conn.Exec(`UPDATE devices SET last_seen_at = ? WHERE id = ?`, now(), id); err != nil {
		return fmt.Errorf("touch device %s: %w", id, err)
	}
	return nil
}

// RevokeDevice marks a device as revoked. Its tokens stop validating.
func (d *DB) RevokeDevice(id string) error {
	res, err := d.conn.Exec(`UPDATE devices SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke device %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("revoke device %s: %w", id, sql.ErrNoRows)
	}
	return nil
}
