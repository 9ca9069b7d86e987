package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertDrive inserts a drive or refreshes the record with the same serial.
// Empty fields keep what was stored before.
func (d *DB) UpsertDrive(drive *DriveRecord) error {
	if drive.Serial == "" {
		return fmt.Errorf("drive has no serial")
	}
	now := time.Now().UTC()

	err := d.conn.QueryRow(`
		INSERT INTO drives (
			serial, vendor, model, revision, size_bytes, handle, device_file, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			vendor = COALESCE(excluded.vendor, vendor),
			model = COALESCE(excluded.model, model),
			revision = COALESCE(excluded.revision, revision),
			size_bytes = COALESCE(excluded.size_bytes, size_bytes),
			handle = COALESCE(excluded.handle, handle),
			device_file = COALESCE(excluded.device_file, device_file),
			last_seen = excluded.last_seen
		RETURNING id, first_seen, last_seen
	`,
		drive.Serial, nullString(drive.Vendor), nullString(drive.Model), nullString(drive.Revision),
		nullInt64(drive.SizeBytes), nullString(drive.Handle), nullString(drive.DeviceFile), now, now,
	).Scan(&drive.ID, &drive.FirstSeen, &drive.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert drive: %w", err)
	}

	return nil
}

// GetDriveBySerial returns a drive by its serial number
func (d *DB) GetDriveBySerial(serial string) (*DriveRecord, error) {
	row := d.conn.QueryRow(`
		SELECT id, serial, vendor, model, revision, size_bytes, handle, device_file, first_seen, last_seen
		FROM drives WHERE serial = ?
	`, serial)

	drive, err := scanDrive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("drive %s: %w", serial, ErrNotFound)
	}
	return drive, err
}

// GetAllDrives returns all known drives, most recently seen first
func (d *DB) GetAllDrives() ([]*DriveRecord, error) {
	rows, err := d.conn.Query(`
		SELECT id, serial, vendor, model, revision, size_bytes, handle, device_file, first_seen, last_seen
		FROM drives ORDER BY last_seen DESC, serial
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query drives: %w", err)
	}
	defer rows.Close()

	var drives []*DriveRecord
	for rows.Next() {
		drive, err := scanDrive(rows)
		if err != nil {
			return nil, err
		}
		drives = append(drives, drive)
	}

	return drives, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanDrive(s scanner) (*DriveRecord, error) {
	var drive DriveRecord
	var vendor, model, revision, handle, deviceFile sql.NullString
	var sizeBytes sql.NullInt64

	err := s.Scan(
		&drive.ID, &drive.Serial, &vendor, &model, &revision, &sizeBytes,
		&handle, &deviceFile, &drive.FirstSeen, &drive.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan drive: %w", err)
	}

	drive.Vendor = vendor.String
	drive.Model = model.String
	drive.Revision = revision.String
	drive.SizeBytes = sizeBytes.Int64
	drive.Handle = handle.String
	drive.DeviceFile = deviceFile.String

	return &drive, nil
}

// Helper functions for nullable values
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(i int64) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}
