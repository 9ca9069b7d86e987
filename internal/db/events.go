package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecordEvent journals one notification
func (d *DB) RecordEvent(handle, identity, eventType string, at time.Time, details map[string]any) error {
	var detailsJSON sql.NullString
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err == nil {
			detailsJSON = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := d.conn.Exec(`
		INSERT INTO device_events (handle, identity, event_type, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, handle, identity, eventType, detailsJSON, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

// GetRecentEvents returns the most recent events, newest first
func (d *DB) GetRecentEvents(limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(`
		SELECT id, handle, identity, event_type, details, timestamp
		FROM device_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetDeviceEvents returns the events of one device, newest first
func (d *DB) GetDeviceEvents(handle string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(`
		SELECT id, handle, identity, event_type, details, timestamp
		FROM device_events
		WHERE handle = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, handle, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query device events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// PruneEvents deletes events older than before and returns how many went
func (d *DB) PruneEvents(before time.Time) (int64, error) {
	res, err := d.conn.Exec("DELETE FROM device_events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]*EventRecord, error) {
	var events []*EventRecord
	for rows.Next() {
		var event EventRecord
		var details sql.NullString

		err := rows.Scan(&event.ID, &event.Handle, &event.Identity, &event.EventType, &details, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Details = details.String

		events = append(events, &event)
	}

	return events, rows.Err()
}
