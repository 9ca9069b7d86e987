package db

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/sigreer/diskd/internal/daemon"
	"github.com/sigreer/diskd/internal/device"
)

// Journal writes daemon notifications to the database and keeps the drive
// inventory current.
type Journal struct {
	db   *DB
	log  logr.Logger
	find func(handle string) *device.Device
}

// NewJournal returns a journal resolving handles through find
func NewJournal(db *DB, log logr.Logger, find func(handle string) *device.Device) *Journal {
	return &Journal{db: db, log: log.WithName("journal"), find: find}
}

// Run records events until ctx is done or events is closed
func (j *Journal) Run(ctx context.Context, events <-chan daemon.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := j.Record(ev); err != nil {
				j.log.Error(err, "Failed to journal event", "handle", ev.Handle, "kind", ev.Kind)
			}
		}
	}
}

// Record stores one event. Events of drives that are still published also
// upsert the drive by serial.
func (j *Journal) Record(ev daemon.Event) error {
	var dev *device.Device
	if ev.Kind != daemon.EventRemoved {
		dev = j.find(ev.Handle)
	}

	var details map[string]any
	if dev != nil {
		s := dev.Snapshot()
		details = map[string]any{
			"deviceFile": s.Attributes.Block.DeviceFile,
			"size":       s.Attributes.Block.Size,
		}
		if s.Mount.Mounted() {
			details["mountPath"] = s.Mount.Path
		}
		if s.Stale {
			details["stale"] = true
		}
	}

	if err := j.db.RecordEvent(ev.Handle, ev.Identity, string(ev.Kind), ev.Time, details); err != nil {
		return err
	}

	if dev == nil {
		return nil
	}
	attrs := dev.Attributes()
	if attrs.Drive == nil || attrs.Drive.Serial == "" {
		return nil
	}
	return j.db.UpsertDrive(&DriveRecord{
		Serial:     attrs.Drive.Serial,
		Vendor:     attrs.Drive.Vendor,
		Model:      attrs.Drive.Model,
		Revision:   attrs.Drive.Revision,
		SizeBytes:  int64(attrs.Block.Size),
		Handle:     ev.Handle,
		DeviceFile: attrs.Block.DeviceFile,
	})
}
