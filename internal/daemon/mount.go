package daemon

import (
	"context"

	"github.com/sigreer/diskd/internal/collector"
	"github.com/sigreer/diskd/internal/device"
	"github.com/sigreer/diskd/internal/diskerr"
)

// ReconcileMountState matches devs against the live mount table through
// their device file and aliases. Devices whose state changed are notified
// only when emit is set.
func (d *Daemon) ReconcileMountState(ctx context.Context, devs []*device.Device, emit bool) error {
	mounts, err := d.mounts.Mounts(ctx)
	if err != nil {
		return diskerr.Wrap(diskerr.Failed, err, "failed to read mount table")
	}
	idx := collector.IndexMounts(mounts)

	for _, dev := range devs {
		path, _ := idx.Lookup(dev.Paths())
		if !dev.SetMount(path) {
			continue
		}
		d.log.V(1).Info("Mount state changed", "handle", dev.Handle(), "path", path)
		if emit {
			d.emit(EventChanged, dev)
		}
	}
	return nil
}

// SetMounted records that dev was mounted at path. It always notifies.
func (d *Daemon) SetMounted(dev *device.Device, path string) error {
	if path == "" {
		return diskerr.New(diskerr.InvalidOption, "mount path is required")
	}
	if !d.published(dev) {
		return diskerr.New(diskerr.NotFound, "no device %s", dev.Handle())
	}
	dev.SetMount(path)
	d.emit(EventChanged, dev)
	return nil
}

// SetUnmounted records that dev is no longer mounted. It always notifies.
func (d *Daemon) SetUnmounted(dev *device.Device) error {
	if !d.published(dev) {
		return diskerr.New(diskerr.NotFound, "no device %s", dev.Handle())
	}
	dev.SetMount("")
	d.emit(EventChanged, dev)
	return nil
}
