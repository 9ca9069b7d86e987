package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sigreer/diskd/internal/config"
	"github.com/sigreer/diskd/internal/device"
	"github.com/sigreer/diskd/internal/diskerr"
	"github.com/sigreer/diskd/internal/module"
)

// Sync brings the registry in line with the device tree. Devices no longer
// enumerated are removed, new ones are probed and published, and the
// identities in changed are refreshed. Only refresh failures are returned;
// a device whose initial probe fails is logged and left unpublished.
func (d *Daemon) Sync(ctx context.Context, changed ...string) error {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	ids := d.enumerate(d.cfg.SysfsRoot)
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}

	var gone []*device.Device
	d.mu.RLock()
	for id, dev := range d.byIdentity {
		if _, ok := present[id]; !ok {
			gone = append(gone, dev)
		}
	}
	d.mu.RUnlock()
	slices.SortFunc(gone, func(a, b *device.Device) int { return strings.Compare(a.Handle(), b.Handle()) })
	for _, dev := range gone {
		d.remove(dev)
	}

	added := make(map[string]struct{})
	for _, id := range ids {
		if d.FindByIdentity(id) != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return diskerr.Wrap(diskerr.Cancelled, err, "sync interrupted")
		}
		d.add(ctx, id)
		added[id] = struct{}{}
	}

	var errs []error
	for _, id := range changed {
		// freshly probed above
		if _, ok := added[id]; ok {
			continue
		}
		dev := d.FindByIdentity(id)
		if dev == nil {
			continue
		}
		if err := d.refresh(ctx, dev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// add probes identity and publishes it in both indexes at once
func (d *Daemon) add(ctx context.Context, identity string) {
	log := d.log.WithValues("identity", identity)

	dev, err := device.New(ctx, identity, d.feed)
	if err != nil {
		d.metrics.probeFailures.Inc()
		log.Error(err, "Failed to probe new device, not publishing it")
		return
	}

	ifaces, err := module.DeviceInterfaces(d, d.modules, dev)
	if err != nil {
		log.Error(err, "Failed to create module interfaces")
		ifaces = nil
	}

	d.mu.Lock()
	if other, ok := d.byHandle[dev.Handle()]; ok {
		d.mu.Unlock()
		log.Info("Handle already taken by another device, not publishing",
			"handle", dev.Handle(), "other", other.Identity())
		return
	}
	d.byIdentity[identity] = dev
	d.byHandle[dev.Handle()] = dev
	if len(ifaces) > 0 {
		d.ifaces[dev.Handle()] = ifaces
	}
	d.mu.Unlock()

	log.V(1).Info("Added device", "handle", dev.Handle(), "class", dev.Attributes().String())
	d.emit(EventAdded, dev)
}

// remove drops dev from both indexes at once
func (d *Daemon) remove(dev *device.Device) {
	d.mu.Lock()
	if d.byIdentity[dev.Identity()] != dev {
		d.mu.Unlock()
		return
	}
	delete(d.byIdentity, dev.Identity())
	delete(d.byHandle, dev.Handle())
	delete(d.ifaces, dev.Handle())
	d.mu.Unlock()

	d.log.V(1).Info("Removed device", "handle", dev.Handle(), "identity", dev.Identity())
	d.emit(EventRemoved, dev)
}

// refresh re-probes dev and notifies according to the notify mode. A stale
// transition always notifies. Nothing is emitted for a device that was
// unpublished while it was being probed.
func (d *Daemon) refresh(ctx context.Context, dev *device.Device) error {
	changed, err := dev.Refresh(ctx)
	if !d.published(dev) {
		return diskerr.New(diskerr.NotFound, "device %s went away during refresh", dev.Handle())
	}
	if err != nil {
		d.metrics.probeFailures.Inc()
		d.log.Error(err, "Failed to refresh device, keeping last snapshot", "handle", dev.Handle())
		if changed {
			d.emit(EventChanged, dev)
		}
		return err
	}
	if changed || d.cfg.Notify.Mode == config.NotifyAlways {
		d.emit(EventChanged, dev)
	}
	return nil
}

// Refresh re-probes the device with handle on request. It is ordered with
// Sync so a device is never reported changed after its removal.
func (d *Daemon) Refresh(ctx context.Context, handle string) error {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	dev := d.FindByHandle(handle)
	if dev == nil {
		return diskerr.New(diskerr.NotFound, "no device %s", handle)
	}
	return d.refresh(ctx, dev)
}

// FindByIdentity returns the device with identity, nil if unknown
func (d *Daemon) FindByIdentity(identity string) *device.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byIdentity[identity]
}

// FindByHandle returns the device with handle, nil if unknown
func (d *Daemon) FindByHandle(handle string) *device.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byHandle[handle]
}

// FindByDeviceFile returns the device whose device file or one of whose
// aliases is path, following symlinks.
func (d *Daemon) FindByDeviceFile(path string) *device.Device {
	target := resolve(path)
	for _, dev := range d.Devices() {
		for _, p := range dev.Paths() {
			if p == path || p == target {
				return dev
			}
		}
	}
	return nil
}

// Devices returns every published device, sorted by handle
func (d *Daemon) Devices() []*device.Device {
	d.mu.RLock()
	devs := make([]*device.Device, 0, len(d.byHandle))
	for _, dev := range d.byHandle {
		devs = append(devs, dev)
	}
	d.mu.RUnlock()

	slices.SortFunc(devs, func(a, b *device.Device) int { return strings.Compare(a.Handle(), b.Handle()) })
	return devs
}

// Slave resolves a partition's owning device through the registry
func (d *Daemon) Slave(dev *device.Device) *device.Device {
	p := dev.Attributes().Partition()
	if p == nil {
		return nil
	}
	return d.FindByHandle(p.Slave)
}

func (d *Daemon) deviceCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byHandle)
}

// published reports whether dev is the live entity for its handle
func (d *Daemon) published(dev *device.Device) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byHandle[dev.Handle()] == dev
}

func resolve(path string) string {
	if r, err := filepath.EvalSymlinks(path); err == nil {
		return r
	}
	return path
}
