package device

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// Device is one block device known to the registry. Identity and handle never
// change; attributes are replaced wholesale on refresh.
type Device struct {
	identity string
	handle   string
	feed     Feed

	mu       sync.RWMutex
	attrs    *Attributes
	mount    Mount
	stale    bool
	probedAt time.Time
}

// New probes identity and returns the device. No device is returned when the
// initial probe fails.
func New(ctx context.Context, identity string, feed Feed) (*Device, error) {
	attrs, err := Probe(ctx, identity, feed)
	if err != nil {
		return nil, err
	}
	return &Device{
		identity: identity,
		handle:   HandleFromIdentity(identity),
		feed:     feed,
		attrs:    attrs,
		probedAt: time.Now(),
	}, nil
}

// Identity returns the resolved sysfs path of the device
func (d *Device) Identity() string {
	return d.identity
}

// Handle returns the external handle of the device
func (d *Device) Handle() string {
	return d.handle
}

// Refresh re-probes the device and swaps in the new snapshot. changed reports
// whether the attributes or the stale flag differ from before. On failure the
// previous snapshot is kept and the device is marked stale.
func (d *Device) Refresh(ctx context.Context) (changed bool, err error) {
	attrs, err := Probe(ctx, d.identity, d.feed)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		changed = !d.stale
		d.stale = true
		return changed, err
	}

	changed = d.stale || !reflect.DeepEqual(d.attrs, attrs)
	d.attrs = attrs
	d.stale = false
	d.probedAt = time.Now()
	return changed, nil
}

// SetMount records the mount path, "" meaning unmounted. It reports whether
// the state changed.
func (d *Device) SetMount(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mount.Path == path {
		return false
	}
	d.mount = Mount{Path: path}
	return true
}

// Mount returns the current mount state
func (d *Device) Mount() Mount {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mount
}

// Attributes returns the current attribute snapshot. Callers must not modify it.
func (d *Device) Attributes() *Attributes {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.attrs
}

// Snapshot returns a consistent copy of the device state
func (d *Device) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Snapshot{
		Identity:   d.identity,
		Handle:     d.handle,
		Attributes: *d.attrs,
		Mount:      d.mount,
		Stale:      d.stale,
		ProbedAt:   d.probedAt,
	}
}

// Paths returns the device file followed by every alias, for matching
// against mount sources.
func (d *Device) Paths() []string {
	a := d.Attributes()
	paths := make([]string, 0, 1+len(a.Block.ByIDAliases)+len(a.Block.ByPathAliases))
	if a.Block.DeviceFile != "" {
		paths = append(paths, a.Block.DeviceFile)
	}
	paths = append(paths, a.Block.ByIDAliases...)
	paths = append(paths, a.Block.ByPathAliases...)
	return paths
}
