// Package daemon owns the registry of block devices and everything that
// mutates it: enumeration, probing, mount state, polling inhibitors and
// change notifications. Mutating requests go through AuthorizeAndExecute.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigreer/diskd/internal/collector"
	"github.com/sigreer/diskd/internal/config"
	"github.com/sigreer/diskd/internal/device"
	"github.com/sigreer/diskd/internal/module"
	"github.com/sigreer/diskd/internal/monitor"
	"github.com/sigreer/diskd/internal/policy"
)

// MountTable supplies the live mount table
type MountTable interface {
	Mounts(ctx context.Context) ([]collector.Mount, error)
}

// Options configure a Daemon. Feed, Mounts and Policy are required.
type Options struct {
	Config *config.Config
	Feed   device.Feed
	Mounts MountTable
	Policy policy.Backend
	Log    logr.Logger
	// Registerer receives the daemon's metrics; nil disables registration
	Registerer prometheus.Registerer
}

// Daemon is the device registry. It is safe for concurrent use.
type Daemon struct {
	cfg    *config.Config
	feed   device.Feed
	mounts MountTable
	policy policy.Backend
	log    logr.Logger

	enumerate func(sysRoot string) []string

	// syncMu serializes Sync, refreshes and Shutdown so enumeration results
	// and notifications are applied in order
	syncMu sync.Mutex

	// mu guards the indexes, interfaces and inhibitors. Probing never runs
	// under it.
	mu         sync.RWMutex
	byIdentity map[string]*device.Device
	byHandle   map[string]*device.Device
	ifaces     map[string][]module.Interface
	inhibitors map[string]Inhibitor
	managers   []module.Interface

	modules []*module.Module
	bus     *Bus
	metrics *metrics
}

// New builds a daemon and loads the configured modules. No device is probed
// until Start.
func New(opts Options) (*Daemon, error) {
	if opts.Feed == nil || opts.Mounts == nil || opts.Policy == nil {
		return nil, fmt.Errorf("daemon needs a feed, a mount table and a policy backend")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		feed:       opts.Feed,
		mounts:     opts.Mounts,
		policy:     opts.Policy,
		log:        opts.Log.WithName("daemon"),
		enumerate:  collector.Enumerate,
		byIdentity: make(map[string]*device.Device),
		byHandle:   make(map[string]*device.Device),
		ifaces:     make(map[string][]module.Interface),
		inhibitors: make(map[string]Inhibitor),
		bus:        NewBus(),
	}
	d.metrics = newMetrics(d, opts.Registerer)

	mods, err := module.Load(d, cfg.Modules)
	if err != nil {
		return nil, err
	}
	d.modules = mods
	return d, nil
}

// Start runs the initial sync, applies mount state without notifying and
// attaches the modules' manager interfaces.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.Sync(ctx); err != nil {
		return err
	}
	if err := d.ReconcileMountState(ctx, d.Devices(), false); err != nil {
		// Devices stay unmounted until the next mount table change
		d.log.Error(err, "Initial mount reconciliation failed")
	}

	managers, err := module.Managers(d, d.modules)
	if err != nil {
		return fmt.Errorf("failed to attach managers: %w", err)
	}
	d.mu.Lock()
	d.managers = managers
	d.mu.Unlock()

	names := make([]string, 0, len(managers))
	for _, m := range managers {
		names = append(names, m.Name())
	}
	d.log.Info("Daemon started", "devices", d.deviceCount(), "managers", names)
	return nil
}

// Shutdown unregisters every device, emitting Removed for each, and closes
// all subscriptions.
func (d *Daemon) Shutdown() {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	for _, dev := range d.Devices() {
		d.remove(dev)
	}
	d.bus.Close()
	d.log.Info("Daemon stopped")
}

// Logger implements module.Host
func (d *Daemon) Logger() logr.Logger {
	return d.log
}

// Config implements module.Host
func (d *Daemon) Config() *config.Config {
	return d.cfg
}

// Managers returns the attached manager interfaces
func (d *Daemon) Managers() []module.Interface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.managers)
}

// Manager looks up a manager interface by name
func (d *Daemon) Manager(name string) (module.Interface, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.managers {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Interfaces returns the module interfaces attached to the device with handle
func (d *Daemon) Interfaces(handle string) []module.Interface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.ifaces[handle])
}

// Subscribe delivers events for handle, or for every device when handle is
// empty. See Bus.Subscribe.
func (d *Daemon) Subscribe(handle string, buffer int) *Subscription {
	return d.bus.Subscribe(handle, buffer)
}

// Run dispatches kernel uevents, mount table changes and the removable
// media poll until ctx is done. Either channel may be nil.
func (d *Daemon) Run(ctx context.Context, uevents <-chan monitor.Uevent, mountChanges <-chan struct{}) error {
	var tick <-chan time.Time
	if d.cfg.PollInterval > 0 {
		t := time.NewTicker(d.cfg.PollInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-uevents:
			if !ok {
				uevents = nil
				continue
			}
			d.handleUevent(ctx, ev)
		case _, ok := <-mountChanges:
			if !ok {
				mountChanges = nil
				continue
			}
			if err := d.ReconcileMountState(ctx, d.Devices(), true); err != nil {
				d.log.Error(err, "Mount reconciliation failed")
			}
		case <-tick:
			d.pollRemovable(ctx)
		}
	}
}

func (d *Daemon) handleUevent(ctx context.Context, ev monitor.Uevent) {
	log := d.log.WithValues("action", ev.Action, "devpath", ev.DevPath)
	log.V(1).Info("Handling uevent")

	if ev.Action == "change" {
		id := resolve(filepath.Join(d.cfg.SysfsRoot, ev.DevPath))
		if err := d.Sync(ctx, id); err != nil {
			log.Error(err, "Refresh after change event failed")
		}
		return
	}

	if err := d.Sync(ctx); err != nil {
		log.Error(err, "Sync after uevent failed")
	}
	if ev.Action == "add" {
		if err := d.ReconcileMountState(ctx, d.Devices(), true); err != nil {
			log.Error(err, "Mount reconciliation failed")
		}
	}
}
