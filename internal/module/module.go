// Package module lets optional subsystems attach interfaces to the daemon and
// its devices without the daemon knowing them in advance.
//
// A module registers a Loader under its name from an init function. The
// daemon calls the loader once at startup and keeps the returned Module,
// whose State is handed back to every factory.
package module

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/sigreer/diskd/internal/config"
	"github.com/sigreer/diskd/internal/device"
)

// Interface is an object a module exports. It is served under its name by
// the daemon's API.
type Interface interface {
	Name() string
	http.Handler
}

// Host is the part of the daemon modules may use
type Host interface {
	Logger() logr.Logger
	Config() *config.Config
	// AuthorizeAndExecute runs op if the caller in ctx may perform actionID
	AuthorizeAndExecute(ctx context.Context, actionID string, op func(context.Context) error) error
}

// Factories return a nil Interface when they have nothing to attach
type (
	BlockFactory   func(host Host, state any, dev *device.Device) (Interface, error)
	DriveFactory   func(host Host, state any, dev *device.Device) (Interface, error)
	ManagerFactory func(host Host, state any) (Interface, error)
)

// Module is what a loader returns. Nil and empty factory lists both mean
// nothing to attach.
type Module struct {
	ID      string
	State   any
	Block   []BlockFactory
	Drive   []DriveFactory
	Manager []ManagerFactory
}

// Loader initializes a module
type Loader func(host Host) (*Module, error)

var (
	mu      sync.RWMutex
	loaders = make(map[string]Loader)
)

// Register makes a loader available by name. It panics on duplicates.
func Register(name string, l Loader) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := loaders[name]; dup {
		panic("module: Register called twice for " + name)
	}
	loaders[name] = l
}

// Registered returns the names of all registered modules, sorted
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Load runs the named loaders in order
func Load(host Host, names []string) ([]*Module, error) {
	mods := make([]*Module, 0, len(names))
	for _, name := range names {
		mu.RLock()
		l, ok := loaders[name]
		mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown module %q", name)
		}
		m, err := l(host)
		if err != nil {
			return nil, fmt.Errorf("failed to load module %s: %w", name, err)
		}
		if m == nil {
			return nil, fmt.Errorf("module %s returned nothing", name)
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// Managers runs every manager factory of mods
func Managers(host Host, mods []*Module) ([]Interface, error) {
	var out []Interface
	for _, m := range mods {
		for _, f := range m.Manager {
			iface, err := f(host, m.State)
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", m.ID, err)
			}
			if iface != nil {
				out = append(out, iface)
			}
		}
	}
	return out, nil
}

// DeviceInterfaces runs the block factories of mods for dev, and the drive
// factories too when dev is a drive.
func DeviceInterfaces(host Host, mods []*Module, dev *device.Device) ([]Interface, error) {
	isDrive := dev.Attributes().IsDrive()

	var out []Interface
	for _, m := range mods {
		for _, f := range m.Block {
			iface, err := f(host, m.State, dev)
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", m.ID, err)
			}
			if iface != nil {
				out = append(out, iface)
			}
		}
		if !isDrive {
			continue
		}
		for _, f := range m.Drive {
			iface, err := f(host, m.State, dev)
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", m.ID, err)
			}
			if iface != nil {
				out = append(out, iface)
			}
		}
	}
	return out, nil
}
