package daemon

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sigreer/diskd/internal/diskerr"
)

// Inhibitor is one outstanding polling inhibition
type Inhibitor struct {
	Cookie string
	Holder string
	Since  time.Time
}

// InhibitPolling suspends removable media polling until the returned cookie
// is released. Every call issues a new cookie.
func (d *Daemon) InhibitPolling(holder string) string {
	cookie := uuid.NewString()

	d.mu.Lock()
	d.inhibitors[cookie] = Inhibitor{Cookie: cookie, Holder: holder, Since: time.Now()}
	n := len(d.inhibitors)
	d.mu.Unlock()

	d.log.Info("Polling inhibited", "holder", holder, "inhibitors", n)
	return cookie
}

// UninhibitPolling releases cookie. Unknown or already released cookies are
// an InvalidOption error.
func (d *Daemon) UninhibitPolling(cookie string) error {
	d.mu.Lock()
	inh, ok := d.inhibitors[cookie]
	if !ok {
		d.mu.Unlock()
		return diskerr.New(diskerr.InvalidOption, "no polling inhibitor with cookie %q", cookie)
	}
	delete(d.inhibitors, cookie)
	n := len(d.inhibitors)
	d.mu.Unlock()

	d.log.Info("Polling uninhibited", "holder", inh.Holder, "inhibitors", n)
	return nil
}

// HasPollingInhibitors reports whether any inhibitor is outstanding
func (d *Daemon) HasPollingInhibitors() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.inhibitors) > 0
}

// Inhibitors lists outstanding inhibitors, oldest first
func (d *Daemon) Inhibitors() []Inhibitor {
	d.mu.RLock()
	out := make([]Inhibitor, 0, len(d.inhibitors))
	for _, inh := range d.inhibitors {
		out = append(out, inh)
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b Inhibitor) int {
		if c := a.Since.Compare(b.Since); c != 0 {
			return c
		}
		return strings.Compare(a.Cookie, b.Cookie)
	})
	return out
}
