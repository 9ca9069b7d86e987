package daemon

import "context"

// pollRemovable re-probes removable devices to catch media changes the
// kernel does not report. Skipped while polling is inhibited.
func (d *Daemon) pollRemovable(ctx context.Context) {
	if d.HasPollingInhibitors() {
		d.log.V(1).Info("Polling inhibited, skipping cycle")
		return
	}
	for _, dev := range d.Devices() {
		if ctx.Err() != nil {
			return
		}
		if !dev.Attributes().Block.Removable {
			continue
		}
		d.syncMu.Lock()
		// refresh logs failures itself
		_ = d.refresh(ctx, dev)
		d.syncMu.Unlock()
	}
}
