package collector

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// Mount is one entry of the mount table
type Mount struct {
	Device string // as listed, e.g. /dev/sda1 or /dev/mapper/root
	Path   string
	FSType string
}

// MountTable reads the live mount table through gopsutil
type MountTable struct{}

// Mounts returns every mount whose source is a device node
func (MountTable) Mounts(ctx context.Context) ([]Mount, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	mounts := make([]Mount, 0, len(parts))
	for _, p := range parts {
		if !filepath.IsAbs(p.Device) {
			continue
		}
		mounts = append(mounts, Mount{Device: p.Device, Path: p.Mountpoint, FSType: p.Fstype})
	}
	return mounts, nil
}

// MountIndex maps device paths to the first mount point listed for them.
// Both the listed source and its symlink-resolved node are indexed.
type MountIndex map[string]string

// IndexMounts builds a MountIndex from mounts, keeping table order precedence
func IndexMounts(mounts []Mount) MountIndex {
	idx := make(MountIndex, len(mounts))
	for _, m := range mounts {
		for _, key := range []string{m.Device, resolve(m.Device)} {
			if _, ok := idx[key]; !ok {
				idx[key] = m.Path
			}
		}
	}
	return idx
}

// Lookup returns the mount point of the first path that is mounted
func (idx MountIndex) Lookup(paths []string) (string, bool) {
	for _, p := range paths {
		if mp, ok := idx[p]; ok {
			return mp, true
		}
		if mp, ok := idx[resolve(p)]; ok {
			return mp, true
		}
	}
	return "", false
}
