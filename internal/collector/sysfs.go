package collector

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Enumerate lists the block device identities under sysRoot, sorted.
//
// With a flat class/block directory every entry is a device. On older
// kernels only block/ exists and partitions are found as child directories
// of their disk whose names start with the disk's name. ram disks are skipped.
// An unreadable tree yields no devices.
func Enumerate(sysRoot string) []string {
	var ids []string

	classDir := filepath.Join(sysRoot, "class", "block")
	if entries, err := os.ReadDir(classDir); err == nil {
		for _, entry := range entries {
			if isRamDisk(entry.Name()) {
				continue
			}
			ids = append(ids, resolve(filepath.Join(classDir, entry.Name())))
		}
	} else {
		blockDir := filepath.Join(sysRoot, "block")
		entries, err := os.ReadDir(blockDir)
		if err != nil {
			return nil
		}
		for _, entry := range entries {
			name := entry.Name()
			if isRamDisk(name) {
				continue
			}
			devDir := filepath.Join(blockDir, name)
			ids = append(ids, resolve(devDir))

			// Partitions are nested below the disk
			children, err := os.ReadDir(devDir)
			if err != nil {
				continue
			}
			for _, child := range children {
				if child.IsDir() && strings.HasPrefix(child.Name(), name) {
					ids = append(ids, resolve(filepath.Join(devDir, child.Name())))
				}
			}
		}
	}

	slices.Sort(ids)
	return slices.Compact(ids)
}

func isRamDisk(name string) bool {
	return strings.HasPrefix(name, "ram")
}

// resolve follows symlinks, keeping the path as-is if that fails
func resolve(path string) string {
	if target, err := filepath.EvalSymlinks(path); err == nil {
		return target
	}
	return path
}

// readAttr reads a sysfs attribute, trimmed. Missing files yield "".
func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
