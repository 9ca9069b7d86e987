package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sigreer/diskd/internal/device"
)

// DefaultUdevDataDir is where udevd keeps its device database
const DefaultUdevDataDir = "/run/udev/data"

// UdevFeed reads the udev database directly (no udevadm process).
// Falls back to scanning /dev/disk/by-* symlinks if a device has no record.
type UdevFeed struct {
	DataDir string // /run/udev/data
	DevDir  string // /dev
}

// NewUdevFeed returns a feed over dataDir, DefaultUdevDataDir if empty
func NewUdevFeed(dataDir string) *UdevFeed {
	if dataDir == "" {
		dataDir = DefaultUdevDataDir
	}
	return &UdevFeed{DataDir: dataDir, DevDir: "/dev"}
}

// Probe implements device.Feed
func (f *UdevFeed) Probe(ctx context.Context, identity string) (*device.FeedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Read major:minor from sysfs
	majMin := readAttr(identity, "dev")
	if majMin == "" {
		return nil, nil
	}

	devName := ueventValue(identity, "DEVNAME")
	if devName == "" {
		devName = filepath.Base(identity)
	}

	res, err := f.readDatabase(filepath.Join(f.DataDir, "b"+majMin))
	if errors.Is(err, fs.ErrNotExist) {
		// Fallback to symlink-based detection
		res = f.collectFromSymlinks(devName)
	} else if err != nil {
		return nil, err
	}

	if res.DeviceFile == "" {
		res.DeviceFile = filepath.Join(f.DevDir, devName)
	}
	normalizePartitionKeys(identity, res.Properties)
	return res, nil
}

// readDatabase parses one udev database record.
// E: lines are properties, S: lines are symlinks relative to /dev, N: the node name.
func (f *UdevFeed) readDatabase(path string) (*device.FeedResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	res := &device.FeedResult{Properties: make(map[string]string)}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'E':
			key, val, ok := strings.Cut(value, "=")
			if !ok {
				continue
			}
			if key == "DEVLINKS" {
				res.Aliases = append(res.Aliases, strings.Fields(val)...)
				continue
			}
			res.Properties[key] = val
		case 'S':
			res.Aliases = append(res.Aliases, filepath.Join(f.DevDir, value))
		case 'N':
			res.DeviceFile = filepath.Join(f.DevDir, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read udev record %s: %w", path, err)
	}

	return res, nil
}

// collectFromSymlinks finds aliases of /dev/<name> in /dev/disk/by-*
func (f *UdevFeed) collectFromSymlinks(name string) *device.FeedResult {
	devPath := filepath.Join(f.DevDir, name)
	res := &device.FeedResult{
		DeviceFile: devPath,
		Properties: make(map[string]string),
	}

	for _, dir := range []string{"by-id", "by-uuid", "by-path"} {
		linkDir := filepath.Join(f.DevDir, "disk", dir)
		entries, err := os.ReadDir(linkDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			linkPath := filepath.Join(linkDir, entry.Name())
			target, err := filepath.EvalSymlinks(linkPath)
			if err != nil || target != devPath {
				continue
			}
			res.Aliases = append(res.Aliases, linkPath)

			// by-uuid link names are the filesystem UUID
			if dir == "by-uuid" {
				res.Properties["ID_FS_UUID"] = entry.Name()
			}
		}
	}

	return res
}

// normalizePartitionKeys maps udev's ID_PART_* keys onto the PART_* keys
// the device fold understands. Existing PART_* keys are kept.
func normalizePartitionKeys(identity string, props map[string]string) {
	setDefault := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := props[key]; !ok {
			props[key] = value
		}
	}

	// Whole disk carrying a table: child offsets come from the partitions in sysfs
	if scheme := props["ID_PART_TABLE_TYPE"]; scheme != "" && props["ID_PART_ENTRY_NUMBER"] == "" {
		setDefault("PART_SCHEME", scheme)

		resolved := resolve(identity)
		base := filepath.Base(resolved)
		children, _ := os.ReadDir(resolved)
		count := 0
		for _, child := range children {
			if !child.IsDir() || !strings.HasPrefix(child.Name(), base) {
				continue
			}
			childDir := filepath.Join(resolved, child.Name())
			start, err := strconv.ParseUint(readAttr(childDir, "start"), 10, 64)
			if err != nil {
				continue
			}
			size, _ := strconv.ParseUint(readAttr(childDir, "size"), 10, 64)
			n := trailingDigits(child.Name())
			if n == "" {
				continue
			}
			count++
			setDefault("PART_P"+n+"_OFFSET", strconv.FormatUint(start*512, 10))
			setDefault("PART_P"+n+"_SIZE", strconv.FormatUint(size*512, 10))
		}
		setDefault("PART_COUNT", strconv.Itoa(count))
		return
	}

	// Partition entry
	n := props["ID_PART_ENTRY_NUMBER"]
	if n == "" {
		return
	}
	prefix := "PART_P" + n + "_"
	setDefault("PART_SCHEME", props["ID_PART_ENTRY_SCHEME"])
	setDefault(prefix+"LABEL", props["ID_PART_ENTRY_NAME"])
	setDefault(prefix+"UUID", props["ID_PART_ENTRY_UUID"])
	setDefault(prefix+"TYPE", props["ID_PART_ENTRY_TYPE"])
	setDefault(prefix+"FLAGS", props["ID_PART_ENTRY_FLAGS"])
	// udev reports offset and size in 512-byte sectors
	for _, k := range []string{"OFFSET", "SIZE"} {
		if v, err := strconv.ParseUint(props["ID_PART_ENTRY_"+k], 10, 64); err == nil {
			setDefault(prefix+k, strconv.FormatUint(v*512, 10))
		}
	}
}

// ueventValue reads KEY=VALUE from the device's uevent file
func ueventValue(identity, key string) string {
	for _, line := range strings.Split(readAttr(identity, "uevent"), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func trailingDigits(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	return s[i:]
}
