package device

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/sigreer/diskd/internal/diskerr"
)

// sysfs reports size and start in 512-byte sectors regardless of the
// device's logical block size.
const sectorSize = 512

// defaultBlockSize is used when queue/logical_block_size is unreadable
const defaultBlockSize = 512

// Alias path conventions
const (
	byIDPrefix   = "/dev/disk/by-id/"
	byUUIDPrefix = "/dev/disk/by-uuid/"
	byPathPrefix = "/dev/disk/by-path/"
)

// Property keys folded into Attributes
const (
	propFSUsage        = "ID_FS_USAGE"
	propFSType         = "ID_FS_TYPE"
	propFSVersion      = "ID_FS_VERSION"
	propFSUUID         = "ID_FS_UUID"
	propFSLabel        = "ID_FS_LABEL"
	propVendor         = "ID_VENDOR"
	propModel          = "ID_MODEL"
	propRevision       = "ID_REVISION"
	propSerial         = "ID_SERIAL_SHORT"
	propPartScheme     = "PART_SCHEME"
	propPartCount      = "PART_COUNT"
	propPartPrefix     = "PART_P"
	propMediaAvailable = "MEDIA_AVAILABLE"
	propCDROMMedia     = "ID_CDROM_MEDIA"
)

// Probe builds a fresh Attributes snapshot for identity from sysfs and feed.
// Missing attribute files fall back to defaults. It fails only when the
// identity itself is gone or the feed reports a hard error.
func Probe(ctx context.Context, identity string, feed Feed) (*Attributes, error) {
	if _, err := os.Stat(identity); err != nil {
		return nil, diskerr.Wrap(diskerr.Failed, err, "failed to stat "+identity)
	}

	// Partitions are nested under their disk in the resolved tree
	resolved := identity
	if r, err := filepath.EvalSymlinks(identity); err == nil {
		resolved = r
	}

	attrs := &Attributes{}

	isDrive := exists(filepath.Join(identity, "device"))
	if isDrive {
		attrs.Drive = &Drive{}
	}

	attrs.Block.Removable = readUint(filepath.Join(identity, "removable")) != 0
	if !attrs.Block.Removable {
		attrs.Block.MediaAvailable = true
	}

	attrs.Block.BlockSize = logicalBlockSize(resolved)
	sectors := readUint(filepath.Join(identity, "size"))
	attrs.Block.Size = sectors * sectorSize
	if attrs.Block.Removable {
		attrs.Block.MediaAvailable = attrs.Block.Size > 0
	}

	var part *Partition
	if start, ok := readUintOK(filepath.Join(identity, "start")); ok {
		part = &Partition{
			Number: trailingNumber(identity),
			Offset: start * sectorSize,
			Size:   sectors * sectorSize,
			Slave:  HandleFromIdentity(filepath.Dir(resolved)),
		}
		attrs.Layout = part
	}

	if feed == nil {
		return attrs, nil
	}
	res, err := feed.Probe(ctx, identity)
	if err != nil {
		return nil, diskerr.Wrap(diskerr.Failed, err, "failed to query device info for "+identity)
	}
	if res == nil {
		return attrs, nil
	}

	attrs.Block.DeviceFile = res.DeviceFile
	for _, alias := range res.Aliases {
		switch {
		case strings.HasPrefix(alias, byIDPrefix), strings.HasPrefix(alias, byUUIDPrefix):
			attrs.Block.ByIDAliases = append(attrs.Block.ByIDAliases, alias)
		case strings.HasPrefix(alias, byPathPrefix):
			attrs.Block.ByPathAliases = append(attrs.Block.ByPathAliases, alias)
		}
	}
	slices.Sort(attrs.Block.ByIDAliases)
	slices.Sort(attrs.Block.ByPathAliases)

	fold(attrs, part, res.Properties)
	return attrs, nil
}

// tableBuilder collects table keys until we know whether a scheme was reported
type tableBuilder struct {
	table PartitionTable
}

func (b *tableBuilder) grow(n int) {
	if n > b.table.MaxNumber {
		b.table.MaxNumber = n
	}
	for len(b.table.Offsets) < n {
		b.table.Offsets = append(b.table.Offsets, 0)
	}
	for len(b.table.Sizes) < n {
		b.table.Sizes = append(b.table.Sizes, 0)
	}
}

// fold applies feed properties to attrs. part is non-nil iff the device was
// classified as a partition from sysfs.
func fold(attrs *Attributes, part *Partition, props map[string]string) {
	var tb tableBuilder

	content := func() *Content {
		if attrs.Content == nil {
			attrs.Content = &Content{}
		}
		return attrs.Content
	}

	for _, key := range slices.Sorted(maps.Keys(props)) {
		value := props[key]

		switch key {
		case propFSUsage:
			content().Usage = value
			continue
		case propFSType:
			content().Type = value
			continue
		case propFSVersion:
			content().Version = value
			continue
		case propFSUUID:
			content().UUID = value
			continue
		case propFSLabel:
			content().Label = value
			continue
		case propVendor:
			if d := attrs.Drive; d != nil && d.Vendor == "" {
				d.Vendor = value
			}
			continue
		case propModel:
			if d := attrs.Drive; d != nil && d.Model == "" {
				d.Model = value
			}
			continue
		case propRevision:
			if d := attrs.Drive; d != nil && d.Revision == "" {
				d.Revision = value
			}
			continue
		case propSerial:
			if d := attrs.Drive; d != nil && d.Serial == "" {
				d.Serial = value
			}
			continue
		case propPartScheme:
			if part != nil {
				part.Scheme = value
			} else {
				tb.table.Scheme = value
			}
			continue
		case propPartCount:
			if n, err := strconv.Atoi(value); err == nil {
				tb.table.Count = n
			}
			continue
		case propMediaAvailable, propCDROMMedia:
			if attrs.Block.Removable {
				attrs.Block.MediaAvailable = parseBool(value)
			}
			continue
		}

		n, suffix, ok := parsePartKey(key)
		if !ok {
			continue
		}

		if part == nil {
			// any key for entry n proves the table has at least n entries
			tb.grow(n)
			switch suffix {
			case "OFFSET":
				if v, err := strconv.ParseUint(value, 10, 64); err == nil {
					tb.table.Offsets[n-1] = v
				}
			case "SIZE":
				if v, err := strconv.ParseUint(value, 10, 64); err == nil {
					tb.table.Sizes[n-1] = v
				}
			}
			continue
		}

		if n != part.Number {
			continue
		}
		switch suffix {
		case "LABEL":
			part.Label = value
		case "UUID":
			part.UUID = value
		case "TYPE":
			part.Type = value
		case "FLAGS":
			part.Flags = strings.Fields(value)
		case "OFFSET":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				part.Offset = v
			}
		case "SIZE":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				part.Size = v
			}
		}
	}

	if part == nil && tb.table.Scheme != "" {
		t := tb.table
		attrs.Layout = &t
	}
}

// maxPartitionNumber bounds table growth from malformed feed keys
const maxPartitionNumber = 4096

// parsePartKey splits "PART_P<n>_<SUFFIX>" into n and SUFFIX, 1 <= n <= maxPartitionNumber.
func parsePartKey(key string) (int, string, bool) {
	rest, ok := strings.CutPrefix(key, propPartPrefix)
	if !ok {
		return 0, "", false
	}
	digits, suffix, ok := strings.Cut(rest, "_")
	if !ok || digits == "" || suffix == "" {
		return 0, "", false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > maxPartitionNumber {
		return 0, "", false
	}
	return n, suffix, true
}

// trailingNumber returns the value of the trailing decimal digit run of s, 0 if none
func trailingNumber(s string) int {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return 0
	}
	return n
}

// logicalBlockSize reads queue/logical_block_size from the device or, for a
// partition, from the disk it is nested in.
func logicalBlockSize(resolved string) uint64 {
	for _, dir := range []string{resolved, filepath.Dir(resolved)} {
		if v, ok := readUintOK(filepath.Join(dir, "queue", "logical_block_size")); ok && v > 0 {
			return v
		}
	}
	return defaultBlockSize
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readUint(path string) uint64 {
	v, _ := readUintOK(path)
	return v
}

func readUintOK(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "true":
		return true
	}
	return false
}

// String renders the classification for log lines
func (a *Attributes) String() string {
	kind := "block"
	switch {
	case a.IsPartition():
		kind = fmt.Sprintf("partition %d", a.Partition().Number)
	case a.IsPartitionTable():
		kind = "partition table " + a.PartitionTable().Scheme
	}
	if a.IsDrive() {
		kind = "drive, " + kind
	}
	return kind
}
