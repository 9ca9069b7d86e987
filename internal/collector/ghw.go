package collector

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/jaypipes/ghw"

	"github.com/sigreer/diskd/internal/cache"
	"github.com/sigreer/diskd/internal/device"
)

// ghwUnknown is what ghw reports for attributes it could not read
const ghwUnknown = "unknown"

// GhwFeed derives device properties from ghw's block inventory. It backs up
// the udev feed on hosts where udevd does not keep a database.
type GhwFeed struct {
	log     logr.Logger
	cache   *cache.Cache[*ghw.BlockInfo]
	blockFn func() (*ghw.BlockInfo, error)
}

// NewGhwFeed returns a feed reading block info below chroot ("/" for the host)
func NewGhwFeed(log logr.Logger, chroot string) *GhwFeed {
	return &GhwFeed{
		log:   log,
		cache: cache.New[*ghw.BlockInfo](),
		blockFn: func() (*ghw.BlockInfo, error) {
			return ghw.Block(ghw.WithChroot(chroot))
		},
	}
}

// Probe implements device.Feed. ghw failures are logged and treated as
// "unknown device" so they never fail a probe.
func (f *GhwFeed) Probe(ctx context.Context, identity string) (*device.FeedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := f.cache.GetOrFetch("block", cache.TTLInventory, f.blockFn)
	if err != nil {
		f.log.V(1).Info("ghw block inventory unavailable", "error", err.Error())
		return nil, nil
	}

	name := filepath.Base(identity)
	for _, disk := range info.Disks {
		if disk.Name == name {
			props := make(map[string]string)
			setKnown(props, "ID_VENDOR", disk.Vendor)
			setKnown(props, "ID_MODEL", disk.Model)
			setKnown(props, "ID_SERIAL_SHORT", disk.SerialNumber)
			setKnown(props, "ID_WWN", disk.WWN)
			return &device.FeedResult{DeviceFile: "/dev/" + name, Properties: props}, nil
		}

		for _, part := range disk.Partitions {
			if part.Name != name {
				continue
			}
			props := make(map[string]string)
			setKnown(props, "ID_FS_TYPE", part.Type)
			setKnown(props, "ID_FS_LABEL", part.FilesystemLabel)
			if n := trailingDigits(name); n != "" {
				if _, err := strconv.Atoi(n); err == nil {
					setKnown(props, "PART_P"+n+"_LABEL", part.Label)
					setKnown(props, "PART_P"+n+"_UUID", part.UUID)
				}
			}
			return &device.FeedResult{DeviceFile: "/dev/" + name, Properties: props}, nil
		}
	}
	return nil, nil
}

func setKnown(props map[string]string, key, value string) {
	if value != "" && value != ghwUnknown {
		props[key] = value
	}
}

// Chain merges several feeds. Earlier feeds win: the first non-empty device
// file is kept and a property set by an earlier feed is not overwritten.
// Aliases are concatenated.
type Chain []device.Feed

// Probe implements device.Feed
func (c Chain) Probe(ctx context.Context, identity string) (*device.FeedResult, error) {
	var out *device.FeedResult
	for _, feed := range c {
		res, err := feed.Probe(ctx, identity)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		if out == nil {
			out = &device.FeedResult{Properties: make(map[string]string)}
		}
		if out.DeviceFile == "" {
			out.DeviceFile = res.DeviceFile
		}
		out.Aliases = append(out.Aliases, res.Aliases...)
		for k, v := range res.Properties {
			if _, ok := out.Properties[k]; !ok {
				out.Properties[k] = v
			}
		}
	}
	return out, nil
}
