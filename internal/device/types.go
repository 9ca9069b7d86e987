package device

import (
	"context"
	"time"
)

// Attributes is the probed snapshot of one block device. Groups that do not
// apply to the device are nil.
type Attributes struct {
	Block   Block
	Content *Content
	// Layout is *Partition, *PartitionTable or nil.
	Layout Layout
	Drive  *Drive
}

// Block holds facts every block device has
type Block struct {
	DeviceFile     string
	ByIDAliases    []string
	ByPathAliases  []string
	Removable      bool
	MediaAvailable bool
	Size           uint64 // bytes
	BlockSize      uint64 // logical block size in bytes
}

// Content identifies what is stored on the device (filesystem, swap, crypto, raid member)
type Content struct {
	Usage   string
	Type    string
	Version string
	UUID    string
	Label   string
}

// Layout distinguishes partitions from partition tables.
type Layout interface {
	isLayout()
}

// Partition describes a device that is an entry in a partition table.
type Partition struct {
	Scheme string
	Type   string
	Label  string
	UUID   string
	Flags  []string
	Number int    // 1-based
	Offset uint64 // bytes
	Size   uint64 // bytes
	// Slave is the handle of the device holding the table. Resolve it through
	// the registry, the owner may be gone.
	Slave string
}

// PartitionTable describes a device carrying a partition table. Offsets and
// Sizes are indexed by partition number - 1.
type PartitionTable struct {
	Scheme    string
	Count     int
	MaxNumber int
	Offsets   []uint64
	Sizes     []uint64
}

func (*Partition) isLayout()      {}
func (*PartitionTable) isLayout() {}

// Drive holds facts of a device backed by a physical or logical drive
type Drive struct {
	Vendor   string
	Model    string
	Revision string
	Serial   string
}

// IsPartition reports whether the device was classified as a partition
func (a *Attributes) IsPartition() bool {
	_, ok := a.Layout.(*Partition)
	return ok
}

// IsPartitionTable reports whether the device was classified as a partition table
func (a *Attributes) IsPartitionTable() bool {
	_, ok := a.Layout.(*PartitionTable)
	return ok
}

// IsDrive reports whether the device exposes a lower-level device descriptor
func (a *Attributes) IsDrive() bool {
	return a.Drive != nil
}

// Partition returns the partition group or nil
func (a *Attributes) Partition() *Partition {
	p, _ := a.Layout.(*Partition)
	return p
}

// PartitionTable returns the partition table group or nil
func (a *Attributes) PartitionTable() *PartitionTable {
	t, _ := a.Layout.(*PartitionTable)
	return t
}

// Mount is the mount state of a device. It is mounted iff Path is set.
type Mount struct {
	Path string
}

// Mounted reports whether the device is mounted
func (m Mount) Mounted() bool {
	return m.Path != ""
}

// Snapshot is a read-only copy of a device's state
type Snapshot struct {
	Identity   string
	Handle     string
	Attributes Attributes
	Mount      Mount
	// Stale is set when the last refresh failed and Attributes is the last good probe.
	Stale    bool
	ProbedAt time.Time
}

// FeedResult is what a Feed knows about a device
type FeedResult struct {
	DeviceFile string
	Aliases    []string
	Properties map[string]string
}

// Feed resolves a device identity into its device file, aliases and
// properties. A nil result with a nil error means the identity is unknown to
// the feed.
type Feed interface {
	Probe(ctx context.Context, identity string) (*FeedResult, error)
}
