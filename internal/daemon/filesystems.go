package daemon

import "github.com/sigreer/diskd/internal/api"

// knownFilesystems describes what the platform tools can do with each
// filesystem type. "empty" stands for a device with no content.
var knownFilesystems = []api.Filesystem{
	{
		ID: "ext2", Name: "Linux Ext2", SupportsUnixOwners: true, CanMount: true, CanCreate: true, MaxLabelLen: 16,
		SupportsLabelRename: api.SupportsLabelRename{LabelRenameOffline: true, LabelRenameOnline: true},
		SupportsFsck:        api.SupportsFsck{FsckOffline: true},
		SupportsResize:      api.SupportsResize{EnlargeOffline: true, EnlargeOnline: true, ShrinkOffline: true},
	},
	{
		ID: "ext3", Name: "Linux Ext3", SupportsUnixOwners: true, CanMount: true, CanCreate: true, MaxLabelLen: 16,
		SupportsLabelRename: api.SupportsLabelRename{LabelRenameOffline: true, LabelRenameOnline: true},
		SupportsFsck:        api.SupportsFsck{FsckOffline: true},
		SupportsResize:      api.SupportsResize{EnlargeOffline: true, EnlargeOnline: true, ShrinkOffline: true},
	},
	{
		ID: "ext4", Name: "Linux Ext4", SupportsUnixOwners: true, CanMount: true, CanCreate: true, MaxLabelLen: 16,
		SupportsLabelRename: api.SupportsLabelRename{LabelRenameOffline: true, LabelRenameOnline: true},
		SupportsFsck:        api.SupportsFsck{FsckOffline: true},
		SupportsResize:      api.SupportsResize{EnlargeOffline: true, EnlargeOnline: true, ShrinkOffline: true},
	},
	{
		ID: "xfs", Name: "XFS", SupportsUnixOwners: true, CanMount: true, CanCreate: true, MaxLabelLen: 12,
		SupportsLabelRename: api.SupportsLabelRename{LabelRenameOffline: true},
		SupportsFsck:        api.SupportsFsck{FsckOffline: true},
		SupportsResize:      api.SupportsResize{EnlargeOnline: true},
	},
	{
		ID: "btrfs", Name: "Btrfs", SupportsUnixOwners: true, CanMount: true, CanCreate: true, MaxLabelLen: 255,
		SupportsLabelRename: api.SupportsLabelRename{LabelRenameOffline: true, LabelRenameOnline: true},
		SupportsFsck:        api.SupportsFsck{FsckOffline: true},
		SupportsResize:      api.SupportsResize{EnlargeOnline: true, ShrinkOnline: true},
	},
	{
		ID: "vfat", Name: "FAT", CanMount: true, CanCreate: true, MaxLabelLen: 11,
		SupportsLabelRename: api.SupportsLabelRename{LabelRenameOffline: true},
		SupportsFsck:        api.SupportsFsck{FsckOffline: true},
		SupportsResize:      api.SupportsResize{EnlargeOffline: true, ShrinkOffline: true},
	},
	{
		ID: "ntfs", Name: "NTFS", CanMount: true, CanCreate: true, MaxLabelLen: 128,
		SupportsLabelRename: api.SupportsLabelRename{LabelRenameOffline: true},
		SupportsFsck:        api.SupportsFsck{FsckOffline: true},
		SupportsResize:      api.SupportsResize{EnlargeOffline: true, ShrinkOffline: true},
	},
	{
		ID: "swap", Name: "Swap Space", CanCreate: true, MaxLabelLen: 15,
		SupportsLabelRename: api.SupportsLabelRename{LabelRenameOffline: true},
	},
	{
		ID: "empty", Name: "Empty (don't create a filesystem)", CanCreate: true,
	},
}

// Filesystems returns the known filesystem types
func (d *Daemon) Filesystems() []api.Filesystem {
	out := make([]api.Filesystem, len(knownFilesystems))
	copy(out, knownFilesystems)
	return out
}
