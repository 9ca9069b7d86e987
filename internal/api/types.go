// Package api holds the JSON payloads exchanged with the daemon.
package api

import "time"

type Device struct {
	Handle         string          `json:"handle"`
	Identity       string          `json:"identity"`
	Stale          bool            `json:"stale,omitempty"`
	ProbedAt       time.Time       `json:"probedAt"`
	DeviceFile     string          `json:"deviceFile"`
	ByIDAliases    []string        `json:"byIdAliases,omitempty"`
	ByPathAliases  []string        `json:"byPathAliases,omitempty"`
	Removable      bool            `json:"removable"`
	MediaAvailable bool            `json:"mediaAvailable"`
	Size           uint64          `json:"size"`
	BlockSize      uint64          `json:"blockSize"`
	Mounted        bool            `json:"mounted"`
	MountPath      string          `json:"mountPath,omitempty"`
	Content        *Content        `json:"content,omitempty"`
	Partition      *Partition      `json:"partition,omitempty"`
	PartitionTable *PartitionTable `json:"partitionTable,omitempty"`
	Drive          *Drive          `json:"drive,omitempty"`
	Interfaces     []string        `json:"interfaces,omitempty"`
}

type Content struct {
	Usage   string `json:"usage"`
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	UUID    string `json:"uuid,omitempty"`
	Label   string `json:"label,omitempty"`
}

type Partition struct {
	Scheme string   `json:"scheme"`
	Type   string   `json:"type,omitempty"`
	Label  string   `json:"label,omitempty"`
	UUID   string   `json:"uuid,omitempty"`
	Flags  []string `json:"flags,omitempty"`
	Number int      `json:"number"`
	Offset uint64   `json:"offset"`
	Size   uint64   `json:"size"`
	Slave  string   `json:"slave"`
}

type PartitionTable struct {
	Scheme    string   `json:"scheme"`
	Count     int      `json:"count"`
	MaxNumber int      `json:"maxNumber"`
	Offsets   []uint64 `json:"offsets"`
	Sizes     []uint64 `json:"sizes"`
}

type Drive struct {
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Revision string `json:"revision"`
	Serial   string `json:"serial"`
}

// Event is one change notification
type Event struct {
	Kind     string    `json:"kind"`
	Handle   string    `json:"handle"`
	Identity string    `json:"identity"`
	Time     time.Time `json:"time"`
}

type MountRequest struct {
	Path string `json:"path"`
}

type InhibitRequest struct {
	Holder string `json:"holder,omitempty"`
}

type InhibitResponse struct {
	Cookie string `json:"cookie"`
}

type Inhibitor struct {
	Cookie string    `json:"cookie"`
	Holder string    `json:"holder"`
	Since  time.Time `json:"since"`
}

type Filesystem struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	SupportsUnixOwners bool   `json:"supportsUnixOwners"`
	CanMount           bool   `json:"canMount"`
	CanCreate          bool   `json:"canCreate"`
	MaxLabelLen        int    `json:"maxLabelLen"`
	SupportsLabelRename
	SupportsFsck
	SupportsResize
}

type SupportsLabelRename struct {
	LabelRenameOffline bool `json:"labelRenameOffline"`
	LabelRenameOnline  bool `json:"labelRenameOnline"`
}

type SupportsFsck struct {
	FsckOffline bool `json:"fsckOffline"`
	FsckOnline  bool `json:"fsckOnline"`
}

type SupportsResize struct {
	EnlargeOffline bool `json:"enlargeOffline"`
	EnlargeOnline  bool `json:"enlargeOnline"`
	ShrinkOffline  bool `json:"shrinkOffline"`
	ShrinkOnline   bool `json:"shrinkOnline"`
}

// Error is the body of every failed request
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
