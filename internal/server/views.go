package server

import (
	"github.com/sigreer/diskd/internal/api"
	"github.com/sigreer/diskd/internal/daemon"
	"github.com/sigreer/diskd/internal/device"
	"github.com/sigreer/diskd/internal/module"
)

func deviceView(s device.Snapshot, ifaces []module.Interface) api.Device {
	a := s.Attributes
	out := api.Device{
		Handle:         s.Handle,
		Identity:       s.Identity,
		Stale:          s.Stale,
		ProbedAt:       s.ProbedAt,
		DeviceFile:     a.Block.DeviceFile,
		ByIDAliases:    a.Block.ByIDAliases,
		ByPathAliases:  a.Block.ByPathAliases,
		Removable:      a.Block.Removable,
		MediaAvailable: a.Block.MediaAvailable,
		Size:           a.Block.Size,
		BlockSize:      a.Block.BlockSize,
		Mounted:        s.Mount.Mounted(),
		MountPath:      s.Mount.Path,
	}
	if c := a.Content; c != nil {
		out.Content = &api.Content{Usage: c.Usage, Type: c.Type, Version: c.Version, UUID: c.UUID, Label: c.Label}
	}
	if p := a.Partition(); p != nil {
		out.Partition = &api.Partition{
			Scheme: p.Scheme,
			Type:   p.Type,
			Label:  p.Label,
			UUID:   p.UUID,
			Flags:  p.Flags,
			Number: p.Number,
			Offset: p.Offset,
			Size:   p.Size,
			Slave:  p.Slave,
		}
	}
	if t := a.PartitionTable(); t != nil {
		out.PartitionTable = &api.PartitionTable{
			Scheme:    t.Scheme,
			Count:     t.Count,
			MaxNumber: t.MaxNumber,
			Offsets:   t.Offsets,
			Sizes:     t.Sizes,
		}
	}
	if dr := a.Drive; dr != nil {
		out.Drive = &api.Drive{Vendor: dr.Vendor, Model: dr.Model, Revision: dr.Revision, Serial: dr.Serial}
	}
	for _, i := range ifaces {
		out.Interfaces = append(out.Interfaces, i.Name())
	}
	return out
}

func eventView(ev daemon.Event) api.Event {
	return api.Event{Kind: string(ev.Kind), Handle: ev.Handle, Identity: ev.Identity, Time: ev.Time}
}

func inhibitorView(inh daemon.Inhibitor) api.Inhibitor {
	return api.Inhibitor{Cookie: inh.Cookie, Holder: inh.Holder, Since: inh.Since}
}
