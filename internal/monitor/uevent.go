// Package monitor turns kernel uevents and mount table changes into events
// for the daemon's dispatch loop.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// kernelGroup is the multicast group the kernel sends uevents on (udevd uses 2)
const kernelGroup = 1

// receiveTimeout bounds each blocking read so cancellation is noticed
const receiveTimeout = 500 * time.Millisecond

// Uevent is one kernel device event
type Uevent struct {
	Action    string // add, remove, change, move, online, offline
	DevPath   string // relative to /sys, e.g. /devices/pci0000:00/.../block/sda
	Subsystem string
	DevName   string
	DevType   string
	Env       map[string]string
}

// ParseUevent decodes "action@devpath\0KEY=VALUE\0..." as sent by the kernel
func ParseUevent(msg []byte) (*Uevent, error) {
	fields := bytes.Split(bytes.TrimRight(msg, "\x00"), []byte{0})
	if len(fields) == 0 {
		return nil, errors.New("empty uevent")
	}
	action, devpath, ok := bytes.Cut(fields[0], []byte("@"))
	if !ok {
		return nil, fmt.Errorf("malformed uevent header %q", fields[0])
	}

	ev := &Uevent{
		Action:  string(action),
		DevPath: string(devpath),
		Env:     make(map[string]string, len(fields)-1),
	}
	for _, f := range fields[1:] {
		k, v, ok := bytes.Cut(f, []byte("="))
		if !ok {
			continue
		}
		ev.Env[string(k)] = string(v)
	}
	ev.Subsystem = ev.Env["SUBSYSTEM"]
	ev.DevName = ev.Env["DEVNAME"]
	ev.DevType = ev.Env["DEVTYPE"]
	if a := ev.Env["ACTION"]; a != "" {
		ev.Action = a
	}
	if p := ev.Env["DEVPATH"]; p != "" {
		ev.DevPath = p
	}
	return ev, nil
}

// UeventMonitor listens on the kernel uevent netlink socket
type UeventMonitor struct {
	log logr.Logger
}

func NewUeventMonitor(log logr.Logger) *UeventMonitor {
	return &UeventMonitor{log: log}
}

// Run forwards block subsystem uevents to events until ctx is done
func (m *UeventMonitor) Run(ctx context.Context, events chan<- Uevent) error {
	sock, err := nl.Subscribe(unix.NETLINK_KOBJECT_UEVENT, kernelGroup)
	if err != nil {
		return fmt.Errorf("failed to subscribe to uevents: %w", err)
	}
	defer sock.Close()

	tv := unix.NsecToTimeval(receiveTimeout.Nanoseconds())
	if err := sock.SetReceiveTimeout(&tv); err != nil {
		return fmt.Errorf("failed to set uevent receive timeout: %w", err)
	}

	m.log.Info("Listening for kernel uevents")
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, _, err := unix.Recvfrom(sock.GetFd(), buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ENOBUFS) {
				m.log.Info("Uevent socket overrun, events were lost")
				continue
			}
			return fmt.Errorf("failed to receive uevent: %w", err)
		}

		ev, err := ParseUevent(buf[:n])
		if err != nil {
			m.log.V(1).Info("Dropping uevent", "error", err.Error())
			continue
		}
		if ev.Subsystem != "block" {
			continue
		}

		select {
		case events <- *ev:
		case <-ctx.Done():
			return nil
		}
	}
}
