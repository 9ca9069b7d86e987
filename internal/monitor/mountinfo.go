package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// DefaultMountInfo is polled for mount table changes
const DefaultMountInfo = "/proc/self/mountinfo"

// MountWatcher signals whenever the mount table changes. The kernel flags
// /proc/self/mountinfo with POLLPRI on every mount or unmount.
type MountWatcher struct {
	log  logr.Logger
	path string
}

func NewMountWatcher(log logr.Logger, path string) *MountWatcher {
	if path == "" {
		path = DefaultMountInfo
	}
	return &MountWatcher{log: log, path: path}
}

// Run sends on changes until ctx is done. Bursts coalesce into one signal
// when the receiver is busy.
func (w *MountWatcher) Run(ctx context.Context, changes chan<- struct{}) error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", w.path, err)
	}
	defer f.Close()

	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLPRI | unix.POLLERR}}
	timeoutMs := int(receiveTimeout.Milliseconds())

	w.log.Info("Watching mount table", "path", w.path)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("failed to poll %s: %w", w.path, err)
		}
		if n == 0 || fds[0].Revents&(unix.POLLPRI|unix.POLLERR) == 0 {
			continue
		}

		select {
		case changes <- struct{}{}:
		default:
		}
	}
}
