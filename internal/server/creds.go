package server

import (
	"context"
	"net"

	"golang.org/x/sys/unix"

	"github.com/sigreer/diskd/internal/policy"
)

// connContext attaches the peer credentials of unix connections. Other
// connections carry no caller and are refused by the authorization gate.
func connContext(ctx context.Context, c net.Conn) context.Context {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return ctx
	}
	caller, err := peerCredentials(uc)
	if err != nil {
		return ctx
	}
	return policy.WithCaller(ctx, caller)
}

func peerCredentials(c *net.UnixConn) (policy.Caller, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return policy.Caller{}, err
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return policy.Caller{}, err
	}
	if credErr != nil {
		return policy.Caller{}, credErr
	}
	return policy.Caller{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
