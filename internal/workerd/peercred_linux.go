package workerd

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// checkPeer verifies via SO_PEERCRED that the connecting process runs as the
// same user as the worker. The socket directory is 0700, so this is a second
// line of defense against a stray local client.
func checkPeer(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var (
		cred    *unix.Ucred
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return fmt.Errorf("peer cred control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("peer cred: %w", sockErr)
	}

	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match worker uid %d", cred.Uid, os.Getuid())
	}
	return nil
}
