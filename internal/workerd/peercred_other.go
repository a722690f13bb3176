//go:build !linux

package workerd

import "net"

// checkPeer is a no-op off Linux. SO_PEERCRED is Linux-only; the 0700 socket
// directory remains the access control.
func checkPeer(_ *net.UnixConn) error {
	return nil
}
