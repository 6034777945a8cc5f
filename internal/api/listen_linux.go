//go:build linux

package api

import (
	"net"
	"syscall"
)

// listenConfig sets SO_REUSEADDR so a restarted bridge can bind its port
// while the old socket is still in TIME_WAIT.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
}
