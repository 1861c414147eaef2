// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package transport

import (
	"net"
	"time"
)

// ApplyTCPKeepAlive enables TCP-level keep-alive on conn with the given
// idle interval, and sets SO_LINGER to discard on close rather than
// linger, matching the wire-level requirements the tunnel's peers expect
// of each other's sockets. It is a no-op for non-TCP connections (e.g. a
// WebSocket-wrapped net.Conn, which manages its own underlying socket).
func ApplyTCPKeepAlive(conn net.Conn, idle time.Duration) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	if err := tc.SetKeepAlivePeriod(idle); err != nil {
		return err
	}
	return tc.SetLinger(0)
}
