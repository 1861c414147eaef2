// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package transport

import (
	"errors"
	"syscall"
)

// IsConnReset reports whether err indicates the peer reset the
// connection (ECONNRESET), which the tunnel treats the same as a clean
// EOF: the stream counterpart went away.
func IsConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
