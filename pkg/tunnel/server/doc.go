// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package server implements the stream-accepting, UDP-emitting tunnel
// engine (S in the design notes): it listens for inbound stream
// connections, spawns one session per connection, and bridges framed
// stream messages to a UDP socket connected to a fixed local destination.
//
// Each session runs two independent goroutines once its "initialized"
// latch has fired: one de-frames stream messages into UDP sends, the
// other reads UDP responses and frames them back onto the stream. Before
// the first valid data header arrives, only the stream-reading goroutine
// is active — the session never emits UDP before it has proven the
// tunnel healthy in at least one direction.
package server
