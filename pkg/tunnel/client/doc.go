// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package client implements the UDP-accepting, stream-initiating tunnel
// engine (C in the design notes): it listens on a local UDP socket and
// forwards every datagram it receives, framed, over an outbound stream
// connection to a resolved destination.
//
// Unlike the server engine, which spawns one session per accepted
// connection, the client engine owns exactly one long-lived Session for
// its lifetime. The UDP receive loop runs continuously regardless of the
// stream's connection state; datagrams that arrive while the stream is
// being (re)established wait in a single-slot pending buffer, and any
// datagram that arrives while idle triggers a fresh connect attempt.
package client
