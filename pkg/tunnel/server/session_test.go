// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/abokowy/wg-tcp-tunnel/pkg/codec"
)

func dialLoopbackUDPPair(t *testing.T) (sessionSide *net.UDPConn, destination *net.UDPConn) {
	t.Helper()

	destination, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp destination: %v", err)
	}

	sessionSide, err = net.DialUDP("udp", nil, destination.LocalAddr().(*net.UDPAddr))
	if err != nil {
		destination.Close()
		t.Fatalf("dial udp destination: %v", err)
	}
	return sessionSide, destination
}

// TestUDPReceiveLoopStartsOnlyAfterFirstValidHeader exercises the
// AcceptedUninitialized -> Initialized transition: the "initialized" latch
// is unset before the stream side has sent any data frame, and once one
// valid data frame has been relayed to the destination the one-shot UDP
// receive goroutine is running and relays a destination reply back onto
// the stream.
func TestUDPReceiveLoopStartsOnlyAfterFirstValidHeader(t *testing.T) {
	sessionUDP, destinationUDP := dialLoopbackUDPPair(t)
	defer sessionUDP.Close()
	defer destinationUDP.Close()

	streamServer, streamClient := net.Pipe()
	defer streamClient.Close()

	cfg := Config{
		UDPDestination: destinationUDP.LocalAddr().String(),
		Logger:         slog.Default(),
	}
	s := newSession("t1", streamServer, sessionUDP, "peer", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.run(ctx)
		close(done)
	}()

	sessionLocalAddr := sessionUDP.LocalAddr().(*net.UDPAddr)

	// Before any data frame has been relayed from the stream side, the
	// latch must be unset and no receive goroutine running.
	if s.initialized.Load() {
		t.Fatalf("session reports initialized before a data frame arrived")
	}

	// Now relay one data frame, which flips the initialized latch and
	// starts the receive goroutine.
	if err := codec.WriteFrame(streamClient, 1234, 5678, []byte("hello")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// The destination socket should receive the relayed payload.
	destinationUDP.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := destinationUDP.Read(buf)
	if err != nil {
		t.Fatalf("destination read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("want relayed payload %q, got %q", "hello", buf[:n])
	}

	// A reply from the destination is now relayed back onto the
	// stream, since the receive goroutine has started.
	destinationUDP.WriteToUDP([]byte("reply"), sessionLocalAddr)

	streamClient.SetReadDeadline(time.Now().Add(time.Second))
	h, err := codec.ReadHeader(streamClient)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	payload, err := codec.ReadPayload(streamClient, h.Length)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != "reply" {
		t.Fatalf("want %q, got %q", "reply", payload)
	}

	streamClient.Close()
	<-done
}

func TestUdpPort(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4242}
	if got := udpPort(addr); got != 4242 {
		t.Fatalf("want 4242, got %d", got)
	}
	if got := udpPort(&net.TCPAddr{}); got != 0 {
		t.Fatalf("want 0 for a non-UDP address, got %d", got)
	}
}
