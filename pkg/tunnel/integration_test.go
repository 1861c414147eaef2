// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package tunnel_test wires the client and server engines together over
// real loopback sockets, exercising the round-trip path a WireGuard peer
// and its remote endpoint see through the tunnel.
package tunnel_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/abokowy/wg-tcp-tunnel/pkg/codec"
	"github.com/abokowy/wg-tcp-tunnel/pkg/destination"
	"github.com/abokowy/wg-tcp-tunnel/pkg/tunnel/client"
	"github.com/abokowy/wg-tcp-tunnel/pkg/tunnel/server"
)

// freeLoopbackAddr picks an address by briefly binding an ephemeral port
// and releasing it, the same reuse-a-closed-ephemeral-port idiom other
// Go test suites use when a component doesn't expose its bound address
// ahead of time.
func freeLoopbackAddr(t *testing.T, network string) string {
	t.Helper()
	switch network {
	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve tcp port: %v", err)
		}
		addr := ln.Addr().String()
		ln.Close()
		return addr
	case "udp":
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
		if err != nil {
			t.Fatalf("reserve udp port: %v", err)
		}
		addr := conn.LocalAddr().String()
		conn.Close()
		return addr
	default:
		t.Fatalf("unsupported network %q", network)
		return ""
	}
}

func TestRoundTripThroughClientAndServerEngines(t *testing.T) {
	destEcho, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen destination: %v", err)
	}
	defer destEcho.Close()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := destEcho.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := append([]byte("echo:"), buf[:n]...)
			destEcho.WriteToUDP(reply, addr)
		}
	}()

	streamAddr := freeLoopbackAddr(t, "tcp")
	clientUDPAddr := freeLoopbackAddr(t, "udp")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	listener := server.New(server.Config{
		Address:        streamAddr,
		UDPDestination: destEcho.LocalAddr().String(),
		Logger:         logger,
	})

	srvEp, err := destination.ParseEndpoint(streamAddr)
	if err != nil {
		t.Fatalf("parse stream address: %v", err)
	}

	engine := client.New(client.Config{
		UDPListenAddress: clientUDPAddr,
		Destination:      destination.Static{Endpoint: srvEp},
		Logger:           logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Listen(ctx)
	go engine.Run(ctx)

	// Give both engines a moment to bind their sockets.
	time.Sleep(50 * time.Millisecond)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	defer peer.Close()

	clientUDP, err := net.ResolveUDPAddr("udp", clientUDPAddr)
	if err != nil {
		t.Fatalf("resolve client udp addr: %v", err)
	}

	if _, err := peer.WriteToUDP([]byte("hello"), clientUDP); err != nil {
		t.Fatalf("write to client: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf[:n]) != "echo:hello" {
		t.Fatalf("want echo:hello, got %q", buf[:n])
	}
}

// TestCorruptHeaderIsDiscardedAndStreamRecovers connects directly to the
// server's stream listener, bypassing the client engine, and writes one
// frame with a corrupted header CRC followed by a valid frame. The
// corrupted frame must never reach the UDP destination; the valid frame
// that follows must be processed normally.
func TestCorruptHeaderIsDiscardedAndStreamRecovers(t *testing.T) {
	dest, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen destination: %v", err)
	}
	defer dest.Close()

	streamAddr := freeLoopbackAddr(t, "tcp")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	listener := server.New(server.Config{
		Address:        streamAddr,
		UDPDestination: dest.LocalAddr().String(),
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Listen(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", streamAddr)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	h := codec.Header{SrcPort: 1, DstPort: 2, Length: 4}
	corrupted := h.Bytes()
	corrupted[0] ^= 0xFF
	if _, err := conn.Write(corrupted[:]); err != nil {
		t.Fatalf("write corrupted header: %v", err)
	}

	if err := codec.WriteFrame(conn, 3, 4, []byte("ok")); err != nil {
		t.Fatalf("write valid frame: %v", err)
	}

	dest.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, _, err := dest.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read from destination: %v", err)
	}
	if string(buf[:n]) != "ok" {
		t.Fatalf("want the valid frame's payload to survive the corrupted frame, got %q", buf[:n])
	}
}

// TestKeepaliveFiresOnIdleStream verifies that once a data frame has
// flowed, a stream left idle still receives periodic zero-length
// heartbeat control frames, spaced roughly AppKeepAliveIdle apart.
func TestKeepaliveFiresOnIdleStream(t *testing.T) {
	streamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake server: %v", err)
	}
	defer streamLn.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := streamLn.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	clientUDPAddr := freeLoopbackAddr(t, "udp")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ep, err := destination.ParseEndpoint(streamLn.Addr().String())
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}

	engine := client.New(client.Config{
		UDPListenAddress: clientUDPAddr,
		Destination:      destination.Static{Endpoint: ep},
		AppKeepAliveIdle: 80 * time.Millisecond,
		Logger:           logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	defer peer.Close()

	clientUDP, err := net.ResolveUDPAddr("udp", clientUDPAddr)
	if err != nil {
		t.Fatalf("resolve client udp addr: %v", err)
	}
	if _, err := peer.WriteToUDP([]byte("wake"), clientUDP); err != nil {
		t.Fatalf("write to client: %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("server never accepted a connection")
	}
	defer conn.Close()

	// First frame carries the woken datagram's payload.
	if _, err := codec.ReadHeader(conn); err != nil {
		t.Fatalf("read initial data header: %v", err)
	}
	if _, err := codec.ReadPayload(conn, 4); err != nil {
		t.Fatalf("read initial data payload: %v", err)
	}

	var gaps []time.Duration
	last := time.Now()
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		h, err := codec.ReadHeader(conn)
		if err != nil {
			t.Fatalf("read heartbeat %d: %v", i, err)
		}
		if h.Length != 0 {
			t.Fatalf("expected a zero-length heartbeat, got length %d", h.Length)
		}
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
	}

	for i, gap := range gaps {
		if gap < 30*time.Millisecond {
			t.Fatalf("heartbeat %d arrived too soon after the previous one: %v", i, gap)
		}
	}
}

// TestClientReconnectsAfterServerRestart confirms the client engine
// recovers once its stream connection drops and the server comes back
// up on the same address, without needing to be restarted itself.
func TestClientReconnectsAfterServerRestart(t *testing.T) {
	dest, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen destination: %v", err)
	}
	defer dest.Close()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := dest.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := append([]byte("echo:"), buf[:n]...)
			dest.WriteToUDP(reply, addr)
		}
	}()

	streamAddr := freeLoopbackAddr(t, "tcp")
	clientUDPAddr := freeLoopbackAddr(t, "udp")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srvEp, err := destination.ParseEndpoint(streamAddr)
	if err != nil {
		t.Fatalf("parse stream address: %v", err)
	}

	engine := client.New(client.Config{
		UDPListenAddress: clientUDPAddr,
		Destination:      destination.Static{Endpoint: srvEp},
		Logger:           logger,
	})

	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	go engine.Run(clientCtx)
	time.Sleep(50 * time.Millisecond)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	defer peer.Close()

	clientUDP, err := net.ResolveUDPAddr("udp", clientUDPAddr)
	if err != nil {
		t.Fatalf("resolve client udp addr: %v", err)
	}

	roundTrip := func(msg string) string {
		peer.WriteToUDP([]byte(msg), clientUDP)
		peer.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 2048)
		n, _, err := peer.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read reply for %q: %v", msg, err)
		}
		return string(buf[:n])
	}

	listenerCfg := server.Config{
		Address:        streamAddr,
		UDPDestination: dest.LocalAddr().String(),
		Logger:         logger,
	}

	srvCtx1, cancelSrv1 := context.WithCancel(context.Background())
	listener1 := server.New(listenerCfg)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener1.Listen(srvCtx1)
	}()
	time.Sleep(50 * time.Millisecond)

	if got := roundTrip("first"); got != "echo:first" {
		t.Fatalf("want echo:first, got %q", got)
	}

	cancelSrv1()
	wg.Wait()

	// Let the client's stream receive loop observe the close and return
	// to idle before the server comes back on the same address.
	time.Sleep(100 * time.Millisecond)

	srvCtx2, cancelSrv2 := context.WithCancel(context.Background())
	defer cancelSrv2()
	listener2 := server.New(listenerCfg)
	go listener2.Listen(srvCtx2)
	time.Sleep(50 * time.Millisecond)

	if got := roundTrip("second"); got != "echo:second" {
		t.Fatalf("want echo:second after reconnect, got %q", got)
	}
}

// flakyProvider fails its first Resolve call and succeeds afterward,
// simulating a destination lookup that is briefly unavailable.
type flakyProvider struct {
	mu    sync.Mutex
	calls int
	ep    destination.Endpoint
}

func (f *flakyProvider) Resolve(context.Context) (destination.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return destination.Endpoint{}, errors.New("inventory temporarily unavailable")
	}
	return f.ep, nil
}

// TestClientRetriesDestinationResolutionOnNextDatagram verifies that a
// failed destination resolution does not crash the engine and that the
// very next datagram triggers a fresh resolution attempt.
func TestClientRetriesDestinationResolutionOnNextDatagram(t *testing.T) {
	dest, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen destination: %v", err)
	}
	defer dest.Close()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := dest.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := append([]byte("echo:"), buf[:n]...)
			dest.WriteToUDP(reply, addr)
		}
	}()

	streamAddr := freeLoopbackAddr(t, "tcp")
	clientUDPAddr := freeLoopbackAddr(t, "udp")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	listener := server.New(server.Config{
		Address:        streamAddr,
		UDPDestination: dest.LocalAddr().String(),
		Logger:         logger,
	})

	srvEp, err := destination.ParseEndpoint(streamAddr)
	if err != nil {
		t.Fatalf("parse stream address: %v", err)
	}
	provider := &flakyProvider{ep: srvEp}

	engine := client.New(client.Config{
		UDPListenAddress: clientUDPAddr,
		Destination:      provider,
		Logger:           logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Listen(ctx)
	go engine.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	defer peer.Close()

	clientUDP, err := net.ResolveUDPAddr("udp", clientUDPAddr)
	if err != nil {
		t.Fatalf("resolve client udp addr: %v", err)
	}

	if _, err := peer.WriteToUDP([]byte("first"), clientUDP); err != nil {
		t.Fatalf("write first datagram: %v", err)
	}

	// The first resolution fails; the engine must not crash and must
	// fall back to waiting for the next datagram rather than retrying
	// on its own.
	time.Sleep(200 * time.Millisecond)

	if _, err := peer.WriteToUDP([]byte("second"), clientUDP); err != nil {
		t.Fatalf("write second datagram: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf[:n]) != "echo:second" {
		t.Fatalf("want echo:second, got %q", buf[:n])
	}
}
