// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/abokowy/wg-tcp-tunnel/pkg/destination"
	"github.com/abokowy/wg-tcp-tunnel/pkg/metrics"
	"github.com/abokowy/wg-tcp-tunnel/pkg/ratelimit"
)

// Transport selects how framed messages ride on the stream connection.
type Transport int

const (
	// Raw carries framed messages directly on TCP bytes.
	Raw Transport = iota
	// WebSocket carries one framed message per binary WebSocket message.
	WebSocket
)

// Config holds the client engine's configuration.
type Config struct {
	// UDPListenAddress is the local UDP address the engine accepts
	// datagrams on.
	UDPListenAddress string

	// Destination resolves the stream endpoint to connect to. Called
	// once per connection attempt; the result is not assumed stable.
	Destination destination.Provider

	// Transport selects Raw or WebSocket framing.
	Transport Transport

	// WebSocketHeaders carries extra headers for the WebSocket
	// handshake, ignored when Transport is Raw.
	WebSocketHeaders http.Header

	// TCPKeepAliveIdle enables TCP keep-alive with this idle interval on
	// the outbound raw connection. Zero disables it.
	TCPKeepAliveIdle time.Duration

	// AppKeepAliveIdle arms the application-level heartbeat once the
	// stream connects. Zero disables it.
	AppKeepAliveIdle time.Duration

	// RateLimit throttles incoming datagrams per UDP source address,
	// protecting the single stream connection a Session shares across
	// every source. Nil disables rate limiting.
	RateLimit *ratelimit.Limiter

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine owns the local UDP socket and the single long-lived Session that
// bridges it to the resolved stream destination.
type Engine struct {
	cfg Config
	udp *net.UDPConn
	sess *Session
}

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg}
}

// Run opens the UDP socket, starts the session, and blocks until ctx is
// cancelled or the UDP socket fails irrecoverably.
func (e *Engine) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", e.cfg.UDPListenAddress)
	if err != nil {
		return fmt.Errorf("resolve udp listen address %s: %w", e.cfg.UDPListenAddress, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", e.cfg.UDPListenAddress, err)
	}
	e.udp = udp
	defer udp.Close()

	e.cfg.Logger.Info("client engine listening",
		slog.String("udp_address", e.cfg.UDPListenAddress))

	e.sess = newSession(uuid.New().String(), udp, e.cfg)

	go func() {
		<-ctx.Done()
		udp.Close()
	}()

	return e.sess.run(ctx)
}
