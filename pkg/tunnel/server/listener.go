// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	tunerrors "github.com/abokowy/wg-tcp-tunnel/pkg/errors"
	"github.com/abokowy/wg-tcp-tunnel/pkg/metrics"
	"github.com/abokowy/wg-tcp-tunnel/pkg/transport"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Transport selects how framed messages ride on the accepted connection.
type Transport int

const (
	// Raw carries framed messages directly on TCP bytes.
	Raw Transport = iota
	// WebSocket carries one framed message per binary WebSocket message.
	WebSocket
)

// Config holds the server engine's configuration.
type Config struct {
	// Address is the stream listen address (host:port).
	Address string

	// UDPDestination is the local UDP address each session connects to.
	UDPDestination string

	// Transport selects Raw or WebSocket framing.
	Transport Transport

	// TCPKeepAliveIdle enables TCP keep-alive with this idle interval on
	// accepted raw connections. Zero disables it.
	TCPKeepAliveIdle time.Duration

	// AppKeepAliveIdle arms an application-level heartbeat on this
	// engine's sessions. The server engine responds passively by default
	// (spec.md §4.5); a non-zero value here is unusual but supported.
	AppKeepAliveIdle time.Duration

	// ShutdownTimeout bounds how long Listen waits for active sessions to
	// drain during graceful shutdown.
	ShutdownTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Listener accepts stream connections and spawns one Session per
// connection.
type Listener struct {
	cfg      Config
	wg       sync.WaitGroup
	sessions atomic.Int64
}

// ActiveSessions returns the number of sessions currently running,
// for wiring into a health check without scraping Prometheus.
func (l *Listener) ActiveSessions() int {
	return int(l.sessions.Load())
}

// New creates a Listener with the given configuration.
func New(cfg Config) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Listener{cfg: cfg}
}

// Listen starts accepting connections and blocks until ctx is cancelled.
func (l *Listener) Listen(ctx context.Context) error {
	switch l.cfg.Transport {
	case WebSocket:
		return l.listenWebSocket(ctx)
	default:
		return l.listenRaw(ctx)
	}
}

func (l *Listener) listenRaw(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}
	l.cfg.Logger.Info("server engine listening", slog.String("address", l.cfg.Address))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					l.cfg.Logger.Error("accept failed", slog.String("error", err.Error()))
					continue
				}
			}
			if l.cfg.TCPKeepAliveIdle > 0 {
				if err := transport.ApplyTCPKeepAlive(conn, l.cfg.TCPKeepAliveIdle); err != nil {
					l.cfg.Logger.Warn("tcp keep-alive setup failed", slog.String("error", err.Error()))
				}
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.handleConn(ctx, conn)
			}()
		}
	}()

	<-ctx.Done()
	l.cfg.Logger.Info("shutdown signal received, closing listener")
	if err := ln.Close(); err != nil {
		l.cfg.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	return l.drain()
}

func (l *Listener) listenWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.UpgradeWebSocket(w, r, nil)
		if err != nil {
			l.cfg.Logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(ctx, conn)
		}()
	})

	srv := &http.Server{Addr: l.cfg.Address, Handler: mux}
	l.cfg.Logger.Info("server engine listening (websocket)", slog.String("address", l.cfg.Address))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.cfg.Logger.Error("websocket server shutdown error", slog.String("error", err.Error()))
	}

	return l.drain()
}

func (l *Listener) drain() error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cfg.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(l.cfg.ShutdownTimeout):
		l.cfg.Logger.Warn("shutdown timeout exceeded")
		return ErrShutdownTimeout
	}
}

// handleConn wires one accepted stream connection to a fresh Session and
// runs it to completion.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sessionID := uuid.New().String()
	remote := conn.RemoteAddr().String()

	udpConn, err := dialUDPDestination(l.cfg.UDPDestination)
	if err != nil {
		l.cfg.Logger.Error("failed to open udp destination socket",
			slog.String("session", sessionID),
			slog.String("destination", l.cfg.UDPDestination),
			slog.String("error", err.Error()))
		return
	}
	defer udpConn.Close()

	sess := newSession(sessionID, conn, udpConn, remote, l.cfg)

	l.sessions.Add(1)
	defer l.sessions.Add(-1)

	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ActiveConnections.WithLabelValues("tunnel", "server").Inc()
		defer l.cfg.Metrics.ActiveConnections.WithLabelValues("tunnel", "server").Dec()
	}
	start := time.Now()

	err = sess.run(ctx)
	status := "success"
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, tunerrors.ErrCancelled) {
		status = "error"
		l.cfg.Logger.Debug("session ended",
			slog.String("session", sessionID),
			slog.String("remote", remote),
			slog.String("error", err.Error()))
	}

	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ConnectionDuration.WithLabelValues("tunnel", "server").Observe(time.Since(start).Seconds())
		l.cfg.Metrics.TotalConnections.WithLabelValues("server", status).Inc()
	}
}

func dialUDPDestination(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp destination %s: %w", addr, err)
	}
	return net.DialUDP("udp", nil, udpAddr)
}
