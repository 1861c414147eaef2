// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/abokowy/wg-tcp-tunnel/pkg/codec"
	tunerrors "github.com/abokowy/wg-tcp-tunnel/pkg/errors"
	"github.com/abokowy/wg-tcp-tunnel/pkg/keepalive"
	"github.com/abokowy/wg-tcp-tunnel/pkg/transport"
)

// state is the client session's connection state, per SPEC_FULL.md §4.5:
// Idle -> ConnectingStream -> Connected.
type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
)

// Session is the client engine's single long-lived state machine. One
// Session exists per Engine; its UDP receive loop runs for the lifetime
// of the engine regardless of the stream's connection state.
type Session struct {
	id  string
	udp *net.UDPConn
	cfg Config

	mu         sync.Mutex
	state      state
	stream     net.Conn
	senderAddr *net.UDPAddr
	pending    []byte // single-slot buffer for a datagram parked during connect

	keepalive *keepalive.Timer
}

func newSession(id string, udp *net.UDPConn, cfg Config) *Session {
	s := &Session{id: id, udp: udp, cfg: cfg}
	s.keepalive = keepalive.New(cfg.AppKeepAliveIdle, s.sendHeartbeat)
	return s
}

// run drives the UDP receive loop until ctx is cancelled or the UDP
// socket is closed by the caller.
func (s *Session) run(ctx context.Context) error {
	defer s.keepalive.Cancel()

	buf := make([]byte, codec.MaxPayloadLength)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.cfg.Logger.Error("udp read error, restarting", slog.String("session", s.id), slog.String("error", err.Error()))
			continue
		}

		if s.cfg.RateLimit != nil && !s.cfg.RateLimit.Allow(addr.String()) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitedRequests.WithLabelValues("client").Inc()
			}
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handleDatagram(ctx, addr, payload)
	}
}

// handleDatagram implements SPEC_FULL.md §4.5's caching and single-slot
// pending-buffer rules: the sender endpoint is cached on every datagram,
// a connected session forwards immediately, and an idle or connecting
// session parks the most recent datagram and (if idle) kicks off a
// connect attempt.
func (s *Session) handleDatagram(ctx context.Context, addr *net.UDPAddr, payload []byte) {
	s.mu.Lock()
	s.senderAddr = addr

	switch s.state {
	case stateConnected:
		stream := s.stream
		s.mu.Unlock()
		s.forward(stream, uint16(addr.Port), payload)

	case stateConnecting:
		s.pending = payload
		s.mu.Unlock()

	case stateIdle:
		s.pending = payload
		s.state = stateConnecting
		s.mu.Unlock()
		go s.connect(ctx)
	}
}

func (s *Session) forward(stream net.Conn, senderPort uint16, payload []byte) {
	if err := codec.WriteFrame(stream, senderPort, udpPort(s.udp.LocalAddr()), payload); err != nil {
		s.cfg.Logger.Error("stream write failed", slog.String("session", s.id), slog.String("error", err.Error()))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConnectionErrors.WithLabelValues("client", tunerrors.Category(err)).Inc()
		}
		return
	}
	s.keepalive.ArmOrExtend(false)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestSize.WithLabelValues("tunnel").Observe(float64(len(payload)))
	}
}

// connect resolves the destination, dials the stream, drains the parked
// datagram, and starts the stream receive loop. On any failure it logs
// and returns to Idle without retrying: per SPEC_FULL.md §4.5, the next
// UDP datagram triggers the next attempt.
func (s *Session) connect(ctx context.Context) {
	ep, err := s.cfg.Destination.Resolve(ctx)
	if err != nil {
		s.cfg.Logger.Warn("destination resolution failed, waiting for next datagram",
			slog.String("session", s.id), slog.String("error", err.Error()))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConnectionErrors.WithLabelValues("client", tunerrors.Category(tunerrors.ErrResolutionFailed)).Inc()
		}
		s.backToIdle()
		return
	}

	stream, err := s.dial(ctx, ep.String())
	if err != nil {
		s.cfg.Logger.Error("stream connect failed",
			slog.String("session", s.id), slog.String("destination", ep.String()), slog.String("error", err.Error()))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConnectionErrors.WithLabelValues("client", tunerrors.Category(err)).Inc()
		}
		s.backToIdle()
		return
	}

	if s.cfg.TCPKeepAliveIdle > 0 {
		if err := transport.ApplyTCPKeepAlive(stream, s.cfg.TCPKeepAliveIdle); err != nil {
			s.cfg.Logger.Warn("tcp keep-alive setup failed", slog.String("session", s.id), slog.String("error", err.Error()))
		}
	}

	s.cfg.Logger.Info("stream connected",
		slog.String("session", s.id), slog.String("destination", ep.String()))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.WithLabelValues("tunnel", "client").Inc()
	}

	// The parked datagram is written while mu is held and before the state
	// becomes Connected, so no datagram received during the connect can be
	// forwarded ahead of it.
	s.mu.Lock()
	s.stream = stream
	pending := s.pending
	s.pending = nil
	sender := s.senderAddr
	if pending != nil && sender != nil {
		s.forward(stream, uint16(sender.Port), pending)
	}
	s.state = stateConnected
	s.mu.Unlock()

	s.keepalive.ArmOrExtend(true)

	go s.streamReceiveLoop(ctx, stream)
}

func (s *Session) backToIdle() {
	s.mu.Lock()
	s.state = stateIdle
	s.mu.Unlock()
}

func (s *Session) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.cfg.Transport == WebSocket {
		scheme := "ws"
		if strings.HasPrefix(addr, "wss://") || strings.HasPrefix(addr, "https://") {
			scheme = "wss"
		}
		u := url.URL{Scheme: scheme, Host: addr}
		return transport.DialWebSocket(ctx, u.String(), s.cfg.WebSocketHeaders)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// streamReceiveLoop reads framed messages off the stream and injects
// each payload's contents into the cached UDP sender endpoint, per
// spec.md §4.5's return-path rule: only once a sender port has actually
// been observed (port != 0).
func (s *Session) streamReceiveLoop(ctx context.Context, stream net.Conn) {
	start := time.Now()
	defer func() {
		s.teardown(stream)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveConnections.WithLabelValues("tunnel", "client").Dec()
			s.cfg.Metrics.ConnectionDuration.WithLabelValues("tunnel", "client").Observe(time.Since(start).Seconds())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var buf [codec.HeaderSize]byte
		if _, err := io.ReadFull(stream, buf[:]); err != nil {
			if isPeerClosed(err) {
				s.cfg.Logger.Debug("stream closed", slog.String("session", s.id))
				return
			}
			s.cfg.Logger.Error("stream read error, restarting header read", slog.String("session", s.id), slog.String("error", err.Error()))
			continue
		}

		h, err := codec.DecodeHeader(buf)
		if err != nil {
			s.cfg.Logger.Warn("discarding frame with invalid header",
				slog.String("session", s.id), slog.String("error", err.Error()))
			continue
		}

		if h.Length == 0 {
			// Control (keep-alive) message: no payload, stay in the loop.
			continue
		}

		payload, err := codec.ReadPayload(stream, h.Length)
		if err != nil {
			if isPeerClosed(err) {
				s.cfg.Logger.Debug("stream closed mid-payload", slog.String("session", s.id))
				return
			}
			s.cfg.Logger.Error("payload read error", slog.String("session", s.id), slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		sender := s.senderAddr
		s.mu.Unlock()

		if sender == nil || sender.Port == 0 {
			continue
		}
		if _, err := s.udp.WriteToUDP(payload, sender); err != nil {
			s.cfg.Logger.Error("udp write failed", slog.String("session", s.id), slog.String("error", err.Error()))
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.ConnectionErrors.WithLabelValues("client", tunerrors.Category(err)).Inc()
			}
		}
		s.keepalive.ArmOrExtend(false)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ResponseSize.WithLabelValues("tunnel").Observe(float64(len(payload)))
		}
	}
}

// teardown closes the stream and returns the session to Idle. Any
// datagram that arrives afterward triggers a fresh connect attempt.
func (s *Session) teardown(stream net.Conn) {
	stream.Close()
	s.keepalive.Cancel()

	s.mu.Lock()
	if s.stream == stream {
		s.stream = nil
	}
	s.state = stateIdle
	s.mu.Unlock()
}

func (s *Session) sendHeartbeat() {
	s.mu.Lock()
	stream := s.stream
	connected := s.state == stateConnected
	s.mu.Unlock()

	if !connected || stream == nil {
		return
	}
	if err := codec.WriteFrame(stream, 0, 0, nil); err != nil {
		s.cfg.Logger.Debug("heartbeat write failed", slog.String("session", s.id), slog.String("error", err.Error()))
	}
}

func udpPort(addr net.Addr) uint16 {
	if a, ok := addr.(*net.UDPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

func isPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || transport.IsConnReset(err) || errors.Is(err, tunerrors.ErrCancelled)
}
