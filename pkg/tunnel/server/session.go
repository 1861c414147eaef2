// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/abokowy/wg-tcp-tunnel/pkg/codec"
	tunerrors "github.com/abokowy/wg-tcp-tunnel/pkg/errors"
	"github.com/abokowy/wg-tcp-tunnel/pkg/keepalive"
	"github.com/abokowy/wg-tcp-tunnel/pkg/transport"
)

// session implements the per-connection state machine described in
// SPEC_FULL.md §4.4: HeaderExpected ⇄ PayloadExpected on the stream side,
// with a UDP-receiving goroutine gated by the "initialized" latch.
type session struct {
	id     string
	stream net.Conn
	udp    *net.UDPConn
	remote string
	cfg    Config

	initialized atomic.Bool
	keepalive   *keepalive.Timer
}

func newSession(id string, stream net.Conn, udp *net.UDPConn, remote string, cfg Config) *session {
	s := &session{id: id, stream: stream, udp: udp, remote: remote, cfg: cfg}
	s.keepalive = keepalive.New(cfg.AppKeepAliveIdle, s.sendHeartbeat)
	return s
}

// run drives the stream-side state machine until the connection closes or
// the session is torn down. It never returns before the UDP-receiving
// goroutine (if started) has been signalled to stop, since closing the
// stream connection's companion UDP socket happens in the caller's defer.
func (s *session) run(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.keepalive.Cancel()

	go func() {
		<-ctx.Done()
		s.stream.Close()
	}()

	s.cfg.Logger.Debug("session accepted",
		slog.String("session", s.id),
		slog.String("remote", s.remote),
		slog.String("udp_destination", s.cfg.UDPDestination))

	s.keepalive.ArmOrExtend(true)

	for {
		select {
		case <-ctx.Done():
			return tunerrors.ErrCancelled
		default:
		}

		var buf [codec.HeaderSize]byte
		if _, err := io.ReadFull(s.stream, buf[:]); err != nil {
			if isPeerClosed(err) {
				s.cfg.Logger.Debug("stream closed", slog.String("session", s.id))
				cancel()
				return err
			}
			s.cfg.Logger.Error("stream read error, restarting header read",
				slog.String("session", s.id), slog.String("error", err.Error()))
			continue
		}

		h, err := codec.DecodeHeader(buf)
		if err != nil {
			s.cfg.Logger.Warn("discarding frame with invalid header",
				slog.String("session", s.id), slog.String("error", err.Error()))
			continue
		}

		if h.Length == 0 {
			// Control (keep-alive) message: ignored, stay HeaderExpected.
			continue
		}

		payload, err := codec.ReadPayload(s.stream, h.Length)
		if err != nil {
			if isPeerClosed(err) {
				s.cfg.Logger.Debug("stream closed mid-payload", slog.String("session", s.id))
				cancel()
				return err
			}
			s.cfg.Logger.Error("payload read error, restarting header read",
				slog.String("session", s.id), slog.String("error", err.Error()))
			continue
		}

		if s.initialized.CompareAndSwap(false, true) {
			go s.udpReceiveLoop(sessCtx)
		}

		if _, err := s.udp.Write(payload); err != nil {
			s.cfg.Logger.Error("udp write failed",
				slog.String("session", s.id), slog.String("error", err.Error()))
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.ConnectionErrors.WithLabelValues("server", tunerrors.Category(err)).Inc()
			}
		}
		s.keepalive.ArmOrExtend(false)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ResponseSize.WithLabelValues("tunnel").Observe(float64(len(payload)))
		}
	}
}

// udpReceiveLoop reads datagrams from the companion UDP socket and frames
// each one onto the stream. It runs exactly once per session, started the
// first time a valid data header arrives, and exits silently once the
// socket is closed by the caller tearing the session down.
func (s *session) udpReceiveLoop(ctx context.Context) {
	localPort := udpPort(s.udp.LocalAddr())
	remotePort := udpPort(s.udp.RemoteAddr())

	buf := make([]byte, codec.MaxPayloadLength)
	for {
		n, err := s.udp.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.cfg.Logger.Error("udp read error, restarting", slog.String("session", s.id), slog.String("error", err.Error()))
			continue
		}

		if err := codec.WriteFrame(s.stream, remotePort, localPort, buf[:n]); err != nil {
			s.cfg.Logger.Error("stream write failed", slog.String("session", s.id), slog.String("error", err.Error()))
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.ConnectionErrors.WithLabelValues("server", tunerrors.Category(err)).Inc()
			}
			return
		}
		s.keepalive.ArmOrExtend(false)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestSize.WithLabelValues("tunnel").Observe(float64(n))
		}
	}
}

func (s *session) sendHeartbeat() {
	if err := codec.WriteFrame(s.stream, 0, 0, nil); err != nil {
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
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || transport.IsConnReset(err)
}
