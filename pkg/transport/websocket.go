// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package transport implements the two stream-socket variants the tunnel
// supports: raw bytes directly on a net.Conn, or framed messages carried
// one-per-message over a binary WebSocket connection.
package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to the net.Conn interface so the tunnel
// engines can treat both transport variants identically. One framed
// message is carried per WebSocket message; the WebSocket framing
// replaces the 8-byte header for message-boundary purposes, but the
// integrity header is still written for uniformity of the codec.
type wsConn struct {
	*websocket.Conn
	r   io.Reader
	rio sync.Mutex
	wio sync.Mutex
}

// NewConn wraps ws to implement net.Conn.
func NewConn(ws *websocket.Conn) net.Conn {
	return &wsConn{Conn: ws}
}

// SetDeadline sets both the read and write deadlines.
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Write sends p as one binary WebSocket message.
func (c *wsConn) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads from the current WebSocket message, advancing to the next
// message once the current one is exhausted.
func (c *wsConn) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()
	for {
		if c.r == nil {
			var err error
			_, c.r, err = c.NextReader()
			if err != nil {
				return 0, err
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close closes the underlying WebSocket connection.
func (c *wsConn) Close() error {
	return c.Conn.Close()
}

// DialWebSocket performs the client-side WebSocket handshake against
// endpoint (a ws:// or wss:// URL) with the given extra headers, and
// returns the connection wrapped as a net.Conn ready for framed messages.
// The WebSocket stream is set to binary mode implicitly: NewConn always
// writes BinaryMessage frames.
func DialWebSocket(ctx context.Context, url string, headers http.Header) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

// UpgradeWebSocket completes the server-side WebSocket handshake for an
// incoming HTTP request and returns the connection wrapped as a net.Conn.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (net.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}
