// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package codec implements the framed message envelope shared by both
// tunnel engines: an 8-byte little-endian header carrying source and
// destination UDP ports, a payload length, and a CRC-16 integrity check,
// followed by that many bytes of opaque payload.
package codec

import (
	"encoding/binary"
	"io"

	tunerrors "github.com/abokowy/wg-tcp-tunnel/pkg/errors"
)

// HeaderSize is the fixed size, in bytes, of the frame header.
const HeaderSize = 8

// MaxPayloadLength is the largest payload a single frame may carry. The
// source's fixed 4096-byte buffer implicitly truncated larger frames; this
// rewrite rejects them instead, see DESIGN.md.
const MaxPayloadLength = 4096

// Header is the 8-byte envelope prepended to every stream message.
// A Header with Length == 0 denotes a control (keep-alive) message.
type Header struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// Bytes encodes h as the 8-byte little-endian wire header, computing its
// CRC-16 over the first six bytes.
func (h Header) Bytes() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.LittleEndian.PutUint16(buf[2:4], h.DstPort)
	binary.LittleEndian.PutUint16(buf[4:6], h.Length)
	binary.LittleEndian.PutUint16(buf[6:8], checksum(buf[0:6]))
	return buf
}

// DecodeHeader validates and parses an 8-byte wire header. It returns
// ErrInvalidHeader if the CRC does not match, and ErrPayloadTooLarge if
// the announced length exceeds MaxPayloadLength.
func DecodeHeader(buf [HeaderSize]byte) (Header, error) {
	want := binary.LittleEndian.Uint16(buf[6:8])
	if got := checksum(buf[0:6]); got != want {
		return Header{}, tunerrors.ErrInvalidHeader
	}
	h := Header{
		SrcPort: binary.LittleEndian.Uint16(buf[0:2]),
		DstPort: binary.LittleEndian.Uint16(buf[2:4]),
		Length:  binary.LittleEndian.Uint16(buf[4:6]),
	}
	if h.Length > MaxPayloadLength {
		return Header{}, tunerrors.ErrPayloadTooLarge
	}
	return h, nil
}

// Encode emits header and payload as two contiguous byte slices, ready to
// be written with a single vectored write or two sequential writes.
func Encode(srcPort, dstPort uint16, payload []byte) (header [HeaderSize]byte, body []byte) {
	h := Header{SrcPort: srcPort, DstPort: dstPort, Length: uint16(len(payload))}
	return h.Bytes(), payload
}

// ReadHeader reads exactly one 8-byte header from r, continuing to read
// until all 8 bytes arrive or the stream closes, per the framing rule that
// a short first read must not be treated as a short header.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf)
}

// ReadPayload reads exactly length bytes of payload from r into a freshly
// allocated slice. Header and payload are always read as two separate
// exact-length reads, never amalgamated, to tolerate arbitrary stream
// buffering between the two legs.
func ReadPayload(r io.Reader, length uint16) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one complete framed message (header plus payload) to
// w in a single Write call. Unlike the raw transport, where the header
// and payload could in principle be written as two separate writes and
// still be read correctly off the byte stream, the WebSocket transport
// carries one framed message per WebSocket message: two separate writes
// there would become two separate WebSocket messages and corrupt framing.
// A single combined write is therefore correct for both transports.
func WriteFrame(w io.Writer, srcPort, dstPort uint16, payload []byte) error {
	h := Header{SrcPort: srcPort, DstPort: dstPort, Length: uint16(len(payload))}
	hdr := h.Bytes()
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
