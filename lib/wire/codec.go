// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package wire implements the Soulseek wire protocol: little-endian framed
// binary messages for the server, peer and distributed connections, with
// zlib compressed payloads where the protocol calls for them.
//
// The framing is a four byte little-endian length, then a code (four bytes,
// or a single byte for initialization messages), then the payload. Strings
// are a four byte length followed by that many bytes, uninterpreted.
package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// ReadError is returned when a read would run past the end of the payload.
type ReadError struct {
	Position int
	Want     int
	Have     int
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("message read out of bounds: %d bytes wanted at position %d, %d available", e.Want, e.Position, e.Have)
}

// CodeMismatchError is returned when a frame carries a different code than
// the decoder expected.
type CodeMismatchError struct {
	Expected uint32
	Got      uint32
}

func (e *CodeMismatchError) Error() string {
	return fmt.Sprintf("unexpected message code: expected %d, got %d", e.Expected, e.Got)
}

// A Builder accumulates message fields and produces a complete
// length-prefixed frame. Builders are created through one of the
// per-namespace constructors, which write the absolute code for that
// namespace; there is no code rewriting anywhere else.
type Builder struct {
	buf []byte
}

func NewServerBuilder(code ServerCode) *Builder {
	b := &Builder{buf: make([]byte, 0, 64)}
	b.WriteUint32(uint32(code))
	return b
}

func NewPeerBuilder(code PeerCode) *Builder {
	b := &Builder{buf: make([]byte, 0, 64)}
	b.WriteUint32(uint32(code))
	return b
}

func NewDistributedBuilder(code DistributedCode) *Builder {
	b := &Builder{buf: make([]byte, 0, 64)}
	b.WriteUint32(uint32(code))
	return b
}

func NewInitBuilder(code InitCode) *Builder {
	b := &Builder{buf: make([]byte, 0, 16)}
	b.buf = append(b.buf, byte(code))
	return b
}

func (b *Builder) WriteUint8(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *Builder) WriteBool(v bool) *Builder {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

func (b *Builder) WriteUint32(v uint32) *Builder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return b
}

func (b *Builder) WriteInt64(v int64) *Builder {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, uint64(v))
	return b
}

func (b *Builder) WriteUint64(v uint64) *Builder {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	return b
}

// WriteString writes a four byte length followed by the raw bytes. The
// protocol predates any notion of encodings; bytes pass through untouched.
func (b *Builder) WriteString(s string) *Builder {
	b.WriteUint32(uint32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// WriteIP writes the address in reversed byte order, as the protocol
// requires.
func (b *Builder) WriteIP(addr netip.Addr) *Builder {
	a4 := addr.As4()
	b.buf = append(b.buf, a4[3], a4[2], a4[1], a4[0])
	return b
}

func (b *Builder) WriteBytes(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Build prepends the length prefix and returns the completed frame, ready
// for the wire.
func (b *Builder) Build() []byte {
	out := make([]byte, 4+len(b.buf))
	binary.LittleEndian.PutUint32(out, uint32(len(b.buf)))
	copy(out[4:], b.buf)
	return out
}

// A Reader walks a frame payload, the length prefix already stripped. Reads
// past the end set a sticky error and return zero values; callers check
// Err once after decoding instead of after every field.
type Reader struct {
	payload []byte
	pos     int
	err     error
}

// NewReader returns a reader over a frame with the code still in front.
// Use ReadUint32 or ReadUint8 (for init frames) to consume the code, or the
// Expect helpers to verify it.
func NewReader(frame []byte) *Reader {
	return &Reader{payload: frame}
}

func (r *Reader) check(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.payload) {
		r.err = &ReadError{Position: r.pos, Want: n, Have: len(r.payload) - r.pos}
		return false
	}
	return true
}

func (r *Reader) ReadUint8() uint8 {
	if !r.check(1) {
		return 0
	}
	v := r.payload[r.pos]
	r.pos++
	return v
}

func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

func (r *Reader) ReadUint32() uint32 {
	if !r.check(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.payload[r.pos:])
	r.pos += 4
	return v
}

func (r *Reader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

func (r *Reader) ReadUint64() uint64 {
	if !r.check(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.payload[r.pos:])
	r.pos += 8
	return v
}

func (r *Reader) ReadString() string {
	n := int(r.ReadUint32())
	if !r.check(n) {
		return ""
	}
	s := string(r.payload[r.pos : r.pos+n])
	r.pos += n
	return s
}

// ReadIP reads four bytes and reverses them into an address.
func (r *Reader) ReadIP() netip.Addr {
	if !r.check(4) {
		return netip.Addr{}
	}
	p := r.payload[r.pos:]
	r.pos += 4
	return netip.AddrFrom4([4]byte{p[3], p[2], p[1], p[0]})
}

func (r *Reader) ReadBytes(n int) []byte {
	if !r.check(n) {
		return nil
	}
	p := make([]byte, n)
	copy(p, r.payload[r.pos:])
	r.pos += n
	return p
}

// Remaining returns the number of unread payload bytes.
func (r *Reader) Remaining() int {
	if r.pos > len(r.payload) {
		return 0
	}
	return len(r.payload) - r.pos
}

// Err returns the first error encountered while reading, or nil.
func (r *Reader) Err() error {
	return r.err
}

// ExpectServer consumes the code and verifies it.
func (r *Reader) ExpectServer(code ServerCode) error {
	return r.expect(uint32(code))
}

func (r *Reader) ExpectPeer(code PeerCode) error {
	return r.expect(uint32(code))
}

func (r *Reader) ExpectDistributed(code DistributedCode) error {
	return r.expect(uint32(code))
}

func (r *Reader) expect(code uint32) error {
	got := r.ReadUint32()
	if r.err != nil {
		return r.err
	}
	if got != code {
		r.err = &CodeMismatchError{Expected: code, Got: got}
	}
	return r.err
}

// Decompress replaces the unread remainder of the payload with its zlib
// inflated form. The already consumed prefix, the code included, is
// unaffected.
func (r *Reader) Decompress() error {
	if r.err != nil {
		return r.err
	}
	zr, err := zlib.NewReader(bytes.NewReader(r.payload[r.pos:]))
	if err != nil {
		r.err = fmt.Errorf("inflating payload: %w", err)
		return r.err
	}
	defer zr.Close()
	inflated, err := io.ReadAll(zr)
	if err != nil {
		r.err = fmt.Errorf("inflating payload: %w", err)
		return r.err
	}
	r.payload = inflated
	r.pos = 0
	return nil
}

// Framed restores the length prefix on a frame that came off the wire,
// for relaying it verbatim.
func Framed(frame []byte) []byte {
	out := make([]byte, 4+len(frame))
	binary.LittleEndian.PutUint32(out, uint32(len(frame)))
	copy(out[4:], frame)
	return out
}

// deflate compresses p for inclusion in a compressed response payload.
func deflate(p []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(p)
	_ = zw.Close()
	return buf.Bytes()
}
