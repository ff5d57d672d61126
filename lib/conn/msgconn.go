// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package conn

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/slsknet/slsknet/lib/config"
)

// ErrFrameTooLarge is returned when a frame's length prefix exceeds
// MaxFrameLen.
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// MaxFrameLen is the largest frame accepted off the wire. Anything larger
// is a protocol violation or an attack and disconnects.
const MaxFrameLen = 128 << 20

// Handler receives each assembled frame: the message code and payload,
// length prefix stripped. Handlers run on the reader goroutine and must
// not block.
type Handler func(c *MessageConn, frame []byte)

// MessageConn extends Conn with a continuous frame reader.
type MessageConn struct {
	*Conn
	handler Handler

	readOnce sync.Once
}

// NewMessage returns a pending message connection. The reader starts when
// Connect succeeds.
func NewMessage(key Key, opts config.ConnectionOptions, log *slog.Logger, handler Handler, onState func(StateChange)) *MessageConn {
	return &MessageConn{
		Conn:    New(key, opts, log, onState),
		handler: handler,
	}
}

// NewMessageAccepted wraps an accepted socket. The reader does not start
// until StartReadingContinuously is called, so the acceptor can peek the
// first frame before handing the connection off.
func NewMessageAccepted(key Key, sock net.Conn, opts config.ConnectionOptions, log *slog.Logger, handler Handler, onState func(StateChange)) *MessageConn {
	return &MessageConn{
		Conn:    NewAccepted(key, sock, opts, log, onState),
		handler: handler,
	}
}

// Connect dials and starts the continuous reader.
func (c *MessageConn) Connect(ctx context.Context) error {
	if err := c.Conn.Connect(ctx); err != nil {
		return err
	}
	c.StartReadingContinuously()
	return nil
}

// SetHandler replaces the frame handler. Only valid before reading starts.
func (c *MessageConn) SetHandler(h Handler) {
	c.handler = h
}

// StartReadingContinuously spawns the frame reader. Calling it more than
// once is a no-op.
func (c *MessageConn) StartReadingContinuously() {
	c.readOnce.Do(func() {
		go c.readLoop()
	})
}

// ReadFrame reads a single length-prefixed frame. Used by the listener to
// peek the initialization message before the continuous reader starts.
func (c *MessageConn) ReadFrame() ([]byte, error) {
	hdr, err := c.ReadExact(4)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr)
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameLen {
		c.Disconnect("oversized frame")
		return nil, ErrFrameTooLarge
	}
	return c.ReadExact(int(n))
}

func (c *MessageConn) readLoop() {
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			return
		}
		if frame == nil {
			continue
		}
		if c.handler != nil {
			c.handler(c, frame)
		}
	}
}

// WriteMessages concatenates the given frames and writes them in a single
// socket write, so coalesced messages cannot interleave with writes from
// other goroutines.
func (c *MessageConn) WriteMessages(frames ...[]byte) error {
	switch len(frames) {
	case 0:
		return nil
	case 1:
		return c.Write(frames[0])
	}
	var total int
	for _, f := range frames {
		total += len(f)
	}
	buf := make([]byte, 0, total)
	for _, f := range frames {
		buf = append(buf, f...)
	}
	return c.Write(buf)
}
