// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package conn wraps a TCP socket with the connection lifecycle the rest of
// the library builds on: connect with deadline, inactivity tracking with a
// watchdog, exact reads, serialized writes, and monotonic state transitions
// ending in Disconnected.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slsknet/slsknet/lib/config"
	"github.com/slsknet/slsknet/lib/wire"
)

type State int32

const (
	StatePending State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Key identifies a connection by who it reaches and what it is for.
type Key struct {
	Username string
	Address  netip.AddrPort
	Type     wire.ConnectionType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Username, k.Address, string(k.Type))
}

// StateChange describes one transition, delivered to the connection's
// observer.
type StateChange struct {
	Key      Key
	Previous State
	Current  State
	Reason   string
}

// ConnectError wraps a failed or timed out dial.
type ConnectError struct {
	Address netip.AddrPort
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// WriteError wraps a failed write. After a socket write failure the
// connection is disconnected before this is returned; an oversized write
// (ErrWriteTooLarge) is rejected and leaves the connection Connected.
type WriteError struct {
	Key Key
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing to %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

var (
	ErrNotConnected  = errors.New("connection is not connected")
	ErrWriteTooLarge = errors.New("write exceeds buffer size")
)

const watchdogInterval = 250 * time.Millisecond

// Conn is a single TCP endpoint. Transitions are monotonic; once a Conn
// reaches Disconnected it is terminal and must be discarded.
type Conn struct {
	key  Key
	opts config.ConnectionOptions
	log  *slog.Logger

	onState func(StateChange)

	sock     net.Conn
	sockMut  sync.Mutex
	writeMut sync.Mutex

	state        atomic.Int32
	stateMut     sync.Mutex
	lastActivity atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a pending connection that will dial key.Address on Connect.
func New(key Key, opts config.ConnectionOptions, log *slog.Logger, onState func(StateChange)) *Conn {
	c := &Conn{
		key:     key,
		opts:    opts,
		log:     log,
		onState: onState,
		closed:  make(chan struct{}),
	}
	c.state.Store(int32(StatePending))
	c.touch()
	return c
}

// NewAccepted wraps an already established socket, as produced by the
// listener. The connection starts out Connected and its watchdog runs.
func NewAccepted(key Key, sock net.Conn, opts config.ConnectionOptions, log *slog.Logger, onState func(StateChange)) *Conn {
	c := New(key, opts, log, onState)
	c.sock = sock
	c.setState(StateConnected, "accepted")
	go c.watchdog()
	return c
}

func (c *Conn) Key() Key { return c.key }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) Username() string { return c.key.Username }

// Done is closed when the connection reaches Disconnected.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Connect dials the remote endpoint. The context and the configured
// connect timeout both bound the attempt.
func (c *Conn) Connect(ctx context.Context) error {
	c.stateMut.Lock()
	if s := c.State(); s != StatePending {
		c.stateMut.Unlock()
		return &ConnectError{Address: c.key.Address, Err: fmt.Errorf("connect in state %s", s)}
	}
	c.stateMut.Unlock()
	c.setState(StateConnecting, "dialing")

	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	sock, err := dialer.DialContext(ctx, "tcp", c.key.Address.String())
	if err != nil {
		c.setState(StateDisconnected, "connect failed")
		c.closeOnce.Do(func() { close(c.closed) })
		return &ConnectError{Address: c.key.Address, Err: err}
	}

	c.sockMut.Lock()
	c.sock = sock
	c.sockMut.Unlock()
	c.touch()
	c.setState(StateConnected, "connected")
	go c.watchdog()
	return nil
}

// Disconnect closes the socket and moves the connection to its terminal
// state. Safe to call more than once; only the first call transitions.
func (c *Conn) Disconnect(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnecting, reason)
		c.sockMut.Lock()
		if c.sock != nil {
			_ = c.sock.Close()
		}
		c.sockMut.Unlock()
		c.setState(StateDisconnected, reason)
		close(c.closed)
	})
}

// ReadExact reads exactly n bytes, honoring the inactivity timeout. A
// remote close or any read error disconnects.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	c.sockMut.Lock()
	sock := c.sock
	c.sockMut.Unlock()
	if sock == nil || c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	if t := c.opts.InactivityTimeout; t > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(t))
	} else {
		_ = sock.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(sock, buf); err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			c.Disconnect("remote closed")
		case isTimeout(err):
			c.Disconnect("inactivity")
		default:
			c.Disconnect("read error")
		}
		return nil, err
	}
	c.touch()
	return buf, nil
}

// ReadChunk reads up to len(p) bytes with its own deadline, bypassing the
// inactivity timeout. Transfers pace their own reads with this. A remote
// close is reported as io.EOF without disconnecting; the caller decides
// whether the byte count adds up.
func (c *Conn) ReadChunk(p []byte, timeout time.Duration) (int, error) {
	c.sockMut.Lock()
	sock := c.sock
	c.sockMut.Unlock()
	if sock == nil || c.State() != StateConnected {
		return 0, ErrNotConnected
	}
	if timeout > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = sock.SetReadDeadline(time.Time{})
	}
	n, err := sock.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// Write sends the bytes in one serialized write. Writes are rejected when
// the connection is not Connected or the payload exceeds the buffer size;
// socket errors disconnect.
func (c *Conn) Write(p []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if max := c.opts.WriteBufferSize; max > 0 && len(p) > max {
		return &WriteError{Key: c.key, Err: ErrWriteTooLarge}
	}

	c.writeMut.Lock()
	defer c.writeMut.Unlock()

	c.sockMut.Lock()
	sock := c.sock
	c.sockMut.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	if _, err := sock.Write(p); err != nil {
		c.Disconnect("write error")
		return &WriteError{Key: c.key, Err: err}
	}
	c.touch()
	return nil
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// watchdog ticks while the connection is Connected, disconnecting once the
// inactivity window has passed without a successful read or write. It
// returns as soon as it sees the connection in any other state.
func (c *Conn) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if t := c.opts.InactivityTimeout; t > 0 {
				last := time.Unix(0, c.lastActivity.Load())
				if time.Since(last) > t {
					c.Disconnect("inactivity")
					return
				}
			}
		}
	}
}

func (c *Conn) setState(next State, reason string) {
	c.stateMut.Lock()
	prev := State(c.state.Swap(int32(next)))
	c.stateMut.Unlock()
	if prev == next {
		return
	}
	c.log.Debug("Connection state changed", slog.String("conn", c.key.String()), slog.String("from", prev.String()), slog.String("to", next.String()), slog.String("reason", reason))
	if c.onState != nil {
		c.onState(StateChange{Key: c.key, Previous: prev, Current: next, Reason: reason})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
