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
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/slsknet/slsknet/lib/config"
	"github.com/slsknet/slsknet/lib/wire"
)

func testOpts() config.ConnectionOptions {
	return config.ConnectionOptions{
		ConnectTimeout:    time.Second,
		InactivityTimeout: 0,
		WriteBufferSize:   1 << 20,
	}
}

func testKey(username string) Key {
	return Key{Username: username, Type: wire.ConnectionTypePeer}
}

// pipePair returns an accepted connection over one end of a pipe, plus the
// raw other end.
func pipePair(t *testing.T, opts config.ConnectionOptions, onState func(StateChange)) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	c := NewAccepted(testKey("remote"), a, opts, slog.Default(), onState)
	t.Cleanup(func() {
		c.Disconnect("test over")
		_ = b.Close()
	})
	return c, b
}

func TestAcceptedStartsConnected(t *testing.T) {
	c, _ := pipePair(t, testOpts(), nil)
	if s := c.State(); s != StateConnected {
		t.Errorf("state is %s, expected connected", s)
	}
}

func TestStateChangeSequence(t *testing.T) {
	var mut sync.Mutex
	var changes []StateChange
	c, _ := pipePair(t, testOpts(), func(sc StateChange) {
		mut.Lock()
		changes = append(changes, sc)
		mut.Unlock()
	})

	c.Disconnect("bye")
	<-c.Done()

	mut.Lock()
	defer mut.Unlock()
	states := make([]State, 0, len(changes))
	for _, sc := range changes {
		states = append(states, sc.Current)
	}
	want := []State{StateConnected, StateDisconnecting, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("saw states %v, expected %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("saw states %v, expected %v", states, want)
		}
	}
}

func TestDisconnectIsTerminal(t *testing.T) {
	c, _ := pipePair(t, testOpts(), nil)
	c.Disconnect("first")
	c.Disconnect("second")
	if s := c.State(); s != StateDisconnected {
		t.Errorf("state is %s after double disconnect", s)
	}
	if err := c.Write([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("write after disconnect gave %v", err)
	}
}

func TestReadExact(t *testing.T) {
	c, remote := pipePair(t, testOpts(), nil)
	go func() {
		_, _ = remote.Write([]byte{1, 2})
		_, _ = remote.Write([]byte{3, 4, 5})
	}()
	buf, err := c.ReadExact(5)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range []byte{1, 2, 3, 4, 5} {
		if buf[i] != v {
			t.Fatalf("byte %d is %d", i, buf[i])
		}
	}
}

func TestRemoteCloseDisconnects(t *testing.T) {
	c, remote := pipePair(t, testOpts(), nil)
	_ = remote.Close()
	if _, err := c.ReadExact(1); err == nil {
		t.Fatal("expected read error after remote close")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not reach disconnected")
	}
}

func TestInactivityDisconnects(t *testing.T) {
	opts := testOpts()
	opts.InactivityTimeout = 100 * time.Millisecond
	c, _ := pipePair(t, opts, nil)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not reaped")
	}
}

func TestWriteTooLarge(t *testing.T) {
	opts := testOpts()
	opts.WriteBufferSize = 4
	c, _ := pipePair(t, opts, nil)
	err := c.Write([]byte{1, 2, 3, 4, 5})
	var we *WriteError
	if !errors.As(err, &we) || !errors.Is(err, ErrWriteTooLarge) {
		t.Errorf("expected WriteError wrapping ErrWriteTooLarge, got %v", err)
	}
	// An oversized write is rejected, not fatal.
	if c.State() != StateConnected {
		t.Errorf("state is %s after rejected write", c.State())
	}
}

func TestConnectRefused(t *testing.T) {
	// A listener we immediately close gives us a port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	ap := netip.MustParseAddrPort(addr)
	c := New(Key{Username: "nobody", Address: ap, Type: wire.ConnectionTypePeer}, testOpts(), slog.Default(), nil)
	err = c.Connect(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state is %s after failed connect", c.State())
	}
}

func TestMessageConnReadsFrames(t *testing.T) {
	frames := make(chan []byte, 4)
	a, b := net.Pipe()
	mc := NewMessageAccepted(testKey("remote"), a, testOpts(), slog.Default(), func(_ *MessageConn, frame []byte) {
		frames <- frame
	}, nil)
	defer mc.Disconnect("test over")
	defer b.Close()
	mc.StartReadingContinuously()

	msg := wire.NewServerBuilder(wire.ServerPing).Build()
	go func() { _, _ = b.Write(msg) }()

	select {
	case frame := <-frames:
		r := wire.NewReader(frame)
		if code := wire.ServerCode(r.ReadUint32()); code != wire.ServerPing {
			t.Errorf("code %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestMessageConnNoAutoReadWhenAccepted(t *testing.T) {
	frames := make(chan []byte, 1)
	a, b := net.Pipe()
	mc := NewMessageAccepted(testKey("remote"), a, testOpts(), slog.Default(), func(_ *MessageConn, frame []byte) {
		frames <- frame
	}, nil)
	defer mc.Disconnect("test over")
	defer b.Close()

	msg := wire.NewServerBuilder(wire.ServerPing).Build()
	written := make(chan struct{})
	go func() {
		_, _ = b.Write(msg)
		close(written)
	}()

	select {
	case <-frames:
		t.Fatal("frame delivered before StartReadingContinuously")
	case <-time.After(100 * time.Millisecond):
	}

	mc.StartReadingContinuously()
	<-written
	select {
	case <-frames:
	case <-time.After(time.Second):
		t.Fatal("frame not delivered after reader start")
	}
}

func TestWriteMessagesCoalesces(t *testing.T) {
	a, b := net.Pipe()
	mc := NewMessageAccepted(testKey("remote"), a, testOpts(), slog.Default(), nil, nil)
	defer mc.Disconnect("test over")
	defer b.Close()

	m1 := wire.NewServerBuilder(wire.ServerPing).Build()
	m2 := wire.SetListenPort{Port: 2234}.Encode()

	done := make(chan error, 1)
	go func() { done <- mc.WriteMessages(m1, m2) }()

	// A single write must carry both messages back to back.
	buf := make([]byte, len(m1)+len(m2))
	n, err := b.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("read %d bytes in first read, expected %d", n, len(buf))
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(buf[4:]); got != uint32(wire.ServerPing) {
		t.Errorf("first code %d", got)
	}
	second := buf[len(m1):]
	if got := binary.LittleEndian.Uint32(second[4:]); got != uint32(wire.ServerSetListenPort) {
		t.Errorf("second code %d", got)
	}
}
