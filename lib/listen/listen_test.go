// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package listen

import (
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/slsknet/slsknet/lib/wire"
)

type recorder struct {
	mut     sync.Mutex
	inits   []wire.PeerInit
	pierces []wire.PierceFirewall
	socks   []net.Conn
}

func (r *recorder) HandlePeerInit(sock net.Conn, init wire.PeerInit) {
	r.mut.Lock()
	r.inits = append(r.inits, init)
	r.socks = append(r.socks, sock)
	r.mut.Unlock()
}

func (r *recorder) HandlePierceFirewall(sock net.Conn, msg wire.PierceFirewall) {
	r.mut.Lock()
	r.pierces = append(r.pierces, msg)
	r.socks = append(r.socks, sock)
	r.mut.Unlock()
}

func newTestListener(rec *recorder) *Listener {
	return New(0, time.Second, rec, slog.Default())
}

func TestReceivePeerInit(t *testing.T) {
	rec := &recorder{}
	l := newTestListener(rec)

	a, b := net.Pipe()
	defer b.Close()
	go func() {
		_, _ = b.Write(wire.PeerInit{Username: "alice", Type: wire.ConnectionTypePeer, Token: 3}.Encode())
	}()
	l.receive(a)

	rec.mut.Lock()
	defer rec.mut.Unlock()
	if len(rec.inits) != 1 {
		t.Fatalf("%d inits recorded", len(rec.inits))
	}
	if rec.inits[0].Username != "alice" || rec.inits[0].Type != wire.ConnectionTypePeer {
		t.Errorf("unexpected init: %+v", rec.inits[0])
	}
}

func TestReceivePierceFirewall(t *testing.T) {
	rec := &recorder{}
	l := newTestListener(rec)

	a, b := net.Pipe()
	defer b.Close()
	go func() {
		_, _ = b.Write(wire.PierceFirewall{Token: 99}.Encode())
	}()
	l.receive(a)

	rec.mut.Lock()
	defer rec.mut.Unlock()
	if len(rec.pierces) != 1 {
		t.Fatalf("%d pierces recorded", len(rec.pierces))
	}
	if rec.pierces[0].Token != 99 {
		t.Errorf("token %d", rec.pierces[0].Token)
	}
}

func TestReceiveGarbageClosesSocket(t *testing.T) {
	rec := &recorder{}
	l := newTestListener(rec)

	a, b := net.Pipe()
	go func() {
		// A length prefix far beyond any plausible init frame.
		_, _ = b.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()
	l.receive(a)

	rec.mut.Lock()
	n := len(rec.inits) + len(rec.pierces)
	rec.mut.Unlock()
	if n != 0 {
		t.Fatalf("%d handoffs from garbage", n)
	}
	// The socket was closed, not handed off.
	_ = b.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := b.Read(make([]byte, 1)); err == nil {
		t.Error("socket still open after garbage")
	}
}

func TestReceiveTimeoutWithoutFrame(t *testing.T) {
	rec := &recorder{}
	l := New(0, 50*time.Millisecond, rec, slog.Default())

	a, b := net.Pipe()
	defer b.Close()
	start := time.Now()
	l.receive(a)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("receive hung for %v on a silent socket", elapsed)
	}

	rec.mut.Lock()
	defer rec.mut.Unlock()
	if len(rec.inits)+len(rec.pierces) != 0 {
		t.Error("silent socket was handed off")
	}
}

func TestReceiveOverTCP(t *testing.T) {
	rec := &recorder{}
	l := newTestListener(rec)

	srv, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go func() {
		sock, err := srv.Accept()
		if err != nil {
			return
		}
		l.receive(sock)
	}()

	client, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.Write(wire.PeerInit{Username: "bob", Type: wire.ConnectionTypeTransfer, Token: 8}.Encode()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mut.Lock()
		n := len(rec.inits)
		rec.mut.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("init never dispatched")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
