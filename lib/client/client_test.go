// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/slsknet/slsknet/lib/config"
	"github.com/slsknet/slsknet/lib/events"
	"github.com/slsknet/slsknet/lib/wire"
)

// stubServer is a minimal central server: it accepts one client and
// exposes frame level read/write helpers.
type stubServer struct {
	t    *testing.T
	l    net.Listener
	sock chan net.Conn
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &stubServer{t: t, l: l, sock: make(chan net.Conn, 1)}
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		sock, err := l.Accept()
		if err != nil {
			return
		}
		s.sock <- sock
	}()
	return s
}

func (s *stubServer) addr() string {
	return s.l.Addr().String()
}

func (s *stubServer) conn() net.Conn {
	s.t.Helper()
	select {
	case sock := <-s.sock:
		s.sock <- sock
		return sock
	case <-time.After(2 * time.Second):
		s.t.Fatal("client never connected to stub server")
		return nil
	}
}

func (s *stubServer) readFrame() []byte {
	s.t.Helper()
	sock := s.conn()
	_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hdr [4]byte
	if _, err := io.ReadFull(sock, hdr[:]); err != nil {
		s.t.Fatal(err)
	}
	frame := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(sock, frame); err != nil {
		s.t.Fatal(err)
	}
	return frame
}

func (s *stubServer) write(frame []byte) {
	s.t.Helper()
	if _, err := s.conn().Write(frame); err != nil {
		s.t.Fatal(err)
	}
}

func testClientConfig(serverAddr string) config.Options {
	cfg := config.New()
	cfg.ServerAddress = serverAddr
	cfg.ListenPort = 0
	cfg.EnableDistributedNetwork = false
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MessageTimeout = 2 * time.Second
	return cfg
}

func connectedClient(t *testing.T) (*SoulseekClient, *stubServer) {
	t.Helper()
	srv := newStubServer(t)
	c, err := New(testClientConfig(srv.addr()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Disconnect("test over") })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c, srv
}

func TestLoginHandshake(t *testing.T) {
	c, srv := connectedClient(t)
	sub := c.Events().Subscribe(events.ClientStateChanged)
	defer c.Events().Unsubscribe(sub)

	if got := c.State(); got != StateConnected {
		t.Fatalf("state after connect is %s", got)
	}

	loginErr := make(chan error, 1)
	go func() {
		loginErr <- c.Login(context.Background(), "u", "p")
	}()

	// The stub validates the login payload bit for bit.
	frame := srv.readFrame()
	r := wire.NewReader(frame)
	if err := r.ExpectServer(wire.ServerLogin); err != nil {
		t.Fatal(err)
	}
	if got := r.ReadString(); got != "u" {
		t.Errorf("username %q", got)
	}
	if got := r.ReadString(); got != "p" {
		t.Errorf("password %q", got)
	}
	if got := r.ReadUint32(); got != 181 {
		t.Errorf("version %d", got)
	}
	sum := md5.Sum([]byte("up"))
	if got := r.ReadString(); got != hex.EncodeToString(sum[:]) {
		t.Errorf("hash %q", got)
	}
	if got := r.ReadUint32(); got != 1 {
		t.Errorf("minor version %d", got)
	}

	srv.write(wire.NewServerBuilder(wire.ServerLogin).
		WriteBool(true).
		WriteString("hi").
		WriteIP(netip.AddrFrom4([4]byte{203, 0, 113, 1})).
		Build())

	if err := <-loginErr; err != nil {
		t.Fatal(err)
	}
	if got := c.State(); got != StateConnected|StateLoggedIn {
		t.Fatalf("state after login is %s", got)
	}
	if c.Username() != "u" {
		t.Errorf("username is %q", c.Username())
	}

	ev, err := sub.Poll(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	sc := ev.Data.(StateChangedEvent)
	if sc.Current != StateConnected|StateLoggedIn {
		t.Errorf("state change event to %s", sc.Current)
	}
}

func TestLoginRejected(t *testing.T) {
	c, srv := connectedClient(t)

	loginErr := make(chan error, 1)
	go func() {
		loginErr <- c.Login(context.Background(), "u", "wrong")
	}()
	srv.readFrame()
	srv.write(wire.NewServerBuilder(wire.ServerLogin).
		WriteBool(false).
		WriteString("INVALIDPASS").
		Build())

	err := <-loginErr
	var le *LoginError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoginError, got %v", err)
	}
	if le.Reason != "INVALIDPASS" {
		t.Errorf("reason %q", le.Reason)
	}
	if got := c.State(); got&StateLoggedIn != 0 {
		t.Errorf("logged in after rejection: %s", got)
	}
}

func TestLoginRequiresConnect(t *testing.T) {
	c, err := New(testClientConfig("127.0.0.1:1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Login(context.Background(), "u", "p"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDoubleConnect(t *testing.T) {
	c, _ := connectedClient(t)
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestKickedFromServer(t *testing.T) {
	c, srv := connectedClient(t)
	sub := c.Events().Subscribe(events.KickedFromServer)
	defer c.Events().Unsubscribe(sub)

	srv.write(wire.NewServerBuilder(wire.ServerKickedFromServer).Build())

	if _, err := sub.Poll(2 * time.Second); err != nil {
		t.Fatal("no kicked event:", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatalf("state is %s after kick", c.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerGlobalsStored(t *testing.T) {
	c, srv := connectedClient(t)

	srv.write(wire.NewServerBuilder(wire.ServerParentMinSpeed).WriteUint32(1).Build())
	srv.write(wire.NewServerBuilder(wire.ServerParentSpeedRatio).WriteUint32(50).Build())
	srv.write(wire.NewServerBuilder(wire.ServerWishlistInterval).WriteUint32(720).Build())

	deadline := time.Now().Add(2 * time.Second)
	for c.ParentMinSpeed() != 1 || c.ParentSpeedRatio() != 50 || c.WishlistInterval() != 720 {
		if time.Now().After(deadline) {
			t.Fatalf("globals not stored: %d %d %d", c.ParentMinSpeed(), c.ParentSpeedRatio(), c.WishlistInterval())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPrivateMessageAutoAck(t *testing.T) {
	c, srv := connectedClient(t)
	sub := c.Events().Subscribe(events.PrivateMessageReceived)
	defer c.Events().Unsubscribe(sub)

	srv.write(wire.NewServerBuilder(wire.ServerPrivateMessage).
		WriteUint32(7).
		WriteUint32(0).
		WriteString("alice").
		WriteString("hello there").
		WriteBool(false).
		Build())

	ev, err := sub.Poll(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	pm := ev.Data.(wire.PrivateMessage)
	if pm.Username != "alice" || pm.Message != "hello there" {
		t.Errorf("unexpected message: %+v", pm)
	}

	// The acknowledgement comes back over the wire.
	ack := srv.readFrame()
	r := wire.NewReader(ack)
	if err := r.ExpectServer(wire.ServerAcknowledgePrivateMessage); err != nil {
		t.Fatal(err)
	}
	if got := r.ReadUint32(); got != 7 {
		t.Errorf("acked id %d", got)
	}
}

func TestSearchCollectsResponses(t *testing.T) {
	c, srv := connectedClient(t)
	loginStub(t, c, srv)

	type result struct {
		responses []wire.SearchResponse
		err       error
	}
	done := make(chan result, 1)
	go func() {
		resps, err := c.Search(context.Background(), "abc", &SearchOptions{Timeout: 2 * time.Second, ResponseLimit: 1})
		done <- result{resps, err}
	}()

	// Read the FileSearch to learn the token.
	frame := srv.readFrame()
	r := wire.NewReader(frame)
	if err := r.ExpectServer(wire.ServerFileSearch); err != nil {
		t.Fatal(err)
	}
	token := r.ReadUint32()
	if q := r.ReadString(); q != "abc" {
		t.Errorf("query %q", q)
	}

	// Inject the response the way the peer handler would deliver it.
	resp := wire.SearchResponse{
		Username:        "B",
		Token:           token,
		Files:           []wire.File{{Code: 1, Filename: "abc.mp3", Size: 1024, Extension: "mp3"}},
		FreeUploadSlots: 1,
	}
	if as, ok := c.searches.Load(token); ok {
		as.deliver(resp)
	} else {
		t.Fatal("no active search registered")
	}

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if len(res.responses) != 1 || res.responses[0].Username != "B" {
		t.Fatalf("unexpected responses: %+v", res.responses)
	}
	if res.responses[0].Files[0].Size != 1024 {
		t.Errorf("file size %d", res.responses[0].Files[0].Size)
	}
}

// loginStub performs the login exchange against the stub.
func loginStub(t *testing.T, c *SoulseekClient, srv *stubServer) {
	t.Helper()
	loginErr := make(chan error, 1)
	go func() { loginErr <- c.Login(context.Background(), "u", "p") }()
	srv.readFrame()
	srv.write(wire.NewServerBuilder(wire.ServerLogin).
		WriteBool(true).
		WriteString("hi").
		WriteIP(netip.AddrFrom4([4]byte{203, 0, 113, 1})).
		Build())
	if err := <-loginErr; err != nil {
		t.Fatal(err)
	}
}

func TestStateString(t *testing.T) {
	if s := (StateConnected | StateLoggedIn).String(); s != "connected,loggedin" {
		t.Error(s)
	}
	if s := State(0).String(); s != "none" {
		t.Error(s)
	}
}

func TestResolveHostPort(t *testing.T) {
	ap, err := resolveHostPort(context.Background(), "127.0.0.1:2242")
	if err != nil {
		t.Fatal(err)
	}
	if ap.Port() != 2242 || !ap.Addr().IsLoopback() {
		t.Errorf("resolved %s", ap)
	}

	ap, err = resolveHostPort(context.Background(), "localhost:2242")
	if err != nil {
		t.Skip("no resolver available:", err)
	}
	if ap.Port() != 2242 {
		t.Errorf("resolved %s", ap)
	}

	if _, err := resolveHostPort(context.Background(), "no-port-here"); err == nil {
		t.Error("expected error for missing port")
	}
}

func TestTokenFreeProbe(t *testing.T) {
	srv := newStubServer(t)
	c, err := New(testClientConfig(srv.addr()))
	if err != nil {
		t.Fatal(err)
	}

	tok := c.tokens.Next()
	if !c.tokenFree(tok + 1) {
		t.Error("fresh token reported taken")
	}
	c.uploads.Store(tok+1, nil)
	defer c.uploads.Delete(tok + 1)
	if c.tokenFree(tok + 1) {
		t.Error("in-flight token reported free")
	}
	if got := c.tokens.NextWhere(c.tokenFree); got == tok+1 {
		t.Error("allocator handed out an in-flight token")
	}
}
