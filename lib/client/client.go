// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package client is the embeddable Soulseek client: lifecycle, the server
// connection, message dispatch, and the user facing operations. Everything
// else in lib is plumbing it wires together.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/thejerf/suture/v4"

	"github.com/slsknet/slsknet/lib/config"
	"github.com/slsknet/slsknet/lib/conn"
	"github.com/slsknet/slsknet/lib/distnet"
	"github.com/slsknet/slsknet/lib/events"
	"github.com/slsknet/slsknet/lib/listen"
	"github.com/slsknet/slsknet/lib/peers"
	"github.com/slsknet/slsknet/lib/slogutil"
	"github.com/slsknet/slsknet/lib/tokens"
	"github.com/slsknet/slsknet/lib/transfer"
	"github.com/slsknet/slsknet/lib/waiter"
	"github.com/slsknet/slsknet/lib/wire"
)

// State is the client lifecycle bitset.
type State uint32

const (
	StateDisconnected State = 1 << iota
	StateConnecting
	StateConnected
	StateLoggedIn
)

func (s State) String() string {
	var parts []string
	if s&StateDisconnected != 0 {
		parts = append(parts, "disconnected")
	}
	if s&StateConnecting != 0 {
		parts = append(parts, "connecting")
	}
	if s&StateConnected != 0 {
		parts = append(parts, "connected")
	}
	if s&StateLoggedIn != 0 {
		parts = append(parts, "loggedin")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// StateChangedEvent is the payload of ClientStateChanged events.
type StateChangedEvent struct {
	Previous State
	Current  State
	Reason   string
}

// Diagnostic is the payload of DiagnosticGenerated events.
type Diagnostic struct {
	Level   slog.Level
	Message string
}

var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrNotLoggedIn      = errors.New("client is not logged in")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrAlreadyLoggedIn  = errors.New("client is already logged in")

	// ErrKickedFromServer means another login with our name took over the
	// session. Hosts must not reconnect automatically.
	ErrKickedFromServer = errors.New("kicked from server: logged in elsewhere")

	// ErrFileTooLarge rejects transfers beyond what the wire format's
	// signed 32 bit offsets handle.
	ErrFileTooLarge = errors.New("files larger than 2 GiB are not supported")
)

// LoginError carries the server's rejection reason.
type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string {
	return "login rejected: " + e.Reason
}

// TransferRejectedError is the remote's refusal of a transfer request.
type TransferRejectedError struct {
	Reason string
}

func (e *TransferRejectedError) Error() string {
	return "transfer rejected: " + e.Reason
}

const addrCacheSize = 512

// SoulseekClient is the façade over the whole library.
type SoulseekClient struct {
	cfg    config.Options
	ev     *events.Logger
	log    *slog.Logger
	waiter *waiter.Waiter
	tokens *tokens.Allocator

	peers   *peers.Manager
	distnet *distnet.Manager

	state atomic.Uint32

	mut        sync.Mutex
	serverConn *conn.MessageConn
	username   string

	supervisor     *suture.Supervisor
	supervisorStop context.CancelFunc

	addrCache *lru.Cache[string, netip.AddrPort]
	searches  *xsync.MapOf[uint32, *activeSearch]
	downloads *xsync.MapOf[transferKey, *transfer.Transfer]
	uploads   *xsync.MapOf[uint32, *transfer.Transfer]

	// Server pushed globals from the login burst.
	parentMinSpeed   atomic.Uint32
	parentSpeedRatio atomic.Uint32
	wishlistInterval atomic.Uint32

	globalsMut      sync.Mutex
	roomList        []wire.Room
	privilegedUsers []string
}

type transferKey struct {
	username string
	filename string
}

// New assembles a client from the given options.
func New(opts config.Options) (*SoulseekClient, error) {
	cfg, err := opts.Prepare()
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[string, netip.AddrPort](addrCacheSize)
	c := &SoulseekClient{
		cfg:       cfg,
		ev:        events.NewLogger(),
		log:       slogutil.NewLogger("client"),
		tokens:    tokens.NewAllocator(),
		addrCache: cache,
		searches:  xsync.NewMapOf[uint32, *activeSearch](),
		downloads: xsync.NewMapOf[transferKey, *transfer.Transfer](),
		uploads:   xsync.NewMapOf[uint32, *transfer.Transfer](),
	}
	c.state.Store(uint32(StateDisconnected))
	c.waiter = waiter.New(cfg.MessageTimeout, slogutil.NewLogger("waiter"))
	c.peers = peers.NewManager(cfg, c, c.resolveAddress, c.waiter, c.tokens, c.peerFrame, c.connState, slogutil.NewLogger("peers"))
	c.distnet = distnet.NewManager(cfg, c, c.tokens, c.resolveSearch, c.connState, c.ev, slogutil.NewLogger("distnet"))
	return c, nil
}

// Events returns the event bus for subscription.
func (c *SoulseekClient) Events() *events.Logger { return c.ev }

// State returns the current lifecycle state.
func (c *SoulseekClient) State() State {
	return State(c.state.Load())
}

// Username returns the name we are logged in as, or empty.
func (c *SoulseekClient) Username() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.username
}

// ParentMinSpeed, ParentSpeedRatio and WishlistInterval return the
// server's advertised globals, zero before login.
func (c *SoulseekClient) ParentMinSpeed() uint32 { return c.parentMinSpeed.Load() }

func (c *SoulseekClient) ParentSpeedRatio() uint32 { return c.parentSpeedRatio.Load() }

func (c *SoulseekClient) WishlistInterval() uint32 { return c.wishlistInterval.Load() }

// RoomList returns the most recent room list snapshot.
func (c *SoulseekClient) RoomList() []wire.Room {
	c.globalsMut.Lock()
	defer c.globalsMut.Unlock()
	out := make([]wire.Room, len(c.roomList))
	copy(out, c.roomList)
	return out
}

// PrivilegedUsers returns the most recent privileged user snapshot.
func (c *SoulseekClient) PrivilegedUsers() []string {
	c.globalsMut.Lock()
	defer c.globalsMut.Unlock()
	out := make([]string, len(c.privilegedUsers))
	copy(out, c.privilegedUsers)
	return out
}

func (c *SoulseekClient) setState(next State, reason string) {
	prev := State(c.state.Swap(uint32(next)))
	if prev == next {
		return
	}
	c.log.Debug("Client state changed", slog.String("from", prev.String()), slog.String("to", next.String()), slog.String("reason", reason))
	c.ev.Log(events.ClientStateChanged, StateChangedEvent{Previous: prev, Current: next, Reason: reason})
}

// Connect establishes the server connection and starts the listener and
// distributed services.
func (c *SoulseekClient) Connect(ctx context.Context) error {
	if c.State()&(StateConnecting|StateConnected) != 0 {
		return ErrAlreadyConnected
	}
	c.setState(StateConnecting, "connecting")

	addr, err := resolveHostPort(ctx, c.cfg.ServerAddress)
	if err != nil {
		c.setState(StateDisconnected, "server address unresolvable")
		return err
	}

	key := conn.Key{Username: "server", Address: addr, Type: wire.ConnectionTypeServer}
	sc := conn.NewMessage(key, c.cfg.ServerConnectionOptions, slogutil.NewLogger("conn"), c.serverFrame, c.connState)
	if err := sc.Connect(ctx); err != nil {
		c.setState(StateDisconnected, "server connect failed")
		return err
	}

	c.mut.Lock()
	c.serverConn = sc
	c.mut.Unlock()

	go func() {
		<-sc.Done()
		c.serverLost(sc)
	}()

	c.startServices()
	c.setState(StateConnected, "connected")
	return nil
}

func (c *SoulseekClient) startServices() {
	sup := suture.New("client", suture.Spec{
		EventHook: func(e suture.Event) {
			c.log.Warn("Service event", slog.String("event", e.String()))
		},
	})
	if c.cfg.ListenPort > 0 {
		sup.Add(listen.New(c.cfg.ListenPort, c.cfg.ConnectTimeout, c, slogutil.NewLogger("listen")))
	}
	sup.Add(c.distnet)

	ctx, cancel := context.WithCancel(context.Background())
	c.mut.Lock()
	c.supervisor = sup
	c.supervisorStop = cancel
	c.mut.Unlock()
	sup.ServeBackground(ctx)
}

// serverLost handles the server connection dying underneath us.
func (c *SoulseekClient) serverLost(sc *conn.MessageConn) {
	c.mut.Lock()
	current := c.serverConn == sc
	c.mut.Unlock()
	if !current {
		return
	}
	c.teardown("server connection lost")
}

// Disconnect tears the client down deliberately.
func (c *SoulseekClient) Disconnect(reason string) {
	if reason == "" {
		reason = "client disconnected"
	}
	c.mut.Lock()
	sc := c.serverConn
	c.mut.Unlock()
	if sc != nil {
		sc.Disconnect(reason)
	}
	c.teardown(reason)
}

func (c *SoulseekClient) teardown(reason string) {
	c.mut.Lock()
	stop := c.supervisorStop
	c.supervisorStop = nil
	c.serverConn = nil
	c.username = ""
	c.mut.Unlock()

	if stop != nil {
		stop()
	}
	c.waiter.CancelAll()
	c.peers.DisconnectAll(reason)
	c.setState(StateDisconnected, reason)
}

// Login authenticates. On success the client advertises its listen port
// (when one is configured) and its initial branch state; share counts are
// not sent here.
func (c *SoulseekClient) Login(ctx context.Context, username, password string) error {
	state := c.State()
	if state&StateConnected == 0 {
		return ErrNotConnected
	}
	if state&StateLoggedIn != 0 {
		return ErrAlreadyLoggedIn
	}

	if err := c.WriteToServer(wire.Login{Username: username, Password: password}.Encode()); err != nil {
		return err
	}
	resp, err := waiter.Await[wire.LoginResponse](c.waiter, waiter.Key{Op: waiter.OpLogin}, 0, ctx)
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return &LoginError{Reason: resp.Reason}
	}

	c.mut.Lock()
	c.username = username
	c.mut.Unlock()
	c.peers.SetLocalUsername(username)
	c.distnet.SetLocalUsername(username)
	c.setState(StateConnected|StateLoggedIn, "logged in")
	c.ev.Log(events.LoggedIn, resp.Greeting)

	if c.cfg.ListenPort > 0 {
		_ = c.WriteToServer(wire.SetListenPort{Port: uint32(c.cfg.ListenPort)}.Encode())
	}
	c.distnet.Advertise()
	return nil
}

// WriteToServer writes one frame to the server connection. It implements
// the ServerWriter interfaces of the managers.
func (c *SoulseekClient) WriteToServer(frame []byte) error {
	c.mut.Lock()
	sc := c.serverConn
	c.mut.Unlock()
	if sc == nil {
		return ErrNotConnected
	}
	return sc.Write(frame)
}

// resolveAddress satisfies peers.AddressResolver, asking the server and
// caching answers.
func (c *SoulseekClient) resolveAddress(ctx context.Context, username string) (netip.AddrPort, error) {
	if ap, ok := c.addrCache.Get(username); ok {
		return ap, nil
	}
	addr, err := c.GetPeerAddress(ctx, username)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !addr.IP.IsValid() || addr.IP.IsUnspecified() || addr.Port == 0 {
		return netip.AddrPort{}, fmt.Errorf("no advertised endpoint for %s", username)
	}
	ap := addr.AddrPort()
	c.addrCache.Add(username, ap)
	return ap, nil
}

// connState fans connection state changes out to the event bus, and drops
// a user's cached endpoint whenever one of that user's connections becomes
// Disconnected, whatever the reason.
func (c *SoulseekClient) connState(sc conn.StateChange) {
	if sc.Current == conn.StateDisconnected && sc.Key.Username != "" {
		c.addrCache.Remove(sc.Key.Username)
	}
	c.ev.Log(events.ConnectionStateChanged, sc)
}

// diag mirrors a log record onto the event bus, subject to the configured
// minimum level.
func (c *SoulseekClient) diag(level slog.Level, msg string, attrs ...slog.Attr) {
	c.log.LogAttrs(context.Background(), level, msg, attrs...)
	if level < c.cfg.MinimumDiagnosticLevel {
		return
	}
	c.ev.Log(events.DiagnosticGenerated, Diagnostic{Level: level, Message: msg})
}

// goSafe runs fn on its own goroutine, turning a panic into a diagnostic
// instead of a crash. Fire-and-forget work goes through here.
func (c *SoulseekClient) goSafe(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.diag(slog.LevelError, fmt.Sprintf("panic in %s: %v", name, r))
			}
		}()
		fn()
	}()
}

func resolveHostPort(ctx context.Context, hostport string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return ap, nil
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var resolver net.Resolver
	addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", host)
	}
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(portNum)), nil
}
