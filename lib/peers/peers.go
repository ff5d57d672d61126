// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package peers owns the per-user message and transfer connections. A
// connection is acquired by racing a direct dial against a server-mediated
// indirect attempt; whichever lands first wins and the loser is closed. A
// weighted semaphore caps the number of concurrent peer message
// connections.
package peers

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"

	"github.com/slsknet/slsknet/lib/config"
	"github.com/slsknet/slsknet/lib/conn"
	"github.com/slsknet/slsknet/lib/slogutil"
	"github.com/slsknet/slsknet/lib/tokens"
	"github.com/slsknet/slsknet/lib/waiter"
	"github.com/slsknet/slsknet/lib/wire"
)

// ServerWriter is the handle the manager uses to reach the server
// connection, for ConnectToPeer solicitations.
type ServerWriter interface {
	WriteToServer(frame []byte) error
}

// AddressResolver resolves a username to its advertised endpoint, normally
// by asking the server.
type AddressResolver func(ctx context.Context, username string) (netip.AddrPort, error)

type record struct {
	conn *conn.MessageConn
	// hasSlot marks records counted against the semaphore; the slot is
	// given back exactly once, when the record is removed.
	hasSlot bool
}

type solicitation struct {
	username string
	ct       wire.ConnectionType
}

type Manager struct {
	cfg     config.Options
	log     *slog.Logger
	waiter  *waiter.Waiter
	tokens  *tokens.Allocator
	server  ServerWriter
	resolve AddressResolver

	// peerHandler receives decoded peer message frames; onConnState
	// mirrors connection state changes onto the client's event stream.
	peerHandler conn.Handler
	onConnState func(conn.StateChange)

	localUsername string

	records       *xsync.MapOf[string, *record]
	recordLocks   *xsync.MapOf[string, chan struct{}]
	solicitations *xsync.MapOf[uint32, solicitation]

	sem *semaphore.Weighted
}

func NewManager(cfg config.Options, srv ServerWriter, resolve AddressResolver, w *waiter.Waiter, tok *tokens.Allocator, peerHandler conn.Handler, onConnState func(conn.StateChange), log *slog.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		log:           log,
		waiter:        w,
		tokens:        tok,
		server:        srv,
		resolve:       resolve,
		peerHandler:   peerHandler,
		onConnState:   onConnState,
		records:       xsync.NewMapOf[string, *record](),
		recordLocks:   xsync.NewMapOf[string, chan struct{}](),
		solicitations: xsync.NewMapOf[uint32, solicitation](),
		sem:           semaphore.NewWeighted(cfg.ConcurrentPeerConnections),
	}
}

// SetLocalUsername records the name we log in as, used in PeerInit frames.
func (m *Manager) SetLocalUsername(name string) {
	m.localUsername = name
}

// lockUser serializes lookup-or-create per username. The returned unlock
// function must be called when done.
func (m *Manager) lockUser(ctx context.Context, username string) (func(), error) {
	ch, _ := m.recordLocks.LoadOrCompute(username, func() chan struct{} {
		c := make(chan struct{}, 1)
		return c
	})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the message connection for username, establishing one if
// needed. Concurrent callers for the same user share one attempt.
func (m *Manager) Get(ctx context.Context, username string) (*conn.MessageConn, error) {
	unlock, err := m.lockUser(ctx, username)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rec, ok := m.records.Load(username); ok && rec.conn.State() == conn.StateConnected {
		return rec.conn, nil
	}

	// New connection; count it against the global cap. The slot is
	// released when the record is removed on disconnect.
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	c, err := m.establishMessage(ctx, username)
	if err != nil {
		m.sem.Release(1)
		return nil, err
	}
	m.installConn(username, c, true)
	return c, nil
}

// establishMessage races the direct and indirect paths for a "P"
// connection.
func (m *Manager) establishMessage(ctx context.Context, username string) (*conn.MessageConn, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		c   *conn.MessageConn
		err error
	}
	directCh := make(chan result, 1)
	indirectCh := make(chan result, 1)

	go func() {
		c, err := m.dialDirect(raceCtx, username)
		directCh <- result{c, err}
	}()
	go func() {
		c, err := m.solicitIndirect(raceCtx, username)
		indirectCh <- result{c, err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		var res result
		var loser chan result
		var label string
		select {
		case res = <-directCh:
			loser, label = indirectCh, "direct"
		case res = <-indirectCh:
			loser, label = directCh, "indirect"
		}
		if res.err == nil {
			cancel()
			// Dispose of the loser's socket when it eventually lands.
			go func() {
				if late := <-loser; late.c != nil {
					late.c.Disconnect("lost connection race")
				}
			}()
			metricConnectionRaces.WithLabelValues(label).Inc()
			return res.c, nil
		}
		if firstErr == nil {
			firstErr = res.err
		}
	}
	return nil, fmt.Errorf("connecting to %s: %w", username, firstErr)
}

// dialDirect resolves the user's endpoint, dials it and sends PeerInit.
func (m *Manager) dialDirect(ctx context.Context, username string) (*conn.MessageConn, error) {
	addr, err := m.resolve(ctx, username)
	if err != nil {
		return nil, err
	}
	key := conn.Key{Username: username, Address: addr, Type: wire.ConnectionTypePeer}
	c := conn.NewMessage(key, m.cfg.PeerConnectionOptions, m.log, m.peerHandler, m.onConnState)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	init := wire.PeerInit{Username: m.localUsername, Type: wire.ConnectionTypePeer, Token: m.tokens.Next()}
	if err := c.Write(init.Encode()); err != nil {
		return nil, err
	}
	return c, nil
}

// solicitIndirect registers a solicitation token, asks the server to relay
// a ConnectToPeer, and waits for the remote to pierce back to us.
func (m *Manager) solicitIndirect(ctx context.Context, username string) (*conn.MessageConn, error) {
	token := m.tokens.Next()
	m.solicitations.Store(token, solicitation{username: username, ct: wire.ConnectionTypePeer})
	defer m.solicitations.Delete(token)

	req := wire.ConnectToPeer{Token: token, Username: username, Type: wire.ConnectionTypePeer}
	if err := m.server.WriteToServer(req.Encode()); err != nil {
		return nil, err
	}
	key := waiter.Key{Op: waiter.OpSolicitedConnection, Username: username, Token: token}
	return waiter.Await[*conn.MessageConn](m.waiter, key, m.cfg.ConnectTimeout, ctx)
}

// installConn stores the connection as the user's current one, replacing
// and disconnecting any predecessor. haveSlot says whether the caller
// acquired a semaphore slot for it; a replacement inherits the old
// record's slot instead.
func (m *Manager) installConn(username string, c *conn.MessageConn, haveSlot bool) {
	var replaced *conn.MessageConn
	releaseExtra := false
	m.records.Compute(username, func(rec *record, loaded bool) (*record, bool) {
		if loaded {
			replaced = rec.conn
			releaseExtra = rec.hasSlot && haveSlot
			return &record{conn: c, hasSlot: rec.hasSlot || haveSlot}, false
		}
		return &record{conn: c, hasSlot: haveSlot}, false
	})
	if replaced != nil {
		m.log.Debug("Replacing existing peer connection", slogutil.Username(username))
		replaced.Disconnect("replaced by new connection")
	} else {
		metricActiveConnections.Inc()
	}
	if releaseExtra {
		m.sem.Release(1)
	}
	go func() {
		<-c.Done()
		m.removeIfCurrent(username, c)
	}()
}

// removeIfCurrent drops the record and releases the semaphore slot, but
// only if the record still refers to the given connection; a replaced
// connection's death must not tear down its successor.
func (m *Manager) removeIfCurrent(username string, c *conn.MessageConn) {
	removed := false
	hadSlot := false
	m.records.Compute(username, func(rec *record, loaded bool) (*record, bool) {
		if !loaded || rec.conn != c {
			return rec, !loaded
		}
		removed = true
		hadSlot = rec.hasSlot
		return nil, true
	})
	if removed {
		if hadSlot {
			m.sem.Release(1)
		}
		metricActiveConnections.Dec()
		m.log.Debug("Removed peer connection", slogutil.Username(username))
	}
}

// HandlePeerInit takes ownership of an inbound socket whose first frame
// was a PeerInit.
func (m *Manager) HandlePeerInit(sock net.Conn, init wire.PeerInit) {
	switch init.Type {
	case wire.ConnectionTypePeer:
		m.addInboundMessage(sock, init.Username)
	case wire.ConnectionTypeTransfer:
		m.addInboundTransfer(sock, init.Username)
	default:
		m.log.Debug("Unexpected inbound connection type", slogutil.Username(init.Username), slog.String("type", init.Type.String()))
		_ = sock.Close()
	}
}

// addInboundMessage installs an unsolicited inbound "P" connection,
// replacing any existing connection for the user.
func (m *Manager) addInboundMessage(sock net.Conn, username string) {
	key := conn.Key{Username: username, Type: wire.ConnectionTypePeer}
	if ap, err := netip.ParseAddrPort(sock.RemoteAddr().String()); err == nil {
		key.Address = ap
	}
	c := conn.NewMessageAccepted(key, sock, m.cfg.IncomingConnectionOptions, m.log, m.peerHandler, m.onConnState)

	haveSlot := m.sem.TryAcquire(1)
	if !haveSlot {
		// At the cap; an unsolicited inbound connection only gets in by
		// replacing the user's existing one.
		if _, ok := m.records.Load(username); !ok {
			m.log.Debug("Rejecting inbound connection, at capacity", slogutil.Username(username))
			c.Disconnect("at capacity")
			return
		}
	}
	m.installConn(username, c, haveSlot)
	c.StartReadingContinuously()
}

// addInboundTransfer reads the remote token announcing which transfer the
// socket belongs to, then completes the wait the transfer engine parked on
// it.
func (m *Manager) addInboundTransfer(sock net.Conn, username string) {
	token, err := readTransferToken(sock, m.cfg.ConnectTimeout)
	if err != nil {
		m.log.Debug("Inbound transfer connection without token", slogutil.Username(username), slogutil.Error(err))
		_ = sock.Close()
		return
	}
	key := conn.Key{Username: username, Type: wire.ConnectionTypeTransfer}
	if ap, err := netip.ParseAddrPort(sock.RemoteAddr().String()); err == nil {
		key.Address = ap
	}
	c := conn.NewAccepted(key, sock, m.cfg.TransferConnectionOptions, m.log, m.onConnState)
	m.waiter.Complete(waiter.Key{Op: waiter.OpDirectTransfer, Username: username, Token: token}, c)
}

// HandlePierceFirewall resolves the token against the pending
// solicitations and completes the corresponding wait. Unknown tokens mean
// the race was already decided; the socket is closed.
func (m *Manager) HandlePierceFirewall(sock net.Conn, msg wire.PierceFirewall) {
	sol, ok := m.solicitations.Load(msg.Token)
	if !ok {
		m.log.Debug("PierceFirewall with unknown token", slogutil.Token(msg.Token))
		_ = sock.Close()
		return
	}
	key := conn.Key{Username: sol.username, Type: sol.ct}
	if ap, err := netip.ParseAddrPort(sock.RemoteAddr().String()); err == nil {
		key.Address = ap
	}
	wkey := waiter.Key{Op: waiter.OpSolicitedConnection, Username: sol.username, Token: msg.Token}
	switch sol.ct {
	case wire.ConnectionTypeTransfer:
		c := conn.NewAccepted(key, sock, m.cfg.TransferConnectionOptions, m.log, m.onConnState)
		m.waiter.Complete(wkey, c)
	default:
		c := conn.NewMessageAccepted(key, sock, m.cfg.IncomingConnectionOptions, m.log, m.peerHandler, m.onConnState)
		m.waiter.Complete(wkey, c)
	}
}

// GetTransfer establishes a raw transfer connection to username and writes
// the remote token, racing direct against indirect like message
// connections do. Transfer connections do not count against the peer
// connection semaphore; their lifetime belongs to the transfer engine.
func (m *Manager) GetTransfer(ctx context.Context, username string, remoteToken uint32) (*conn.Conn, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		c   *conn.Conn
		err error
	}
	directCh := make(chan result, 1)
	indirectCh := make(chan result, 1)

	go func() {
		c, err := m.dialDirectTransfer(raceCtx, username, remoteToken)
		directCh <- result{c, err}
	}()
	go func() {
		c, err := m.solicitIndirectTransfer(raceCtx, username, remoteToken)
		indirectCh <- result{c, err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		var res result
		var loser chan result
		select {
		case res = <-directCh:
			loser = indirectCh
		case res = <-indirectCh:
			loser = directCh
		}
		if res.err == nil {
			cancel()
			go func() {
				if late := <-loser; late.c != nil {
					late.c.Disconnect("lost connection race")
				}
			}()
			return res.c, nil
		}
		if firstErr == nil {
			firstErr = res.err
		}
	}
	return nil, fmt.Errorf("transfer connection to %s: %w", username, firstErr)
}

func (m *Manager) dialDirectTransfer(ctx context.Context, username string, remoteToken uint32) (*conn.Conn, error) {
	addr, err := m.resolve(ctx, username)
	if err != nil {
		return nil, err
	}
	key := conn.Key{Username: username, Address: addr, Type: wire.ConnectionTypeTransfer}
	c := conn.New(key, m.cfg.TransferConnectionOptions, m.log, m.onConnState)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	init := wire.PeerInit{Username: m.localUsername, Type: wire.ConnectionTypeTransfer, Token: m.tokens.Next()}
	if err := c.Write(init.Encode()); err != nil {
		return nil, err
	}
	if err := writeTransferToken(c, remoteToken); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) solicitIndirectTransfer(ctx context.Context, username string, remoteToken uint32) (*conn.Conn, error) {
	token := m.tokens.Next()
	m.solicitations.Store(token, solicitation{username: username, ct: wire.ConnectionTypeTransfer})
	defer m.solicitations.Delete(token)

	req := wire.ConnectToPeer{Token: token, Username: username, Type: wire.ConnectionTypeTransfer}
	if err := m.server.WriteToServer(req.Encode()); err != nil {
		return nil, err
	}
	key := waiter.Key{Op: waiter.OpSolicitedConnection, Username: username, Token: token}
	c, err := waiter.Await[*conn.Conn](m.waiter, key, m.cfg.ConnectTimeout, ctx)
	if err != nil {
		return nil, err
	}
	if err := writeTransferToken(c, remoteToken); err != nil {
		return nil, err
	}
	return c, nil
}

// HandleConnectToPeer dials back to a user whose own connection attempt
// could not reach us, opening the socket and piercing with their token.
// Distributed solicitations are not ours to answer; the client routes
// those to the distributed manager before calling here.
func (m *Manager) HandleConnectToPeer(ctx context.Context, n wire.ConnectToPeerNotification) {
	addr := netip.AddrPortFrom(n.IP, uint16(n.Port))
	key := conn.Key{Username: n.Username, Address: addr, Type: n.Type}
	switch n.Type {
	case wire.ConnectionTypePeer:
		c := conn.NewMessage(key, m.cfg.PeerConnectionOptions, m.log, m.peerHandler, m.onConnState)
		if err := c.Connect(ctx); err != nil {
			m.reportCannotConnect(n)
			return
		}
		if err := c.Write(wire.PierceFirewall{Token: n.Token}.Encode()); err != nil {
			m.reportCannotConnect(n)
			return
		}
		haveSlot := m.sem.TryAcquire(1)
		if !haveSlot {
			if _, ok := m.records.Load(n.Username); !ok {
				m.log.Debug("Rejecting solicited connection, at capacity", slogutil.Username(n.Username))
				c.Disconnect("at capacity")
				return
			}
		}
		m.installConn(n.Username, c, haveSlot)
	case wire.ConnectionTypeTransfer:
		c := conn.New(key, m.cfg.TransferConnectionOptions, m.log, m.onConnState)
		if err := c.Connect(ctx); err != nil {
			m.reportCannotConnect(n)
			return
		}
		if err := c.Write(wire.PierceFirewall{Token: n.Token}.Encode()); err != nil {
			m.reportCannotConnect(n)
			return
		}
		// The uploader announces the transfer this socket belongs to.
		token, err := readPiercedTransferToken(c, m.cfg.ConnectTimeout)
		if err != nil {
			m.log.Debug("Pierced transfer connection without token", slogutil.Username(n.Username), slogutil.Error(err))
			c.Disconnect("no transfer token")
			return
		}
		m.waiter.Complete(waiter.Key{Op: waiter.OpDirectTransfer, Username: n.Username, Token: token}, c)
	default:
		m.log.Debug("ConnectToPeer with unexpected type", slogutil.Username(n.Username), slog.String("type", n.Type.String()))
	}
}

func (m *Manager) reportCannotConnect(n wire.ConnectToPeerNotification) {
	m.log.Debug("Could not answer ConnectToPeer", slogutil.Username(n.Username), slogutil.Token(n.Token))
	_ = m.server.WriteToServer(wire.CannotConnect{Token: n.Token, Username: n.Username}.Encode())
}

// HandleCannotConnect fails the wait behind an indirect attempt the remote
// could not complete.
func (m *Manager) HandleCannotConnect(token uint32, username string) {
	sol, ok := m.solicitations.Load(token)
	if !ok {
		return
	}
	if username == "" {
		username = sol.username
	}
	key := waiter.Key{Op: waiter.OpSolicitedConnection, Username: username, Token: token}
	m.waiter.Throw(key, fmt.Errorf("remote cannot connect for token %d", token))
}

// DisconnectAll tears down every connection, for client shutdown.
func (m *Manager) DisconnectAll(reason string) {
	m.records.Range(func(username string, rec *record) bool {
		rec.conn.Disconnect(reason)
		return true
	})
}

// ConnectedCount reports the number of live peer message connections.
func (m *Manager) ConnectedCount() int {
	n := 0
	m.records.Range(func(_ string, rec *record) bool {
		if rec.conn.State() == conn.StateConnected {
			n++
		}
		return true
	})
	return n
}

// The first eight bytes on a transfer connection carry the remote token,
// zero extended.
func writeTransferToken(c *conn.Conn, token uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(token))
	return c.Write(buf[:])
}

func readPiercedTransferToken(c *conn.Conn, timeout time.Duration) (uint32, error) {
	var buf [8]byte
	read := 0
	for read < 8 {
		n, err := c.ReadChunk(buf[read:], timeout)
		read += n
		if err != nil {
			return 0, err
		}
	}
	return uint32(binary.LittleEndian.Uint64(buf[:])), nil
}

func readTransferToken(sock net.Conn, timeout time.Duration) (uint32, error) {
	if timeout > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(timeout))
	}
	var buf [8]byte
	if _, err := io.ReadFull(sock, buf[:]); err != nil {
		return 0, err
	}
	_ = sock.SetReadDeadline(time.Time{})
	return uint32(binary.LittleEndian.Uint64(buf[:])), nil
}
