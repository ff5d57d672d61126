// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package distnet is this client's participation in the distributed search
// tree: it keeps exactly one parent connection chosen from the server's
// candidate list, accepts a bounded number of children, relays search
// traffic downward and reports branch state upward.
package distnet

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/slsknet/slsknet/lib/config"
	"github.com/slsknet/slsknet/lib/conn"
	"github.com/slsknet/slsknet/lib/events"
	"github.com/slsknet/slsknet/lib/slogutil"
	"github.com/slsknet/slsknet/lib/tokens"
	"github.com/slsknet/slsknet/lib/wire"
)

// ServerWriter is the handle for branch state advertisements.
type ServerWriter interface {
	WriteToServer(frame []byte) error
}

// SearchFunc receives every search reaching this node, for local
// resolution.
type SearchFunc func(username string, token uint32, query string)

const statusInterval = time.Minute

type child struct {
	conn  *conn.MessageConn
	depth uint32
}

type Manager struct {
	cfg    config.Options
	log    *slog.Logger
	server ServerWriter
	events *events.Logger
	tokens *tokens.Allocator

	onSearch    SearchFunc
	onConnState func(conn.StateChange)

	localUsername string

	mut         sync.Mutex
	parent      *conn.MessageConn
	children    map[string]*child
	branchLevel uint32
	branchRoot  string
}

func NewManager(cfg config.Options, srv ServerWriter, tok *tokens.Allocator, onSearch SearchFunc, onConnState func(conn.StateChange), evLogger *events.Logger, log *slog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		log:         log,
		server:      srv,
		events:      evLogger,
		tokens:      tok,
		onSearch:    onSearch,
		onConnState: onConnState,
		children:    make(map[string]*child),
	}
}

func (m *Manager) SetLocalUsername(name string) {
	m.localUsername = name
}

// Serve periodically re-advertises branch state to the server. It
// implements suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	if !m.cfg.EnableDistributedNetwork {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.disconnectAll("shutting down")
			return ctx.Err()
		case <-ticker.C:
			m.advertise()
		}
	}
}

// HasParent reports whether a parent connection is currently live.
func (m *Manager) HasParent() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.parent != nil
}

// BranchState returns the current level and root. Both are authoritative
// only while a parent is connected.
func (m *Manager) BranchState() (uint32, string) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.branchLevel, m.branchRoot
}

// ChildCount returns the number of connected children.
func (m *Manager) ChildCount() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.children)
}

func (m *Manager) acceptingChildren() bool {
	return m.cfg.AcceptDistributedChildren && len(m.children) < m.cfg.ConcurrentDistributedChildren
}

// HandleNetInfo dials all parent candidates concurrently and adopts the
// first that completes its handshake. Losing attempts are disposed of. A
// no-op while a parent is held or the distributed network is disabled.
func (m *Manager) HandleNetInfo(ctx context.Context, ni wire.NetInfo) {
	if !m.cfg.EnableDistributedNetwork || len(ni.Parents) == 0 {
		return
	}
	m.mut.Lock()
	if m.parent != nil {
		m.mut.Unlock()
		return
	}
	m.mut.Unlock()

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan *conn.MessageConn, len(ni.Parents))
	for _, cand := range ni.Parents {
		go func(cand wire.NetInfoPeer) {
			c, err := m.dialCandidate(raceCtx, cand)
			if err != nil {
				results <- nil
				return
			}
			results <- c
		}(cand)
	}

	for i := 0; i < len(ni.Parents); i++ {
		c := <-results
		if c == nil {
			continue
		}
		if !m.adopt(c) {
			c.Disconnect("lost parent race")
			continue
		}
		cancel()
		// Anything still in flight loses; collect and dispose.
		go func(remaining int) {
			for j := 0; j < remaining; j++ {
				if late := <-results; late != nil {
					late.Disconnect("lost parent race")
				}
			}
		}(len(ni.Parents) - i - 1)
		return
	}
	m.log.Debug("No parent candidate could be adopted")
}

func (m *Manager) dialCandidate(ctx context.Context, cand wire.NetInfoPeer) (*conn.MessageConn, error) {
	key := conn.Key{Username: cand.Username, Address: cand.AddrPort(), Type: wire.ConnectionTypeDistributed}
	c := conn.NewMessage(key, m.cfg.DistributedConnectionOptions, m.log, m.parentFrame, m.onConnState)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	init := wire.PeerInit{Username: m.localUsername, Type: wire.ConnectionTypeDistributed, Token: m.tokens.Next()}
	if err := c.Write(init.Encode()); err != nil {
		return nil, err
	}
	return c, nil
}

// adopt installs the connection as parent. False when a parent already
// exists.
func (m *Manager) adopt(c *conn.MessageConn) bool {
	m.mut.Lock()
	if m.parent != nil {
		m.mut.Unlock()
		return false
	}
	m.parent = c
	m.mut.Unlock()

	m.log.Info("Adopted distributed parent", slogutil.Username(c.Username()), slogutil.Address(c.Key().Address))
	m.events.Log(events.DistributedParentAdopted, map[string]string{"username": c.Username()})
	metricHasParent.Set(1)
	go func() {
		<-c.Done()
		m.parentLost(c)
	}()
	m.advertise()
	return true
}

// parentLost reverts to "no parent". HaveNoParents goes to the server
// before any other distributed write.
func (m *Manager) parentLost(c *conn.MessageConn) {
	m.mut.Lock()
	if m.parent != c {
		m.mut.Unlock()
		return
	}
	m.parent = nil
	m.branchLevel = 0
	m.branchRoot = ""
	m.mut.Unlock()

	metricHasParent.Set(0)
	m.log.Info("Lost distributed parent", slogutil.Username(c.Username()))
	m.events.Log(events.DistributedParentLost, map[string]string{"username": c.Username()})
	m.advertise()
}

// Advertise pushes the current branch state to the server, for use after
// login.
func (m *Manager) Advertise() {
	if m.cfg.EnableDistributedNetwork {
		m.advertise()
	}
}

// advertise writes the full branch state to the server, HaveNoParents
// first.
func (m *Manager) advertise() {
	m.mut.Lock()
	parent := m.parent
	level := m.branchLevel
	root := m.branchRoot
	depth := m.childDepthLocked()
	accept := m.acceptingChildren()
	m.mut.Unlock()

	var parentIP netip.Addr
	if parent != nil {
		parentIP = parent.Key().Address.Addr()
	}
	msgs := [][]byte{
		wire.HaveNoParents{HaveNoParents: parent == nil}.Encode(),
		wire.ParentsIP{IP: parentIP}.Encode(),
		wire.BranchLevel{Level: level}.Encode(),
		wire.BranchRoot{Root: root}.Encode(),
		wire.ChildDepth{Depth: depth}.Encode(),
		wire.AcceptChildren{Accept: accept}.Encode(),
	}
	for _, msg := range msgs {
		if err := m.server.WriteToServer(msg); err != nil {
			m.log.Debug("Advertising branch state failed", slogutil.Error(err))
			return
		}
	}
}

func (m *Manager) childDepthLocked() uint32 {
	var depth uint32
	for _, ch := range m.children {
		if ch.depth+1 > depth {
			depth = ch.depth + 1
		}
	}
	return depth
}

// setBranch records state learned from the parent and propagates it to the
// server and all children.
func (m *Manager) setBranch(level *uint32, root *string) {
	m.mut.Lock()
	if level != nil {
		m.branchLevel = *level
	}
	if root != nil {
		m.branchRoot = *root
	}
	level2, root2 := m.branchLevel, m.branchRoot
	m.mut.Unlock()

	m.Broadcast(
		wire.DistributedBranchLevelMessage{Level: level2}.Encode(),
		wire.DistributedBranchRootMessage{Root: root2}.Encode(),
	)
	m.advertise()
}

// Broadcast writes the frames to every child, in one coalesced write per
// child so interleaved broadcasts cannot reorder within a child. A failing
// child is disposed of and does not stop delivery to the rest.
func (m *Manager) Broadcast(frames ...[]byte) {
	m.mut.Lock()
	conns := make([]*conn.MessageConn, 0, len(m.children))
	for _, ch := range m.children {
		conns = append(conns, ch.conn)
	}
	m.mut.Unlock()

	for _, c := range conns {
		if err := c.WriteMessages(frames...); err != nil {
			c.Disconnect("broadcast failed")
		}
	}
}

// AddChild takes ownership of an inbound distributed handshake. Beyond the
// child cap the socket is closed and the refusal re-advertised.
func (m *Manager) AddChild(sock net.Conn, init wire.PeerInit) {
	m.mut.Lock()
	if !m.cfg.EnableDistributedNetwork || !m.acceptingChildren() {
		m.mut.Unlock()
		m.log.Debug("Refusing distributed child", slogutil.Username(init.Username))
		_ = sock.Close()
		m.advertise()
		return
	}

	key := conn.Key{Username: init.Username, Type: wire.ConnectionTypeDistributed}
	if ap, err := netip.ParseAddrPort(sock.RemoteAddr().String()); err == nil {
		key.Address = ap
	}
	c := conn.NewMessageAccepted(key, sock, m.cfg.DistributedConnectionOptions, m.log, m.childFrame, m.onConnState)
	if old, ok := m.children[init.Username]; ok {
		old.conn.Disconnect("replaced by new child connection")
	}
	m.children[init.Username] = &child{conn: c}
	level, root := m.branchLevel, m.branchRoot
	m.mut.Unlock()

	metricChildren.Inc()
	m.events.Log(events.DistributedChildAdded, map[string]string{"username": init.Username})
	go func() {
		<-c.Done()
		m.removeChild(init.Username, c)
	}()
	// The newcomer needs our branch position before any search traffic.
	_ = c.WriteMessages(
		wire.DistributedBranchLevelMessage{Level: level}.Encode(),
		wire.DistributedBranchRootMessage{Root: root}.Encode(),
	)
	c.StartReadingContinuously()
	m.advertise()
}

func (m *Manager) removeChild(username string, c *conn.MessageConn) {
	m.mut.Lock()
	ch, ok := m.children[username]
	if !ok || ch.conn != c {
		m.mut.Unlock()
		return
	}
	delete(m.children, username)
	m.mut.Unlock()

	metricChildren.Dec()
	m.events.Log(events.DistributedChildRemoved, map[string]string{"username": username})
	m.advertise()
}

func (m *Manager) disconnectAll(reason string) {
	m.mut.Lock()
	parent := m.parent
	conns := make([]*conn.MessageConn, 0, len(m.children))
	for _, ch := range m.children {
		conns = append(conns, ch.conn)
	}
	m.mut.Unlock()
	if parent != nil {
		parent.Disconnect(reason)
	}
	for _, c := range conns {
		c.Disconnect(reason)
	}
}

// parentFrame dispatches messages arriving from the parent.
func (m *Manager) parentFrame(c *conn.MessageConn, frame []byte) {
	r := wire.NewReader(frame)
	code := wire.DistributedCode(r.ReadUint32())
	if r.Err() != nil {
		return
	}
	switch code {
	case wire.DistributedPing:
		// Keepalive; nothing to do beyond the activity bump the read
		// already gave us.
	case wire.DistributedBranchLevel:
		msg, err := wire.DecodeDistributedBranchLevel(frame)
		if err != nil {
			m.dropFrame(c, err)
			return
		}
		m.setBranch(&msg.Level, nil)
	case wire.DistributedBranchRoot:
		msg, err := wire.DecodeDistributedBranchRoot(frame)
		if err != nil {
			m.dropFrame(c, err)
			return
		}
		m.setBranch(nil, &msg.Root)
	case wire.DistributedSearchRequest:
		msg, err := wire.DecodeDistributedSearchRequest(frame)
		if err != nil {
			m.dropFrame(c, err)
			return
		}
		// Children get the frame exactly as it arrived.
		m.Broadcast(wire.Framed(frame))
		m.handleSearch(msg)
	case wire.DistributedServerSearchRequest:
		m.log.Debug("Server search request in-band on distributed connection", slogutil.Username(c.Username()))
		msg, err := wire.DecodeDistributedServerSearchRequest(frame)
		if err != nil {
			m.dropFrame(c, err)
			return
		}
		// Repackaged into the ordinary distributed form before
		// forwarding.
		m.ForwardSearch(msg)
	default:
		m.log.Debug("Unhandled distributed message", slog.Any("code", code))
	}
}

// childFrame dispatches messages arriving from children.
func (m *Manager) childFrame(c *conn.MessageConn, frame []byte) {
	r := wire.NewReader(frame)
	code := wire.DistributedCode(r.ReadUint32())
	if r.Err() != nil {
		return
	}
	switch code {
	case wire.DistributedPing:
	case wire.DistributedChildDepth:
		msg, err := wire.DecodeDistributedChildDepth(frame)
		if err != nil {
			m.dropFrame(c, err)
			return
		}
		m.mut.Lock()
		if ch, ok := m.children[c.Username()]; ok {
			ch.depth = msg.Depth
		}
		m.mut.Unlock()
		m.advertise()
	default:
		m.log.Debug("Unhandled message from child", slogutil.Username(c.Username()), slog.Any("code", code))
	}
}

// ForwardSearch broadcasts a search in the ordinary distributed form and
// resolves it locally.
func (m *Manager) ForwardSearch(msg wire.DistributedSearchRequestMessage) {
	m.Broadcast(msg.Encode())
	m.handleSearch(msg)
}

func (m *Manager) handleSearch(msg wire.DistributedSearchRequestMessage) {
	metricSearchesSeen.Inc()
	if m.onSearch != nil {
		m.onSearch(msg.Username, msg.Token, msg.Query)
	}
}

func (m *Manager) dropFrame(c *conn.MessageConn, err error) {
	m.log.Debug("Dropping malformed distributed frame", slogutil.Username(c.Username()), slogutil.Error(err))
}
