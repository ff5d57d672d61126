// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config holds the client options, their defaults, and the resolver
// callback types the host supplies to answer remote requests.
package config

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/slsknet/slsknet/lib/wire"
)

// ConnectionOptions are the per-connection knobs, overridable per role.
type ConnectionOptions struct {
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	WriteBufferSize   int
}

func (o ConnectionOptions) WithDefaults(d ConnectionOptions) ConnectionOptions {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.InactivityTimeout == 0 {
		o.InactivityTimeout = d.InactivityTimeout
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = d.WriteBufferSize
	}
	return o
}

// Resolver callbacks. Handlers call these to answer remote requests; a nil
// resolver drops the request except where the protocol demands a reply.
type (
	UserInfoResolver          func(ctx context.Context, username string, endpoint netip.AddrPort) (wire.UserInfo, error)
	BrowseResolver            func(ctx context.Context, username string, endpoint netip.AddrPort) ([]wire.Directory, error)
	DirectoryContentsResolver func(ctx context.Context, username string, endpoint netip.AddrPort, token uint32, dir string) (wire.Directory, error)
	SearchResponseResolver    func(ctx context.Context, username string, token uint32, query string) (*wire.SearchResponse, error)

	// EnqueueDownloadAction accepts or rejects a remote user's request
	// that we upload a file to them. A returned error is sent back as the
	// rejection reason.
	EnqueueDownloadAction func(ctx context.Context, username string, endpoint netip.AddrPort, filename string) error

	// UploadStatusProvider fills the slot, speed and queue length fields
	// of outgoing search responses.
	UploadStatusProvider func() (freeSlots uint8, uploadSpeed uint32, queueLength uint64)
)

type Options struct {
	// ServerAddress is the central server, host:port.
	ServerAddress string

	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	MessageTimeout    time.Duration

	ConcurrentPeerConnections     int64
	ConcurrentDistributedChildren int

	EnableDistributedNetwork       bool
	AcceptDistributedChildren      bool
	AutoAcknowledgePrivateMessages bool

	// ListenPort is the local TCP port for inbound connections. Zero
	// disables the listener, which restricts connectivity to directly
	// dialed and solicited outbound connections.
	ListenPort uint16

	MinimumDiagnosticLevel slog.Level

	ServerConnectionOptions      ConnectionOptions
	PeerConnectionOptions        ConnectionOptions
	TransferConnectionOptions    ConnectionOptions
	DistributedConnectionOptions ConnectionOptions
	IncomingConnectionOptions    ConnectionOptions

	UserInfoResolver          UserInfoResolver
	BrowseResolver            BrowseResolver
	DirectoryContentsResolver DirectoryContentsResolver
	SearchResponseResolver    SearchResponseResolver
	EnqueueDownloadAction     EnqueueDownloadAction
	UploadStatusProvider      UploadStatusProvider
}

const (
	DefaultServerAddress  = "server.slsknet.org:2242"
	DefaultConnectTimeout = 10 * time.Second

	DefaultInactivityTimeout = 15 * time.Second
	DefaultMessageTimeout    = 30 * time.Second

	DefaultConcurrentPeerConnections     = 500
	DefaultConcurrentDistributedChildren = 25

	DefaultListenPort = 2234

	defaultWriteBufferSize = 4 << 20
)

// New returns the options with every unset field defaulted.
func New() Options {
	return Options{
		ServerAddress:                  DefaultServerAddress,
		ConnectTimeout:                 DefaultConnectTimeout,
		InactivityTimeout:              DefaultInactivityTimeout,
		MessageTimeout:                 DefaultMessageTimeout,
		ConcurrentPeerConnections:      DefaultConcurrentPeerConnections,
		ConcurrentDistributedChildren:  DefaultConcurrentDistributedChildren,
		EnableDistributedNetwork:       true,
		AcceptDistributedChildren:      true,
		AutoAcknowledgePrivateMessages: true,
		ListenPort:                     DefaultListenPort,
		MinimumDiagnosticLevel:         slog.LevelInfo,
	}
}

var (
	errNoServerAddress = errors.New("server address not set")
	errBadPeerLimit    = errors.New("concurrent peer connection limit must be positive")
	errBadChildLimit   = errors.New("distributed children limit must not be negative")
)

// Prepare validates the options and fills role specific connection options
// from the top level timeouts.
func (o Options) Prepare() (Options, error) {
	if o.ServerAddress == "" {
		return o, errNoServerAddress
	}
	if o.ConcurrentPeerConnections <= 0 {
		return o, errBadPeerLimit
	}
	if o.ConcurrentDistributedChildren < 0 {
		return o, errBadChildLimit
	}

	base := ConnectionOptions{
		ConnectTimeout:    o.ConnectTimeout,
		InactivityTimeout: o.InactivityTimeout,
		WriteBufferSize:   defaultWriteBufferSize,
	}
	// The server idles between notifications, so it never gets an
	// inactivity timeout. Transfer connections handle their own deadlines
	// while bytes are moving and may idle for a long time before the
	// remote's queue frees up.
	server := base
	server.InactivityTimeout = 0
	transfer := base
	transfer.InactivityTimeout = 0

	o.ServerConnectionOptions = o.ServerConnectionOptions.WithDefaults(server)
	o.PeerConnectionOptions = o.PeerConnectionOptions.WithDefaults(base)
	o.TransferConnectionOptions = o.TransferConnectionOptions.WithDefaults(transfer)
	o.DistributedConnectionOptions = o.DistributedConnectionOptions.WithDefaults(base)
	o.IncomingConnectionOptions = o.IncomingConnectionOptions.WithDefaults(base)
	return o, nil
}
