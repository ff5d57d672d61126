// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package wire

import "fmt"

// Message codes live in four disjoint namespaces. Server, peer and
// distributed messages carry a four byte code; initialization messages (the
// first frame on a freshly dialed peer connection) carry a single byte.
// Each namespace gets its own Go type so a code can never be written into a
// frame of the wrong kind.

type ServerCode uint32

const (
	ServerLogin                     ServerCode = 1
	ServerSetListenPort             ServerCode = 2
	ServerGetPeerAddress            ServerCode = 3
	ServerAddUser                   ServerCode = 5
	ServerGetStatus                 ServerCode = 7
	ServerConnectToPeer             ServerCode = 18
	ServerPrivateMessage            ServerCode = 22
	ServerAcknowledgePrivateMessage ServerCode = 23
	ServerFileSearch                ServerCode = 26
	ServerSetOnlineStatus           ServerCode = 28
	ServerPing                      ServerCode = 32
	ServerSharedFoldersAndFiles     ServerCode = 35
	ServerKickedFromServer          ServerCode = 41
	ServerRoomList                  ServerCode = 64
	ServerPrivilegedUsers           ServerCode = 69
	ServerHaveNoParents             ServerCode = 71
	ServerParentsIP                 ServerCode = 73
	ServerParentMinSpeed            ServerCode = 83
	ServerParentSpeedRatio          ServerCode = 84
	ServerSearchRequest             ServerCode = 93
	ServerAcceptChildren            ServerCode = 100
	ServerNetInfo                   ServerCode = 102
	ServerWishlistInterval          ServerCode = 104
	ServerBranchLevel               ServerCode = 126
	ServerBranchRoot                ServerCode = 127
	ServerChildDepth                ServerCode = 129
	ServerCannotConnect             ServerCode = 1001
)

type PeerCode uint32

const (
	PeerBrowseRequest          PeerCode = 4
	PeerBrowseResponse         PeerCode = 5
	PeerSearchRequest          PeerCode = 8
	PeerSearchResponse         PeerCode = 9
	PeerInfoRequest            PeerCode = 15
	PeerInfoResponse           PeerCode = 16
	PeerFolderContentsRequest  PeerCode = 36
	PeerFolderContentsResponse PeerCode = 37
	PeerTransferRequest        PeerCode = 40
	PeerTransferResponse       PeerCode = 41
	PeerQueueDownload          PeerCode = 43
	PeerPlaceInQueueResponse   PeerCode = 44
	PeerUploadFailed           PeerCode = 46
	PeerQueueFailed            PeerCode = 50
	PeerPlaceInQueueRequest    PeerCode = 51
)

type DistributedCode uint32

const (
	DistributedPing                DistributedCode = 0
	DistributedSearchRequest       DistributedCode = 3
	DistributedBranchLevel         DistributedCode = 4
	DistributedBranchRoot          DistributedCode = 5
	DistributedChildDepth          DistributedCode = 7
	DistributedServerSearchRequest DistributedCode = 93
)

type InitCode uint8

const (
	InitPierceFirewall InitCode = 0
	InitPeerInit       InitCode = 1
)

// ConnectionType is the single character type tag carried in PeerInit and
// ConnectToPeer messages.
type ConnectionType string

const (
	ConnectionTypePeer        ConnectionType = "P"
	ConnectionTypeTransfer    ConnectionType = "F"
	ConnectionTypeDistributed ConnectionType = "D"

	// ConnectionTypeServer never appears on the wire; it tags the server
	// connection in connection keys and logs.
	ConnectionTypeServer ConnectionType = "S"
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionTypePeer:
		return "peer"
	case ConnectionTypeTransfer:
		return "transfer"
	case ConnectionTypeDistributed:
		return "distributed"
	default:
		return fmt.Sprintf("unknown (%q)", string(t))
	}
}
