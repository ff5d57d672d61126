// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"net"

	"github.com/slsknet/slsknet/lib/wire"
)

// The client is the listener's handoff target, routing inbound sockets to
// the manager that owns their connection type.

func (c *SoulseekClient) HandlePeerInit(sock net.Conn, init wire.PeerInit) {
	if init.Type == wire.ConnectionTypeDistributed {
		c.distnet.AddChild(sock, init)
		return
	}
	c.peers.HandlePeerInit(sock, init)
}

func (c *SoulseekClient) HandlePierceFirewall(sock net.Conn, msg wire.PierceFirewall) {
	c.peers.HandlePierceFirewall(sock, msg)
}
