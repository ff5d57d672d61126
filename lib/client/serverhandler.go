// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"log/slog"

	"github.com/slsknet/slsknet/lib/conn"
	"github.com/slsknet/slsknet/lib/events"
	"github.com/slsknet/slsknet/lib/slogutil"
	"github.com/slsknet/slsknet/lib/waiter"
	"github.com/slsknet/slsknet/lib/wire"
)

// serverFrame dispatches one message from the server connection. Decode
// failures drop the frame with a diagnostic; the connection survives.
func (c *SoulseekClient) serverFrame(_ *conn.MessageConn, frame []byte) {
	r := wire.NewReader(frame)
	code := wire.ServerCode(r.ReadUint32())
	if r.Err() != nil {
		return
	}

	switch code {
	case wire.ServerLogin:
		msg, err := wire.DecodeLoginResponse(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpLogin}, msg)

	case wire.ServerGetPeerAddress:
		msg, err := wire.DecodeGetPeerAddressResponse(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpPeerAddress, Username: msg.Username}, msg.Address)

	case wire.ServerAddUser:
		msg, err := wire.DecodeAddUserResponse(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpAddUser, Username: msg.Username}, msg)

	case wire.ServerGetStatus:
		msg, err := wire.DecodeGetStatusResponse(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpUserStatus, Username: msg.Username}, msg)
		c.ev.Log(events.UserStatusChanged, msg)

	case wire.ServerConnectToPeer:
		msg, err := wire.DecodeConnectToPeerNotification(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.goSafe("connect-to-peer", func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
			defer cancel()
			if msg.Type == wire.ConnectionTypeDistributed {
				// We do not dial children; the remote will fall back.
				return
			}
			c.peers.HandleConnectToPeer(ctx, msg)
		})

	case wire.ServerPrivateMessage:
		msg, err := wire.DecodePrivateMessage(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.ev.Log(events.PrivateMessageReceived, msg)
		if c.cfg.AutoAcknowledgePrivateMessages {
			_ = c.WriteToServer(wire.AcknowledgePrivateMessage{ID: msg.ID}.Encode())
		}

	case wire.ServerFileSearch:
		msg, err := wire.DecodeFileSearchNotification(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.ev.Log(events.SearchRequestReceived, msg)
		c.goSafe("server-search", func() {
			c.distnet.ForwardSearch(wire.DistributedSearchRequestMessage{
				Username: msg.Username,
				Token:    msg.Token,
				Query:    msg.Query,
			})
		})

	case wire.ServerKickedFromServer:
		c.ev.Log(events.KickedFromServer, nil)
		c.diag(slog.LevelError, "kicked from server, another session logged in with this name")
		c.Disconnect(ErrKickedFromServer.Error())

	case wire.ServerRoomList:
		msg, err := wire.DecodeRoomList(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.globalsMut.Lock()
		c.roomList = msg.Rooms
		c.globalsMut.Unlock()
		c.ev.Log(events.RoomListReceived, msg)

	case wire.ServerPrivilegedUsers:
		msg, err := wire.DecodePrivilegedUsers(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.globalsMut.Lock()
		c.privilegedUsers = msg.Usernames
		c.globalsMut.Unlock()
		c.ev.Log(events.PrivilegedUsersReceived, msg)

	case wire.ServerParentMinSpeed:
		if msg, err := wire.DecodeParentMinSpeed(frame); err == nil {
			c.parentMinSpeed.Store(msg.Speed)
		}

	case wire.ServerParentSpeedRatio:
		if msg, err := wire.DecodeParentSpeedRatio(frame); err == nil {
			c.parentSpeedRatio.Store(msg.Ratio)
		}

	case wire.ServerWishlistInterval:
		if msg, err := wire.DecodeWishlistInterval(frame); err == nil {
			c.wishlistInterval.Store(msg.Interval)
		}

	case wire.ServerNetInfo:
		msg, err := wire.DecodeNetInfo(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.goSafe("adopt-parent", func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
			defer cancel()
			c.distnet.HandleNetInfo(ctx, msg)
		})

	case wire.ServerSearchRequest:
		msg, err := wire.DecodeServerSearchRequest(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.diag(slog.LevelDebug, "server search request repackaged for distribution")
		c.goSafe("server-search", func() {
			c.distnet.ForwardSearch(wire.DistributedSearchRequestMessage{
				Unknown:  msg.Unknown,
				Username: msg.Username,
				Token:    msg.Token,
				Query:    msg.Query,
			})
		})

	case wire.ServerCannotConnect:
		msg, err := wire.DecodeCannotConnect(frame)
		if err != nil {
			c.dropServerFrame(code, err)
			return
		}
		c.peers.HandleCannotConnect(msg.Token, msg.Username)

	default:
		c.log.Debug("Unhandled server message", slog.Any("code", code))
	}
}

func (c *SoulseekClient) dropServerFrame(code wire.ServerCode, err error) {
	c.diag(slog.LevelWarn, "dropping malformed server message", slog.Any("code", code), slogutil.Error(err))
}
