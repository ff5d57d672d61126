// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"time"

	"github.com/slsknet/slsknet/lib/waiter"
	"github.com/slsknet/slsknet/lib/wire"
)

// DefaultSearchTimeout is how long Search collects responses when the
// options don't say otherwise.
const DefaultSearchTimeout = 15 * time.Second

// SearchOptions tune a single search.
type SearchOptions struct {
	// Token forces a specific search token; zero allocates one.
	Token uint32
	// Timeout is the collection window.
	Timeout time.Duration
	// ResponseLimit stops the search early after this many responses.
	ResponseLimit int
}

type activeSearch struct {
	ch chan wire.SearchResponse
}

func (a *activeSearch) deliver(resp wire.SearchResponse) {
	select {
	case a.ch <- resp:
	default:
		// Collector is saturated or gone; the event subscribers still
		// got it.
	}
}

// Search fans a query out through the server and collects responses until
// the window closes. Responses are also delivered as
// SearchResponseReceived events as they arrive.
func (c *SoulseekClient) Search(ctx context.Context, query string, opts *SearchOptions) ([]wire.SearchResponse, error) {
	if c.State()&StateLoggedIn == 0 {
		return nil, ErrNotLoggedIn
	}
	var o SearchOptions
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultSearchTimeout
	}
	token := o.Token
	if token == 0 {
		token = c.tokens.NextWhere(func(t uint32) bool {
			_, taken := c.searches.Load(t)
			return !taken
		})
	}

	as := &activeSearch{ch: make(chan wire.SearchResponse, 64)}
	c.searches.Store(token, as)
	defer c.searches.Delete(token)

	if err := c.WriteToServer(wire.FileSearch{Token: token, Query: query}.Encode()); err != nil {
		return nil, err
	}

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()
	var out []wire.SearchResponse
	for {
		select {
		case resp := <-as.ch:
			out = append(out, resp)
			if o.ResponseLimit > 0 && len(out) >= o.ResponseLimit {
				return out, nil
			}
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// Browse fetches a user's entire shared tree.
func (c *SoulseekClient) Browse(ctx context.Context, username string) ([]wire.Directory, error) {
	pc, err := c.peers.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := pc.Write(wire.BrowseRequest{}.Encode()); err != nil {
		return nil, err
	}
	// Big shares take a while to serialize and compress on the far side.
	resp, err := waiter.Await[wire.BrowseResponse](c.waiter, waiter.Key{Op: waiter.OpBrowse, Username: username}, 4*c.cfg.MessageTimeout, ctx)
	if err != nil {
		return nil, err
	}
	return resp.Directories, nil
}

// GetUserInfo asks a user for their self description.
func (c *SoulseekClient) GetUserInfo(ctx context.Context, username string) (wire.UserInfo, error) {
	pc, err := c.peers.Get(ctx, username)
	if err != nil {
		return wire.UserInfo{}, err
	}
	if err := pc.Write(wire.InfoRequest{}.Encode()); err != nil {
		return wire.UserInfo{}, err
	}
	return waiter.Await[wire.UserInfo](c.waiter, waiter.Key{Op: waiter.OpUserInfo, Username: username}, 0, ctx)
}

// GetPeerAddress asks the server for a user's endpoint.
func (c *SoulseekClient) GetPeerAddress(ctx context.Context, username string) (wire.UserAddress, error) {
	if err := c.WriteToServer(wire.GetPeerAddress{Username: username}.Encode()); err != nil {
		return wire.UserAddress{}, err
	}
	return waiter.Await[wire.UserAddress](c.waiter, waiter.Key{Op: waiter.OpPeerAddress, Username: username}, 0, ctx)
}

// GetUserStatus asks the server for a user's presence.
func (c *SoulseekClient) GetUserStatus(ctx context.Context, username string) (wire.GetStatusResponse, error) {
	if err := c.WriteToServer(wire.GetStatus{Username: username}.Encode()); err != nil {
		return wire.GetStatusResponse{}, err
	}
	return waiter.Await[wire.GetStatusResponse](c.waiter, waiter.Key{Op: waiter.OpUserStatus, Username: username}, 0, ctx)
}

// AddUser subscribes to a user's status changes and returns their stats.
func (c *SoulseekClient) AddUser(ctx context.Context, username string) (wire.AddUserResponse, error) {
	if err := c.WriteToServer(wire.AddUser{Username: username}.Encode()); err != nil {
		return wire.AddUserResponse{}, err
	}
	return waiter.Await[wire.AddUserResponse](c.waiter, waiter.Key{Op: waiter.OpAddUser, Username: username}, 0, ctx)
}

// PlaceInQueue polls the remote for our position in their upload queue.
func (c *SoulseekClient) PlaceInQueue(ctx context.Context, username, filename string) (uint32, error) {
	pc, err := c.peers.Get(ctx, username)
	if err != nil {
		return 0, err
	}
	if err := pc.Write(wire.PlaceInQueueRequest{Filename: filename}.Encode()); err != nil {
		return 0, err
	}
	resp, err := waiter.Await[wire.PlaceInQueueResponse](c.waiter, waiter.Key{Op: waiter.OpPlaceInQueue, Username: username, Filename: filename}, 0, ctx)
	if err != nil {
		return 0, err
	}
	return resp.Place, nil
}

// FolderContents fetches a single directory listing from a user.
func (c *SoulseekClient) FolderContents(ctx context.Context, username, folder string) (wire.Directory, error) {
	pc, err := c.peers.Get(ctx, username)
	if err != nil {
		return wire.Directory{}, err
	}
	token := c.tokens.Next()
	if err := pc.Write(wire.FolderContentsRequest{Token: token, Folder: folder}.Encode()); err != nil {
		return wire.Directory{}, err
	}
	resp, err := waiter.Await[wire.FolderContentsResponse](c.waiter, waiter.Key{Op: waiter.OpFolderContents, Username: username, Token: token}, 0, ctx)
	if err != nil {
		return wire.Directory{}, err
	}
	return resp.Directory, nil
}

// SetOnlineStatus reports away or online to the server.
func (c *SoulseekClient) SetOnlineStatus(away bool) error {
	if c.State()&StateLoggedIn == 0 {
		return ErrNotLoggedIn
	}
	status := wire.UserStatusOnline
	if away {
		status = wire.UserStatusAway
	}
	return c.WriteToServer(wire.SetOnlineStatus{Status: status}.Encode())
}

// SetSharedCounts advertises how much we share.
func (c *SoulseekClient) SetSharedCounts(directories, files uint32) error {
	if c.State()&StateLoggedIn == 0 {
		return ErrNotLoggedIn
	}
	return c.WriteToServer(wire.SharedFoldersAndFiles{DirectoryCount: directories, FileCount: files}.Encode())
}

// AcknowledgePrivateMessage confirms receipt of a private message by ID,
// for hosts that disable automatic acknowledgement.
func (c *SoulseekClient) AcknowledgePrivateMessage(id uint32) error {
	if c.State()&StateConnected == 0 {
		return ErrNotConnected
	}
	return c.WriteToServer(wire.AcknowledgePrivateMessage{ID: id}.Encode())
}
