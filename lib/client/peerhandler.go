// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/slsknet/slsknet/lib/conn"
	"github.com/slsknet/slsknet/lib/events"
	"github.com/slsknet/slsknet/lib/slogutil"
	"github.com/slsknet/slsknet/lib/waiter"
	"github.com/slsknet/slsknet/lib/wire"
)

// resolverTimeout bounds host resolver callbacks so a stuck resolver
// cannot pin goroutines forever.
const resolverTimeout = 30 * time.Second

// errEnqueueRejected is the reason sent when no enqueue action is
// configured; the wording is what remotes conventionally display.
var errEnqueueRejected = errors.New("File not shared.")

// peerFrame dispatches one message from a peer connection. Resolver work
// runs on its own goroutine; the reader must not block.
func (c *SoulseekClient) peerFrame(pc *conn.MessageConn, frame []byte) {
	r := wire.NewReader(frame)
	code := wire.PeerCode(r.ReadUint32())
	if r.Err() != nil {
		return
	}
	username := pc.Username()
	endpoint := pc.Key().Address

	switch code {
	case wire.PeerBrowseRequest:
		c.goSafe("browse-resolver", func() {
			if c.cfg.BrowseResolver == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), resolverTimeout)
			defer cancel()
			dirs, err := c.cfg.BrowseResolver(ctx, username, endpoint)
			if err != nil {
				c.diag(slog.LevelWarn, "browse resolver failed", slogutil.Username(username), slogutil.Error(err))
				return
			}
			_ = pc.Write(wire.BrowseResponse{Directories: dirs}.Encode())
		})

	case wire.PeerBrowseResponse:
		msg, err := wire.DecodeBrowseResponse(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpBrowse, Username: username}, msg)

	case wire.PeerInfoRequest:
		c.goSafe("info-resolver", func() {
			if c.cfg.UserInfoResolver == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), resolverTimeout)
			defer cancel()
			info, err := c.cfg.UserInfoResolver(ctx, username, endpoint)
			if err != nil {
				c.diag(slog.LevelWarn, "user info resolver failed", slogutil.Username(username), slogutil.Error(err))
				return
			}
			_ = pc.Write(wire.InfoResponse{UserInfo: info}.Encode())
		})

	case wire.PeerInfoResponse:
		msg, err := wire.DecodeInfoResponse(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpUserInfo, Username: username}, msg.UserInfo)

	case wire.PeerSearchRequest:
		msg, err := wire.DecodePeerSearchRequest(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.goSafe("peer-search", func() {
			c.resolveSearch(username, msg.Token, msg.Query)
		})

	case wire.PeerSearchResponse:
		msg, err := wire.DecodeSearchResponse(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.ev.Log(events.SearchResponseReceived, msg)
		if as, ok := c.searches.Load(msg.Token); ok {
			as.deliver(msg)
		}

	case wire.PeerTransferRequest:
		msg, err := wire.DecodeTransferRequest(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.handleTransferRequest(pc, msg)

	case wire.PeerTransferResponse:
		msg, err := wire.DecodeTransferResponse(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpTransferResponse, Username: username, Token: msg.Token}, msg)

	case wire.PeerQueueDownload:
		msg, err := wire.DecodeQueueDownload(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.goSafe("enqueue-download", func() {
			c.handleEnqueue(pc, username, msg.Filename)
		})

	case wire.PeerPlaceInQueueRequest:
		// Answering needs an upload queue, which belongs to the host; no
		// provider means no reply.
		c.diag(slog.LevelDebug, "place in queue request dropped, no upload queue", slogutil.Username(username))

	case wire.PeerPlaceInQueueResponse:
		msg, err := wire.DecodePlaceInQueueResponse(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpPlaceInQueue, Username: username, Filename: msg.Filename}, msg)
		if t, ok := c.downloads.Load(transferKey{username, msg.Filename}); ok {
			t.SetPlaceInQueue(msg.Place)
		}

	case wire.PeerQueueFailed:
		msg, err := wire.DecodeQueueFailed(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.waiter.Throw(waiter.Key{Op: waiter.OpTransferRequested, Username: username, Filename: msg.Filename}, &TransferRejectedError{Reason: msg.Reason})

	case wire.PeerUploadFailed:
		msg, err := wire.DecodeUploadFailed(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.diag(slog.LevelWarn, "remote reports upload failed", slogutil.Username(username), slogutil.Filename(msg.Filename))
		c.waiter.Throw(waiter.Key{Op: waiter.OpTransferRequested, Username: username, Filename: msg.Filename}, &TransferRejectedError{Reason: "upload failed"})

	case wire.PeerFolderContentsRequest:
		msg, err := wire.DecodeFolderContentsRequest(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.goSafe("folder-contents-resolver", func() {
			if c.cfg.DirectoryContentsResolver == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), resolverTimeout)
			defer cancel()
			dir, err := c.cfg.DirectoryContentsResolver(ctx, username, endpoint, msg.Token, msg.Folder)
			if err != nil {
				c.diag(slog.LevelWarn, "directory contents resolver failed", slogutil.Username(username), slogutil.Error(err))
				return
			}
			_ = pc.Write(wire.FolderContentsResponse{Token: msg.Token, Folder: msg.Folder, Directory: dir}.Encode())
		})

	case wire.PeerFolderContentsResponse:
		msg, err := wire.DecodeFolderContentsResponse(frame)
		if err != nil {
			c.dropPeerFrame(username, code, err)
			return
		}
		c.waiter.Complete(waiter.Key{Op: waiter.OpFolderContents, Username: username, Token: msg.Token}, msg)

	default:
		c.log.Debug("Unhandled peer message", slogutil.Username(username), slog.Any("code", code))
	}
}

// handleTransferRequest covers both directions of remote initiative: an
// Upload request starts a download we have queued; a Download request is
// the remote asking to fetch a file from us.
func (c *SoulseekClient) handleTransferRequest(pc *conn.MessageConn, msg wire.TransferRequest) {
	username := pc.Username()
	switch msg.Direction {
	case wire.DirectionUpload:
		key := waiter.Key{Op: waiter.OpTransferRequested, Username: username, Filename: msg.Filename}
		if !c.waiter.TryComplete(key, msg) {
			// Nothing of ours matches; tell the remote not to bother.
			_ = pc.Write(wire.TransferResponse{Token: msg.Token, Allowed: false, Reason: "Cancelled"}.Encode())
		}
	case wire.DirectionDownload:
		c.goSafe("enqueue-download", func() {
			c.handleEnqueueTransferRequest(pc, username, msg)
		})
	}
}

// handleEnqueueTransferRequest answers a remote's wish to download from
// us, consulting the enqueue action.
func (c *SoulseekClient) handleEnqueueTransferRequest(pc *conn.MessageConn, username string, msg wire.TransferRequest) {
	if err := c.enqueueAllowed(username, pc.Key().Address, msg.Filename); err != nil {
		_ = pc.Write(wire.TransferResponse{Token: msg.Token, Allowed: false, Reason: err.Error()}.Encode())
		return
	}
	// Accepted into the queue; the host starts the actual upload through
	// the Upload API when a slot frees up.
	_ = pc.Write(wire.TransferResponse{Token: msg.Token, Allowed: false, Reason: "Queued"}.Encode())
}

// handleEnqueue answers a bare queue request with no token to respond to;
// rejections go back as QueueFailed.
func (c *SoulseekClient) handleEnqueue(pc *conn.MessageConn, username, filename string) {
	if err := c.enqueueAllowed(username, pc.Key().Address, filename); err != nil {
		_ = pc.Write(wire.QueueFailed{Filename: filename, Reason: err.Error()}.Encode())
	}
}

func (c *SoulseekClient) enqueueAllowed(username string, endpoint netip.AddrPort, filename string) error {
	if c.cfg.EnqueueDownloadAction == nil {
		return errEnqueueRejected
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolverTimeout)
	defer cancel()
	if err := c.cfg.EnqueueDownloadAction(ctx, username, endpoint, filename); err != nil {
		return err
	}
	return nil
}

// resolveSearch answers a search query reaching this node, from whatever
// direction. Responses travel over the searcher's peer message connection,
// reusing an existing one or acquiring a new one; no match means no reply.
func (c *SoulseekClient) resolveSearch(username string, token uint32, query string) {
	if c.cfg.SearchResponseResolver == nil {
		return
	}
	if username == c.Username() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolverTimeout)
	defer cancel()
	resp, err := c.cfg.SearchResponseResolver(ctx, username, token, query)
	if err != nil {
		c.diag(slog.LevelWarn, "search resolver failed", slogutil.Username(username), slogutil.Error(err))
		return
	}
	if resp == nil || len(resp.Files) == 0 {
		return
	}
	resp.Username = c.Username()
	resp.Token = token
	if c.cfg.UploadStatusProvider != nil {
		resp.FreeUploadSlots, resp.UploadSpeed, resp.QueueLength = c.cfg.UploadStatusProvider()
	}
	pc, err := c.peers.Get(ctx, username)
	if err != nil {
		c.diag(slog.LevelDebug, "cannot deliver search response", slogutil.Username(username), slogutil.Error(err))
		return
	}
	_ = pc.Write(resp.Encode())
}

func (c *SoulseekClient) dropPeerFrame(username string, code wire.PeerCode, err error) {
	c.diag(slog.LevelWarn, "dropping malformed peer message", slogutil.Username(username), slog.Any("code", code), slogutil.Error(err))
}
