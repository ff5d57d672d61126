// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"io"
	"math"

	"github.com/slsknet/slsknet/lib/conn"
	"github.com/slsknet/slsknet/lib/transfer"
	"github.com/slsknet/slsknet/lib/waiter"
	"github.com/slsknet/slsknet/lib/wire"
)

// TransferOptions tune a single transfer.
type TransferOptions struct {
	// Token forces a specific transfer token; zero allocates one.
	Token uint32
	// Governor paces the byte pump; nil runs unthrottled.
	Governor transfer.Governor
}

// Download fetches a file from a user into w. The call blocks through
// negotiation, possible remote side queueing, and the byte pump; progress
// and state land on the event bus throughout. Once the transfer is
// registered, the returned transfer carries the final state even on error;
// when the client is not logged in, or the same file from the same user is
// already downloading, the returned transfer is nil.
func (c *SoulseekClient) Download(ctx context.Context, username, filename string, w io.Writer, opts *TransferOptions) (*transfer.Transfer, error) {
	if c.State()&StateLoggedIn == 0 {
		return nil, ErrNotLoggedIn
	}
	var o TransferOptions
	if opts != nil {
		o = *opts
	}
	token := o.Token
	if token == 0 {
		token = c.tokens.NextWhere(c.tokenFree)
	}

	t := transfer.New(wire.DirectionDownload, username, filename, token, o.Governor, c.cfg.InactivityTimeout, c.ev, c.log)
	key := transferKey{username, filename}
	if _, loaded := c.downloads.LoadOrStore(key, t); loaded {
		return nil, &TransferRejectedError{Reason: "download already in flight"}
	}
	defer c.downloads.Delete(key)

	_ = t.SetState(transfer.StateRequested)
	err := c.download(ctx, t, w)
	return t, err
}

func (c *SoulseekClient) download(ctx context.Context, t *transfer.Transfer, w io.Writer) error {
	username, filename, token := t.Username, t.Filename, t.Token

	pc, err := c.peers.Get(ctx, username)
	if err != nil {
		_ = t.SetState(transfer.StateErrored)
		return err
	}
	req := wire.TransferRequest{Direction: wire.DirectionDownload, Token: token, Filename: filename}
	if err := pc.Write(req.Encode()); err != nil {
		_ = t.SetState(transfer.StateErrored)
		return err
	}

	resp, err := waiter.Await[wire.TransferResponse](c.waiter, waiter.Key{Op: waiter.OpTransferResponse, Username: username, Token: token}, 0, ctx)
	if err != nil {
		_ = t.SetState(transfer.StateErrored)
		return err
	}

	remoteToken := token
	if resp.Allowed {
		if resp.FileSize > math.MaxInt32 {
			_ = t.SetState(transfer.StateErrored)
			return ErrFileTooLarge
		}
		t.SetSize(int64(resp.FileSize))
	} else {
		// The remote queues us and comes back with its own transfer
		// request when our turn arrives; it dictates the direction from
		// there.
		_ = t.SetState(transfer.StateQueued)
		remoteReq, err := waiter.AwaitIndefinitely[wire.TransferRequest](c.waiter, waiter.Key{Op: waiter.OpTransferRequested, Username: username, Filename: filename}, ctx)
		if err != nil {
			_ = t.SetState(transfer.StateErrored)
			return err
		}
		if remoteReq.FileSize > math.MaxInt32 {
			_ = pc.Write(wire.TransferResponse{Token: remoteReq.Token, Allowed: false, Reason: ErrFileTooLarge.Error()}.Encode())
			_ = t.SetState(transfer.StateErrored)
			return ErrFileTooLarge
		}
		remoteToken = remoteReq.Token
		t.RemoteToken = remoteToken
		t.SetSize(int64(remoteReq.FileSize))
		if err := pc.Write(wire.TransferResponse{Token: remoteToken, Allowed: true}.Encode()); err != nil {
			_ = t.SetState(transfer.StateErrored)
			return err
		}
	}

	_ = t.SetState(transfer.StateInitializing)
	tc, err := waiter.AwaitIndefinitely[*conn.Conn](c.waiter, waiter.Key{Op: waiter.OpDirectTransfer, Username: username, Token: remoteToken}, ctx)
	if err != nil {
		_ = t.SetState(transfer.StateErrored)
		return err
	}
	return t.Download(ctx, tc, w)
}

// Upload sends size bytes from r to a user who queued the file from us.
func (c *SoulseekClient) Upload(ctx context.Context, username, filename string, size int64, r io.Reader, opts *TransferOptions) (*transfer.Transfer, error) {
	if c.State()&StateLoggedIn == 0 {
		return nil, ErrNotLoggedIn
	}
	if size > math.MaxInt32 {
		return nil, ErrFileTooLarge
	}
	var o TransferOptions
	if opts != nil {
		o = *opts
	}
	token := o.Token
	if token == 0 {
		token = c.tokens.NextWhere(c.tokenFree)
	}

	t := transfer.New(wire.DirectionUpload, username, filename, token, o.Governor, c.cfg.InactivityTimeout, c.ev, c.log)
	t.SetSize(size)
	if _, loaded := c.uploads.LoadOrStore(token, t); loaded {
		return nil, &TransferRejectedError{Reason: "token already in flight"}
	}
	defer c.uploads.Delete(token)

	_ = t.SetState(transfer.StateRequested)
	err := c.upload(ctx, t, r)
	return t, err
}

func (c *SoulseekClient) upload(ctx context.Context, t *transfer.Transfer, r io.Reader) error {
	username, filename, token := t.Username, t.Filename, t.Token

	pc, err := c.peers.Get(ctx, username)
	if err != nil {
		_ = t.SetState(transfer.StateErrored)
		return err
	}
	req := wire.TransferRequest{Direction: wire.DirectionUpload, Token: token, Filename: filename, FileSize: uint64(t.Size())}
	if err := pc.Write(req.Encode()); err != nil {
		_ = t.SetState(transfer.StateErrored)
		return err
	}

	resp, err := waiter.Await[wire.TransferResponse](c.waiter, waiter.Key{Op: waiter.OpTransferResponse, Username: username, Token: token}, 0, ctx)
	if err != nil {
		_ = t.SetState(transfer.StateErrored)
		return err
	}
	if !resp.Allowed {
		_ = t.SetState(transfer.StateErrored)
		return &TransferRejectedError{Reason: resp.Reason}
	}

	_ = t.SetState(transfer.StateInitializing)
	// We open the transfer connection; the token we supplied identifies
	// the transfer on their side.
	tc, err := c.peers.GetTransfer(ctx, username, token)
	if err != nil {
		_ = t.SetState(transfer.StateErrored)
		return err
	}
	return t.Upload(ctx, tc, r)
}

// tokenFree reports whether no in-flight transfer uses the token.
func (c *SoulseekClient) tokenFree(token uint32) bool {
	if _, ok := c.uploads.Load(token); ok {
		return false
	}
	free := true
	c.downloads.Range(func(_ transferKey, t *transfer.Transfer) bool {
		if t.Token == token || t.RemoteToken == token {
			free = false
			return false
		}
		return true
	})
	return free
}
