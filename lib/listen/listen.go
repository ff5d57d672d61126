// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package listen runs the single TCP listener for inbound connections. For
// each accepted socket it reads the one initialization frame, decides
// whether the remote sent PeerInit or PierceFirewall, and hands the socket
// off. Handoff transfers ownership; the listener never touches the socket
// again.
package listen

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/slsknet/slsknet/lib/slogutil"
	"github.com/slsknet/slsknet/lib/wire"
)

// maxInitFrameLen bounds the first frame; initialization messages are a
// few dozen bytes.
const maxInitFrameLen = 4096

// Handoff receives accepted sockets with their decoded first frame.
// Exactly one of the two methods is called per socket.
type Handoff interface {
	HandlePeerInit(sock net.Conn, init wire.PeerInit)
	HandlePierceFirewall(sock net.Conn, msg wire.PierceFirewall)
}

type Listener struct {
	addr        string
	initTimeout time.Duration
	handoff     Handoff
	log         *slog.Logger
}

func New(port uint16, initTimeout time.Duration, handoff Handoff, log *slog.Logger) *Listener {
	return &Listener{
		addr:        fmt.Sprintf(":%d", port),
		initTimeout: initTimeout,
		handoff:     handoff,
		log:         log,
	}
}

// Serve accepts until ctx is done. It implements suture.Service.
func (l *Listener) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	defer listener.Close()
	l.log.Info("Listening for incoming connections", slogutil.Address(listener.Addr()))

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		sock, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		go l.receive(sock)
	}
}

// receive reads the initialization frame and hands the socket off. The
// read deadline is cleared before handoff.
func (l *Listener) receive(sock net.Conn) {
	frame, err := l.readInitFrame(sock)
	if err != nil {
		l.log.Debug("Dropping inbound connection", slogutil.Address(sock.RemoteAddr()), slogutil.Error(err))
		_ = sock.Close()
		return
	}
	_ = sock.SetReadDeadline(time.Time{})

	code, err := wire.PeekInitCode(frame)
	if err != nil {
		_ = sock.Close()
		return
	}
	switch code {
	case wire.InitPeerInit:
		init, err := wire.DecodePeerInit(frame)
		if err != nil {
			l.log.Debug("Bad PeerInit frame", slogutil.Address(sock.RemoteAddr()), slogutil.Error(err))
			_ = sock.Close()
			return
		}
		l.handoff.HandlePeerInit(sock, init)
	case wire.InitPierceFirewall:
		msg, err := wire.DecodePierceFirewall(frame)
		if err != nil {
			l.log.Debug("Bad PierceFirewall frame", slogutil.Address(sock.RemoteAddr()), slogutil.Error(err))
			_ = sock.Close()
			return
		}
		l.handoff.HandlePierceFirewall(sock, msg)
	default:
		l.log.Debug("Unknown initialization code", slogutil.Address(sock.RemoteAddr()), slog.Any("code", code))
		_ = sock.Close()
	}
}

func (l *Listener) readInitFrame(sock net.Conn) ([]byte, error) {
	if l.initTimeout > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(l.initTimeout))
	}
	var hdr [4]byte
	if _, err := io.ReadFull(sock, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 || n > maxInitFrameLen {
		return nil, errors.New("implausible initialization frame length")
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(sock, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
