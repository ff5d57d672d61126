// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slsknet/slsknet/lib/config"
	"github.com/slsknet/slsknet/lib/conn"
	"github.com/slsknet/slsknet/lib/events"
	"github.com/slsknet/slsknet/lib/wire"
)

func testTransfer(direction wire.TransferDirection, governor Governor, inactivity time.Duration, ev *events.Logger) *Transfer {
	if ev == nil {
		ev = events.NoopLogger
	}
	return New(direction, "remote", "music\\song.mp3", 1, governor, inactivity, ev, slog.Default())
}

func transferConn(t *testing.T) (*conn.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	opts := config.ConnectionOptions{WriteBufferSize: 1 << 20}
	c := conn.NewAccepted(conn.Key{Username: "remote", Type: wire.ConnectionTypeTransfer}, a, opts, slog.Default(), nil)
	t.Cleanup(func() {
		c.Disconnect("test over")
		_ = b.Close()
	})
	return c, b
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		sequence []State
		fails    int // index of the transition expected to fail, -1 for none
	}{
		{[]State{StateRequested, StateQueued, StateInitializing, StateInProgress, StateSucceeded}, -1},
		{[]State{StateRequested, StateInitializing, StateInProgress, StateErrored}, -1},
		{[]State{StateRequested, StateQueued, StateCancelled}, -1},
		// must be requested first
		{[]State{StateQueued}, 0},
		// skips initializing
		{[]State{StateRequested, StateInProgress}, 1},
		// no way out of a terminal state
		{[]State{StateRequested, StateCancelled, StateQueued}, 2},
	}

	for i, tc := range cases {
		tr := testTransfer(wire.DirectionDownload, nil, 0, nil)
		for j, next := range tc.sequence {
			err := tr.SetState(next)
			if tc.fails == j {
				if err == nil {
					t.Errorf("case %d: transition %d to %s unexpectedly allowed", i, j, next)
				}
				break
			}
			if err != nil {
				t.Errorf("case %d: transition %d to %s failed: %v", i, j, next, err)
				break
			}
		}
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	tr := testTransfer(wire.DirectionDownload, nil, 0, nil)
	_ = tr.SetState(StateRequested)
	_ = tr.SetState(StateInitializing)
	_ = tr.SetState(StateInProgress)
	if err := tr.SetState(StateSucceeded); err != nil {
		t.Fatal(err)
	}

	if got := tr.State(); got != StateSucceeded|StateCompleted {
		t.Fatalf("state is %s", got)
	}
	for _, next := range []State{StateRequested, StateQueued, StateInitializing, StateInProgress, StateErrored} {
		if err := tr.SetState(next); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("transition to %s out of terminal state gave %v", next, err)
		}
	}
}

func TestDownloadPump(t *testing.T) {
	ev := events.NewLogger()
	sub := ev.Subscribe(events.TransferProgress | events.TransferStateChanged)
	defer ev.Unsubscribe(sub)

	tr := testTransfer(wire.DirectionDownload, nil, time.Second, ev)
	_ = tr.SetState(StateRequested)
	_ = tr.SetState(StateInitializing)
	tr.SetSize(1024)

	tc, remote := transferConn(t)
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		// Two half sized writes with a gap, so a mid transfer progress
		// event fires between them.
		time.Sleep(600 * time.Millisecond)
		_, _ = remote.Write(payload[:512])
		time.Sleep(600 * time.Millisecond)
		_, _ = remote.Write(payload[512:])
	}()

	var sink bytes.Buffer
	if err := tr.Download(context.Background(), tc, &sink); err != nil {
		t.Fatal(err)
	}
	if got := tr.State(); got != StateSucceeded|StateCompleted {
		t.Fatalf("state is %s", got)
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatal("downloaded bytes differ")
	}

	// Expect progress at 0, somewhere midway, and 100 percent.
	var seen []int64
	for {
		e, err := sub.Poll(100 * time.Millisecond)
		if err != nil {
			break
		}
		if e.Type == events.TransferProgress {
			seen = append(seen, e.Data.(ProgressEvent).BytesTransferred)
		}
	}
	if len(seen) < 3 {
		t.Fatalf("only %d progress events: %v", len(seen), seen)
	}
	if seen[0] != 0 {
		t.Errorf("first progress at %d bytes", seen[0])
	}
	if seen[len(seen)-1] != 1024 {
		t.Errorf("last progress at %d bytes", seen[len(seen)-1])
	}
	mid := false
	for _, v := range seen {
		if v > 0 && v < 1024 {
			mid = true
		}
	}
	if !mid {
		t.Errorf("no midway progress event: %v", seen)
	}
}

func TestUploadPump(t *testing.T) {
	tr := testTransfer(wire.DirectionUpload, nil, time.Second, nil)
	_ = tr.SetState(StateRequested)
	_ = tr.SetState(StateInitializing)
	tr.SetSize(2048)

	tc, remote := transferConn(t)
	received := make(chan []byte, 1)
	go func() {
		buf, _ := io.ReadAll(io.LimitReader(remote, 2048))
		received <- buf
	}()

	payload := bytes.Repeat([]byte{7}, 2048)
	if err := tr.Upload(context.Background(), tc, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if got := tr.State(); got != StateSucceeded|StateCompleted {
		t.Fatalf("state is %s", got)
	}
	if got := <-received; !bytes.Equal(got, payload) {
		t.Fatal("uploaded bytes differ")
	}
}

func TestGovernorIsConsulted(t *testing.T) {
	var calls atomic.Int32
	governor := func(ctx context.Context, bytes int) error {
		calls.Add(1)
		return nil
	}
	tr := testTransfer(wire.DirectionUpload, governor, time.Second, nil)
	_ = tr.SetState(StateRequested)
	_ = tr.SetState(StateInitializing)
	tr.SetSize(1024)

	tc, remote := transferConn(t)
	go func() { _, _ = io.ReadAll(io.LimitReader(remote, 1024)) }()

	if err := tr.Upload(context.Background(), tc, bytes.NewReader(make([]byte, 1024))); err != nil {
		t.Fatal(err)
	}
	if calls.Load() == 0 {
		t.Error("governor never consulted")
	}
}

func TestDownloadCancellation(t *testing.T) {
	tr := testTransfer(wire.DirectionDownload, nil, time.Minute, nil)
	_ = tr.SetState(StateRequested)
	_ = tr.SetState(StateInitializing)
	tr.SetSize(1 << 20)

	tc, remote := transferConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		cancel()
		// Keep some bytes flowing so the pump cannot mistake
		// cancellation for inactivity.
		_, _ = remote.Write(make([]byte, chunkSize))
	}()

	err := tr.Download(ctx, tc, io.Discard)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if got := tr.State(); got != StateCancelled|StateCompleted {
		t.Fatalf("state is %s", got)
	}
}

func TestDownloadInactivityTimeout(t *testing.T) {
	tr := testTransfer(wire.DirectionDownload, nil, 100*time.Millisecond, nil)
	_ = tr.SetState(StateRequested)
	_ = tr.SetState(StateInitializing)
	tr.SetSize(1024)

	tc, _ := transferConn(t)
	err := tr.Download(context.Background(), tc, io.Discard)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if got := tr.State(); got != StateTimedOut|StateCompleted {
		t.Fatalf("state is %s", got)
	}
}

func TestRateGovernorUnlimited(t *testing.T) {
	if RateGovernor(0) != nil {
		t.Error("zero rate should mean no governor")
	}
	if RateGovernor(-1) != nil {
		t.Error("negative rate should mean no governor")
	}
}

func TestRateGovernorPaces(t *testing.T) {
	g := RateGovernor(64 << 10)
	start := time.Now()
	// First waits drain the burst allowance; subsequent ones must be
	// paced at the configured rate.
	for i := 0; i < 6; i++ {
		if err := g(context.Background(), 32<<10); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("6 chunks passed in %v, expected pacing", elapsed)
	}
}
