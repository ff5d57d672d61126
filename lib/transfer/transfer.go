// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transfer runs the state machine for a single upload or download:
// negotiation, the byte pump over a separately established transfer
// connection, pacing through a governor, and progress reporting.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/slsknet/slsknet/lib/conn"
	"github.com/slsknet/slsknet/lib/events"
	"github.com/slsknet/slsknet/lib/slogutil"
	"github.com/slsknet/slsknet/lib/wire"
)

// State is a bitset. Exactly one disposition bit is set at a time;
// Completed is OR-ed onto the final disposition and is terminal.
type State uint32

const (
	StateNone         State = 0
	StateRequested    State = 1 << 0
	StateQueued       State = 1 << 1
	StateInitializing State = 1 << 2
	StateInProgress   State = 1 << 3
	StateSucceeded    State = 1 << 4
	StateErrored      State = 1 << 5
	StateTimedOut     State = 1 << 6
	StateCancelled    State = 1 << 7
	StateCompleted    State = 1 << 8
)

func (s State) String() string {
	base := ""
	switch s &^ StateCompleted {
	case StateNone:
		base = "none"
	case StateRequested:
		base = "requested"
	case StateQueued:
		base = "queued"
	case StateInitializing:
		base = "initializing"
	case StateInProgress:
		base = "inprogress"
	case StateSucceeded:
		base = "succeeded"
	case StateErrored:
		base = "errored"
	case StateTimedOut:
		base = "timedout"
	case StateCancelled:
		base = "cancelled"
	default:
		base = "invalid"
	}
	if s&StateCompleted != 0 {
		return "completed, " + base
	}
	return base
}

// IsTerminal reports whether the transfer has finished, in whatever way.
func (s State) IsTerminal() bool {
	return s&StateCompleted != 0
}

// Governor is awaited between chunks and may block until quota allows
// further I/O.
type Governor func(ctx context.Context, bytes int) error

var (
	// ErrInvalidTransition is returned for transitions the state machine
	// does not allow, including anything out of a Completed state.
	ErrInvalidTransition = errors.New("invalid transfer state transition")

	// ErrCancelled is returned when the caller's cancellation fired
	// between chunks.
	ErrCancelled = errors.New("transfer cancelled")
)

const (
	chunkSize        = 32 << 10
	progressInterval = 500 * time.Millisecond
)

// StateChangedEvent is the payload of TransferStateChanged events.
type StateChangedEvent struct {
	Username  string
	Filename  string
	Direction wire.TransferDirection
	Previous  State
	Current   State
}

// ProgressEvent is the payload of TransferProgress events.
type ProgressEvent struct {
	Username         string
	Filename         string
	Direction        wire.TransferDirection
	BytesTransferred int64
	Size             int64
	AverageSpeed     float64
}

// Transfer is one upload or download.
type Transfer struct {
	Direction   wire.TransferDirection
	Username    string
	Filename    string
	Token       uint32
	RemoteToken uint32

	log    *slog.Logger
	events *events.Logger

	governor          Governor
	inactivityTimeout time.Duration

	mut          sync.Mutex
	state        State
	size         int64
	transferred  int64
	started      time.Time
	placeInQueue uint32
}

func New(direction wire.TransferDirection, username, filename string, token uint32, governor Governor, inactivityTimeout time.Duration, evLogger *events.Logger, log *slog.Logger) *Transfer {
	return &Transfer{
		Direction:         direction,
		Username:          username,
		Filename:          filename,
		Token:             token,
		governor:          governor,
		inactivityTimeout: inactivityTimeout,
		events:            evLogger,
		log:               log,
		state:             StateNone,
	}
}

func (t *Transfer) State() State {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.state
}

func (t *Transfer) Size() int64 {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.size
}

func (t *Transfer) SetSize(n int64) {
	t.mut.Lock()
	t.size = n
	t.mut.Unlock()
}

func (t *Transfer) BytesTransferred() int64 {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.transferred
}

func (t *Transfer) PlaceInQueue() uint32 {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.placeInQueue
}

func (t *Transfer) SetPlaceInQueue(p uint32) {
	t.mut.Lock()
	t.placeInQueue = p
	t.mut.Unlock()
}

// AverageSpeed is bytes per second since the transfer went InProgress.
func (t *Transfer) AverageSpeed() float64 {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.averageSpeedLocked()
}

func (t *Transfer) averageSpeedLocked() float64 {
	if t.started.IsZero() {
		return 0
	}
	elapsed := time.Since(t.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.transferred) / elapsed
}

// validTransition is the allowed-successor table.
func validTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StateNone:
		return to == StateRequested
	case StateRequested:
		return to == StateQueued || to == StateInitializing || to.isDisposition()
	case StateQueued:
		return to == StateInitializing || to.isDisposition()
	case StateInitializing:
		return to == StateInProgress || to.isDisposition()
	case StateInProgress:
		return to.isDisposition()
	default:
		return false
	}
}

func (s State) isDisposition() bool {
	d := s &^ StateCompleted
	return d == StateSucceeded || d == StateErrored || d == StateTimedOut || d == StateCancelled
}

// SetState moves the machine along, final dispositions gaining the
// Completed flag. Invalid transitions are rejected.
func (t *Transfer) SetState(next State) error {
	if next.isDisposition() {
		next |= StateCompleted
	}
	t.mut.Lock()
	prev := t.state
	if !validTransition(prev, next) {
		t.mut.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, prev, next)
	}
	t.state = next
	if next&StateInProgress != 0 && t.started.IsZero() {
		t.started = time.Now()
	}
	t.mut.Unlock()

	t.log.Debug("Transfer state changed", slogutil.Username(t.Username), slogutil.Filename(t.Filename), slog.String("from", prev.String()), slog.String("to", next.String()))
	t.events.Log(events.TransferStateChanged, StateChangedEvent{
		Username:  t.Username,
		Filename:  t.Filename,
		Direction: t.Direction,
		Previous:  prev,
		Current:   next,
	})
	return nil
}

func (t *Transfer) progress() {
	t.mut.Lock()
	ev := ProgressEvent{
		Username:         t.Username,
		Filename:         t.Filename,
		Direction:        t.Direction,
		BytesTransferred: t.transferred,
		Size:             t.size,
		AverageSpeed:     t.averageSpeedLocked(),
	}
	t.mut.Unlock()
	t.events.Log(events.TransferProgress, ev)
}

func (t *Transfer) addBytes(n int) {
	t.mut.Lock()
	t.transferred += int64(n)
	t.mut.Unlock()
	metricBytesTotal.WithLabelValues(t.Direction.String()).Add(float64(n))
}

// Download pumps size bytes from the transfer connection into w. Progress
// events fire at the start, at most once per tick in between, and at the
// end.
func (t *Transfer) Download(ctx context.Context, tc *conn.Conn, w io.Writer) error {
	if err := t.SetState(StateInProgress); err != nil {
		return err
	}
	defer tc.Disconnect("transfer finished")

	t.progress()
	lastProgress := time.Now()
	buf := make([]byte, chunkSize)
	for t.BytesTransferred() < t.Size() {
		if err := ctx.Err(); err != nil {
			_ = t.SetState(StateCancelled)
			return ErrCancelled
		}
		if t.governor != nil {
			if err := t.governor(ctx, chunkSize); err != nil {
				_ = t.SetState(StateCancelled)
				return ErrCancelled
			}
		}

		want := t.Size() - t.BytesTransferred()
		if want > chunkSize {
			want = chunkSize
		}
		n, err := tc.ReadChunk(buf[:want], t.inactivityTimeout)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				_ = t.SetState(StateErrored)
				return werr
			}
			t.addBytes(n)
			if time.Since(lastProgress) >= progressInterval {
				t.progress()
				lastProgress = time.Now()
			}
		}
		if err != nil {
			if t.BytesTransferred() >= t.Size() {
				break
			}
			return t.failPump(err)
		}
	}

	t.progress()
	return t.SetState(StateSucceeded)
}

// Upload pumps size bytes from r onto the transfer connection.
func (t *Transfer) Upload(ctx context.Context, tc *conn.Conn, r io.Reader) error {
	if err := t.SetState(StateInProgress); err != nil {
		return err
	}
	defer tc.Disconnect("transfer finished")

	t.progress()
	lastProgress := time.Now()
	buf := make([]byte, chunkSize)
	for t.BytesTransferred() < t.Size() {
		if err := ctx.Err(); err != nil {
			_ = t.SetState(StateCancelled)
			return ErrCancelled
		}
		if t.governor != nil {
			if err := t.governor(ctx, chunkSize); err != nil {
				_ = t.SetState(StateCancelled)
				return ErrCancelled
			}
		}

		want := t.Size() - t.BytesTransferred()
		if want > chunkSize {
			want = chunkSize
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			if werr := tc.Write(buf[:n]); werr != nil {
				return t.failPump(werr)
			}
			t.addBytes(n)
			if time.Since(lastProgress) >= progressInterval {
				t.progress()
				lastProgress = time.Now()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && t.BytesTransferred() >= t.Size() {
				break
			}
			_ = t.SetState(StateErrored)
			return err
		}
	}

	t.progress()
	return t.SetState(StateSucceeded)
}

func (t *Transfer) failPump(err error) error {
	if isTimeout(err) {
		_ = t.SetState(StateTimedOut)
	} else {
		_ = t.SetState(StateErrored)
	}
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
