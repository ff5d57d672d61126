// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package waiter correlates outbound requests with inbound responses. Each
// wait is enqueued under a composite key; handlers complete or fail the
// oldest wait for a key when the matching message arrives. A monitor
// expires and cancels waits from the queue heads.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Op is the operation a wait belongs to; one namespace across server, peer
// and connection level waits.
type Op uint32

const (
	OpLogin Op = iota
	OpPeerAddress
	OpAddUser
	OpUserStatus
	OpRoomList
	OpPrivilegedUsers
	OpSolicitedConnection
	OpDirectTransfer
	OpTransferResponse
	OpTransferRequested
	OpBrowse
	OpUserInfo
	OpPlaceInQueue
	OpFolderContents
)

// Key is the composite wait key. Unused discriminators stay at their zero
// values; equality is structural over all fields.
type Key struct {
	Op       Op
	Username string
	Filename string
	Token    uint32
}

func (k Key) String() string {
	return fmt.Sprintf("wait(%d, %q, %q, %d)", k.Op, k.Username, k.Filename, k.Token)
}

// TimeoutError reports that a wait expired before completion.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wait timed out after %v", e.Timeout)
}

// ErrCancelled is returned for waits whose cancellation signal fired, and
// for all waits pending when the waiter shuts down.
var ErrCancelled = errors.New("wait cancelled")

const monitorInterval = 500 * time.Millisecond

// Indefinitely disables the timeout for a single wait.
const Indefinitely time.Duration = -1

type outcome struct {
	value any
	err   error
}

type pending struct {
	ch       chan outcome
	enqueued time.Time
	timeout  time.Duration
	ctx      context.Context
}

func (p *pending) resolve(o outcome) {
	// The channel is buffered and each pending is popped exactly once, so
	// this never blocks.
	p.ch <- o
}

type queue struct {
	waits []*pending
}

type Waiter struct {
	defaultTimeout time.Duration
	log            *slog.Logger

	queues *xsync.MapOf[Key, *queue]

	stop     chan struct{}
	stopOnce sync.Once
}

func New(defaultTimeout time.Duration, log *slog.Logger) *Waiter {
	w := &Waiter{
		defaultTimeout: defaultTimeout,
		log:            log,
		queues:         xsync.NewMapOf[Key, *queue](),
		stop:           make(chan struct{}),
	}
	go w.monitor()
	return w
}

// Stop cancels all pending waits and halts the monitor.
func (w *Waiter) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.CancelAll()
	})
}

// add enqueues a wait. timeout zero means the waiter default; negative
// means no timeout. ctx may be nil.
func (w *Waiter) add(key Key, timeout time.Duration, ctx context.Context) *pending {
	if timeout == 0 {
		timeout = w.defaultTimeout
	}
	p := &pending{
		ch:       make(chan outcome, 1),
		enqueued: time.Now(),
		timeout:  timeout,
		ctx:      ctx,
	}
	w.queues.Compute(key, func(q *queue, loaded bool) (*queue, bool) {
		if !loaded {
			q = &queue{}
		}
		q.waits = append(q.waits, p)
		return q, false
	})
	return p
}

// pop removes and returns the oldest wait for key, or nil.
func (w *Waiter) pop(key Key) *pending {
	var p *pending
	w.queues.Compute(key, func(q *queue, loaded bool) (*queue, bool) {
		if !loaded || len(q.waits) == 0 {
			return q, true
		}
		p = q.waits[0]
		q.waits = q.waits[1:]
		return q, len(q.waits) == 0
	})
	return p
}

// Complete satisfies the oldest wait on key with value. A completion with
// no pending wait is a no-op.
func (w *Waiter) Complete(key Key, value any) {
	w.TryComplete(key, value)
}

// TryComplete is Complete, reporting whether a wait was actually
// satisfied.
func (w *Waiter) TryComplete(key Key, value any) bool {
	p := w.pop(key)
	if p == nil {
		return false
	}
	p.resolve(outcome{value: value})
	return true
}

// Throw fails the oldest wait on key.
func (w *Waiter) Throw(key Key, err error) {
	if p := w.pop(key); p != nil {
		p.resolve(outcome{err: err})
	}
}

// CancelAll fails every pending wait with ErrCancelled.
func (w *Waiter) CancelAll() {
	w.queues.Range(func(key Key, _ *queue) bool {
		for {
			p := w.pop(key)
			if p == nil {
				break
			}
			p.resolve(outcome{err: ErrCancelled})
		}
		return true
	})
}

// monitor scans queue heads: cancelled waits fail with ErrCancelled,
// expired ones with a TimeoutError. Only heads are checked; FIFO order
// means nothing behind the head can be older.
func (w *Waiter) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			now := time.Now()
			w.queues.Range(func(key Key, _ *queue) bool {
				w.expireHeads(key, now)
				return true
			})
		}
	}
}

func (w *Waiter) expireHeads(key Key, now time.Time) {
	for {
		var expired *pending
		var failure error
		w.queues.Compute(key, func(q *queue, loaded bool) (*queue, bool) {
			expired, failure = nil, nil
			if !loaded || len(q.waits) == 0 {
				return q, true
			}
			head := q.waits[0]
			switch {
			case head.ctx != nil && head.ctx.Err() != nil:
				failure = ErrCancelled
			case head.timeout > 0 && head.enqueued.Add(head.timeout).Before(now):
				failure = &TimeoutError{Timeout: head.timeout}
			default:
				return q, false
			}
			expired = head
			q.waits = q.waits[1:]
			return q, len(q.waits) == 0
		})
		if expired == nil {
			return
		}
		w.log.Debug("Expiring wait", slog.String("key", key.String()), slog.Any("reason", failure))
		expired.resolve(outcome{err: failure})
	}
}

// Await blocks until the wait completes, expires or is cancelled, and
// returns the completion value as T. Completing a key with a value of the
// wrong type fails the wait rather than panicking.
func Await[T any](w *Waiter, key Key, timeout time.Duration, ctx context.Context) (T, error) {
	p := w.add(key, timeout, ctx)
	out := <-p.ch
	var zero T
	if out.err != nil {
		return zero, out.err
	}
	v, ok := out.value.(T)
	if !ok {
		return zero, fmt.Errorf("wait %s completed with %T, expected %T", key, out.value, zero)
	}
	return v, nil
}

// AwaitIndefinitely waits with no timeout, bounded only by ctx.
func AwaitIndefinitely[T any](w *Waiter, key Key, ctx context.Context) (T, error) {
	return Await[T](w, key, Indefinitely, ctx)
}
