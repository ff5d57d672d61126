// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tokens allocates the 32 bit correlation tokens that tie remote
// responses and inbound connections back to local requests.
package tokens

import (
	crand "crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// Allocator hands out tokens from a randomized starting point, wrapping on
// overflow. The random start keeps tokens from colliding across client
// restarts, which matters because remotes key in-flight work on them.
type Allocator struct {
	next atomic.Uint32
}

func NewAllocator() *Allocator {
	a := &Allocator{}
	var seed [4]byte
	_, _ = crand.Read(seed[:])
	a.next.Store(binary.LittleEndian.Uint32(seed[:]))
	return a
}

// Next returns the next token.
func (a *Allocator) Next() uint32 {
	return a.next.Add(1)
}

// NextWhere returns the next token satisfying pred, used to avoid handing
// out a token that is already attached to in-flight work. pred must admit
// at least one token in every run of 2^32; in practice callers have a small
// set of outstanding tokens and the first candidate wins.
func (a *Allocator) NextWhere(pred func(uint32) bool) uint32 {
	for {
		t := a.next.Add(1)
		if pred == nil || pred(t) {
			return t
		}
	}
}
