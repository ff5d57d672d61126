// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"context"

	"golang.org/x/time/rate"
)

// limiterBurstSize is larger than any single chunk so WaitN never asks for
// more than the burst.
const limiterBurstSize = 4 * chunkSize

// RateGovernor returns a Governor enforcing a byte rate across all
// transfers it is attached to. Zero or negative means unlimited.
func RateGovernor(bytesPerSecond int) Governor {
	if bytesPerSecond <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(bytesPerSecond), limiterBurstSize)
	return func(ctx context.Context, bytes int) error {
		if bytes > limiterBurstSize {
			bytes = limiterBurstSize
		}
		return lim.WaitN(ctx, bytes)
	}
}
