// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ratelimit wraps a pump.Downstream with a token-bucket rate limit,
// capping how fast decrypted (or, for the ciphertext side, encrypted) bytes
// flow to their final destination.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/tlspump/pump"
)

// maxBurstSize caps the token bucket's burst at 256KB, matching the
// pipeline's own 256KB ReadBuffer hard cap so a single granted burst can
// never represent more than one full buffer's worth of backlog.
const maxBurstSize = 256 * 1024

// ThrottledDownstream wraps a pump.Downstream, splitting each frame into
// chunks of at most the limiter's burst size and blocking OnNext until the
// limiter has tokens for each chunk before forwarding that chunk.
type ThrottledDownstream struct {
	next    pump.Downstream
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledDownstream wraps next with a bytesPerSec token-bucket limit.
// If bytesPerSec <= 0, next is returned unwrapped (bypass).
func NewThrottledDownstream(ctx context.Context, next pump.Downstream, bytesPerSec int64) pump.Downstream {
	if bytesPerSec <= 0 {
		return next
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledDownstream{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// OnNext implements pump.Downstream, waiting for tokens (in burst-sized
// chunks, so a single large frame can't demand an oversized reservation)
// before forwarding each chunk to next.
func (d *ThrottledDownstream) OnNext(frame [][]byte) {
	for _, b := range frame {
		for len(b) > 0 {
			chunk := len(b)
			if chunk > d.limiter.Burst() {
				chunk = d.limiter.Burst()
			}
			if err := d.limiter.WaitN(d.ctx, chunk); err != nil {
				d.next.OnError(err)
				return
			}
			d.next.OnNext([][]byte{b[:chunk]})
			b = b[chunk:]
		}
	}
}

// OnComplete implements pump.Downstream.
func (d *ThrottledDownstream) OnComplete() { d.next.OnComplete() }

// OnError implements pump.Downstream.
func (d *ThrottledDownstream) OnError(err error) { d.next.OnError(err) }
