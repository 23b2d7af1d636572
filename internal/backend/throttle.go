// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package backend

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstSize caps a single rate.Limiter reservation so a large frame
// doesn't request an unreasonable burst.
const maxBurstSize = 256 * 1024

func newRateLimiter(ctx context.Context, bytesPerSec int64) *frameLimiter {
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	if burst < 1 {
		burst = 1
	}
	return &frameLimiter{
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

type frameLimiter struct {
	ctx     context.Context
	limiter *rate.Limiter
}

// rateLimitedFrameWriter wraps a frameWriter and waits for enough
// token-bucket capacity before each frame, bounding how fast the agent
// can flood the backend with egress traffic under load.
type rateLimitedFrameWriter struct {
	inner   frameWriter
	limiter *frameLimiter
}

// WriteFrame chunks frame to at most the limiter's burst size per
// WaitN call, looping until the whole frame is sent, rather than
// capping the reservation and then writing the uncapped frame.
func (w *rateLimitedFrameWriter) WriteFrame(frame []byte) error {
	for len(frame) > 0 {
		chunk := len(frame)
		if chunk > w.limiter.limiter.Burst() {
			chunk = w.limiter.limiter.Burst()
		}
		if err := w.limiter.limiter.WaitN(w.limiter.ctx, chunk); err != nil {
			return err
		}
		if err := w.inner.WriteFrame(frame[:chunk]); err != nil {
			return err
		}
		frame = frame[chunk:]
	}
	return nil
}
