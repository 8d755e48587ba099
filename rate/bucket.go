/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rate implements the token-bucket regulator bounding wire output:
// tokens refill continuously up to a one-second burst capacity and every
// send debits the bucket by the packet length plus a fixed per-packet
// overhead, matching the reference implementation's rate_control.
package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket bounds bytes/sec on the wire. Unlike golang.org/x/time/rate.Limiter
// (which it wraps for the underlying refill arithmetic), Bucket exposes a
// check/remaining pair instead of Wait/Reserve, the shape spec.md's socket
// facade needs for its nonblocking RateLimited(remain) status.
type Bucket struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	ratePerSec int
	overhead   int
	maxTPDU    int
}

// New creates a bucket regulating ratePerSec bytes/sec with a one-second
// burst capacity, adding overhead bytes (e.g. IP header) to every request.
// A ratePerSec of 0 or less leaves output unregulated.
func New(ratePerSec, overhead, maxTPDU int) *Bucket {
	limit := rate.Limit(ratePerSec)
	if ratePerSec <= 0 {
		limit = rate.Inf
	}
	return &Bucket{
		limiter:    rate.NewLimiter(limit, ratePerSec),
		ratePerSec: ratePerSec,
		overhead:   overhead,
		maxTPDU:    maxTPDU,
	}
}

// Check attempts to debit length+overhead bytes from the bucket at now. On
// success it returns true and the bucket is debited. On failure it returns
// false and the duration the caller must wait before length bytes would be
// available (Remaining). nonblocking callers map this directly to
// RateLimited(remain); blocking callers sleep the duration and retry.
func (b *Bucket) Check(now time.Time, length int) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := length + b.overhead
	r := b.limiter.ReserveN(now, n)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// Remaining reports, as of now, how long a caller would have to wait before
// length+overhead bytes of credit are available, without debiting the
// bucket. It returns 0 if the request would succeed immediately.
func (b *Bucket) Remaining(now time.Time, length int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := length + b.overhead
	r := b.limiter.ReserveN(now, n)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if delay < 0 {
		return 0
	}
	return delay
}

// RatePerSec returns the configured steady-state rate in bytes/sec.
func (b *Bucket) RatePerSec() int { return b.ratePerSec }

// MaxTPDU returns the configured maximum transport PDU size this bucket's
// owning socket was bound with; a convenience carried alongside the rate so
// callers needn't thread a second config value through the send path.
func (b *Bucket) MaxTPDU() int { return b.maxTPDU }
