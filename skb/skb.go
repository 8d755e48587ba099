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

// Package skb implements the socket-buffer handle shared between the
// transmit window, receive window, and the send/receive paths. An SKB wraps
// a single contiguous backing buffer with four cursors (head <= data <= tail
// <= end) and a reference count; state-queue entries look the buffer up by
// sequence number from the owning window rather than aliasing a pointer to
// it (see DESIGN NOTES in spec.md §9).
package skb

import (
	"errors"
	"sync"
	"time"

	"github.com/pgmcore/pgm/tsi"
)

// ErrOutOfRange is returned by Reserve/Push when the requested adjustment
// would violate head <= data <= tail <= end.
var ErrOutOfRange = errors.New("skb: cursor adjustment out of range")

// Fragment carries the parsed OPT_FRAGMENT extension, when present.
type Fragment struct {
	FirstSqn    uint32
	Offset      uint32
	ApduLength  uint32
	HasFragment bool
}

// SKB is the canonical packet unit. It is reference counted: callers obtain
// one via New or Get/Ref, and must call Put when done with their reference.
// The zero value is not usable; use New.
type SKB struct {
	mu sync.Mutex

	buf []byte

	head, data, tail, end int

	refcount int

	// Socket, Arrival/Send timestamp, originating TSI and sequence number.
	TSI       tsi.TSI
	Sqn       uint32
	Timestamp time.Time

	ZeroPadded bool

	Fragment Fragment

	// pool, if non-nil, is returned to on final Put.
	pool *Pool
}

// New allocates an SKB with the given backing-buffer capacity. data and tail
// both start at head (0); callers grow the payload region with Push/Reserve.
func New(capacity int) *SKB {
	return &SKB{
		buf:      make([]byte, capacity),
		head:     0,
		data:     0,
		tail:     0,
		end:      capacity,
		refcount: 1,
	}
}

// Len returns tail - data, the current payload length.
func (s *SKB) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail - s.data
}

// Truesize returns end - head, the full backing-buffer capacity.
func (s *SKB) Truesize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end - s.head
}

// Bytes returns the payload slice [data:tail). The returned slice aliases
// the SKB's backing array and is only valid while the caller holds a
// reference.
func (s *SKB) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf[s.data:s.tail]
}

// Reset rewinds data/tail back to head, discarding any payload, for reuse
// from a pool.
func (s *SKB) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = s.head
	s.tail = s.head
	s.TSI = tsi.TSI{}
	s.Sqn = 0
	s.Timestamp = time.Time{}
	s.ZeroPadded = false
	s.Fragment = Fragment{}
}

// Push appends n bytes of payload at tail, advancing tail, and returns the
// slice that was appended so the caller can fill it in place.
func (s *SKB) Push(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tail+n > s.end {
		return nil, ErrOutOfRange
	}
	out := s.buf[s.tail : s.tail+n]
	s.tail += n
	return out, nil
}

// Reserve grows the head-room by shrinking data towards head, for
// prepending a header after the payload has already been written (mirrors
// the reference implementation's pgm_skb_push/pull pair used while framing
// retransmitted packets).
func (s *SKB) Reserve(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data-n < s.head {
		return ErrOutOfRange
	}
	s.data -= n
	return nil
}

// Ref increments the reference count and returns the same handle, for
// callers that want to hand out a second owning reference without copying.
func (s *SKB) Ref() *SKB {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount++
	return s
}

// Refcount returns the current reference count.
func (s *SKB) Refcount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount
}

// Put releases one reference. When the count reaches zero the buffer is
// returned to its owning pool, if any.
func (s *SKB) Put() {
	s.mu.Lock()
	s.refcount--
	rc := s.refcount
	pool := s.pool
	s.mu.Unlock()
	if rc < 0 {
		panic("skb: refcount dropped below zero")
	}
	if rc == 0 && pool != nil {
		pool.put(s)
	}
}
