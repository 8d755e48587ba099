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

// Package txw implements the transmit window: an ordered ring of sent
// packets keyed by sequence number, supporting retransmit lookup and
// trailing-edge expiry.
package txw

import (
	"sync"
	"time"

	"github.com/pgmcore/pgm/skb"
)

// entry pairs a stored SKB with the time it was appended, needed for
// advance_trail's time-based retention check.
type entry struct {
	s    *skb.SKB
	sent time.Time
}

// Window is the transmit window. All mutators and readers take the same
// lock, matching spec.md §4.3's single TXW spinlock discipline -- here a
// sync.Mutex, the teacher's stand-in for a spinlock throughout
// ptp/ptp4u/server.
type Window struct {
	mu sync.Mutex

	sqns   int
	secs   time.Duration
	maxRte int

	trail uint32
	lead  uint32
	empty bool

	bytes   int
	entries map[uint32]entry
}

// New creates a transmit window retaining at most sqns packets, or fewer if
// secs (age) or secs*maxRte (byte budget) are exceeded first.
func New(sqns int, secs time.Duration, maxRte int) *Window {
	return &Window{
		sqns:    sqns,
		secs:    secs,
		maxRte:  maxRte,
		empty:   true,
		entries: make(map[uint32]entry, sqns),
	}
}

// size returns the number of sequences currently retained. Caller must hold mu.
func (w *Window) size() int {
	if w.empty {
		return 0
	}
	return int(int32(w.lead-w.trail)) + 1
}

// byteBudget returns the configured byte retention budget, or 0 (no limit)
// if either factor is unset.
func (w *Window) byteBudget() int {
	if w.secs <= 0 || w.maxRte <= 0 {
		return 0
	}
	return int(w.secs.Seconds() * float64(w.maxRte))
}

// AllocSqn returns the next sequence number to use for an outgoing packet,
// advancing the trailing edge first if the window is full.
func (w *Window) AllocSqn(now time.Time) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.empty {
		w.empty = false
		return w.lead
	}
	if w.size() >= w.sqns {
		w.advanceTrailLocked(now)
	}
	if w.empty {
		w.trail = w.lead + 1
	}
	w.lead++
	w.empty = false
	return w.lead
}

// Append associates sqn with s, storing it for future retransmit lookups.
// Must be called after AllocSqn returned sqn and before any NAK for it can
// arrive.
func (w *Window) Append(sqn uint32, s *skb.SKB, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[sqn] = entry{s: s.Ref(), sent: now}
	w.bytes += s.Len()
}

// Peek returns the SKB stored at sqn, or nil if sqn is outside [trail,
// lead] or was never appended (a NAK for a freed sequence simply fails).
func (w *Window) Peek(sqn uint32) *skb.SKB {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.inRangeLocked(sqn) {
		return nil
	}
	e, ok := w.entries[sqn]
	if !ok {
		return nil
	}
	return e.s
}

func (w *Window) inRangeLocked(sqn uint32) bool {
	if w.empty {
		return false
	}
	return int32(sqn-w.trail) >= 0 && int32(w.lead-sqn) >= 0
}

// Lead returns the most recently allocated sequence.
func (w *Window) Lead() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lead
}

// Trail returns the oldest retained sequence.
func (w *Window) Trail() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail
}

// AdvanceTrail enforces time-based and rate-product retention, releasing
// SKBs whose age or the window's accumulated bytes exceed the configured
// bound.
func (w *Window) AdvanceTrail(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advanceTrailLocked(now)
}

func (w *Window) advanceTrailLocked(now time.Time) {
	budget := w.byteBudget()
	for w.size() > 0 {
		e, ok := w.entries[w.trail]
		if !ok {
			w.trail++
			if w.size() == 0 {
				break
			}
			continue
		}

		overSqns := w.size() >= w.sqns
		overSecs := w.secs > 0 && now.Sub(e.sent) > w.secs
		overBytes := budget > 0 && w.bytes > budget
		if !overSqns && !overSecs && !overBytes {
			break
		}

		w.bytes -= e.s.Len()
		e.s.Put()
		delete(w.entries, w.trail)
		if w.trail == w.lead {
			w.empty = true
			break
		}
		w.trail++
	}
}
