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

package rxw

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	"github.com/pgmcore/pgm/skb"
)

// Config holds the NAK state-machine timing parameters, mirroring the
// socket facade's nak_bo_ivl/nak_rpt_ivl/nak_rdata_ivl/nak_data_retries/
// nak_ncf_retries options.
type Config struct {
	Sqns int

	NakBackoffIvl  time.Duration
	NakRptIvl      time.Duration
	NakRdataIvl    time.Duration
	NakDataRetries int
	NakNcfRetries  int

	// Rand supplies the U(1,2) jitter multiplier for back-off scheduling.
	// Defaults to a package-level source when nil.
	Rand *rand.Rand
}

func (c *Config) jitter() float64 {
	if c.Rand != nil {
		return 1 + c.Rand.Float64()
	}
	return 1 + rand.Float64()
}

// seqEntry is one placeholder in the window.
type seqEntry struct {
	state State
	s     *skb.SKB

	backoffExpiry time.Time
	ncfExpiry     time.Time
	rdataExpiry   time.Time
	ncfRetries    int
	dataRetries   int

	queue *list.List
	elem  *list.Element
}

// Window is a per-peer receive window.
type Window struct {
	mu sync.Mutex

	cfg Config

	trail uint32
	lead  uint32
	empty bool

	rxwTrail uint32
	commit   uint32

	entries map[uint32]*seqEntry

	backoffQ *list.List // elements are uint32 sequence numbers, in insertion order
	ncfQ     *list.List
	rdataQ   *list.List
}

// New creates a receive window with the given NAK-timing configuration.
func New(cfg Config) *Window {
	return &Window{
		cfg:      cfg,
		empty:    true,
		entries:  make(map[uint32]*seqEntry),
		backoffQ: list.New(),
		ncfQ:     list.New(),
		rdataQ:   list.New(),
	}
}

func (w *Window) size() int {
	if w.empty {
		return 0
	}
	return int(int32(w.lead-w.trail)) + 1
}

func (w *Window) inRangeLocked(sqn uint32) bool {
	if w.empty {
		return false
	}
	return int32(sqn-w.trail) >= 0 && int32(w.lead-sqn) >= 0
}

func (w *Window) dequeue(e *seqEntry) {
	if e.queue != nil && e.elem != nil {
		e.queue.Remove(e.elem)
		e.queue = nil
		e.elem = nil
	}
}

func (w *Window) enqueue(q *list.List, sqn uint32, e *seqEntry) {
	w.dequeue(e)
	e.queue = q
	e.elem = q.PushBack(sqn)
}

// newPlaceholder creates an EMPTY-turned-BACK-OFF entry for sqn at arrival
// time now, arming its back-off deadline.
func (w *Window) newPlaceholder(sqn uint32, now time.Time) *seqEntry {
	e := &seqEntry{state: BackOff}
	e.backoffExpiry = now.Add(time.Duration(float64(w.cfg.NakBackoffIvl) * w.cfg.jitter()))
	w.enqueue(w.backoffQ, sqn, e)
	w.entries[sqn] = e
	return e
}

// OnData handles arrival of sequence sqn carrying s, with the source's
// currently advertised rxwTrail. It implements the four arrival cases from
// spec.md §4.4: duplicate/pre-trail, window jump, contiguous append, and
// placeholder fill.
func (w *Window) OnData(sqn uint32, rxwTrail uint32, s *skb.SKB, now time.Time) (duplicate bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.empty {
		w.trail = sqn
		w.lead = sqn
		w.commit = sqn
		w.empty = false
		w.fillLocked(sqn, s)
		w.advanceRxwTrailLocked(rxwTrail, now)
		w.trimLocked()
		return false
	}

	if int32(sqn-w.trail) < 0 {
		return true
	}

	if int32(sqn-(w.lead+1)) > 0 {
		for m := w.lead + 1; m != sqn; m++ {
			w.newPlaceholder(m, now)
		}
		w.lead = sqn
		w.fillLocked(sqn, s)
		w.advanceRxwTrailLocked(rxwTrail, now)
		w.trimLocked()
		return false
	}

	if sqn == w.lead+1 {
		w.lead = sqn
		w.fillLocked(sqn, s)
		w.advanceRxwTrailLocked(rxwTrail, now)
		w.trimLocked()
		return false
	}

	// sqn in [trail, lead]: fill an existing placeholder, or a duplicate if
	// it already arrived.
	e, ok := w.entries[sqn]
	if ok && e.state.arrived() {
		return true
	}
	w.fillLocked(sqn, s)
	w.advanceRxwTrailLocked(rxwTrail, now)
	w.trimLocked()
	return false
}

// OnSPM applies a source's out-of-band advertised trail/lead, carried on its
// periodic SPM rather than on a data packet, per spec.md §4.7 ("update
// peer's advertised rxw_trail and lead"). A source idle except for heartbeat
// SPMs would otherwise never advance a receiver's RXW trail at all.
func (w *Window) OnSPM(rxwTrail, lead uint32, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.empty {
		return
	}
	if int32(lead-w.lead) > 0 {
		for m := w.lead + 1; int32(m-lead) <= 0; m++ {
			w.newPlaceholder(m, now)
		}
		w.lead = lead
	}
	w.advanceRxwTrailLocked(rxwTrail, now)
	w.trimLocked()
}

// fillLocked marks sqn HAVE-DATA and removes it from whichever deadline
// queue it was in.
func (w *Window) fillLocked(sqn uint32, s *skb.SKB) {
	e, ok := w.entries[sqn]
	if !ok {
		e = &seqEntry{}
		w.entries[sqn] = e
	}
	w.dequeue(e)
	e.s = s.Ref()
	e.state = HaveData
}

// FillParity installs a packet reconstructed by FEC at sqn, equivalent to
// arrival except the caller asserts the data came from Reed-Solomon repair
// rather than the wire.
func (w *Window) FillParity(sqn uint32, s *skb.SKB) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.inRangeLocked(sqn) {
		return
	}
	e, ok := w.entries[sqn]
	if !ok {
		e = &seqEntry{}
		w.entries[sqn] = e
	}
	w.dequeue(e)
	e.s = s.Ref()
	e.state = HaveParity
}

// advanceRxwTrailLocked records the source's advertised trailing edge and
// transitions every non-terminal sequence below it to LOST.
func (w *Window) advanceRxwTrailLocked(rxwTrail uint32, now time.Time) {
	if int32(rxwTrail-w.rxwTrail) > 0 {
		w.rxwTrail = rxwTrail
	}
	for sqn := w.trail; int32(w.rxwTrail-sqn) > 0 && int32(w.lead-sqn) >= 0; sqn++ {
		e, ok := w.entries[sqn]
		if !ok || e.state == Lost || e.state.arrived() {
			continue
		}
		w.dequeue(e)
		e.state = Lost
	}
}

// trimLocked evicts entries the application has already consumed (below
// commit) and, if the window is still over capacity, forces eviction past
// commit so entries never grows past cfg.Sqns — the RXW analogue of
// txw.Window's advanceTrailLocked, since the RXW invariant in spec.md §8
// ("exactly one entry for every sequence in [trail, lead]") only bounds
// memory if trail actually advances.
func (w *Window) trimLocked() {
	for !w.empty && int32(w.commit-w.trail) > 0 {
		w.evictTrailLocked()
	}
	if w.cfg.Sqns <= 0 {
		return
	}
	for !w.empty && w.size() > w.cfg.Sqns {
		if int32(w.commit-w.trail) <= 0 {
			w.commit = w.trail + 1
		}
		w.evictTrailLocked()
	}
}

// evictTrailLocked drops the entry at the current trail, releasing its SKB
// if it arrived, and advances trail past it.
func (w *Window) evictTrailLocked() {
	e, ok := w.entries[w.trail]
	if ok {
		w.dequeue(e)
		if e.s != nil {
			e.s.Put()
		}
		delete(w.entries, w.trail)
	}
	if w.trail == w.lead {
		w.empty = true
		return
	}
	w.trail++
}

// Entry returns the current state and, if arrived, the SKB for sqn.
func (w *Window) Entry(sqn uint32) (State, *skb.SKB) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[sqn]
	if !ok {
		return Empty, nil
	}
	return e.state, e.s
}

// Trail and Lead report the window's current bounds.
func (w *Window) Trail() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail
}

func (w *Window) Lead() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lead
}
