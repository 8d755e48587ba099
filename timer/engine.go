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

// Package timer implements the socket-wide unified expiration queue: a
// single next_poll deadline computed from the source's SPM/heartbeat
// schedule and every peer's NAK back-off/NCF/RDATA/expiry heads, exposed
// through the reference implementation's four-call contract
// (prepare/check/expiration/dispatch).
package timer

import (
	"sync"
	"time"
)

// Source is the subset of source-engine behavior the timer engine drives.
type Source interface {
	// NextDeadline returns the next ambient/heartbeat SPM deadline.
	NextDeadline() time.Time
	// EmitSPM is called when the SPM deadline has passed; it sends an SPM
	// and returns the next deadline.
	EmitSPM(now time.Time) time.Time
}

// Peer is the subset of peer/receiver behavior the timer engine drives.
// Implementations typically wrap *peer.Peer.
type Peer interface {
	NextDeadline() (time.Time, bool)
	Dispatch(now time.Time)
	Expired(now time.Time) bool
}

// PeerSet supplies the timer engine with the current set of peers and a
// way to remove one on expiry, without the timer package depending on the
// peer map's concrete type.
type PeerSet interface {
	ForEach(fn func(id any, p Peer))
	Remove(id any)
}

// Engine is the unified expiration queue for one socket. It is driven
// externally through Prepare/Check/Expiration/Dispatch, the same
// four-call shape the reference timer.c exposes, rather than running its
// own goroutine -- callers decide how to wait (select/poll/epoll/a ticker).
type Engine struct {
	mu sync.Mutex

	source Source
	peers  PeerSet

	nextPoll time.Time
	rateWake time.Time
}

// New creates a timer engine for the given source and peer set. source may
// be nil for a receive-only socket.
func New(source Source, peers PeerSet) *Engine {
	return &Engine{source: source, peers: peers}
}

// SetRateWake records the next time the rate regulator expects to have
// credit, folding it into next_poll alongside the SPM and peer deadlines.
func (e *Engine) SetRateWake(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateWake = t
}

// Prepare recomputes next_poll as the minimum of the source's SPM
// deadline, every peer's earliest deadline, and the rate-limit wake time.
// It returns true if next_poll is already in the past.
func (e *Engine) Prepare(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var next time.Time
	have := false

	consider := func(t time.Time, ok bool) {
		if !ok {
			return
		}
		if !have || t.Before(next) {
			next, have = t, true
		}
	}

	if e.source != nil {
		consider(e.source.NextDeadline(), true)
	}
	consider(e.rateWake, !e.rateWake.IsZero())
	if e.peers != nil {
		e.peers.ForEach(func(_ any, p Peer) {
			d, ok := p.NextDeadline()
			consider(d, ok)
		})
	}

	e.nextPoll = next
	if !have {
		return false
	}
	return !next.After(now)
}

// Check returns true if now is at or past next_poll.
func (e *Engine) Check(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextPoll.IsZero() {
		return false
	}
	return !now.Before(e.nextPoll)
}

// Expiration returns next_poll - now, clamped at zero.
func (e *Engine) Expiration(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextPoll.IsZero() {
		return 0
	}
	d := e.nextPoll.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Dispatch performs every side effect whose deadline has passed: source
// SPM emission, per-peer NAK/expiry processing, and peer removal on
// expiry. Call Prepare again afterward to compute the new next_poll.
func (e *Engine) Dispatch(now time.Time) {
	e.mu.Lock()
	source := e.source
	peers := e.peers
	e.mu.Unlock()

	if source != nil {
		if d := source.NextDeadline(); !d.After(now) {
			source.EmitSPM(now)
		}
	}
	if peers == nil {
		return
	}

	var expired []any
	peers.ForEach(func(id any, p Peer) {
		if p.Expired(now) {
			expired = append(expired, id)
			return
		}
		p.Dispatch(now)
	})
	for _, id := range expired {
		peers.Remove(id)
	}
}
