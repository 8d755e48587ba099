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
	"time"
)

// NextDeadline returns the earliest of the back-off/NCF/RDATA queue heads,
// for the timer engine's next_poll computation. ok is false if no deadline
// queue has any entries.
func (w *Window) NextDeadline() (deadline time.Time, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	consider := func(q *list.List, get func(*seqEntry) time.Time) {
		if q.Len() == 0 {
			return
		}
		sqn := q.Front().Value.(uint32)
		e := w.entries[sqn]
		t := get(e)
		if !ok || t.Before(deadline) {
			deadline, ok = t, true
		}
	}
	consider(w.backoffQ, func(e *seqEntry) time.Time { return e.backoffExpiry })
	consider(w.ncfQ, func(e *seqEntry) time.Time { return e.ncfExpiry })
	consider(w.rdataQ, func(e *seqEntry) time.Time { return e.rdataExpiry })
	return
}

// ExpireBackOff pops every BACK-OFF entry whose deadline has passed as of
// now, transitions it to WAIT-NCF with an armed NCF deadline, and returns
// the sequences that need a NAK sent for them.
func (w *Window) ExpireBackOff(now time.Time) []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []uint32
	for w.backoffQ.Len() > 0 {
		front := w.backoffQ.Front()
		sqn := front.Value.(uint32)
		e := w.entries[sqn]
		if e.backoffExpiry.After(now) {
			break
		}
		w.enqueue(w.ncfQ, sqn, e)
		e.state = WaitNCF
		e.ncfExpiry = now.Add(w.cfg.NakRptIvl)
		due = append(due, sqn)
	}
	return due
}

// OnNCF transitions sqn from WAIT-NCF to WAIT-DATA on receipt of a matching
// NAK Confirmation, arming the RDATA wait deadline.
func (w *Window) OnNCF(sqn uint32, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[sqn]
	if !ok || e.state != WaitNCF {
		return
	}
	w.enqueue(w.rdataQ, sqn, e)
	e.state = WaitData
	e.rdataExpiry = now.Add(w.cfg.NakRdataIvl)
}

// ExpireNCF pops every WAIT-NCF entry whose deadline has passed and either
// retries (back to BACK-OFF) or declares it LOST, per nak_ncf_retries.
func (w *Window) ExpireNCF(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.ncfQ.Len() > 0 {
		front := w.ncfQ.Front()
		sqn := front.Value.(uint32)
		e := w.entries[sqn]
		if e.ncfExpiry.After(now) {
			break
		}
		e.ncfRetries++
		if e.ncfRetries > w.cfg.NakNcfRetries {
			w.dequeue(e)
			e.state = Lost
			continue
		}
		e.backoffExpiry = now.Add(time.Duration(float64(w.cfg.NakBackoffIvl) * w.cfg.jitter()))
		w.enqueue(w.backoffQ, sqn, e)
		e.state = BackOff
	}
}

// ExpireRDATA pops every WAIT-DATA entry whose RDATA deadline has passed
// and either retries (back to BACK-OFF) or declares it LOST, per
// nak_data_retries.
func (w *Window) ExpireRDATA(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.rdataQ.Len() > 0 {
		front := w.rdataQ.Front()
		sqn := front.Value.(uint32)
		e := w.entries[sqn]
		if e.rdataExpiry.After(now) {
			break
		}
		e.dataRetries++
		if e.dataRetries > w.cfg.NakDataRetries {
			w.dequeue(e)
			e.state = Lost
			continue
		}
		e.backoffExpiry = now.Add(time.Duration(float64(w.cfg.NakBackoffIvl) * w.cfg.jitter()))
		w.enqueue(w.backoffQ, sqn, e)
		e.state = BackOff
	}
}
