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

// DeliveryKind distinguishes a normal delivered APDU from a loss event
// surfaced in its place.
type DeliveryKind int

const (
	DeliveryNormal DeliveryKind = iota
	DeliveryReset
)

// Delivery is one unit handed back by Readv: a reassembled APDU (one
// message per one-or-more fragment SKBs) or a single RESET marking a run
// of LOST sequences.
type Delivery struct {
	Kind    DeliveryKind
	Message [][]byte
}

// apduSpan returns the inclusive range [first, last] of sequences an APDU
// starting at first occupies, and whether it is fully HAVE-DATA/HAVE-PARITY
// yet. It relies on fragments being assigned sequential sequence numbers,
// per spec.md §4.6.
func (w *Window) apduSpan(first uint32) (last uint32, complete bool) {
	e := w.entries[first]
	if e == nil || !e.state.arrived() {
		return first, false
	}
	if !e.s.Fragment.HasFragment {
		return first, true
	}
	apduLength := e.s.Fragment.ApduLength
	var total uint32
	sqn := first
	for {
		ce, ok := w.entries[sqn]
		if !ok || !ce.state.arrived() {
			return sqn, false
		}
		total += uint32(ce.s.Len())
		if total >= apduLength {
			return sqn, true
		}
		sqn++
	}
}

// Readv drains as many deliverable messages as are currently available,
// advancing the commit cursor. It stops at the first sequence that is
// neither arrived nor LOST (i.e. still outstanding).
func (w *Window) Readv() []Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Delivery
	for {
		if w.empty || int32(w.lead-w.commit) < 0 {
			break
		}
		e, ok := w.entries[w.commit]
		if !ok {
			break
		}

		switch {
		case e.state == Lost:
			for {
				ne, ok := w.entries[w.commit]
				if !ok || ne.state != Lost {
					break
				}
				w.commit++
				if int32(w.lead-w.commit) < 0 {
					break
				}
			}
			out = append(out, Delivery{Kind: DeliveryReset})
			w.trimLocked()

		case e.state.arrived():
			last, complete := w.apduSpan(w.commit)
			if !complete {
				w.trimLocked()
				return out
			}
			msg := make([][]byte, 0, int32(last-w.commit)+1)
			for sqn := w.commit; ; sqn++ {
				fe := w.entries[sqn]
				msg = append(msg, append([]byte(nil), fe.s.Bytes()...))
				if sqn == last {
					break
				}
			}
			out = append(out, Delivery{Kind: DeliveryNormal, Message: msg})
			w.commit = last + 1
			w.trimLocked()

		default:
			w.trimLocked()
			return out
		}
	}
	w.trimLocked()
	return out
}
