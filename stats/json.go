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

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/pgmcore/pgm/wire"
)

// JSONStats is what gets reported over HTTP as JSON, mirroring
// ptp/ptp4u/stats.JSONStats's live-counters-plus-snapshot shape.
type JSONStats struct {
	report counters

	counters
}

// NewJSONStats returns a new JSONStats with both counter sets initialized.
func NewJSONStats() *JSONStats {
	s := &JSONStats{}
	s.init()
	s.report.init()
	return s
}

// Start runs the HTTP reporter and blocks.
func (s *JSONStats) Start(monitoringPort int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("stats: starting json server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("stats: failed to start listener: %v", err)
	}
}

// Snapshot copies live counters into the reportable set atomically.
func (s *JSONStats) Snapshot() {
	s.tx.copy(&s.report.tx)
	s.rx.copy(&s.report.rx)
	s.peerDuplicate.copy(&s.report.peerDuplicate)
	s.peerMalformed.copy(&s.report.peerMalformed)
	s.peerNAKSent.copy(&s.report.peerNAKSent)
	s.peerLost.copy(&s.report.peerLost)
	s.peerFECRepair.copy(&s.report.peerFECRepair)
	s.peerRetransmitB.copy(&s.report.peerRetransmitB)
	s.report.nakErrors = atomic.LoadInt64(&s.nakErrors)
	s.report.bytesResent = atomic.LoadInt64(&s.bytesResent)
	s.report.peerCount = atomic.LoadInt64(&s.peerCount)
}

func (s *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(s.report.toMap())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("stats: failed to reply: %v", err)
	}
}

// Reset atomically sets all counters to 0.
func (s *JSONStats) Reset() { s.counters.reset() }

// IncTX atomically increments the TX counter for t.
func (s *JSONStats) IncTX(t wire.Type) { s.tx.inc(messageName(t)) }

// IncRX atomically increments the RX counter for t.
func (s *JSONStats) IncRX(t wire.Type) { s.rx.inc(messageName(t)) }

// SetPeerDuplicate atomically sets a peer's duplicate-packet counter.
func (s *JSONStats) SetPeerDuplicate(tsi string, n int64) { s.peerDuplicate.store(tsi, n) }

// SetPeerMalformed atomically sets a peer's malformed-packet counter.
func (s *JSONStats) SetPeerMalformed(tsi string, n int64) { s.peerMalformed.store(tsi, n) }

// SetPeerNAKSent atomically sets a peer's NAKs-sent counter.
func (s *JSONStats) SetPeerNAKSent(tsi string, n int64) { s.peerNAKSent.store(tsi, n) }

// SetPeerLost atomically sets a peer's lost-sequence counter.
func (s *JSONStats) SetPeerLost(tsi string, n int64) { s.peerLost.store(tsi, n) }

// SetPeerFECRepair atomically sets a peer's FEC-reconstructed counter.
func (s *JSONStats) SetPeerFECRepair(tsi string, n int64) { s.peerFECRepair.store(tsi, n) }

// SetPeerBytesRetransmitted atomically sets a peer's retransmitted-bytes
// counter to the latest value reported by the source engine.
func (s *JSONStats) SetPeerBytesRetransmitted(tsi string, bytes int64) {
	s.peerRetransmitB.store(tsi, bytes)
}

// IncNAKErrors atomically increments the socket-wide NAK-for-expired-sqn
// counter.
func (s *JSONStats) IncNAKErrors() { atomic.AddInt64(&s.nakErrors, 1) }

// AddBytesResent atomically adds n to the socket-wide bytes-resent counter.
func (s *JSONStats) AddBytesResent(n int64) { atomic.AddInt64(&s.bytesResent, n) }

// SetPeerCount atomically records the current number of live peers.
func (s *JSONStats) SetPeerCount(n int64) { atomic.StoreInt64(&s.peerCount, n) }
