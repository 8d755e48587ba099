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

// Package stats implements statistics collection and reporting for a PGM
// socket: per-message-type TX/RX counters, per-peer loss/repair/duplicate
// counters, and NAK/retransmission counters, exported over HTTP as JSON or
// scraped as Prometheus gauges. Grounded verbatim on ptp/ptp4u/stats's
// syncMapInt64-keyed counter map and flattening convention, generalized
// from PTP message types to wire.Type.
package stats

import (
	"fmt"
	"sync"

	"github.com/pgmcore/pgm/wire"
)

// Stats is the metric collection interface a socket.Socket reports through.
type Stats interface {
	// Start runs a passive HTTP reporter on monitoringPort.
	Start(monitoringPort int)

	// Snapshot copies live counters into the reportable set atomically.
	Snapshot()

	// Reset atomically sets all counters to 0.
	Reset()

	IncTX(t wire.Type)
	IncRX(t wire.Type)

	// SetPeer* counters are snapshots of a peer's cumulative
	// peer.Counters, not deltas, so they are set rather than incremented.
	SetPeerDuplicate(tsi string, n int64)
	SetPeerMalformed(tsi string, n int64)
	SetPeerNAKSent(tsi string, n int64)
	SetPeerLost(tsi string, n int64)
	SetPeerFECRepair(tsi string, n int64)
	SetPeerBytesRetransmitted(tsi string, bytes int64)

	IncNAKErrors()
	AddBytesResent(n int64)
	SetPeerCount(n int64)
}

// syncMapInt64 is a mutex-guarded counter map, identical in shape to
// ptp/ptp4u/stats's syncMapInt64 but keyed generically (wire.Type or TSI
// string) rather than ptp.MessageType.
type syncMapInt64 struct {
	sync.Mutex
	m map[string]int64
}

func (s *syncMapInt64) init() { s.m = make(map[string]int64) }

func (s *syncMapInt64) keys() []string {
	s.Lock()
	defer s.Unlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

func (s *syncMapInt64) load(key string) int64 {
	s.Lock()
	defer s.Unlock()
	return s.m[key]
}

func (s *syncMapInt64) inc(key string) {
	s.Lock()
	s.m[key]++
	s.Unlock()
}

func (s *syncMapInt64) store(key string, value int64) {
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

func (s *syncMapInt64) copy(dst *syncMapInt64) {
	for _, k := range s.keys() {
		dst.store(k, s.load(k))
	}
}

func (s *syncMapInt64) reset() {
	s.Lock()
	for k := range s.m {
		s.m[k] = 0
	}
	s.Unlock()
}

type counters struct {
	tx syncMapInt64
	rx syncMapInt64

	peerDuplicate   syncMapInt64
	peerMalformed   syncMapInt64
	peerNAKSent     syncMapInt64
	peerLost        syncMapInt64
	peerFECRepair   syncMapInt64
	peerRetransmitB syncMapInt64

	nakErrors   int64
	bytesResent int64
	peerCount   int64
}

func (c *counters) init() {
	c.tx.init()
	c.rx.init()
	c.peerDuplicate.init()
	c.peerMalformed.init()
	c.peerNAKSent.init()
	c.peerLost.init()
	c.peerFECRepair.init()
	c.peerRetransmitB.init()
}

func (c *counters) reset() {
	c.tx.reset()
	c.rx.reset()
	c.peerDuplicate.reset()
	c.peerMalformed.reset()
	c.peerNAKSent.reset()
	c.peerLost.reset()
	c.peerFECRepair.reset()
	c.peerRetransmitB.reset()
	c.nakErrors = 0
	c.bytesResent = 0
	c.peerCount = 0
}

func messageName(t wire.Type) string {
	switch t {
	case wire.TypeSPM:
		return "spm"
	case wire.TypeODATA:
		return "odata"
	case wire.TypeRDATA:
		return "rdata"
	case wire.TypeNAK:
		return "nak"
	case wire.TypeNNAK:
		return "nnak"
	case wire.TypeNCF:
		return "ncf"
	case wire.TypeSPMR:
		return "spmr"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// toMap flattens the counter set into the dotted-key shape
// ptp/ptp4u/stats's toMap produces.
func (c *counters) toMap() map[string]int64 {
	res := make(map[string]int64)
	for _, t := range c.tx.keys() {
		res[fmt.Sprintf("tx.%s", t)] = c.tx.load(t)
	}
	for _, t := range c.rx.keys() {
		res[fmt.Sprintf("rx.%s", t)] = c.rx.load(t)
	}
	for _, p := range c.peerDuplicate.keys() {
		res[fmt.Sprintf("peer.%s.duplicate", p)] = c.peerDuplicate.load(p)
	}
	for _, p := range c.peerMalformed.keys() {
		res[fmt.Sprintf("peer.%s.malformed", p)] = c.peerMalformed.load(p)
	}
	for _, p := range c.peerNAKSent.keys() {
		res[fmt.Sprintf("peer.%s.nak_sent", p)] = c.peerNAKSent.load(p)
	}
	for _, p := range c.peerLost.keys() {
		res[fmt.Sprintf("peer.%s.lost", p)] = c.peerLost.load(p)
	}
	for _, p := range c.peerFECRepair.keys() {
		res[fmt.Sprintf("peer.%s.fec_repaired", p)] = c.peerFECRepair.load(p)
	}
	for _, p := range c.peerRetransmitB.keys() {
		res[fmt.Sprintf("peer.%s.bytes_retransmitted", p)] = c.peerRetransmitB.load(p)
	}
	res["nak_errors"] = c.nakErrors
	res["bytes_resent"] = c.bytesResent
	res["peer_count"] = c.peerCount
	return res
}
