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

// Package peer implements PGM peer lifecycle: one entry per remote
// Transport Session Identifier observed by a receiving socket, owning that
// source's receive window plus the NLA/SPMR/expiry bookkeeping the receiver
// engine needs to drive it. Shaped after ptp/ptp4u/server's
// SubscriptionClient: a mutex-guarded struct with a TSI-equivalent key and
// a Running/expiry style lifecycle, generalized from "one subscription" to
// "one remote session".
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/pgmcore/pgm/rxw"
	"github.com/pgmcore/pgm/tsi"
)

// FEC carries the Forward Error Correction parameters this source
// advertised, if any.
type FEC struct {
	Enabled       bool
	N             int
	K             int
	UseProactive  bool
	UseOndemand   bool
}

// Counters are the peer-scoped error/event counters spec.md §7 requires be
// observable through the socket facade.
type Counters struct {
	mu sync.Mutex

	DataPacketsReceived  int64
	DuplicatePackets     int64
	MalformedPackets     int64
	NAKPacketsSent       int64
	BytesRetransmitted   int64
	LostSequences        int64
	FECPacketsReconstructed int64
}

func (c *Counters) IncData()       { c.mu.Lock(); c.DataPacketsReceived++; c.mu.Unlock() }
func (c *Counters) IncDuplicate()  { c.mu.Lock(); c.DuplicatePackets++; c.mu.Unlock() }
func (c *Counters) IncMalformed()  { c.mu.Lock(); c.MalformedPackets++; c.mu.Unlock() }
func (c *Counters) IncNAKSent()    { c.mu.Lock(); c.NAKPacketsSent++; c.mu.Unlock() }
func (c *Counters) AddRetransmitted(n int64) {
	c.mu.Lock()
	c.BytesRetransmitted += n
	c.mu.Unlock()
}
func (c *Counters) IncLost()    { c.mu.Lock(); c.LostSequences++; c.mu.Unlock() }
func (c *Counters) IncFECRepair() { c.mu.Lock(); c.FECPacketsReconstructed++; c.mu.Unlock() }

// Snapshot returns a copy of the counters for export.
func (c *Counters) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c
	cp.mu = sync.Mutex{}
	return cp
}

// Peer is a remote PGM source as observed by a receiving socket: identified
// by TSI, holding the group address, last-seen network-layer addresses, its
// receive window, and lifecycle deadlines.
type Peer struct {
	mu sync.Mutex

	TSI   tsi.TSI
	Group net.IP

	// nla is the source's last-advertised network-layer address (from SPM
	// or data packets). nakNLA is the address NAKs are unicast to, which
	// may differ under a redirect. dlrNLA is the designated-local-repairer
	// redirect address, if any.
	nla    net.IP
	nakNLA net.IP
	dlrNLA net.IP

	RXW *rxw.Window

	fec FEC

	passive bool

	peerExpiry time.Duration
	spmrExpiry time.Duration

	lastActivity time.Time
	spmrDeadline time.Time
	spmrArmed    bool

	counters Counters
}

// Config bundles the per-socket timing parameters every new peer is created
// with, mirroring the nak_bo_ivl/nak_rpt_ivl/nak_rdata_ivl/*_retries spread
// across socket.Config and rxw.Config.
type Config struct {
	RXW        rxw.Config
	PeerExpiry time.Duration
	SPMRExpiry time.Duration
	Passive    bool
}

// New creates a peer for id, first observed at now from source address nla
// advertising group.
func New(id tsi.TSI, group, nla net.IP, cfg Config, now time.Time) *Peer {
	return &Peer{
		TSI:          id,
		Group:        group,
		nla:          nla,
		nakNLA:       nla,
		RXW:          rxw.New(cfg.RXW),
		passive:      cfg.Passive,
		peerExpiry:   cfg.PeerExpiry,
		spmrExpiry:   cfg.SPMRExpiry,
		lastActivity: now,
	}
}

// Touch records activity at now, holding off expiry.
func (p *Peer) Touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = now
}

// Expired reports whether now - last activity exceeds peer_expiry.
func (p *Peer) Expired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peerExpiry <= 0 {
		return false
	}
	return now.Sub(p.lastActivity) > p.peerExpiry
}

// Passive reports whether this peer's owning socket is passive (observes
// but never emits NAKs).
func (p *Peer) Passive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passive
}

// NLA returns the source's last-advertised network-layer address.
func (p *Peer) NLA() net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nla
}

// SetNLA updates the advertised source NLA, e.g. on SPM receipt.
func (p *Peer) SetNLA(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nla = ip
}

// NAKNLA returns the address this peer's NAKs should be unicast to: the
// DLR redirect address if one is set, else the NAK-local address, else the
// source's advertised NLA.
func (p *Peer) NAKNLA() net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dlrNLA != nil {
		return p.dlrNLA
	}
	if p.nakNLA != nil {
		return p.nakNLA
	}
	return p.nla
}

// SetDLR sets the designated-local-repairer redirect address.
func (p *Peer) SetDLR(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dlrNLA = ip
}

// SetFEC records the FEC parameters this source advertised.
func (p *Peer) SetFEC(f FEC) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fec = f
}

// FEC returns the FEC parameters this source advertised, if any.
func (p *Peer) FEC() FEC {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fec
}

// RequestSPMR arms an SPMR deadline spmr_expiry in the future, if one is
// not already pending, so the receiver engine retries at most once per
// window.
func (p *Peer) RequestSPMR(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spmrArmed {
		return
	}
	p.spmrArmed = true
	p.spmrDeadline = now.Add(p.spmrExpiry)
}

// CancelSPMR clears a pending SPMR request, e.g. on SPM receipt.
func (p *Peer) CancelSPMR() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spmrArmed = false
}

// SPMRDeadline returns the pending SPMR deadline, if any.
func (p *Peer) SPMRDeadline() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spmrDeadline, p.spmrArmed
}

// NextLifecycleDeadline returns the earlier of the SPMR retry deadline and
// the peer-expiry deadline, for folding into the timer engine's next_poll.
func (p *Peer) NextLifecycleDeadline() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		next time.Time
		ok   bool
	)
	if p.spmrArmed {
		next, ok = p.spmrDeadline, true
	}
	if p.peerExpiry > 0 {
		expiry := p.lastActivity.Add(p.peerExpiry)
		if !ok || expiry.Before(next) {
			next, ok = expiry, true
		}
	}
	return next, ok
}

// Counters returns the peer's error/event counters.
func (p *Peer) Counters() *Counters { return &p.counters }
