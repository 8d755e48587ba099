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

// Package receiver implements the PGM receiver engine: ODATA/RDATA/SPM/NCF
// intake dispatch, NAK generation off the receive window's back-off queue,
// on-demand FEC repair, passive mode, and peer lifecycle (creation on first
// packet, expiry on silence). Shaped after ptp/sptp/client.Client's
// handleMsg switch over probed message types, generalized from a
// single-server unicast client to a multi-peer multicast receiver.
package receiver

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pgmcore/pgm/gf"
	"github.com/pgmcore/pgm/peer"
	"github.com/pgmcore/pgm/rxw"
	"github.com/pgmcore/pgm/skb"
	"github.com/pgmcore/pgm/timer"
	"github.com/pgmcore/pgm/tsi"
	"github.com/pgmcore/pgm/wire"
)

// Sender is what the receiver engine needs to unicast NAKs and SPMRs;
// socket.Socket implements it. Declared here, next to its caller, the same
// shape source.Sender and sptp/client.UDPConn are declared.
type Sender interface {
	SendTo(b []byte, addr net.IP, port int) (int, error)
}

// Source is what the receiver engine forwards NAK and SPMR traffic to: a
// PGM socket that is not recv_only answers NAKs with RDATA and SPMRs with an
// immediate SPM through its own source engine, per spec.md §4.6/§4.7. nil
// when this socket was opened recv_only, in which case inbound NAK/SPMR
// traffic is simply dropped (there is nothing on this socket to retransmit
// or re-advertise).
type Source interface {
	OnNAK(sqn uint32, from net.IP, now time.Time)
	OnSPMR(now time.Time)
}

// FECConfig mirrors source.FECConfig; BlockLen and UseVarPktLen must match
// the value the sources on this group were configured with.
type FECConfig struct {
	Enabled      bool
	N, K         int
	BlockLen     int
	UseVarPktLen bool
}

// Config is the static configuration a receiver engine is built from.
type Config struct {
	TSI        tsi.TSI
	SourcePort uint16
	DestPort   uint16
	Group      net.IP
	LocalNLA   net.IP

	RXW        rxw.Config
	PeerExpiry time.Duration
	SPMRExpiry time.Duration
	Passive    bool

	FEC FECConfig
}

// Engine is the receive-side state machine for one PGM socket: it owns the
// peers map and answers intake dispatch, NAK scheduling and FEC repair for
// every peer in it.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	sender Sender
	source Source
	pool   *skb.Pool
	rs     *gf.RS
	peers  map[tsi.TSI]*peerState

	deliverable chan struct{}
}

// New creates a receiver engine. pool supplies SKBs for inbound payloads.
// src is this socket's source engine, or nil if the socket was opened
// recv_only.
func New(cfg Config, sender Sender, pool *skb.Pool, src Source) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		sender:      sender,
		source:      src,
		pool:        pool,
		peers:       make(map[tsi.TSI]*peerState),
		deliverable: make(chan struct{}, 1),
	}
	if cfg.FEC.Enabled {
		rs, err := gf.New(cfg.FEC.N, cfg.FEC.K)
		if err != nil {
			return nil, fmt.Errorf("receiver: building RS(%d,%d): %w", cfg.FEC.N, cfg.FEC.K, err)
		}
		e.rs = rs
	}
	return e, nil
}

// DeliverableNotify returns the channel the socket facade's multiplexer FD
// export signals on whenever a peer's RXW may have gained deliverable data,
// per spec.md §4.8's pending-data notifier.
func (e *Engine) DeliverableNotify() <-chan struct{} { return e.deliverable }

func (e *Engine) wakeDeliverable() {
	select {
	case e.deliverable <- struct{}{}:
	default:
	}
}

// peerState is a receiver-local wrapper around *peer.Peer: it adapts peer
// lifecycle + its RXW's deadlines into timer.Peer, and tracks in-flight FEC
// transmission groups for this peer's proactive/on-demand repair.
type peerState struct {
	mu        sync.Mutex
	peer      *peer.Peer
	eng       *Engine
	fecGroups map[uint32]*fecGroup
}

type fecGroup struct {
	blocks map[int][]byte
}

// NextDeadline implements timer.Peer: the earlier of the peer's
// SPMR/expiry deadline and its RXW's NAK back-off/NCF/RDATA deadline.
func (p *peerState) NextDeadline() (time.Time, bool) {
	d1, ok1 := p.peer.NextLifecycleDeadline()
	d2, ok2 := p.peer.RXW.NextDeadline()
	switch {
	case ok1 && ok2:
		if d2.Before(d1) {
			return d2, true
		}
		return d1, true
	case ok1:
		return d1, true
	case ok2:
		return d2, true
	default:
		return time.Time{}, false
	}
}

// Expired implements timer.Peer.
func (p *peerState) Expired(now time.Time) bool { return p.peer.Expired(now) }

// Dispatch implements timer.Peer: re-requests SPMR if due, and drives the
// NAK back-off/NCF/RDATA state machine unless this socket is passive.
func (p *peerState) Dispatch(now time.Time) {
	if deadline, armed := p.peer.SPMRDeadline(); armed && !deadline.After(now) {
		p.eng.sendSPMR(p.peer)
		p.peer.CancelSPMR()
	}

	if p.peer.Passive() {
		return
	}

	due := p.peer.RXW.ExpireBackOff(now)
	if len(due) > 0 {
		p.eng.sendNAKs(p.peer, due)
	}
	p.peer.RXW.ExpireNCF(now)
	p.peer.RXW.ExpireRDATA(now)
}

// ForEach implements timer.PeerSet.
func (e *Engine) ForEach(fn func(id any, p timer.Peer)) {
	e.mu.Lock()
	snapshot := make([]*peerState, 0, len(e.peers))
	for _, ps := range e.peers {
		snapshot = append(snapshot, ps)
	}
	e.mu.Unlock()
	for _, ps := range snapshot {
		fn(ps.peer.TSI, ps)
	}
}

// Remove implements timer.PeerSet: drops the peer, flushing its RXW per
// spec.md §4.7's peer-expiry behavior (pending APDUs simply become
// unreachable once the entry is gone).
func (e *Engine) Remove(id any) {
	pid, ok := id.(tsi.TSI)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, pid)
}

func (e *Engine) getOrCreate(id tsi.TSI, group, nla net.IP, now time.Time) *peerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok := e.peers[id]; ok {
		return ps
	}
	cfg := peer.Config{
		RXW:        e.cfg.RXW,
		PeerExpiry: e.cfg.PeerExpiry,
		SPMRExpiry: e.cfg.SPMRExpiry,
		Passive:    e.cfg.Passive,
	}
	ps := &peerState{
		peer:      peer.New(id, group, nla, cfg, now),
		eng:       e,
		fecGroups: make(map[uint32]*fecGroup),
	}
	e.peers[id] = ps
	return ps
}

// Peers returns a snapshot of currently tracked peers, for socket-facade
// introspection (e.g. recv's per-peer RESET/TSI reporting).
func (e *Engine) Peers() []*peer.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*peer.Peer, 0, len(e.peers))
	for _, ps := range e.peers {
		out = append(out, ps.peer)
	}
	return out
}

// Readv drains every peer's deliverable messages. Socket.Recv calls this to
// fill its delivery queue; ordering across peers is undefined, matching
// spec.md's per-peer (not socket-wide) ordering guarantee.
func (e *Engine) Readv() map[tsi.TSI][]rxw.Delivery {
	e.mu.Lock()
	snapshot := make([]*peerState, 0, len(e.peers))
	for _, ps := range e.peers {
		snapshot = append(snapshot, ps)
	}
	e.mu.Unlock()

	out := make(map[tsi.TSI][]rxw.Delivery)
	for _, ps := range snapshot {
		d := ps.peer.RXW.Readv()
		if len(d) > 0 {
			out[ps.peer.TSI] = d
		}
	}
	return out
}

// OnPacket decodes raw and dispatches it by PGM type. NAK and SPMR are
// requests a peer (or a repairing receiver) addresses to this socket's own
// source engine, forwarded via e.source when this socket is not recv_only;
// NNAK is a source-to-source diagnostic this engine has no use for.
func (e *Engine) OnPacket(raw []byte, from net.IP, now time.Time) error {
	p, err := wire.DecodePacket(raw)
	if err != nil {
		return fmt.Errorf("receiver: decoding packet: %w", err)
	}
	id := tsi.TSI{GSI: p.Header.GSI, Port: p.Header.SourcePort}

	switch p.Header.Type {
	case wire.TypeSPM:
		return e.onSPM(id, from, p, now)
	case wire.TypeODATA, wire.TypeRDATA:
		return e.onData(id, from, p, now)
	case wire.TypeNCF:
		return e.onNCF(id, p, now)
	case wire.TypeNAK:
		return e.onNAK(from, p, now)
	case wire.TypeSPMR:
		return e.onSPMR(now)
	default:
		return nil
	}
}

func (e *Engine) onSPM(id tsi.TSI, from net.IP, p wire.Packet, now time.Time) error {
	if int(p.Header.TSDULength) > len(p.Body) {
		return fmt.Errorf("receiver: truncated SPM")
	}
	var body wire.SPMBody
	if err := body.UnmarshalBinary(p.Body[:p.Header.TSDULength]); err != nil {
		return fmt.Errorf("receiver: malformed SPM: %w", err)
	}

	ps := e.getOrCreate(id, e.cfg.Group, from, now)
	ps.peer.Touch(now)
	ps.peer.SetNLA(from)
	ps.peer.CancelSPMR()
	ps.peer.RXW.OnSPM(body.TrailingSequence, body.LeadingSequence, now)
	return nil
}

func (e *Engine) onNCF(id tsi.TSI, p wire.Packet, now time.Time) error {
	if int(p.Header.TSDULength) > len(p.Body) {
		return fmt.Errorf("receiver: truncated NCF")
	}
	var body wire.NAKBody
	if err := body.UnmarshalBinary(p.Body[:p.Header.TSDULength]); err != nil {
		return fmt.Errorf("receiver: malformed NCF: %w", err)
	}

	e.mu.Lock()
	ps, ok := e.peers[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	ps.peer.RXW.OnNCF(body.Sequence, now)
	return nil
}

// onNAK forwards a NAK's requested sequence(s) to this socket's own source
// engine for retransmission, per spec.md §4.6. A no-op when this socket was
// opened recv_only.
func (e *Engine) onNAK(from net.IP, p wire.Packet, now time.Time) error {
	if e.source == nil {
		return nil
	}
	if int(p.Header.TSDULength) > len(p.Body) {
		return fmt.Errorf("receiver: truncated NAK")
	}
	var body wire.NAKBody
	if err := body.UnmarshalBinary(p.Body[:p.Header.TSDULength]); err != nil {
		return fmt.Errorf("receiver: malformed NAK: %w", err)
	}

	sequences := []uint32{body.Sequence}
	options := p.Body[p.Header.TSDULength:]
	if len(options) >= 4 && wire.OptionType(binary.BigEndian.Uint16(options[0:])) == wire.OptionNAKList {
		var list wire.NAKListOption
		if err := list.UnmarshalBinary(options); err == nil {
			sequences = append(sequences, list.Sequences...)
		}
	}
	for _, sqn := range sequences {
		e.source.OnNAK(sqn, from, now)
	}
	return nil
}

// onSPMR asks this socket's own source engine to re-emit its current SPM
// immediately, per spec.md §4.7. A no-op when this socket was opened
// recv_only.
func (e *Engine) onSPMR(now time.Time) error {
	if e.source == nil {
		return nil
	}
	e.source.OnSPMR(now)
	return nil
}

func (e *Engine) onData(id tsi.TSI, from net.IP, p wire.Packet, now time.Time) error {
	if int(p.Header.TSDULength) > len(p.Body) {
		return fmt.Errorf("receiver: truncated data packet")
	}
	tsdu := p.Body[:p.Header.TSDULength]
	if len(tsdu) < 8 {
		return fmt.Errorf("receiver: data body shorter than minimum")
	}

	var body wire.DataBody
	if err := body.UnmarshalBinary(tsdu); err != nil {
		return fmt.Errorf("receiver: malformed data body: %w", err)
	}
	payload := tsdu[8:]
	options := p.Body[p.Header.TSDULength:]

	var (
		frag        wire.FragmentOption
		hasFragment bool
		parityBase  uint32
	)
	if len(options) >= 4 {
		optType := wire.OptionType(binary.BigEndian.Uint16(options[0:]))
		switch optType {
		case wire.OptionFragment:
			if err := frag.UnmarshalBinary(options[4:]); err == nil {
				hasFragment = true
			}
		case wire.OptionParity:
			var po wire.ParityOption
			if err := po.UnmarshalBinary(options[4:]); err == nil {
				parityBase = po.GroupBaseSequence
			}
		}
	}

	ps := e.getOrCreate(id, e.cfg.Group, from, now)
	ps.peer.Touch(now)

	isParity := p.Header.Options&wire.OptParity != 0
	if isParity {
		if e.rs != nil {
			offset := int(int32(body.Sequence - parityBase))
			e.observeFEC(ps, parityBase, offset, payload, true, now)
		}
		return nil
	}

	s := e.pool.Get()
	b, err := s.Push(len(payload))
	if err != nil {
		s.Put()
		return fmt.Errorf("receiver: allocating SKB buffer: %w", err)
	}
	copy(b, payload)
	s.TSI = id
	s.Sqn = body.Sequence
	s.Timestamp = now
	if hasFragment {
		s.Fragment.HasFragment = true
		s.Fragment.FirstSqn = frag.FirstSequence
		s.Fragment.Offset = frag.Offset
		s.Fragment.ApduLength = frag.APDULength
	}

	dup := ps.peer.RXW.OnData(body.Sequence, body.TrailingSequence, s, now)
	s.Put()
	if dup {
		ps.peer.Counters().IncDuplicate()
		return nil
	}
	ps.peer.Counters().IncData()
	e.wakeDeliverable()

	if e.rs != nil {
		groupBase := body.Sequence - body.Sequence%uint32(e.rs.K)
		e.observeFEC(ps, groupBase, int(body.Sequence-groupBase), payload, false, now)
	}
	return nil
}

// observeFEC records one transmission-group member (original or parity) for
// ps's FEC tracking and attempts repair once k of n have been seen.
func (e *Engine) observeFEC(ps *peerState, groupBase uint32, offset int, payload []byte, isParity bool, now time.Time) {
	if e.rs == nil || offset < 0 || offset >= e.rs.N {
		return
	}
	blockLen := e.cfg.FEC.BlockLen
	if e.cfg.FEC.UseVarPktLen {
		blockLen += 2
	}
	block := make([]byte, blockLen)
	n := copy(block, payload)
	if e.cfg.FEC.UseVarPktLen && !isParity {
		binary.BigEndian.PutUint16(block[blockLen-2:], uint16(n))
	}

	ps.mu.Lock()
	g, ok := ps.fecGroups[groupBase]
	if !ok {
		g = &fecGroup{blocks: make(map[int][]byte, e.rs.N)}
		ps.fecGroups[groupBase] = g
	}
	g.blocks[offset] = block
	ready := len(g.blocks) >= e.rs.K
	var snapshot map[int][]byte
	if ready {
		snapshot = make(map[int][]byte, len(g.blocks))
		for k, v := range g.blocks {
			snapshot[k] = v
		}
		delete(ps.fecGroups, groupBase)
	}
	ps.mu.Unlock()

	if ready {
		e.tryRepair(ps, groupBase, snapshot, now)
	}
}

// tryRepair reconstructs any still-missing originals in [groupBase,
// groupBase+k) from blocks via Reed-Solomon decode and installs them into
// ps's RXW, satisfying spec.md scenario 4 ("zero NAKs emitted").
func (e *Engine) tryRepair(ps *peerState, groupBase uint32, blocks map[int][]byte, now time.Time) {
	var missing []int
	for off := 0; off < e.rs.K; off++ {
		sqn := groupBase + uint32(off)
		if state, _ := ps.peer.RXW.Entry(sqn); state == rxw.HaveData || state == rxw.HaveParity {
			continue
		}
		if _, have := blocks[off]; have {
			continue
		}
		missing = append(missing, off)
	}
	if len(missing) == 0 {
		return
	}

	offsets := make([]int, 0, e.rs.K)
	block := make([][]byte, 0, e.rs.K)
	for off, b := range blocks {
		offsets = append(offsets, off)
		block = append(block, b)
		if len(offsets) == e.rs.K {
			break
		}
	}
	if len(offsets) < e.rs.K {
		return
	}

	decoded, err := gf.Decode(e.rs, block, offsets)
	if err != nil {
		log.Debugf("receiver: FEC decode for group base %d failed: %v", groupBase, err)
		return
	}

	for _, off := range missing {
		raw := decoded[off]
		length := len(raw)
		if e.cfg.FEC.UseVarPktLen && length >= 2 {
			l := int(binary.BigEndian.Uint16(raw[length-2:]))
			if l <= length-2 {
				length = l
			}
		}

		s := e.pool.Get()
		b, err := s.Push(length)
		if err != nil {
			s.Put()
			continue
		}
		copy(b, raw[:length])
		s.Sqn = groupBase + uint32(off)
		s.TSI = ps.peer.TSI
		s.Timestamp = now
		ps.peer.RXW.FillParity(groupBase+uint32(off), s)
		s.Put()
		ps.peer.Counters().IncFECRepair()
	}
	e.wakeDeliverable()
}

func (e *Engine) sendNAKs(p *peer.Peer, sequences []uint32) {
	for _, chunk := range chunkSequences(sequences) {
		e.sendNAK(p, chunk)
	}
}

// chunkSequences splits sequences into groups whose body-sequence plus
// OPT_NAK_LIST entries never exceed wire.MaxNAKListSequences, mirroring
// spec.md §4.7's NAK coalescing rule.
func chunkSequences(sequences []uint32) [][]uint32 {
	if len(sequences) == 0 {
		return nil
	}
	head, rest := sequences[0], sequences[1:]
	chunks := wire.SplitNAKList(rest)
	if len(chunks) == 0 {
		return [][]uint32{{head}}
	}
	out := make([][]uint32, 0, len(chunks))
	for i, c := range chunks {
		if i == 0 {
			out = append(out, append([]uint32{head}, c...))
			continue
		}
		out = append(out, c)
	}
	return out
}

func (e *Engine) sendNAK(p *peer.Peer, sequences []uint32) {
	if len(sequences) == 0 {
		return
	}
	afi := afiFor(e.cfg.LocalNLA)
	body := wire.NAKBody{Sequence: sequences[0], AFI: afi, SourceNLA: e.cfg.LocalNLA, GroupNLA: e.cfg.Group}
	nlaLen := 4 + nlaSize(afi)
	bodyBuf := make([]byte, 4+2*nlaLen)
	n, err := body.MarshalBinaryTo(bodyBuf)
	if err != nil {
		log.Errorf("receiver: marshaling NAK body: %v", err)
		return
	}

	var opt []byte
	if len(sequences) > 1 {
		lo := wire.NAKListOption{Sequences: sequences[1:]}
		opt = make([]byte, 4+4*len(sequences[1:]))
		on, err := lo.MarshalBinaryTo(opt)
		if err != nil {
			log.Errorf("receiver: marshaling NAK list: %v", err)
			return
		}
		opt = opt[:on]
	}

	h := wire.Header{SourcePort: e.cfg.SourcePort, DestinationPort: e.cfg.DestPort, Type: wire.TypeNAK, GSI: e.cfg.TSI.GSI}
	buf := make([]byte, wire.HeaderSize+n+len(opt))
	total, err := wire.EncodePacket(buf, h, bodyBuf[:n], opt)
	if err != nil {
		log.Errorf("receiver: encoding NAK: %v", err)
		return
	}
	if _, err := e.sender.SendTo(buf[:total], p.NAKNLA(), int(p.TSI.Port)); err != nil {
		log.Warningf("receiver: sending NAK: %v", err)
		return
	}
	p.Counters().IncNAKSent()
}

func (e *Engine) sendSPMR(p *peer.Peer) {
	h := wire.Header{SourcePort: e.cfg.SourcePort, DestinationPort: e.cfg.DestPort, Type: wire.TypeSPMR, GSI: e.cfg.TSI.GSI}
	buf := make([]byte, wire.HeaderSize)
	total, err := wire.EncodePacket(buf, h, nil, nil)
	if err != nil {
		log.Errorf("receiver: encoding SPMR: %v", err)
		return
	}
	if _, err := e.sender.SendTo(buf[:total], p.NAKNLA(), int(p.TSI.Port)); err != nil {
		log.Warningf("receiver: sending SPMR: %v", err)
	}
}

func afiFor(ip net.IP) wire.AFI {
	if ip.To4() != nil {
		return wire.AFIIP
	}
	return wire.AFIIP6
}

func nlaSize(afi wire.AFI) int {
	if afi == wire.AFIIP6 {
		return 16
	}
	return 4
}
