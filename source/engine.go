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

// Package source implements the PGM source engine: original-data send with
// fragmentation, SPM ambient/heartbeat emission, NAK/NNAK intake, RDATA
// retransmission, and proactive/on-demand parity generation. Shaped after
// ptp/ptp4u/server/worker.go's per-message-type switch dispatch inside a
// worker loop, generalized from a subscription-driven PTP send loop to
// PGM's allocate-append-send-on-demand shape.
package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pgmcore/pgm/gf"
	"github.com/pgmcore/pgm/rate"
	"github.com/pgmcore/pgm/skb"
	"github.com/pgmcore/pgm/tsi"
	"github.com/pgmcore/pgm/txw"
	"github.com/pgmcore/pgm/wire"
)

// ErrWouldBlock is returned by Send in nonblocking mode when the rate
// regulator has no credit.
var ErrWouldBlock = errors.New("source: would block")

// ErrPayloadTooLarge is returned when a send exceeds the configured APDU
// bound (max_tsdu_fragment * available sequence space is not itself
// enforced here; this guards max_tpdu's minimum-viable-payload boundary).
var ErrPayloadTooLarge = errors.New("source: payload exceeds max_tpdu")

// Sender is what the source engine needs in order to put bytes on the
// wire; socket.Socket implements it. Kept minimal and defined by the
// consumer (here), not the provider, the same shape sptp/client.UDPConn
// is declared next to its caller.
type Sender interface {
	SendTo(b []byte, addr net.IP, port int) (int, error)
}

// defaultHeartbeatSchedule is spec.md §4.5's default SPM heartbeat cadence:
// four 100ms beats, then progressively longer ones, before settling into
// ambient_interval.
var defaultHeartbeatSchedule = []time.Duration{
	100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
	1300 * time.Millisecond, 7 * time.Second, 16 * time.Second, 25 * time.Second, 30 * time.Second,
}

// FECConfig mirrors socket.Config's fec option. BlockLen is the fixed,
// zero-padded length every transmission-group member (original or parity)
// is encoded at; it must agree with the receiving peers' configuration, the
// same way the reference implementation requires senders and receivers to
// be built against a matching FEC block size. When UseVarPktLen is set, the
// last two bytes of every original's block carry its true payload length so
// the receiver can trim padding off a reconstructed packet.
type FECConfig struct {
	Enabled          bool
	N, K             int
	BlockLen         int
	ProactivePackets int
	UseOndemand      bool
	UseVarPktLen     bool
}

// Config is the static configuration a source engine is built from.
type Config struct {
	TSI        tsi.TSI
	SourcePort uint16
	DestPort   uint16
	Group      net.IP
	LocalNLA   net.IP

	MaxTPDU         int
	MaxTSDU         int
	MaxTSDUFragment int

	TXWSqns   int
	TXWSecs   time.Duration
	TXWMaxRte int

	AmbientInterval    time.Duration
	HeartbeatSchedule  []time.Duration
	FEC                FECConfig
}

// Engine is the source-side state machine for one PGM socket that can
// send: it owns the transmit window, drives SPM scheduling, and answers
// NAK/NNAK traffic.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	txw    *txw.Window
	pool   *skb.Pool
	rate   *rate.Bucket
	sender Sender

	spmSqn uint32

	heartbeatIdx int
	nextSPM      time.Time

	// rs, when FEC is enabled, is the cached (n,k) codec; groupBase is the
	// sequence at the start of the current transmission group, reset every
	// k originals per spec.md §3's Transmission Group.
	rs          *gf.RS
	groupBase   uint32
	groupFilled int
	groupSrc    [][]byte

	// pgmcc is present only to make the PGMCC stub visible, per spec.md §1
	// ("support for PGMCC congestion control (present only as stubs)").
	pgmcc pgmccStub

	nakSelective  int64
	nakErrors     int64
	bytesResent   int64
}

type pgmccStub struct{}

func (pgmccStub) onACK() {}

// New creates a source engine bound to sender for wire output and pool for
// outgoing SKB allocation.
func New(cfg Config, sender Sender, pool *skb.Pool, bucket *rate.Bucket) (*Engine, error) {
	// sendFragmentOf's minimum packet is the header plus an 8-byte ODATA
	// body; anything smaller can never carry even a single payload byte.
	if cfg.MaxTPDU <= wire.HeaderSize+8 {
		return nil, fmt.Errorf("source: max_tpdu %d must exceed header+data-body size %d", cfg.MaxTPDU, wire.HeaderSize+8)
	}
	if len(cfg.HeartbeatSchedule) == 0 {
		cfg.HeartbeatSchedule = defaultHeartbeatSchedule
	}

	e := &Engine{
		cfg:    cfg,
		txw:    txw.New(cfg.TXWSqns, cfg.TXWSecs, cfg.TXWMaxRte),
		pool:   pool,
		rate:   bucket,
		sender: sender,
	}
	if cfg.FEC.Enabled {
		rs, err := gf.New(cfg.FEC.N, cfg.FEC.K)
		if err != nil {
			return nil, fmt.Errorf("source: building RS(%d,%d): %w", cfg.FEC.N, cfg.FEC.K, err)
		}
		blockLen := cfg.FEC.BlockLen
		if cfg.FEC.UseVarPktLen {
			blockLen += 2
		}
		if wire.HeaderSize+8+blockLen+4+4 > cfg.MaxTPDU {
			return nil, fmt.Errorf("source: fec block_len %d does not fit max_tpdu %d", cfg.FEC.BlockLen, cfg.MaxTPDU)
		}
		e.rs = rs
	}
	e.nextSPM = time.Now().Add(cfg.HeartbeatSchedule[0])
	return e, nil
}

// NextDeadline implements timer.Source: the next SPM emission time.
func (e *Engine) NextDeadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextSPM
}

// EmitSPM implements timer.Source: sends the next SPM (consuming one
// heartbeat-schedule slot, or falling back to ambient_interval once the
// schedule is exhausted) and returns the new deadline.
func (e *Engine) EmitSPM(now time.Time) time.Time {
	e.mu.Lock()
	body := wire.SPMBody{
		Sequence:         e.spmSqn,
		TrailingSequence: e.txw.Trail(),
		LeadingSequence:  e.txw.Lead(),
		AFI:              afiFor(e.cfg.LocalNLA),
		NLA:              e.cfg.LocalNLA,
	}
	e.spmSqn++
	next := e.armHeartbeatLocked(now)
	e.mu.Unlock()

	e.sendSPM(body)
	return next
}

// armHeartbeatLocked advances the heartbeat schedule index and returns the
// next deadline. Caller must hold mu.
func (e *Engine) armHeartbeatLocked(now time.Time) time.Time {
	sched := e.cfg.HeartbeatSchedule
	var ivl time.Duration
	if e.heartbeatIdx < len(sched) {
		ivl = sched[e.heartbeatIdx]
		e.heartbeatIdx++
	} else {
		ivl = e.cfg.AmbientInterval
	}
	e.nextSPM = now.Add(ivl)
	return e.nextSPM
}

// resetHeartbeatLocked rewinds the heartbeat index to 0, per spec.md §4.5:
// any ODATA emission resets the ambient/heartbeat schedule. Caller must
// hold mu.
func (e *Engine) resetHeartbeatLocked(now time.Time) {
	e.heartbeatIdx = 0
	if len(e.cfg.HeartbeatSchedule) > 0 {
		e.nextSPM = now.Add(e.cfg.HeartbeatSchedule[0])
	}
}

func (e *Engine) sendSPM(body wire.SPMBody) {
	buf := make([]byte, e.cfg.MaxTPDU)
	bodyBuf := make([]byte, 12+4+len(body.NLA))
	n, err := body.MarshalBinaryTo(bodyBuf)
	if err != nil {
		log.Errorf("source: marshaling SPM body: %v", err)
		return
	}
	h := wire.Header{
		SourcePort:      e.cfg.SourcePort,
		DestinationPort: e.cfg.DestPort,
		Type:            wire.TypeSPM,
		GSI:             e.cfg.TSI.GSI,
	}
	total, err := wire.EncodePacket(buf, h, bodyBuf[:n], nil)
	if err != nil {
		log.Errorf("source: encoding SPM: %v", err)
		return
	}
	if _, err := e.sender.SendTo(buf[:total], e.cfg.Group, int(e.cfg.DestPort)); err != nil {
		log.Warningf("source: sending SPM: %v", err)
	}
}

func afiFor(ip net.IP) wire.AFI {
	if ip.To4() != nil {
		return wire.AFIIP
	}
	return wire.AFIIP6
}

// Send transmits buf, fragmenting it into OPT_FRAGMENT-carrying pieces no
// larger than max_tsdu_fragment if it exceeds max_tsdu. nonblocking callers
// get ErrWouldBlock immediately from the rate regulator rather than
// sleeping.
func (e *Engine) Send(buf []byte, nonblocking bool, now time.Time) error {
	e.mu.Lock()
	maxTSDU := e.cfg.MaxTSDU
	fragSize := e.cfg.MaxTSDUFragment
	e.mu.Unlock()

	if len(buf) <= maxTSDU {
		_, err := e.sendFragment(buf, 0, 0, now, nonblocking)
		return err
	}

	apduLen := uint32(len(buf))
	var firstSqn uint32
	offset := 0
	for offset < len(buf) || offset == 0 {
		n := fragSize
		if offset+n > len(buf) {
			n = len(buf) - offset
		}
		frag := buf[offset : offset+n]
		sqn, err := e.sendFragmentOf(frag, firstSqn, uint32(offset), apduLen, offset > 0, now, nonblocking)
		if err != nil {
			return err
		}
		if offset == 0 {
			firstSqn = sqn
		}
		offset += n
		if n == 0 {
			break
		}
	}
	return nil
}

// sendFragment sends a single, unfragmented ODATA packet.
func (e *Engine) sendFragment(payload []byte, offset, apduLen uint32, now time.Time, nonblocking bool) (uint32, error) {
	return e.sendFragmentOf(payload, 0, offset, apduLen, false, now, nonblocking)
}

// sendFragmentOf builds and transmits a single ODATA packet, optionally
// carrying OPT_FRAGMENT when hasFragment is true or apduLen > 0. firstSqn
// is the already-allocated sequence of this APDU's first fragment; it is
// ignored (and will equal this call's own allocated sequence) when this is
// that first fragment.
func (e *Engine) sendFragmentOf(payload []byte, firstSqn, offset, apduLen uint32, hasFragment bool, now time.Time, nonblocking bool) (uint32, error) {
	e.mu.Lock()

	needsFragOpt := hasFragment || apduLen > 0
	optLen := 0
	if needsFragOpt {
		optLen = 12 + 12
	}

	need := wire.HeaderSize + 8 + len(payload) + optLen
	if need > e.cfg.MaxTPDU {
		e.mu.Unlock()
		return 0, ErrPayloadTooLarge
	}

	if ok, wait := e.rate.Check(now, need); !ok {
		e.mu.Unlock()
		if nonblocking {
			return 0, fmt.Errorf("%w: retry after %s", ErrWouldBlock, wait)
		}
		time.Sleep(wait)
		return e.sendFragmentOf(payload, firstSqn, offset, apduLen, hasFragment, now.Add(wait), nonblocking)
	}

	sqn := e.txw.AllocSqn(now)
	if !hasFragment {
		firstSqn = sqn
	}

	var opt []byte
	if needsFragOpt {
		fo := wire.FragmentOption{FirstSequence: firstSqn, Offset: offset, APDULength: apduLen}
		opt = make([]byte, optLen)
		n, _ := fo.MarshalBinaryTo(opt)
		opt = opt[:n]
	}

	s := e.pool.Get()
	b, err := s.Push(need)
	if err != nil {
		e.mu.Unlock()
		s.Put()
		return 0, fmt.Errorf("source: allocating SKB buffer: %w", err)
	}
	h := wire.Header{
		SourcePort:      e.cfg.SourcePort,
		DestinationPort: e.cfg.DestPort,
		Type:            wire.TypeODATA,
		GSI:             e.cfg.TSI.GSI,
	}
	body := wire.DataBody{Sequence: sqn, TrailingSequence: e.txw.Trail()}
	bodyBuf := make([]byte, 8)
	_, _ = body.MarshalBinaryTo(bodyBuf)

	total, err := wire.EncodePacket(b, h, append(bodyBuf, payload...), opt)
	if err != nil {
		e.mu.Unlock()
		s.Put()
		return 0, fmt.Errorf("source: encoding ODATA: %w", err)
	}
	s.Sqn = sqn
	s.TSI = e.cfg.TSI
	s.Timestamp = now
	if needsFragOpt {
		s.Fragment.HasFragment = true
		s.Fragment.FirstSqn = firstSqn
		s.Fragment.Offset = offset
		s.Fragment.ApduLength = apduLen
	}

	e.txw.Append(sqn, s, now)
	e.resetHeartbeatLocked(now)
	// Every fragment (and every unfragmented send) occupies its own sequence
	// and its own transmission-group slot, per spec.md §3's Transmission
	// Group definition.
	e.collectForParityLocked(sqn, payload)
	e.mu.Unlock()

	_, err = e.sender.SendTo(b[:total], e.cfg.Group, int(e.cfg.DestPort))
	s.Put()
	if err != nil {
		return sqn, fmt.Errorf("source: sendto: %w", err)
	}
	return sqn, nil
}

// fecBlockLenLocked returns the fixed, zero-padded block length every
// transmission-group member is encoded at, including the trailing
// true-length field use_varpktlen adds. Caller must hold mu.
func (e *Engine) fecBlockLenLocked() int {
	n := e.cfg.FEC.BlockLen
	if e.cfg.FEC.UseVarPktLen {
		n += 2
	}
	return n
}

// padForFEC zero-pads payload up to blockLen, recording its true length in
// the last two bytes when use_varpktlen is set, the same trailing-length
// convention the reference implementation uses so a receiver can recover an
// original's real size after Reed-Solomon decode strips meaning from
// padding.
func padForFEC(payload []byte, blockLen int, varPktLen bool) []byte {
	block := make([]byte, blockLen)
	n := copy(block, payload)
	if varPktLen {
		binary.BigEndian.PutUint16(block[blockLen-2:], uint16(n))
	}
	return block
}

// collectForParityLocked accumulates originals' TSDU payloads (not their
// framed wire bytes) into the current transmission group and, once k have
// been sent, generates and transmits the configured proactive parity
// packets. Caller must hold mu.
func (e *Engine) collectForParityLocked(sqn uint32, payload []byte) {
	if e.rs == nil || e.cfg.FEC.ProactivePackets <= 0 {
		return
	}
	if e.groupSrc == nil {
		e.groupBase = sqn
		e.groupSrc = make([][]byte, 0, e.rs.K)
	}
	e.groupSrc = append(e.groupSrc, padForFEC(payload, e.fecBlockLenLocked(), e.cfg.FEC.UseVarPktLen))
	e.groupFilled++
	if e.groupFilled < e.rs.K {
		return
	}
	base, rs, src, n := e.groupBase, e.rs, e.groupSrc, e.cfg.FEC.ProactivePackets
	e.groupSrc = nil
	e.groupFilled = 0
	go e.emitParity(base, rs, src, n)
}

func (e *Engine) emitParity(base uint32, rs *gf.RS, src [][]byte, count int) {
	for i := 0; i < count && rs.K+i < rs.N; i++ {
		parity, err := rs.Encode(src, rs.K+i)
		if err != nil {
			log.Errorf("source: encoding parity %d: %v", rs.K+i, err)
			continue
		}
		po := wire.ParityOption{GroupBaseSequence: base}
		opt := make([]byte, 4+4)
		n, _ := po.MarshalBinaryTo(opt)
		h := wire.Header{SourcePort: e.cfg.SourcePort, DestinationPort: e.cfg.DestPort, Type: wire.TypeODATA, Options: wire.OptParity, GSI: e.cfg.TSI.GSI}
		body := wire.DataBody{Sequence: base + uint32(rs.K+i), TrailingSequence: e.txw.Trail()}
		bodyBuf := make([]byte, 8)
		_, _ = body.MarshalBinaryTo(bodyBuf)
		buf := make([]byte, e.cfg.MaxTPDU)
		total, err := wire.EncodePacket(buf, h, append(bodyBuf, parity...), opt[:n])
		if err != nil {
			log.Errorf("source: encoding parity packet: %v", err)
			continue
		}
		if _, err := e.sender.SendTo(buf[:total], e.cfg.Group, int(e.cfg.DestPort)); err != nil {
			log.Warningf("source: sending parity packet: %v", err)
		}
	}
}

// OnNAK handles a received NAK for sqn: if the packet is still in the
// transmit window it is retransmitted as RDATA; otherwise an NNAK is sent
// and the NAK error counter incremented.
func (e *Engine) OnNAK(sqn uint32, from net.IP, now time.Time) {
	s := e.txw.Peek(sqn)
	if s == nil {
		e.mu.Lock()
		e.nakErrors++
		e.mu.Unlock()
		e.sendNNAK(sqn)
		return
	}
	defer s.Put()

	if ok, wait := e.rate.Check(now, s.Len()); !ok {
		time.Sleep(wait)
	}
	// The window holds the original ODATA packet; resend it typed RDATA with
	// its checksum recomputed.
	pkt := append([]byte(nil), s.Bytes()...)
	pkt[4] = byte(wire.TypeRDATA)
	pkt[6], pkt[7] = 0, 0
	sum := wire.Checksum(pkt)
	pkt[6], pkt[7] = byte(sum>>8), byte(sum)
	if _, err := e.sender.SendTo(pkt, e.cfg.Group, int(e.cfg.DestPort)); err != nil {
		log.Warningf("source: retransmitting sqn %d: %v", sqn, err)
		return
	}
	e.mu.Lock()
	e.nakSelective++
	e.bytesResent += int64(s.Len())
	e.mu.Unlock()
}

func (e *Engine) sendNNAK(sqn uint32) {
	body := wire.NAKBody{Sequence: sqn, AFI: afiFor(e.cfg.LocalNLA), SourceNLA: e.cfg.LocalNLA, GroupNLA: e.cfg.Group}
	bodyBuf := make([]byte, 4+2*(4+len(e.cfg.LocalNLA)))
	n, err := body.MarshalBinaryTo(bodyBuf)
	if err != nil {
		log.Errorf("source: marshaling NNAK body: %v", err)
		return
	}
	h := wire.Header{SourcePort: e.cfg.SourcePort, DestinationPort: e.cfg.DestPort, Type: wire.TypeNNAK, GSI: e.cfg.TSI.GSI}
	buf := make([]byte, e.cfg.MaxTPDU)
	total, err := wire.EncodePacket(buf, h, bodyBuf[:n], nil)
	if err != nil {
		log.Errorf("source: encoding NNAK: %v", err)
		return
	}
	if _, err := e.sender.SendTo(buf[:total], e.cfg.Group, int(e.cfg.DestPort)); err != nil {
		log.Warningf("source: sending NNAK: %v", err)
	}
}

// OnSPMR re-emits an SPM immediately in response to a repair request, per
// spec.md §4.7 ("only honoured when this socket is a source").
func (e *Engine) OnSPMR(now time.Time) {
	e.EmitSPM(now)
}

// Counters returns the (selective NAKs served, NAK errors, bytes resent)
// triple spec.md's end-to-end scenario 2 checks.
func (e *Engine) Counters() (selectiveNAKs, nakErrors, bytesResent int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nakSelective, e.nakErrors, e.bytesResent
}

// TXW exposes the underlying transmit window.
func (e *Engine) TXW() *txw.Window { return e.txw }
