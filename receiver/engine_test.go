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

package receiver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmcore/pgm/gf"
	"github.com/pgmcore/pgm/rxw"
	"github.com/pgmcore/pgm/skb"
	"github.com/pgmcore/pgm/timer"
	"github.com/pgmcore/pgm/tsi"
	"github.com/pgmcore/pgm/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *recordingSender) SendTo(b []byte, addr net.IP, port int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (s *recordingSender) packets() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func testEngine(t *testing.T, cfg Config) (*Engine, *recordingSender) {
	t.Helper()
	gsi, err := tsi.NewRandomGSI()
	require.NoError(t, err)

	cfg.TSI = tsi.TSI{GSI: gsi, Port: 7500}
	cfg.SourcePort = 7500
	cfg.DestPort = 7500
	cfg.Group = net.ParseIP("239.192.0.1")
	cfg.LocalNLA = net.ParseIP("10.0.0.2")
	if cfg.RXW.NakBackoffIvl == 0 {
		cfg.RXW.NakBackoffIvl = 10 * time.Millisecond
	}
	if cfg.RXW.NakRptIvl == 0 {
		cfg.RXW.NakRptIvl = 10 * time.Millisecond
	}
	if cfg.RXW.NakRdataIvl == 0 {
		cfg.RXW.NakRdataIvl = 10 * time.Millisecond
	}
	if cfg.PeerExpiry == 0 {
		cfg.PeerExpiry = time.Minute
	}
	if cfg.SPMRExpiry == 0 {
		cfg.SPMRExpiry = 10 * time.Millisecond
	}

	sender := &recordingSender{}
	pool := skb.NewPool(1500)

	e, err := New(cfg, sender, pool, nil)
	require.NoError(t, err)
	return e, sender
}

// recordingSource is a fake receiver.Source used to assert that NAK/SPMR
// packets are forwarded to a socket's own source engine.
type recordingSource struct {
	mu   sync.Mutex
	naks []uint32
	spmr int
}

func (s *recordingSource) OnNAK(sqn uint32, from net.IP, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.naks = append(s.naks, sqn)
}

func (s *recordingSource) OnSPMR(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spmr++
}

func (s *recordingSource) recorded() ([]uint32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.naks...), s.spmr
}

// sourceTSI is a fixed remote identity every test's packets claim to be
// from, distinct from the receiving engine's own TSI.
func sourceTSI(t *testing.T) tsi.TSI {
	t.Helper()
	gsi, err := tsi.NewRandomGSI()
	require.NoError(t, err)
	return tsi.TSI{GSI: gsi, Port: 7500}
}

func encodeODATA(t *testing.T, src tsi.TSI, typ wire.Type, sqn, trail uint32, payload []byte, opt []byte, parity bool) []byte {
	t.Helper()
	body := wire.DataBody{Sequence: sqn, TrailingSequence: trail}
	bodyBuf := make([]byte, 8)
	_, err := body.MarshalBinaryTo(bodyBuf)
	require.NoError(t, err)
	bodyBuf = append(bodyBuf, payload...)

	h := wire.Header{SourcePort: src.Port, DestinationPort: 7500, Type: typ, GSI: src.GSI}
	if parity {
		h.Options |= wire.OptParity
	}
	buf := make([]byte, wire.HeaderSize+len(bodyBuf)+len(opt))
	n, err := wire.EncodePacket(buf, h, bodyBuf, opt)
	require.NoError(t, err)
	return buf[:n]
}

func encodeParityOption(t *testing.T, groupBase uint32) []byte {
	t.Helper()
	po := wire.ParityOption{GroupBaseSequence: groupBase}
	buf := make([]byte, 4+4)
	n, err := po.MarshalBinaryTo(buf)
	require.NoError(t, err)
	return buf[:n]
}

func encodeSPM(t *testing.T, src tsi.TSI, sqn uint32, nla net.IP) []byte {
	t.Helper()
	body := wire.SPMBody{Sequence: sqn, AFI: wire.AFIIP, NLA: nla}
	bodyBuf := make([]byte, 12+4+4)
	n, err := body.MarshalBinaryTo(bodyBuf)
	require.NoError(t, err)

	h := wire.Header{SourcePort: src.Port, DestinationPort: 7500, Type: wire.TypeSPM, GSI: src.GSI}
	buf := make([]byte, wire.HeaderSize+n)
	total, err := wire.EncodePacket(buf, h, bodyBuf[:n], nil)
	require.NoError(t, err)
	return buf[:total]
}

func encodeNAK(t *testing.T, src tsi.TSI, sqn uint32, nla net.IP) []byte {
	t.Helper()
	body := wire.NAKBody{Sequence: sqn, AFI: wire.AFIIP, SourceNLA: nla, GroupNLA: nla}
	bodyBuf := make([]byte, 4+2*(4+4))
	n, err := body.MarshalBinaryTo(bodyBuf)
	require.NoError(t, err)

	h := wire.Header{SourcePort: src.Port, DestinationPort: 7500, Type: wire.TypeNAK, GSI: src.GSI}
	buf := make([]byte, wire.HeaderSize+n)
	total, err := wire.EncodePacket(buf, h, bodyBuf[:n], nil)
	require.NoError(t, err)
	return buf[:total]
}

func encodeSPMR(t *testing.T, src tsi.TSI) []byte {
	t.Helper()
	h := wire.Header{SourcePort: src.Port, DestinationPort: 7500, Type: wire.TypeSPMR, GSI: src.GSI}
	buf := make([]byte, wire.HeaderSize)
	total, err := wire.EncodePacket(buf, h, nil, nil)
	require.NoError(t, err)
	return buf[:total]
}

func TestOnPacketForwardsNAKToSource(t *testing.T) {
	gsi, err := tsi.NewRandomGSI()
	require.NoError(t, err)
	cfg := Config{
		TSI:        tsi.TSI{GSI: gsi, Port: 7500},
		SourcePort: 7500,
		DestPort:   7500,
		Group:      net.ParseIP("239.192.0.1"),
		LocalNLA:   net.ParseIP("10.0.0.2"),
		PeerExpiry: time.Minute,
	}
	src := &recordingSource{}
	e, err := New(cfg, &recordingSender{}, skb.NewPool(1500), src)
	require.NoError(t, err)

	from := sourceTSI(t)
	pkt := encodeNAK(t, from, 42, net.ParseIP("10.0.0.3"))
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.3"), time.Now()))

	naks, spmr := src.recorded()
	assert.Equal(t, []uint32{42}, naks)
	assert.Equal(t, 0, spmr)
}

func TestOnPacketForwardsSPMRToSource(t *testing.T) {
	gsi, err := tsi.NewRandomGSI()
	require.NoError(t, err)
	cfg := Config{
		TSI:        tsi.TSI{GSI: gsi, Port: 7500},
		SourcePort: 7500,
		DestPort:   7500,
		Group:      net.ParseIP("239.192.0.1"),
		LocalNLA:   net.ParseIP("10.0.0.2"),
		PeerExpiry: time.Minute,
	}
	src := &recordingSource{}
	e, err := New(cfg, &recordingSender{}, skb.NewPool(1500), src)
	require.NoError(t, err)

	from := sourceTSI(t)
	pkt := encodeSPMR(t, from)
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.3"), time.Now()))

	naks, spmr := src.recorded()
	assert.Empty(t, naks)
	assert.Equal(t, 1, spmr)
}

func TestOnPacketDropsNAKWhenRecvOnly(t *testing.T) {
	e, _ := testEngine(t, Config{})
	from := sourceTSI(t)
	pkt := encodeNAK(t, from, 42, net.ParseIP("10.0.0.3"))
	assert.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.3"), time.Now()))
}

func singlePeer(t *testing.T, e *Engine) *peerState {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.Len(t, e.peers, 1)
	for _, ps := range e.peers {
		return ps
	}
	return nil
}

func TestOnDataCreatesPeerAndDelivers(t *testing.T) {
	e, _ := testEngine(t, Config{})
	src := sourceTSI(t)

	pkt := encodeODATA(t, src, wire.TypeODATA, 0, 0, []byte("hello"), nil, false)
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.9"), time.Now()))

	peers := e.Peers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].TSI.Equal(src))

	deliveries := e.Readv()
	require.Contains(t, deliveries, src)
	require.Len(t, deliveries[src], 1)
	assert.Equal(t, rxw.DeliveryNormal, deliveries[src][0].Kind)
	assert.Equal(t, [][]byte{[]byte("hello")}, deliveries[src][0].Message)
}

func TestOnDataDuplicateIsCounted(t *testing.T) {
	e, _ := testEngine(t, Config{})
	src := sourceTSI(t)
	now := time.Now()

	pkt := encodeODATA(t, src, wire.TypeODATA, 0, 0, []byte("hello"), nil, false)
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.9"), now))
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.9"), now))

	peers := e.Peers()
	require.Len(t, peers, 1)
	snap := peers[0].Counters().Snapshot()
	assert.EqualValues(t, 1, snap.DataPacketsReceived)
	assert.EqualValues(t, 1, snap.DuplicatePackets)
}

func TestOnSPMUpdatesNLAAndCancelsSPMR(t *testing.T) {
	e, _ := testEngine(t, Config{})
	src := sourceTSI(t)
	now := time.Now()

	pkt := encodeODATA(t, src, wire.TypeODATA, 0, 0, []byte("hello"), nil, false)
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.9"), now))

	peers := e.Peers()
	require.Len(t, peers, 1)
	peers[0].RequestSPMR(now)
	_, armed := peers[0].SPMRDeadline()
	require.True(t, armed)

	spm := encodeSPM(t, src, 0, net.ParseIP("10.0.0.55"))
	require.NoError(t, e.OnPacket(spm, net.ParseIP("10.0.0.9"), now))

	assert.True(t, peers[0].NLA().Equal(net.ParseIP("10.0.0.55")))
	_, armed = peers[0].SPMRDeadline()
	assert.False(t, armed)
}

func TestBackOffExpiryGeneratesNAK(t *testing.T) {
	e, sender := testEngine(t, Config{})
	src := sourceTSI(t)
	now := time.Now()

	// sqn 0 opens the window; sqn 5 then jumps ahead, leaving 1..4 as
	// BACK-OFF placeholders that need a NAK once their deadline passes.
	first := encodeODATA(t, src, wire.TypeODATA, 0, 0, []byte("hello"), nil, false)
	require.NoError(t, e.OnPacket(first, net.ParseIP("10.0.0.9"), now))
	jump := encodeODATA(t, src, wire.TypeODATA, 5, 0, []byte("world"), nil, false)
	require.NoError(t, e.OnPacket(jump, net.ParseIP("10.0.0.9"), now))

	ps := singlePeer(t, e)
	ps.Dispatch(now.Add(time.Second))

	pkts := sender.packets()
	require.NotEmpty(t, pkts)
	p, err := wire.DecodePacket(pkts[len(pkts)-1])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeNAK, p.Header.Type)
}

func TestPassivePeerNeverSendsNAK(t *testing.T) {
	e, sender := testEngine(t, Config{Passive: true})
	src := sourceTSI(t)
	now := time.Now()

	pkt := encodeODATA(t, src, wire.TypeODATA, 5, 0, []byte("hello"), nil, false)
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.9"), now))

	ps := singlePeer(t, e)
	ps.Dispatch(now.Add(time.Second))
	assert.Empty(t, sender.packets())
}

func TestPeerExpiryRemovesFromEngine(t *testing.T) {
	e, _ := testEngine(t, Config{PeerExpiry: 5 * time.Millisecond})
	src := sourceTSI(t)
	now := time.Now()

	pkt := encodeODATA(t, src, wire.TypeODATA, 0, 0, []byte("hello"), nil, false)
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.9"), now))
	require.Len(t, e.Peers(), 1)

	ps := singlePeer(t, e)
	later := now.Add(time.Second)
	assert.True(t, ps.Expired(later))

	var engine timer.PeerSet = e
	engine.Remove(src)
	assert.Empty(t, e.Peers())
}

func TestFECRepairReconstructsMissingOriginalWithoutNAK(t *testing.T) {
	e, sender := testEngine(t, Config{
		FEC: FECConfig{Enabled: true, N: 6, K: 4, BlockLen: 16, UseVarPktLen: true},
	})
	src := sourceTSI(t)
	now := time.Now()

	originals := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four")}
	groupSrc := make([][]byte, len(originals))
	for i, o := range originals {
		block := make([]byte, 18)
		n := copy(block, o)
		block[16] = byte(n >> 8)
		block[17] = byte(n)
		groupSrc[i] = block
	}

	rs, err := gf.New(6, 4)
	require.NoError(t, err)

	// Deliver originals 0, 2, 3 (drop original 1, offset into the group).
	for _, off := range []int{0, 2, 3} {
		pkt := encodeODATA(t, src, wire.TypeODATA, uint32(off), 0, originals[off], nil, false)
		require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.9"), now))
	}

	parity, err := rs.Encode(groupSrc, 4)
	require.NoError(t, err)
	opt := encodeParityOption(t, 0)
	pkt := encodeODATA(t, src, wire.TypeRDATA, 4, 0, parity, opt, true)
	require.NoError(t, e.OnPacket(pkt, net.ParseIP("10.0.0.9"), now))

	peers := e.Peers()
	require.Len(t, peers, 1)

	state, _ := peers[0].RXW.Entry(1)
	assert.Equal(t, rxw.HaveParity, state)
	snap := peers[0].Counters().Snapshot()
	assert.EqualValues(t, 1, snap.FECPacketsReconstructed)

	deliveries := e.Readv()
	require.Contains(t, deliveries, src)
	var msgs [][]byte
	for _, d := range deliveries[src] {
		msgs = append(msgs, d.Message...)
	}
	require.Len(t, msgs, 4)
	assert.Equal(t, []byte("two"), msgs[1])

	assert.Empty(t, sender.packets())
}
