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

package source

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmcore/pgm/rate"
	"github.com/pgmcore/pgm/skb"
	"github.com/pgmcore/pgm/tsi"
	"github.com/pgmcore/pgm/wire"
)

// recordingSender captures every datagram handed to it, standing in for a
// socket.Socket in tests the way ptp/sptp/client tests stand in a fake
// net.PacketConn.
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
	cfg.LocalNLA = net.ParseIP("10.0.0.1")
	if cfg.MaxTPDU == 0 {
		cfg.MaxTPDU = 1500
	}
	if cfg.MaxTSDU == 0 {
		cfg.MaxTSDU = 1000
	}
	if cfg.MaxTSDUFragment == 0 {
		cfg.MaxTSDUFragment = 64
	}
	if cfg.TXWSqns == 0 {
		cfg.TXWSqns = 64
	}
	if cfg.AmbientInterval == 0 {
		cfg.AmbientInterval = time.Second
	}

	sender := &recordingSender{}
	pool := skb.NewPool(cfg.MaxTPDU)
	bucket := rate.New(10_000_000, 28, cfg.MaxTPDU)

	e, err := New(cfg, sender, pool, bucket)
	require.NoError(t, err)
	return e, sender
}

// decodeODATA splits a decoded packet's combined body+options tail using
// the header's TSDULength, since DecodePacket (not knowing the type) hands
// back the whole remainder as Body.
func decodeODATA(t *testing.T, b []byte) (wire.Packet, wire.DataBody, []byte) {
	t.Helper()
	p, err := wire.DecodePacket(b)
	require.NoError(t, err)
	require.Equal(t, wire.TypeODATA, p.Header.Type)

	tsdu := p.Body[:p.Header.TSDULength]
	options := p.Body[p.Header.TSDULength:]

	var body wire.DataBody
	require.NoError(t, body.UnmarshalBinary(tsdu))
	return p, body, options
}

func TestSendUnfragmentedAllocatesSingleSqn(t *testing.T) {
	e, sender := testEngine(t, Config{})

	err := e.Send([]byte("hello world"), false, time.Now())
	require.NoError(t, err)

	pkts := sender.packets()
	require.Len(t, pkts, 1)

	p, _, options := decodeODATA(t, pkts[0])
	assert.False(t, p.Header.HasOption(wire.OptPresent))
	assert.Empty(t, options)
	assert.Equal(t, uint32(0), e.txw.Trail())
}

func TestSendFragmentsLargePayloadWithConsistentFirstSqn(t *testing.T) {
	e, sender := testEngine(t, Config{MaxTSDU: 32, MaxTSDUFragment: 16})

	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, e.Send(payload, false, time.Now()))

	pkts := sender.packets()
	require.Len(t, pkts, 4) // 16+16+16+2

	var firstSqn uint32
	var reassembled []byte
	for i, raw := range pkts {
		p, body, options := decodeODATA(t, raw)
		require.True(t, p.Header.HasOption(wire.OptPresent))
		require.NotEmpty(t, options)

		var fo wire.FragmentOption
		require.NoError(t, fo.UnmarshalBinary(options[4:]))

		if i == 0 {
			firstSqn = body.Sequence
		}
		assert.Equal(t, firstSqn, fo.FirstSequence, "fragment %d must reference the APDU's first sequence", i)
		assert.Equal(t, uint32(len(payload)), fo.APDULength)

		tsdu := p.Body[8:p.Header.TSDULength]
		reassembled = append(reassembled, tsdu...)
	}
	assert.Equal(t, payload, reassembled)
}

func TestSendRejectsPayloadOverMaxTPDU(t *testing.T) {
	e, _ := testEngine(t, Config{MaxTPDU: 64, MaxTSDU: 10_000, MaxTSDUFragment: 10_000})

	err := e.Send(make([]byte, 1000), false, time.Now())
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

// TestSendAtMinimumValidMaxTPDUSucceeds checks the boundary New's own
// max_tpdu check must allow: the smallest max_tpdu that leaves room for a
// single payload byte must actually accept one.
func TestSendAtMinimumValidMaxTPDUSucceeds(t *testing.T) {
	min := wire.HeaderSize + 8 + 1
	e, sender := testEngine(t, Config{MaxTPDU: min, MaxTSDU: 10_000, MaxTSDUFragment: 10_000})

	require.NoError(t, e.Send([]byte{0x7a}, false, time.Now()))
	require.Len(t, sender.packets(), 1)

	err := e.Send([]byte{0x7a, 0x7b}, false, time.Now())
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestNewRejectsMaxTPDUAtBoundary(t *testing.T) {
	_, err := New(Config{
		TSI:        tsi.TSI{Port: 7500},
		SourcePort: 7500,
		DestPort:   7500,
		Group:      net.ParseIP("239.192.0.1"),
		LocalNLA:   net.ParseIP("10.0.0.1"),
		MaxTPDU:    wire.HeaderSize + 8,
	}, &recordingSender{}, skb.NewPool(1500), nil)
	assert.Error(t, err)
}

func TestOnNAKRetransmitsFromTXW(t *testing.T) {
	e, sender := testEngine(t, Config{})
	require.NoError(t, e.Send([]byte("retransmit me"), false, time.Now()))

	sentBefore := len(sender.packets())

	e.OnNAK(0, net.ParseIP("10.0.0.2"), time.Now())

	pkts := sender.packets()
	require.Len(t, pkts, sentBefore+1)

	selective, nakErrors, bytesResent := e.Counters()
	assert.EqualValues(t, 1, selective)
	assert.EqualValues(t, 0, nakErrors)
	assert.True(t, bytesResent > 0)
}

func TestOnNAKForExpiredSqnSendsNNAK(t *testing.T) {
	e, sender := testEngine(t, Config{})

	e.OnNAK(999, net.ParseIP("10.0.0.2"), time.Now())

	pkts := sender.packets()
	require.Len(t, pkts, 1)
	p, err := wire.DecodePacket(pkts[0])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeNNAK, p.Header.Type)

	_, nakErrors, _ := e.Counters()
	assert.EqualValues(t, 1, nakErrors)
}

func TestEmitSPMAdvancesHeartbeatSchedule(t *testing.T) {
	e, sender := testEngine(t, Config{HeartbeatSchedule: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}})

	now := time.Now()
	next := e.EmitSPM(now)
	assert.Equal(t, now.Add(10*time.Millisecond), next)

	next2 := e.EmitSPM(now.Add(10 * time.Millisecond))
	assert.Equal(t, now.Add(30*time.Millisecond), next2)

	// schedule exhausted: falls back to ambient interval.
	next3 := e.EmitSPM(now.Add(30 * time.Millisecond))
	assert.Equal(t, now.Add(30*time.Millisecond).Add(e.cfg.AmbientInterval), next3)

	pkts := sender.packets()
	require.Len(t, pkts, 3)
	for _, raw := range pkts {
		p, err := wire.DecodePacket(raw)
		require.NoError(t, err)
		assert.Equal(t, wire.TypeSPM, p.Header.Type)
	}
}

func TestSendResetsHeartbeatSchedule(t *testing.T) {
	e, _ := testEngine(t, Config{HeartbeatSchedule: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}})

	now := time.Now()
	e.EmitSPM(now)
	require.NoError(t, e.Send([]byte("data"), false, now))

	// Sending ODATA must rewind the heartbeat schedule back to its first slot.
	assert.Equal(t, now.Add(10*time.Millisecond), e.NextDeadline())
}

func TestSendWithFECEmitsParityAfterGroupFills(t *testing.T) {
	e, sender := testEngine(t, Config{
		MaxTSDU:         64,
		MaxTSDUFragment: 64,
		FEC: FECConfig{
			Enabled:          true,
			N:                6,
			K:                4,
			BlockLen:         32,
			ProactivePackets: 2,
			UseVarPktLen:     true,
		},
	})

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Send([]byte("payload"), false, time.Now()))
	}

	require.Eventually(t, func() bool { return len(sender.packets()) == 6 }, time.Second, time.Millisecond)

	pkts := sender.packets()
	var parityCount int
	for _, raw := range pkts[4:] {
		p, err := wire.DecodePacket(raw)
		require.NoError(t, err)
		assert.True(t, p.Header.HasOption(wire.OptParity))

		options := p.Body[p.Header.TSDULength:]
		var po wire.ParityOption
		require.NoError(t, po.UnmarshalBinary(options[4:]))
		assert.EqualValues(t, 0, po.GroupBaseSequence)
		parityCount++
	}
	assert.Equal(t, 2, parityCount)
}

func TestOnSPMREmitsImmediateSPM(t *testing.T) {
	e, sender := testEngine(t, Config{})

	e.OnSPMR(time.Now())

	pkts := sender.packets()
	require.Len(t, pkts, 1)
	p, err := wire.DecodePacket(pkts[0])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeSPM, p.Header.Type)
}
