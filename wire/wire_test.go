package wire

import (
	"net"
	"testing"

	"github.com/pgmcore/pgm/tsi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		SourcePort:      1000,
		DestinationPort: 7500,
		Type:            TypeODATA,
		Options:         0,
		GSI:             tsi.GSI{1, 2, 3, 4, 5, 6},
		TSDULength:      42,
	}
	b := make([]byte, HeaderSize)
	n, err := h.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, n)

	var got Header
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, h, got)
}

func TestHeaderShortBuffer(t *testing.T) {
	var h Header
	assert.ErrorIs(t, h.UnmarshalBinary(make([]byte, 4)), ErrShortBuffer)

	b := make([]byte, 4)
	_, err := h.MarshalBinaryTo(b)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDataBodyRoundTrip(t *testing.T) {
	d := DataBody{Sequence: 100, TrailingSequence: 50}
	b := make([]byte, dataBodySize)
	n, err := d.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, dataBodySize, n)

	var got DataBody
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, d, got)
}

func TestSPMBodyRoundTripIPv4(t *testing.T) {
	s := SPMBody{
		Sequence:         10,
		TrailingSequence: 1,
		LeadingSequence:  10,
		AFI:              AFIIP,
		NLA:              net.IPv4(10, 0, 0, 1).To4(),
	}
	b := make([]byte, 20)
	n, err := s.MarshalBinaryTo(b)
	require.NoError(t, err)

	var got SPMBody
	require.NoError(t, got.UnmarshalBinary(b[:n]))
	assert.Equal(t, s.Sequence, got.Sequence)
	assert.True(t, s.NLA.Equal(got.NLA))
}

func TestSPMBodyRoundTripIPv6(t *testing.T) {
	s := SPMBody{
		Sequence: 5,
		AFI:      AFIIP6,
		NLA:      net.ParseIP("fe80::1"),
	}
	b := make([]byte, 32)
	n, err := s.MarshalBinaryTo(b)
	require.NoError(t, err)

	var got SPMBody
	require.NoError(t, got.UnmarshalBinary(b[:n]))
	assert.True(t, s.NLA.Equal(got.NLA))
}

func TestNAKBodyRoundTrip(t *testing.T) {
	n := NAKBody{
		Sequence:  7,
		AFI:       AFIIP,
		SourceNLA: net.IPv4(192, 168, 1, 1).To4(),
		GroupNLA:  net.IPv4(239, 0, 0, 1).To4(),
	}
	b := make([]byte, 20)
	nn, err := n.MarshalBinaryTo(b)
	require.NoError(t, err)

	var got NAKBody
	require.NoError(t, got.UnmarshalBinary(b[:nn]))
	assert.Equal(t, n.Sequence, got.Sequence)
	assert.True(t, n.SourceNLA.Equal(got.SourceNLA))
	assert.True(t, n.GroupNLA.Equal(got.GroupNLA))
}

func TestFragmentOptionRoundTrip(t *testing.T) {
	f := FragmentOption{FirstSequence: 1, Offset: 1400, APDULength: 4096}
	b := make([]byte, optionHeadSize+fragmentOptionBodySize)
	n, err := f.MarshalBinaryTo(b)
	require.NoError(t, err)

	var got FragmentOption
	require.NoError(t, got.UnmarshalBinary(b[optionHeadSize:n]))
	assert.Equal(t, f, got)
}

func TestNAKListOptionRoundTrip(t *testing.T) {
	o := NAKListOption{Sequences: []uint32{2, 3, 4, 5}}
	b := make([]byte, optionHeadSize+4*len(o.Sequences))
	n, err := o.MarshalBinaryTo(b)
	require.NoError(t, err)

	var got NAKListOption
	require.NoError(t, got.UnmarshalBinary(b[:n]))
	assert.Equal(t, o.Sequences, got.Sequences)
}

func TestNAKListOptionRejectsOversize(t *testing.T) {
	seqs := make([]uint32, MaxNAKListSequences)
	o := NAKListOption{Sequences: seqs}
	_, err := o.MarshalBinaryTo(make([]byte, 1000))
	assert.ErrorIs(t, err, ErrTooManySequences)
}

func TestSplitNAKListBoundary(t *testing.T) {
	seqs63 := make([]uint32, 63)
	for i := range seqs63 {
		seqs63[i] = uint32(i)
	}
	chunks := SplitNAKList(seqs63[1:]) // 62 entries alongside one body sequence
	assert.Len(t, chunks, 1)

	seqs64 := make([]uint32, 64)
	for i := range seqs64 {
		seqs64[i] = uint32(i)
	}
	chunks = SplitNAKList(seqs64[1:]) // 63 entries: must split into two NAKs
	assert.Len(t, chunks, 2)
}

func TestParityOptionRoundTrip(t *testing.T) {
	p := ParityOption{GroupBaseSequence: 128}
	b := make([]byte, optionHeadSize+parityOptionBodySize)
	n, err := p.MarshalBinaryTo(b)
	require.NoError(t, err)

	var got ParityOption
	require.NoError(t, got.UnmarshalBinary(b[optionHeadSize:n]))
	assert.Equal(t, p, got)
}

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	h := Header{SourcePort: 1, DestinationPort: 2, Type: TypeODATA, GSI: tsi.GSI{9, 9, 9, 9, 9, 9}}
	body := make([]byte, dataBodySize)
	d := DataBody{Sequence: 3, TrailingSequence: 1}
	_, err := d.MarshalBinaryTo(body)
	require.NoError(t, err)
	payload := []byte("hello world")
	body = append(body, payload...)

	b := make([]byte, HeaderSize+len(body))
	n, err := EncodePacket(b, h, body, nil)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)

	p, err := DecodePacket(b)
	require.NoError(t, err)
	assert.Equal(t, TypeODATA, p.Header.Type)
	assert.Equal(t, body, p.Body)
}

func TestDecodePacketDetectsCorruption(t *testing.T) {
	h := Header{SourcePort: 1, DestinationPort: 2, Type: TypeSPM, GSI: tsi.GSI{1, 1, 1, 1, 1, 1}}
	body := []byte{0, 0, 0, 0}
	b := make([]byte, HeaderSize+len(body))
	_, err := EncodePacket(b, h, body, nil)
	require.NoError(t, err)

	b[HeaderSize] ^= 0xFF // corrupt a body byte after checksumming
	_, err = DecodePacket(b)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestChecksumAccumulatorMatchesFullSum(t *testing.T) {
	header := make([]byte, HeaderSize)
	payload := []byte("some fixed payload that does not change across sends")

	want := Checksum(append(append([]byte(nil), header...), payload...))

	acc := NewChecksumAccumulator(payload)
	got := acc.Checksum(header)

	assert.Equal(t, want, got)
}
