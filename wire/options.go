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

package wire

import (
	"encoding/binary"
	"errors"
)

// ErrTooManySequences is returned when a NAK-list would need more than
// MaxNAKListSequences entries; callers must split across multiple packets.
var ErrTooManySequences = errors.New("wire: too many sequences for a single NAK list")

// OptionType identifies a PGM option extension.
type OptionType uint16

const (
	OptionFragment OptionType = 1
	OptionNAKList  OptionType = 2
	OptionParity   OptionType = 3
)

// optionHeadSize mirrors the 4-byte type+length TLV head used throughout
// the option extensions, the same shape as an ordinary PGM TLV.
const optionHeadSize = 4

// MaxNAKListSequences is the total number of sequences (the NAK body's own
// plus every OPT_NAK_LIST entry) that fit in one NAK packet: 63 per
// spec.md's boundary tests. One slot is consumed by the NAK body's own
// requested-sequence field, leaving 62 for the option.
const MaxNAKListSequences = 63

// FragmentOption carries OPT_FRAGMENT: the first sequence of the APDU this
// fragment belongs to, this fragment's byte offset, and the total APDU
// length.
type FragmentOption struct {
	FirstSequence uint32
	Offset        uint32
	APDULength    uint32
}

const fragmentOptionBodySize = 12

func (f *FragmentOption) UnmarshalBinary(b []byte) error {
	if len(b) < fragmentOptionBodySize {
		return ErrShortBuffer
	}
	f.FirstSequence = binary.BigEndian.Uint32(b[0:])
	f.Offset = binary.BigEndian.Uint32(b[4:])
	f.APDULength = binary.BigEndian.Uint32(b[8:])
	return nil
}

func (f *FragmentOption) MarshalBinaryTo(b []byte) (int, error) {
	need := optionHeadSize + fragmentOptionBodySize
	if len(b) < need {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(b[0:], uint16(OptionFragment))
	binary.BigEndian.PutUint16(b[2:], fragmentOptionBodySize)
	binary.BigEndian.PutUint32(b[4:], f.FirstSequence)
	binary.BigEndian.PutUint32(b[8:], f.Offset)
	binary.BigEndian.PutUint32(b[12:], f.APDULength)
	return need, nil
}

// NAKListOption carries OPT_NAK_LIST: additional requested sequences beyond
// the NAK body's own, up to MaxNAKListSequences-1 of them.
type NAKListOption struct {
	Sequences []uint32
}

func (o *NAKListOption) UnmarshalBinary(b []byte) error {
	if len(b) < optionHeadSize {
		return ErrShortBuffer
	}
	length := binary.BigEndian.Uint16(b[2:])
	if len(b) < optionHeadSize+int(length) {
		return ErrShortBuffer
	}
	n := int(length) / 4
	o.Sequences = make([]uint32, n)
	for i := 0; i < n; i++ {
		o.Sequences[i] = binary.BigEndian.Uint32(b[optionHeadSize+4*i:])
	}
	return nil
}

func (o *NAKListOption) MarshalBinaryTo(b []byte) (int, error) {
	if len(o.Sequences) > MaxNAKListSequences-1 {
		return 0, ErrTooManySequences
	}
	bodyLen := 4 * len(o.Sequences)
	need := optionHeadSize + bodyLen
	if len(b) < need {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(b[0:], uint16(OptionNAKList))
	binary.BigEndian.PutUint16(b[2:], uint16(bodyLen))
	for i, s := range o.Sequences {
		binary.BigEndian.PutUint32(b[optionHeadSize+4*i:], s)
	}
	return need, nil
}

// SplitNAKList partitions sequences into NAK lists no larger than
// MaxNAKListSequences-1, so each resulting packet (body sequence + list)
// never exceeds MaxNAKListSequences total.
func SplitNAKList(sequences []uint32) [][]uint32 {
	const chunk = MaxNAKListSequences - 1
	var out [][]uint32
	for len(sequences) > 0 {
		n := chunk
		if n > len(sequences) {
			n = len(sequences)
		}
		out = append(out, sequences[:n])
		sequences = sequences[n:]
	}
	return out
}

// ParityOption carries OPT_PARITY: the transmission-group's base sequence,
// set on both original and parity packets belonging to the group.
type ParityOption struct {
	GroupBaseSequence uint32
}

const parityOptionBodySize = 4

func (p *ParityOption) UnmarshalBinary(b []byte) error {
	if len(b) < parityOptionBodySize {
		return ErrShortBuffer
	}
	p.GroupBaseSequence = binary.BigEndian.Uint32(b[0:])
	return nil
}

func (p *ParityOption) MarshalBinaryTo(b []byte) (int, error) {
	need := optionHeadSize + parityOptionBodySize
	if len(b) < need {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(b[0:], uint16(OptionParity))
	binary.BigEndian.PutUint16(b[2:], parityOptionBodySize)
	binary.BigEndian.PutUint32(b[4:], p.GroupBaseSequence)
	return need, nil
}
