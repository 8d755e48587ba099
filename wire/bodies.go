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
	"net"
)

// AFI is the network-layer-address address-family indicator carried ahead
// of every NLA field, per RFC 3208 section 9.
type AFI uint16

const (
	AFIIP  AFI = 1
	AFIIP6 AFI = 2
)

// nlaSize returns the on-wire size of the address for afi: 4 for IPv4, 16
// for IPv6.
func nlaSize(afi AFI) int {
	if afi == AFIIP6 {
		return 16
	}
	return 4
}

func marshalNLA(b []byte, afi AFI, ip net.IP) int {
	binary.BigEndian.PutUint16(b[0:], uint16(afi))
	binary.BigEndian.PutUint16(b[2:], 0) // reserved
	if afi == AFIIP6 {
		copy(b[4:20], ip.To16())
		return 20
	}
	copy(b[4:8], ip.To4())
	return 8
}

func unmarshalNLA(b []byte) (AFI, net.IP, int) {
	afi := AFI(binary.BigEndian.Uint16(b[0:]))
	n := nlaSize(afi)
	ip := append(net.IP(nil), b[4:4+n]...)
	return afi, ip, 4 + n
}

// DataBody is the ODATA/RDATA body: data sequence, trailing sequence,
// followed by payload. RDATA reuses the original data sequence.
type DataBody struct {
	Sequence         uint32
	TrailingSequence uint32
}

const dataBodySize = 8

func (d *DataBody) UnmarshalBinary(b []byte) error {
	if len(b) < dataBodySize {
		return ErrShortBuffer
	}
	d.Sequence = binary.BigEndian.Uint32(b[0:])
	d.TrailingSequence = binary.BigEndian.Uint32(b[4:])
	return nil
}

func (d *DataBody) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < dataBodySize {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint32(b[0:], d.Sequence)
	binary.BigEndian.PutUint32(b[4:], d.TrailingSequence)
	return dataBodySize, nil
}

// SPMBody is the Source Path Message body: spm sequence, trailing and
// leading edges, and the source's network-layer address.
type SPMBody struct {
	Sequence         uint32
	TrailingSequence uint32
	LeadingSequence  uint32
	AFI              AFI
	NLA              net.IP
}

func (s *SPMBody) UnmarshalBinary(b []byte) error {
	if len(b) < 14 {
		return ErrShortBuffer
	}
	s.Sequence = binary.BigEndian.Uint32(b[0:])
	s.TrailingSequence = binary.BigEndian.Uint32(b[4:])
	s.LeadingSequence = binary.BigEndian.Uint32(b[8:])
	afi, ip, n := unmarshalNLA(b[12:])
	if len(b) < 12+n {
		return ErrShortBuffer
	}
	s.AFI = afi
	s.NLA = ip
	return nil
}

func (s *SPMBody) MarshalBinaryTo(b []byte) (int, error) {
	need := 12 + 4 + nlaSize(s.AFI)
	if len(b) < need {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint32(b[0:], s.Sequence)
	binary.BigEndian.PutUint32(b[4:], s.TrailingSequence)
	binary.BigEndian.PutUint32(b[8:], s.LeadingSequence)
	marshalNLA(b[12:], s.AFI, s.NLA)
	return need, nil
}

// NAKBody is shared by NAK, N-NAK and NCF: a requested sequence, the
// source's NLA and the multicast group's NLA. Both NLAs use the same AFI.
type NAKBody struct {
	Sequence  uint32
	AFI       AFI
	SourceNLA net.IP
	GroupNLA  net.IP
}

func (n *NAKBody) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return ErrShortBuffer
	}
	n.Sequence = binary.BigEndian.Uint32(b[0:])
	afi, src, sn := unmarshalNLA(b[4:])
	if len(b) < 4+sn {
		return ErrShortBuffer
	}
	_, grp, gn := unmarshalNLA(b[4+sn:])
	if len(b) < 4+sn+gn {
		return ErrShortBuffer
	}
	n.AFI = afi
	n.SourceNLA = src
	n.GroupNLA = grp
	return nil
}

func (n *NAKBody) MarshalBinaryTo(b []byte) (int, error) {
	nlaLen := 4 + nlaSize(n.AFI)
	need := 4 + 2*nlaLen
	if len(b) < need {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint32(b[0:], n.Sequence)
	marshalNLA(b[4:], n.AFI, n.SourceNLA)
	marshalNLA(b[4+nlaLen:], n.AFI, n.GroupNLA)
	return need, nil
}
