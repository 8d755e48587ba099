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

// ErrChecksumMismatch is returned by DecodePacket when the one's-complement
// checksum over the received bytes doesn't match the header's claim.
var ErrChecksumMismatch = errors.New("wire: checksum mismatch")

// Packet is a decoded PGM packet: the common header and everything after
// it. DecodePacket puts the type-specific body and any option extensions
// together in Body and leaves Options empty; splitting them is up to the
// type-specific decoder.
type Packet struct {
	Header  Header
	Body    []byte
	Options []byte
}

// EncodePacket writes header, body and options into b in order, computes
// and fills in the checksum, and returns the total length written.
func EncodePacket(b []byte, h Header, body, options []byte) (int, error) {
	total := HeaderSize + len(body) + len(options)
	if len(b) < total {
		return 0, ErrShortBuffer
	}
	h.TSDULength = uint16(len(body))
	if len(options) > 0 {
		h.Options |= OptPresent
	}
	h.Checksum = 0
	if _, err := h.MarshalBinaryTo(b); err != nil {
		return 0, err
	}
	copy(b[HeaderSize:], body)
	copy(b[HeaderSize+len(body):], options)
	h.Checksum = Checksum(b[:total])
	binary.BigEndian.PutUint16(b[6:], h.Checksum)
	return total, nil
}

// DecodePacket parses the common header from b, verifies the checksum over
// the whole packet, and returns the header plus the remaining body+options
// bytes (the type-specific decoder is responsible for splitting them,
// since only it knows whether OPT_FRAGMENT/OPT_NAK_LIST/OPT_PARITY trail
// the body).
func DecodePacket(b []byte) (Packet, error) {
	var p Packet
	if err := p.Header.UnmarshalBinary(b); err != nil {
		return p, err
	}
	want := p.Header.Checksum
	check := make([]byte, len(b))
	copy(check, b)
	binary.BigEndian.PutUint16(check[6:], 0)
	if Checksum(check) != want {
		return p, ErrChecksumMismatch
	}
	p.Body = b[HeaderSize:]
	return p, nil
}
