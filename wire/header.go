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

// Package wire implements the PGM common header, per-type bodies and
// options, and the one's-complement checksum, per RFC 3208. Encode/decode
// follow the teacher's unmarshalHeader/headerMarshalBinaryTo split: decoding
// into a pre-existing struct and encoding into a caller-owned buffer, never
// allocating on the hot path.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pgmcore/pgm/tsi"
)

// ErrShortBuffer is returned when a buffer is too small to hold the
// requested structure.
var ErrShortBuffer = errors.New("wire: buffer too short")

// Type is the PGM packet type, the single byte at header offset 4.
type Type uint8

// Type codes implemented.
const (
	TypeSPM   Type = 0x00
	TypeODATA Type = 0x04
	TypeRDATA Type = 0x05
	TypeNAK   Type = 0x08
	TypeNNAK  Type = 0x09
	TypeNCF   Type = 0x0A
	TypeSPMR  Type = 0x0C
)

// TypeToString names a Type for logging.
var TypeToString = map[Type]string{
	TypeSPM:   "SPM",
	TypeODATA: "ODATA",
	TypeRDATA: "RDATA",
	TypeNAK:   "NAK",
	TypeNNAK:  "NNAK",
	TypeNCF:   "NCF",
	TypeSPMR:  "SPMR",
}

func (t Type) String() string {
	if s, ok := TypeToString[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Options byte bits.
const (
	OptPresent            uint8 = 0x01
	OptNetworkSignificant uint8 = 0x02
	OptVarPktLen          uint8 = 0x40
	OptParity             uint8 = 0x80
)

// HeaderSize is the fixed 16-byte PGM common header.
const HeaderSize = 16

// Header is the PGM common header shared by every packet type: source
// port, destination port, type, options bits, checksum, GSI, TSDU length.
type Header struct {
	SourcePort      uint16
	DestinationPort uint16
	Type            Type
	Options         uint8
	Checksum        uint16
	GSI             tsi.GSI
	TSDULength      uint16
}

// unmarshalHeader is not a Header.UnmarshalBinary to keep every body type
// from inheriting a default (and incomplete) UnmarshalBinary via embedding.
func unmarshalHeader(h *Header, b []byte) error {
	if len(b) < HeaderSize {
		return ErrShortBuffer
	}
	h.SourcePort = binary.BigEndian.Uint16(b[0:])
	h.DestinationPort = binary.BigEndian.Uint16(b[2:])
	h.Type = Type(b[4])
	h.Options = b[5]
	h.Checksum = binary.BigEndian.Uint16(b[6:])
	copy(h.GSI[:], b[8:14])
	h.TSDULength = binary.BigEndian.Uint16(b[14:])
	return nil
}

// headerMarshalBinaryTo writes h into b (which must be at least HeaderSize
// long) and returns the number of bytes written.
func headerMarshalBinaryTo(h *Header, b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(b[0:], h.SourcePort)
	binary.BigEndian.PutUint16(b[2:], h.DestinationPort)
	b[4] = byte(h.Type)
	b[5] = h.Options
	binary.BigEndian.PutUint16(b[6:], h.Checksum)
	copy(b[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(b[14:], h.TSDULength)
	return HeaderSize, nil
}

// HasOption reports whether bit is set in the header's options byte.
func (h *Header) HasOption(bit uint8) bool { return h.Options&bit != 0 }

// UnmarshalBinary decodes the common header from b.
func (h *Header) UnmarshalBinary(b []byte) error { return unmarshalHeader(h, b) }

// MarshalBinaryTo encodes h into b, returning the number of bytes written.
func (h *Header) MarshalBinaryTo(b []byte) (int, error) { return headerMarshalBinaryTo(h, b) }
