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

// Package tsi implements the PGM Transport Session Identifier: a 6-byte
// Global Session Identifier paired with a source port.
package tsi

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"os"
	"time"
)

// GSISize is the length in bytes of a Global Session Identifier.
const GSISize = 6

// GSI is a 6-byte opaque source identifier.
type GSI [GSISize]byte

// String renders the GSI as dotted decimal octets, the conventional PGM
// presentation form.
func (g GSI) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", g[0], g[1], g[2], g[3], g[4], g[5])
}

// TSI is a Transport Session Identifier: (GSI, source port).
type TSI struct {
	GSI  GSI
	Port uint16
}

// Equal reports whether two TSIs name the same session. All 8 bytes must
// match.
func (t TSI) Equal(o TSI) bool {
	return t.GSI == o.GSI && t.Port == o.Port
}

// Hash returns a hash consistent with Equal: equal TSIs hash equal.
func (t TSI) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write(t.GSI[:])
	_, _ = h.Write([]byte{byte(t.Port >> 8), byte(t.Port)})
	return h.Sum64()
}

// String renders the TSI as "gsi.port".
func (t TSI) String() string {
	return fmt.Sprintf("%s.%d", t.GSI, t.Port)
}

// NewRandomGSI generates a GSI from cryptographically random bytes, the
// simplest of the reference implementation's GSI types (GSI_RANDOM2, which
// uses a random 48-bit value rather than deriving from a host fingerprint).
func NewRandomGSI() (GSI, error) {
	var g GSI
	if _, err := rand.Read(g[:]); err != nil {
		return GSI{}, fmt.Errorf("generating random GSI: %w", err)
	}
	return g, nil
}

// NewHostGSI derives a GSI from the local hostname, process id and current
// time, mirroring the reference implementation's hostname-fingerprint
// fallback (gsi.c) without performing any of the hostname/getaddrinfo
// resolution that spec.md places out of scope -- just a deterministic-enough
// fingerprint of "this process, here, now".
func NewHostGSI() (GSI, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s:%d:%d", host, os.Getpid(), time.Now().UnixNano())
	sum := h.Sum64()
	var g GSI
	for i := 0; i < GSISize; i++ {
		g[i] = byte(sum >> (8 * uint(i)))
	}
	return g, nil
}
