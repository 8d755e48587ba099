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

// Package socket implements the PGM socket facade: option configuration,
// group bind/connect over a raw multicast UDP-encapsulated transport,
// blocking/nonblocking send and recv, and the select/poll/epoll-style
// multiplexer FD export. Shaped after ptp/ptp4u/server.Config's
// StaticConfig/DynamicConfig split, generalized from "PTP server startup
// flags" to "PGM socket options", most of which (unlike a PTP server's) can
// legally change after the socket is bound.
package socket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pgmcore/pgm/receiver"
	"github.com/pgmcore/pgm/rxw"
	"github.com/pgmcore/pgm/source"
	"github.com/pgmcore/pgm/wire"
)

var (
	errNoGroup       = errors.New("socket: multicast group address required")
	errBothSendRecv  = errors.New("socket: send_only and recv_only are mutually exclusive")
	errPassiveSend   = errors.New("socket: passive is a receive-only option")
	errFECParams     = errors.New("socket: fec requires 0 < k < n <= 255")
	errMaxTPDUTooBig = errors.New("socket: max_tpdu must exceed the common header plus data body size")
)

// FECConfig is the socket's fec{} option block: proactive/on-demand parity
// generation parameters, shared verbatim by the source and receiver engines
// this socket wires up.
type FECConfig struct {
	Enabled          bool
	N, K             int
	BlockLen         int
	ProactivePackets int
	UseOndemand      bool
	UseVarPktLen     bool
}

// StaticConfig is the set of options fixed for the socket's lifetime: which
// group/port it binds, its transport-level framing bounds, and its
// send/recv/passive role. Mirrors the immutable half of
// ptp/ptp4u/server.Config's split.
type StaticConfig struct {
	Group    net.IP
	LocalNLA net.IP
	Port     uint16

	SendOnly bool
	RecvOnly bool
	Passive  bool

	MaxTPDU         int
	MaxTSDU         int
	MaxTSDUFragment int

	MulticastLoop bool
	MulticastHops int
	SndBuf        int
	RcvBuf        int

	UDPEncapSourcePort int
	UDPEncapDestPort   int

	FEC FECConfig
}

// DynamicConfig is the set of options Socket.Reload may replace without a
// rebind. The source/receiver engines copy window sizing, NAK timing,
// expiry and send rate at Open, so on an open socket a reload changes only
// Nonblocking, which Send/Recv read from the socket's own config. Mirrors ptp/ptp4u/server.Config.DynamicConfig's "no restart needed" half.
type DynamicConfig struct {
	TXWSqns   int           `yaml:"txw_sqns"`
	TXWSecs   time.Duration `yaml:"txw_secs"`
	TXWMaxRte int           `yaml:"txw_max_rte"`

	RXWSqns int `yaml:"rxw_sqns"`

	AmbientInterval time.Duration `yaml:"ambient_interval"`

	NakBackoffIvl  time.Duration `yaml:"nak_bo_ivl"`
	NakRptIvl      time.Duration `yaml:"nak_rpt_ivl"`
	NakRdataIvl    time.Duration `yaml:"nak_rdata_ivl"`
	NakDataRetries int           `yaml:"nak_data_retries"`
	NakNcfRetries  int           `yaml:"nak_ncf_retries"`

	PeerExpiry time.Duration `yaml:"peer_expiry"`
	SPMRExpiry time.Duration `yaml:"spmr_expiry"`

	// SendRate bounds ODATA/RDATA/parity output in bytes/sec; 0 means the
	// spec.md default of effectively unbounded (txw_max_rte throttles no
	// output: the transmit window uses it only for its txw_secs*txw_max_rte
	// byte-retention budget).
	SendRate int `yaml:"send_rate"`

	Nonblocking bool `yaml:"nonblocking"`
}

// Config bundles both halves, the same composition
// ptp/ptp4u/server.Config uses.
type Config struct {
	StaticConfig
	DynamicConfig
}

// DefaultDynamicConfig returns the spec's suggested default window/timing
// values, the same role ptp/ptp4u/server's built-in DynamicConfig defaults
// play for sync/announce intervals.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		TXWSqns:         1024,
		TXWSecs:         0,
		RXWSqns:         1024,
		AmbientInterval: 30 * time.Second,
		NakBackoffIvl:   50 * time.Millisecond,
		NakRptIvl:       200 * time.Millisecond,
		NakRdataIvl:     500 * time.Millisecond,
		NakDataRetries:  5,
		NakNcfRetries:   2,
		PeerExpiry:      5 * time.Minute,
		SPMRExpiry:      250 * time.Millisecond,
		SendRate:        10_000_000,
	}
}

// LoadDynamicConfig reads a DynamicConfig from a YAML file, following
// ptp/ptp4u/server/config.go's ReadConfig pattern of starting from the
// built-in defaults and overlaying whatever the file specifies, so a config
// file only needs to mention the fields it wants to override.
func LoadDynamicConfig(path string) (DynamicConfig, error) {
	cfg := DefaultDynamicConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return DynamicConfig{}, fmt.Errorf("socket: reading dynamic config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return DynamicConfig{}, fmt.Errorf("socket: parsing dynamic config: %w", err)
	}
	return cfg, nil
}

// ipOverhead is the IP+UDP header overhead rate.Bucket charges against
// SendRate, matching the reference implementation's accounting of on-wire
// bytes rather than payload bytes when policing a sender's send rate.
func (c *Config) ipOverhead() int {
	if c.Group.To4() != nil {
		return 28 // IPv4 (20) + UDP (8)
	}
	return 48 // IPv6 (40) + UDP (8)
}

// Validate checks the option combination for internal consistency, the same
// role ptp/ptp4u/server.Config's UTCOffsetSanity plays for one field, here
// generalized to the whole cross-field option set.
func (c *Config) Validate() error {
	if c.Group == nil {
		return errNoGroup
	}
	if c.SendOnly && c.RecvOnly {
		return errBothSendRecv
	}
	if c.Passive && c.SendOnly {
		return errPassiveSend
	}
	// The smallest packet the source engine ever builds is an empty ODATA:
	// the common header plus the 8-byte data body. Anything at or below
	// that leaves no room for a single byte of payload.
	if c.MaxTPDU <= wire.HeaderSize+8 {
		return errMaxTPDUTooBig
	}
	if c.FEC.Enabled {
		if c.FEC.K <= 0 || c.FEC.N <= c.FEC.K || c.FEC.N > 255 {
			return errFECParams
		}
	}
	return nil
}

// sourceConfig projects this socket's options into a source.Config, for
// sockets that are not recv_only.
func (c *Config) sourceConfig(id peerIdentity) source.Config {
	return source.Config{
		TSI:               id.tsi,
		SourcePort:        id.port,
		DestPort:          c.Port,
		Group:             c.Group,
		LocalNLA:          c.LocalNLA,
		MaxTPDU:           c.MaxTPDU,
		MaxTSDU:           c.MaxTSDU,
		MaxTSDUFragment:   c.MaxTSDUFragment,
		TXWSqns:           c.TXWSqns,
		TXWSecs:           c.TXWSecs,
		TXWMaxRte:         c.TXWMaxRte,
		AmbientInterval:   c.AmbientInterval,
		FEC: source.FECConfig{
			Enabled:          c.FEC.Enabled,
			N:                c.FEC.N,
			K:                c.FEC.K,
			BlockLen:         c.FEC.BlockLen,
			ProactivePackets: c.FEC.ProactivePackets,
			UseOndemand:      c.FEC.UseOndemand,
			UseVarPktLen:     c.FEC.UseVarPktLen,
		},
	}
}

// receiverConfig projects this socket's options into a receiver.Config, for
// sockets that are not send_only.
func (c *Config) receiverConfig(id peerIdentity) receiver.Config {
	return receiver.Config{
		TSI:        id.tsi,
		SourcePort: id.port,
		DestPort:   c.Port,
		Group:      c.Group,
		LocalNLA:   c.LocalNLA,
		RXW: rxw.Config{
			Sqns:           c.RXWSqns,
			NakBackoffIvl:  c.NakBackoffIvl,
			NakRptIvl:      c.NakRptIvl,
			NakRdataIvl:    c.NakRdataIvl,
			NakDataRetries: c.NakDataRetries,
			NakNcfRetries:  c.NakNcfRetries,
		},
		PeerExpiry: c.PeerExpiry,
		SPMRExpiry: c.SPMRExpiry,
		Passive:    c.Passive,
		FEC: receiver.FECConfig{
			Enabled:      c.FEC.Enabled,
			N:            c.FEC.N,
			K:            c.FEC.K,
			BlockLen:     c.FEC.BlockLen,
			UseVarPktLen: c.FEC.UseVarPktLen,
		},
	}
}

// String renders the bind-time options for logging.
func (c *Config) String() string {
	return fmt.Sprintf("group=%s port=%d send_only=%t recv_only=%t passive=%t max_tpdu=%d fec=%t",
		c.Group, c.Port, c.SendOnly, c.RecvOnly, c.Passive, c.MaxTPDU, c.FEC.Enabled)
}

