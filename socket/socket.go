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

package socket

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pgmcore/pgm/peer"
	"github.com/pgmcore/pgm/rate"
	"github.com/pgmcore/pgm/receiver"
	"github.com/pgmcore/pgm/rxw"
	"github.com/pgmcore/pgm/skb"
	"github.com/pgmcore/pgm/source"
	"github.com/pgmcore/pgm/stats"
	"github.com/pgmcore/pgm/timer"
	"github.com/pgmcore/pgm/timestamp"
	"github.com/pgmcore/pgm/tsi"
	"github.com/pgmcore/pgm/wire"
)

// peerIdentity is this socket's own TSI, derived once at Open time.
type peerIdentity struct {
	tsi  tsi.TSI
	port uint16
}

// Socket is the PGM socket facade: it owns the raw multicast UDP connection,
// wires together the source and receiver engines and the shared timer
// engine, and exposes the blocking/nonblocking send/recv surface plus a
// multiplexer FD an embedding event loop can select/poll/epoll on. Shaped
// after ptp/sptp/client.Client's composition of a UDPConn, a set of
// measurement state, and a BMCA-driving timer loop, generalized from "one
// unicast PTP exchange" to "one multicast PGM group".
type Socket struct {
	mu sync.Mutex

	cfg  Config
	id   peerIdentity
	pool *skb.Pool

	connFd int

	source   *source.Engine
	receiver *receiver.Engine
	timer    *timer.Engine
	stats    stats.Stats

	closed bool
}

// AttachStats wires a stats.Stats reporter into this socket: every
// subsequent send/recv and peer-count change is reflected in it. Separate
// from Open because a caller may want to pick the reporter's monitoring
// port only after the socket successfully binds.
func (s *Socket) AttachStats(st stats.Stats) { s.stats = st }

// Reload re-reads the dynamic option file and stores it as the socket's
// dynamic config. Grounded on ptp/ptp4u/server's static/dynamic config
// split. Only the nonblocking flag takes effect on an open socket; window
// sizing, NAK timing, peer/SPMR expiry and send rate were copied into the
// source/receiver engines at Open, are not updated, and are only logged here.
func (s *Socket) Reload(path string) error {
	dyn, err := LoadDynamicConfig(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.DynamicConfig = dyn
	log.Infof("socket: reloaded dynamic config from %s: %+v", path, dyn)
	return nil
}

// Open builds and binds a PGM socket for cfg.Group/cfg.Port. If cfg is not
// RecvOnly, a source engine is created; if not SendOnly, a receiver engine
// is created. Grounded on ptp/sptp/client.NewClient's "validate, build raw
// conn, build dependent engines" sequence.
func Open(cfg Config) (*Socket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DynamicConfig == (DynamicConfig{}) {
		cfg.DynamicConfig = DefaultDynamicConfig()
	}

	gsi, err := tsi.NewHostGSI()
	if err != nil {
		return nil, fmt.Errorf("socket: deriving GSI: %w", err)
	}
	id := peerIdentity{tsi: tsi.TSI{GSI: gsi, Port: cfg.UDPEncapSourcePort16()}, port: cfg.UDPEncapSourcePort16()}

	connFd, err := bindMulticast(cfg)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		cfg:    cfg,
		id:     id,
		pool:   skb.NewPool(cfg.MaxTPDU),
		connFd: connFd,
	}

	if !cfg.RecvOnly {
		bucket := rate.New(cfg.SendRate, cfg.ipOverhead(), cfg.MaxTPDU)
		src, err := source.New(cfg.sourceConfig(id), s, s.pool, bucket)
		if err != nil {
			unix.Close(connFd)
			return nil, fmt.Errorf("socket: building source engine: %w", err)
		}
		s.source = src
	}
	if !cfg.SendOnly {
		// s.source is a concrete *source.Engine: only hand it to receiver.New
		// when non-nil, or a nil-but-typed interface would compare non-nil.
		var src receiver.Source
		if s.source != nil {
			src = s.source
		}
		rcv, err := receiver.New(cfg.receiverConfig(id), s, s.pool, src)
		if err != nil {
			unix.Close(connFd)
			return nil, fmt.Errorf("socket: building receiver engine: %w", err)
		}
		s.receiver = rcv
	}

	s.timer = timer.New(s.timerSource(), s.timerPeers())
	return s, nil
}

// UDPEncapSourcePort16 narrows the configured encapsulation source port to
// a uint16, defaulting to Port when unset.
func (c *Config) UDPEncapSourcePort16() uint16 {
	if c.UDPEncapSourcePort != 0 {
		return uint16(c.UDPEncapSourcePort)
	}
	return c.Port
}

// timerSource adapts this socket's source engine (if any) to timer.Source.
// A receive-only socket never emits SPMs of its own, so it reports a
// deadline far in the future instead.
func (s *Socket) timerSource() timer.Source { return noopSourceIfNil{s.source} }

type noopSourceIfNil struct{ src *source.Engine }

func (n noopSourceIfNil) NextDeadline() time.Time {
	if n.src == nil {
		return time.Now().Add(24 * time.Hour)
	}
	return n.src.NextDeadline()
}

func (n noopSourceIfNil) EmitSPM(now time.Time) time.Time {
	if n.src == nil {
		return now.Add(24 * time.Hour)
	}
	return n.src.EmitSPM(now)
}

// timerPeers adapts this socket's receiver engine (if any) to timer.PeerSet.
func (s *Socket) timerPeers() timer.PeerSet {
	if s.receiver == nil {
		return emptyPeerSet{}
	}
	return s.receiver
}

type emptyPeerSet struct{}

func (emptyPeerSet) ForEach(func(id any, p timer.Peer)) {}
func (emptyPeerSet) Remove(any)                         {}

// SendTo implements both source.Sender and receiver.Sender (the latter only
// ever used for NAK/SPMR traffic, which travel to the group or the peer's
// NLA the same way ODATA does).
func (s *Socket) SendTo(b []byte, addr net.IP, port int) (int, error) {
	sa := timestamp.IPToSockaddr(addr, port)
	if err := unix.Sendto(s.connFd, b, 0, sa); err != nil {
		return 0, err
	}
	if s.stats != nil {
		if h, err := wire.DecodePacket(b); err == nil {
			s.stats.IncTX(h.Header.Type)
		}
	}
	return len(b), nil
}

// Send transmits an application message through the source engine. Returns
// an error if this socket was opened RecvOnly.
func (s *Socket) Send(buf []byte, now time.Time) error {
	if s.source == nil {
		return fmt.Errorf("socket: send on a recv_only socket")
	}
	return s.source.Send(buf, s.cfg.Nonblocking, now)
}

// Recv reads and processes exactly one datagram from the wire, routing it
// to the receiver engine. Returns (Status, error): WouldBlock if
// Nonblocking is set and nothing was pending.
func (s *Socket) Recv(now time.Time) (Status, error) {
	if s.receiver == nil {
		return StatusError, fmt.Errorf("socket: recv on a send_only socket")
	}
	buf := make([]byte, s.cfg.MaxTPDU)
	if s.cfg.Nonblocking {
		if err := unix.SetNonblock(s.connFd, true); err != nil {
			return StatusError, err
		}
	}
	n, from, err := unix.Recvfrom(s.connFd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return StatusWouldBlock, nil
		}
		return StatusError, err
	}
	fromIP := timestamp.SockaddrToIP(from)
	if s.stats != nil {
		if h, err := wire.DecodePacket(buf[:n]); err == nil {
			s.stats.IncRX(h.Header.Type)
		}
	}
	if err := s.receiver.OnPacket(buf[:n], fromIP, now); err != nil {
		log.Warningf("socket: processing inbound packet: %v", err)
		return StatusError, err
	}
	return StatusNormal, nil
}

// Readv drains reassembled, ordered application messages per source peer.
func (s *Socket) Readv() map[tsi.TSI][]rxw.Delivery {
	if s.receiver == nil {
		return nil
	}
	return s.receiver.Readv()
}

// Peers lists every remote TSI this socket's receiver has observed.
func (s *Socket) Peers() []*peer.Peer {
	if s.receiver == nil {
		return nil
	}
	return s.receiver.Peers()
}

// Dispatch drives the shared timer engine: emits SPMs, expires peers, and
// sends NAKs/SPMRs as deadlines pass. An embedding event loop should call
// this whenever Expiration's returned duration elapses or the multiplexer
// FDs signal.
func (s *Socket) Dispatch(now time.Time) {
	if s.timer.Check(now) {
		s.timer.Dispatch(now)
	}
	s.reportPeerStats()
}

// reportPeerStats mirrors each peer's live Counters into the attached
// stats.Stats reporter. Cheap enough to run on every Dispatch: the peer
// list is typically small and the stats map writes are just lock/store.
func (s *Socket) reportPeerStats() {
	if s.stats == nil || s.receiver == nil {
		return
	}
	peers := s.receiver.Peers()
	s.stats.SetPeerCount(int64(len(peers)))
	for _, p := range peers {
		key := p.TSI.String()
		snap := p.Counters().Snapshot()
		s.stats.SetPeerDuplicate(key, snap.DuplicatePackets)
		s.stats.SetPeerMalformed(key, snap.MalformedPackets)
		s.stats.SetPeerNAKSent(key, snap.NAKPacketsSent)
		s.stats.SetPeerLost(key, snap.LostSequences)
		s.stats.SetPeerFECRepair(key, snap.FECPacketsReconstructed)
		s.stats.SetPeerBytesRetransmitted(key, snap.BytesRetransmitted)
	}
}

// Expiration reports how long until the next timer deadline, for a caller
// driving select/poll with a timeout instead of a busy loop.
func (s *Socket) Expiration(now time.Time) time.Duration {
	s.timer.Prepare(now)
	return s.timer.Expiration(now)
}

// DeliverableNotify exposes the receiver engine's data-ready signal channel,
// the software equivalent of an extra multiplexer FD: an embedding event
// loop selects on this alongside the socket's raw FD.
func (s *Socket) DeliverableNotify() <-chan struct{} {
	if s.receiver == nil {
		ch := make(chan struct{})
		return ch
	}
	return s.receiver.DeliverableNotify()
}

// Fd returns the underlying socket file descriptor, for embedding into an
// external select/poll/epoll set the way ptp/sptp/client exposes connFd
// through UDPConn for its own event loop.
func (s *Socket) Fd() int { return s.connFd }

// Close releases the underlying socket. Safe to call more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.connFd)
}

func bindMulticast(cfg Config) (int, error) {
	domain := unix.AF_INET6
	if cfg.Group.To4() != nil {
		domain = unix.AF_INET
	}
	connFd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return 0, fmt.Errorf("socket: creating socket: %w", err)
	}
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return 0, fmt.Errorf("socket: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return 0, fmt.Errorf("socket: SO_REUSEPORT: %w", err)
	}
	if cfg.SndBuf > 0 {
		_ = unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SndBuf)
	}
	if cfg.RcvBuf > 0 {
		_ = unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RcvBuf)
	}

	bindAddr := net.IPv4zero
	if domain == unix.AF_INET6 {
		bindAddr = net.IPv6zero
	}
	if err := unix.Bind(connFd, timestamp.IPToSockaddr(bindAddr, int(cfg.Port))); err != nil {
		unix.Close(connFd)
		return 0, fmt.Errorf("socket: bind: %w", err)
	}

	if !cfg.SendOnly {
		if err := joinGroup(connFd, cfg); err != nil {
			unix.Close(connFd)
			return 0, err
		}
	}
	if !cfg.RecvOnly {
		if err := setMulticastSendOpts(connFd, cfg); err != nil {
			unix.Close(connFd)
			return 0, err
		}
	}
	if err := unix.SetNonblock(connFd, false); err != nil {
		unix.Close(connFd)
		return 0, fmt.Errorf("socket: setting blocking mode: %w", err)
	}
	return connFd, nil
}

func joinGroup(connFd int, cfg Config) error {
	if ip4 := cfg.Group.To4(); ip4 != nil {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], ip4)
		if cfg.LocalNLA != nil {
			if local4 := cfg.LocalNLA.To4(); local4 != nil {
				copy(mreq.Interface[:], local4)
			}
		}
		return unix.SetsockoptIPMreq(connFd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	}
	mreq := &unix.IPv6Mreq{}
	copy(mreq.Multiaddr[:], cfg.Group.To16())
	return unix.SetsockoptIPv6Mreq(connFd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
}

func setMulticastSendOpts(connFd int, cfg Config) error {
	loop := 0
	if cfg.MulticastLoop {
		loop = 1
	}
	hops := cfg.MulticastHops
	if hops <= 0 {
		hops = 1
	}
	if cfg.Group.To4() != nil {
		if err := unix.SetsockoptByte(connFd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, byte(loop)); err != nil {
			return fmt.Errorf("socket: IP_MULTICAST_LOOP: %w", err)
		}
		if err := unix.SetsockoptByte(connFd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, byte(hops)); err != nil {
			return fmt.Errorf("socket: IP_MULTICAST_TTL: %w", err)
		}
		return nil
	}
	if err := unix.SetsockoptInt(connFd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, loop); err != nil {
		return fmt.Errorf("socket: IPV6_MULTICAST_LOOP: %w", err)
	}
	if err := unix.SetsockoptInt(connFd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, hops); err != nil {
		return fmt.Errorf("socket: IPV6_MULTICAST_HOPS: %w", err)
	}
	return nil
}
