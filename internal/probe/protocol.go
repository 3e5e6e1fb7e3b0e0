// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package probe

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/netip"
)

// Protocol identifies which session acceptor a probed connection was
// dispatched to.
type Protocol int

const (
	ProtoUnknown Protocol = iota
	ProtoHTTP
	ProtoHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtoHTTP:
		return "http"
	case ProtoHTTP2:
		return "http2"
	default:
		return "unknown"
	}
}

// http2Preface is the fixed connection preface every HTTP/2 client
// sends before any frames ("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n").
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// state is the probe's internal lifecycle: reading the leading bytes,
// peek complete, dispatched to a session handler, or closed.
type state int

const (
	stateReading state = iota
	statePeekDone
	stateDispatched
	stateClosed
)

// Result is what a completed probe hands to the caller: the detected
// protocol, any PROXY-protocol-derived original source address, and a
// Conn that replays the peeked bytes before reading fresh ones so no
// byte the probe consumed is lost to the downstream session acceptor.
type Result struct {
	Protocol Protocol
	ProxySrc netip.AddrPort
	Conn     net.Conn
}

// Options configures one ProtocolProbe run.
type Options struct {
	// ExpectProxyProtocol enables PROXY v1 preamble parsing before
	// protocol detection; it is a per-listener toggle.
	ExpectProxyProtocol bool
	// MaxPeek bounds how many bytes the probe will buffer before
	// giving up on detection.
	MaxPeek int
	// TrustedProxyRanges, when non-empty, restricts PROXY v1 preamble
	// parsing to connections whose peer address falls in one of these
	// ranges. A connection from outside every range is rejected with
	// ErrUntrustedProxySource before any header bytes are read, so an
	// untrusted peer can't spoof a PROXY header's claimed source. An
	// empty slice (the default) trusts every peer, matching the
	// behavior before this check existed.
	TrustedProxyRanges []netip.Prefix
}

// ErrUntrustedProxySource is returned by Run when ExpectProxyProtocol
// is set, TrustedProxyRanges is non-empty, and the connecting peer's
// address matches none of them.
var ErrUntrustedProxySource = fmt.Errorf("probe: connection from untrusted PROXY protocol source")

func addrTrusted(addr net.Addr, ranges []netip.Prefix) bool {
	if len(ranges) == 0 {
		return true
	}
	ip, ok := peerIP(addr)
	if !ok {
		return false
	}
	for _, r := range ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// peerIP extracts the netip.Addr a net.Addr wraps.
func peerIP(a net.Addr) (netip.Addr, bool) {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap, ok := netip.AddrFromSlice(v.IP)
		return ap.Unmap(), ok
	default:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			return netip.Addr{}, false
		}
		ap, err := netip.ParseAddr(host)
		return ap, err == nil
	}
}

const defaultMaxPeek = 16 * 1024

// ProtocolProbe runs a first-read dispatcher: it peeks at the
// connection's leading bytes without consuming them from the
// caller's perspective, optionally parses a PROXY v1 preamble, and
// classifies the remainder as HTTP/2 (by connection preface) or
// plain HTTP/1.x.
//
// It never blocks past a single underlying Read once enough bytes
// have arrived to decide; a PROXY header or HTTP/2 preface that is
// split across multiple reads is reassembled transparently.
type ProtocolProbe struct {
	opts Options
}

func NewProtocolProbe(opts Options) *ProtocolProbe {
	if opts.MaxPeek <= 0 {
		opts.MaxPeek = defaultMaxPeek
	}
	return &ProtocolProbe{opts: opts}
}

// Session is one connection's pass through the probe state machine,
// analogous to a per-connection protocol-probe trampoline.
type Session struct {
	probe *ProtocolProbe
	state state
}

// State reports the session's current lifecycle position.
func (s *Session) State() string {
	switch s.state {
	case stateReading:
		return "reading"
	case statePeekDone:
		return "peek-done"
	case stateDispatched:
		return "dispatched"
	default:
		return "closed"
	}
}

// Run drives the probe state machine to completion over conn. The
// returned Result.Conn must be used in place of conn by the caller;
// it transparently replays any bytes the probe already consumed.
func (p *ProtocolProbe) Run(conn net.Conn) (*Result, error) {
	s := &Session{probe: p, state: stateReading}
	br := bufio.NewReaderSize(conn, p.opts.MaxPeek)

	var proxySrc netip.AddrPort
	if p.opts.ExpectProxyProtocol {
		if !addrTrusted(conn.RemoteAddr(), p.opts.TrustedProxyRanges) {
			s.state = stateClosed
			return nil, ErrUntrustedProxySource
		}
		hdr, err := p.readProxyHeader(br)
		if err != nil {
			s.state = stateClosed
			return nil, fmt.Errorf("probe: proxy protocol: %w", err)
		}
		if hdr != nil {
			proxySrc = netip.AddrPortFrom(hdr.SrcAddr, hdr.SrcPort)
		}
	}

	proto, err := p.detectProtocol(br)
	if err != nil {
		s.state = stateClosed
		return nil, err
	}
	s.state = statePeekDone

	rc := &replayConn{Conn: conn, br: br}
	s.state = stateDispatched

	return &Result{Protocol: proto, ProxySrc: proxySrc, Conn: rc}, nil
}

// readProxyHeader consumes a PROXY v1 preamble from br, if present,
// growing the peek window one byte at a time so it never blocks
// waiting for more bytes than the header could possibly need, even
// when the header arrives split across multiple reads.
func (p *ProtocolProbe) readProxyHeader(br *bufio.Reader) (*ProxyHeader, error) {
	limit := maxProxyV1HeaderLen
	if limit > p.opts.MaxPeek {
		limit = p.opts.MaxPeek
	}
	for n := 1; ; n++ {
		buf, err := br.Peek(n)
		if len(buf) < n {
			return nil, fmt.Errorf("probe: connection closed while reading PROXY header: %w", err)
		}
		hdr, perr := ParseProxyV1(buf)
		switch {
		case perr == nil:
			if _, err := br.Discard(hdr.Len); err != nil {
				return nil, err
			}
			return hdr, nil
		case IsIncomplete(perr):
			if n >= limit {
				return nil, fmt.Errorf("probe: PROXY header never completed: %w", perr)
			}
			continue
		default:
			return nil, perr
		}
	}
}

// detectProtocol classifies the connection by comparing its leading
// bytes against the HTTP/2 connection preface. The first byte that
// differs from the preface classifies the connection as HTTP/1.x — an
// HTTP/1.x request line is never a prefix of the HTTP/2 preface, so
// there is no ambiguity. If the peer closes while everything it sent
// still matches the preface, fewer than 4 bytes is an error and 4 or
// more is treated as HTTP/1.x.
//
// Bytes are peeked one at a time rather than requesting the full
// preface length up front: an HTTP/1.x client that sends a short
// request line and then waits on the server's response would never
// supply the remaining bytes of a 24-byte peek, which would hang the
// probe forever. Growing the window only while what's buffered so
// far still matches the preface keeps the common case (divergence
// within the first couple of bytes) to a single read.
func (p *ProtocolProbe) detectProtocol(br *bufio.Reader) (Protocol, error) {
	want := len(http2Preface)
	preface := []byte(http2Preface)

	for n := 1; ; n++ {
		buf, err := br.Peek(n)
		if len(buf) < n {
			// The peer closed or errored with fewer than n bytes sent.
			// Four bytes is the minimum for a reasonable preface
			// match; anything less is ambiguous.
			if len(buf) < 4 {
				return ProtoUnknown, fmt.Errorf("probe: connection closed before protocol could be determined: %w", err)
			}
			return ProtoHTTP, nil
		}
		if !bytes.Equal(buf, preface[:len(buf)]) {
			return ProtoHTTP, nil
		}
		if len(buf) >= want {
			return ProtoHTTP2, nil
		}
	}
}

// replayConn wraps a net.Conn so reads first drain the probe's
// buffered reader (which holds any bytes already peeked) before
// falling through to the raw connection.
type replayConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *replayConn) Read(b []byte) (int, error) {
	return c.br.Read(b)
}
