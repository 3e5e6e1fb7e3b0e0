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

// Package probe implements a first-read protocol dispatcher: an
// optional PROXY v1 preamble, then HTTP/1.x vs HTTP/2 preface
// detection, handing the peek buffer and its reader to the chosen
// protocol's session acceptor without consuming it.
package probe

import (
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ProxyHeader is the parsed result of a PROXY protocol v1 preamble.
type ProxyHeader struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Len     int // bytes consumed from the head of the buffer
}

// errProxyHeaderIncomplete signals that buf doesn't yet contain a full
// CRLF-terminated header; the caller should wait for more bytes, in
// case the header arrived split across multiple reads.
var errProxyHeaderIncomplete = fmt.Errorf("probe: PROXY header incomplete")

const maxProxyV1HeaderLen = 107 // per the PROXY protocol v1 definition

// ParseProxyV1 parses a PROXY protocol v1 preamble
// ("PROXY TCP4 src dst sp dp\r\n") from the head of buf. It returns
// errProxyHeaderIncomplete if buf doesn't yet contain a terminating
// CRLF within the maximum allowed header length, so the caller can
// retry after another read without having misparsed a partial header
// as malformed.
func ParseProxyV1(buf []byte) (*ProxyHeader, error) {
	limit := len(buf)
	if limit > maxProxyV1HeaderLen {
		limit = maxProxyV1HeaderLen
	}
	idx := bytes.Index(buf[:limit], []byte("\r\n"))
	if idx < 0 {
		if len(buf) < maxProxyV1HeaderLen {
			return nil, errProxyHeaderIncomplete
		}
		return nil, fmt.Errorf("probe: PROXY header exceeds %d bytes without CRLF", maxProxyV1HeaderLen)
	}

	line := string(buf[:idx])
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "PROXY" {
		return nil, fmt.Errorf("probe: malformed PROXY header %q", line)
	}
	switch fields[1] {
	case "TCP4", "TCP6":
	default:
		return nil, fmt.Errorf("probe: unsupported PROXY protocol family %q", fields[1])
	}

	src, err := netip.ParseAddr(fields[2])
	if err != nil {
		return nil, fmt.Errorf("probe: bad PROXY source address: %w", err)
	}
	dst, err := netip.ParseAddr(fields[3])
	if err != nil {
		return nil, fmt.Errorf("probe: bad PROXY destination address: %w", err)
	}
	sp, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("probe: bad PROXY source port: %w", err)
	}
	dp, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("probe: bad PROXY destination port: %w", err)
	}

	return &ProxyHeader{
		SrcAddr: src,
		SrcPort: uint16(sp),
		DstAddr: dst,
		DstPort: uint16(dp),
		Len:     idx + 2,
	}, nil
}

// IsIncomplete reports whether err is the "need more bytes" sentinel.
func IsIncomplete(err error) bool {
	return err == errProxyHeaderIncomplete
}
