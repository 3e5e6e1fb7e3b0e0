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
	"crypto/tls"
	"fmt"
)

// ALPNProtocolIDs lists the protocol identifiers this probe will
// negotiate over TLS, in preference order, mirroring the
// "443:ssl:proto=h2-12" style per-port protocol configuration common
// to TLS-terminating proxies.
var ALPNProtocolIDs = []string{"h2", "http/1.1"}

// SslNextProtocolAccept is the TLS-terminated dispatch variant of
// ProtocolProbe: the ALPN negotiation that happens during the
// handshake already tells us which protocol was chosen, so there is
// no byte-level preface to sniff and no first-read ambiguity to
// resolve — no bytes need to be peeked or replayed.
func SslNextProtocolAccept(conn *tls.Conn) (Protocol, error) {
	if err := conn.Handshake(); err != nil {
		return ProtoUnknown, fmt.Errorf("probe: tls handshake: %w", err)
	}
	switch conn.ConnectionState().NegotiatedProtocol {
	case "h2":
		return ProtoHTTP2, nil
	case "", "http/1.1":
		return ProtoHTTP, nil
	default:
		return ProtoUnknown, fmt.Errorf("probe: unsupported negotiated protocol %q", conn.ConnectionState().NegotiatedProtocol)
	}
}
