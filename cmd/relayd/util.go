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

package main

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/relayproxy/core/internal/build"
)

// addrFromNetAddr extracts the netip.Addr a net.Addr wraps, for the
// TCP/dial-backed address types acceptor.Listener hands handlers.
func addrFromNetAddr(a net.Addr) (netip.Addr, bool) {
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

func buildInfoText() string {
	return fmt.Sprintf("relayd\n%s", build.PrintBuildInfo())
}
