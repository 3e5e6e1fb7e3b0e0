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

// Package acl implements the access-control filter language attached
// to remap rules: compiled IP/method/action predicates, named
// filters, and the Legacy/Modern evaluation policies.
package acl

import "net/netip"

// Policy selects the ACL evaluation semantics.
type Policy int

const (
	PolicyLegacy Policy = iota
	PolicyModern
)

func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "legacy":
		return PolicyLegacy, true
	case "modern":
		return PolicyModern, true
	default:
		return 0, false
	}
}

// Limits on predicate-group sizes: at most this many src_ip/in_ip
// predicates may be attached to a single rule.
const (
	MaxSrcIP = 16
	MaxInIP  = 16
)

// IPPredicate is a range-or-all match with an optional invert flag. A
// nil Prefix with All set to true matches every address.
type IPPredicate struct {
	All    bool
	Prefix netip.Prefix
	Invert bool
}

func (p IPPredicate) matches(addr netip.Addr) bool {
	var m bool
	switch {
	case p.All:
		m = true
	default:
		m = p.Prefix.Contains(addr)
	}
	if p.Invert {
		return !m
	}
	return m
}

// CategoryPredicate is a named-category match with an optional invert
// flag, resolved against an external IP-allow registry's categories.
type CategoryPredicate struct {
	Category string
	Invert   bool
}

// Rule is one compiled ACL rule.
type Rule struct {
	MethodRestrictionEnabled bool
	MethodSet                uint64 // bitset over well-known method indices (see methods.go)
	NonstandardMethods       map[string]struct{}

	SrcIP         []IPPredicate
	SrcIPCategory []CategoryPredicate
	InIP          []IPPredicate

	Internal bool

	AddFlag   bool
	AllowFlag bool
}

// Filter is an ordered list of Rules plus a name, used both for a
// rule's own inline filter chain and for named filters defined with
// `.definefilter`.
type Filter struct {
	Name  string
	Rules []*Rule
}
