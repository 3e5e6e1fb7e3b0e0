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

package acl

import "net/netip"

// Request carries the per-request inputs to the evaluator.
type Request struct {
	PeerAddr    netip.Addr
	LocalAddr   netip.Addr
	IsInternal  bool
	MethodIdx   int // -1 for nonstandard
	MethodToken string
}

// Evaluator runs the filter-chain algorithm against a rule's attached
// filters. It never blocks.
type Evaluator struct {
	Policy   Policy
	IPAllow  *IPAllowFile // may be nil: a missing registry is treated as "allow"
	Recorder DecisionRecorder
}

// DecisionRecorder is an optional sink for metrics, feeding the
// relay_acl_decisions_total counter. Nil is a valid no-op recorder.
type DecisionRecorder interface {
	RecordDecision(allowed bool)
}

// Decide evaluates all of the rule's attached Filters, in order,
// across all of their Rules, in order.
func (e *Evaluator) Decide(filters []*Filter, req Request, ipAllowCheckEnabled bool) bool {
	allowed := true
	skipIPAllowFile := false

loop:
	for _, f := range filters {
		for _, rule := range f.Rules {
			methodMatches := rule.methodMatches(req.MethodIdx, req.MethodToken)
			ipMatches := ipMatches(rule, req, e.IPAllow)

			switch e.Policy {
			case PolicyLegacy:
				if ipMatches && methodMatches {
					allowed = rule.AllowFlag
				} else {
					allowed = !rule.AllowFlag
				}
				// skip_ip_allow_file is never set in Legacy mode: the
				// ip-allow file always gets the final say there.
			case PolicyModern:
				switch {
				case ipMatches && methodMatches:
					allowed = rule.AllowFlag
					skipIPAllowFile = true
					break loop
				case ipMatches && !methodMatches && !rule.AddFlag:
					allowed = !rule.AllowFlag
					skipIPAllowFile = true
					break loop
				default:
					// fall through to the next filter rule
				}
			}
		}
	}

	if ipAllowCheckEnabled && !skipIPAllowFile && e.IPAllow != nil {
		allowed = allowed && e.IPAllow.Allows(req.PeerAddr)
	}

	if e.Recorder != nil {
		e.Recorder.RecordDecision(allowed)
	}
	return allowed
}

// ipMatches evaluates every configured src_ip, src_ip_category, in_ip,
// and internal predicate, ANDed together. An empty predicate group
// evaluates to true; a rule with no source-IP predicates of any kind
// behaves as if one `match_all` predicate were present, which the
// caller arranges for at parse time (see Filter construction in the
// remap parser), so this function only needs to AND whatever groups
// are actually present.
// Category predicates are resolved against registry's named
// categories; a nil registry makes every category predicate
// non-matching (uninverted) since there is nothing to resolve against.
func ipMatches(r *Rule, req Request, registry *IPAllowFile) bool {
	for _, p := range r.SrcIP {
		if !p.matches(req.PeerAddr) {
			return false
		}
	}
	for _, p := range r.SrcIPCategory {
		m := registry != nil && registry.InCategory(p.Category, req.PeerAddr)
		if p.Invert {
			m = !m
		}
		if !m {
			return false
		}
	}
	for _, p := range r.InIP {
		if !p.matches(req.LocalAddr) {
			return false
		}
	}
	if r.Internal && !req.IsInternal {
		return false
	}
	return true
}
