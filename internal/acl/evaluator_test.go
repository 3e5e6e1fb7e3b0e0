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

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

// E3 — ACL deny by IP (modern): no rule fires, falls through to the
// ip-allow file.
func TestEvaluator_ModernFallsThroughToIPAllow(t *testing.T) {
	rule := &Rule{
		SrcIP:     []IPPredicate{{Prefix: mustPrefix(t, "10.0.0.0/8")}},
		AllowFlag: true,
	}
	rule.AddMethod("GET")
	filter := &Filter{Rules: []*Rule{rule}}

	ipAllow, err := ParseIPAllowFile([]byte(`
rules:
  - src_ip: all
    action: deny
`))
	require.NoError(t, err)

	e := &Evaluator{Policy: PolicyModern, IPAllow: ipAllow}
	req := Request{
		PeerAddr:  netip.MustParseAddr("192.0.2.1"),
		MethodIdx: MethodIndex("GET"),
	}
	assert.False(t, e.Decide([]*Filter{filter}, req, true))
}

// E4 — ACL modern, add vs set: ip matches, method does not, add_flag
// is false (set_allow), so the rule denies outright.
func TestEvaluator_ModernSetSemanticsDenyOnMethodMismatch(t *testing.T) {
	rule := &Rule{
		SrcIP:     []IPPredicate{{Prefix: mustPrefix(t, "10.0.0.0/8")}},
		AllowFlag: true,
		AddFlag:   false,
	}
	rule.AddMethod("GET")
	filter := &Filter{Rules: []*Rule{rule}}

	e := &Evaluator{Policy: PolicyModern}
	req := Request{
		PeerAddr:    netip.MustParseAddr("10.1.1.1"),
		MethodIdx:   -1,
		MethodToken: "POST",
	}
	assert.False(t, e.Decide([]*Filter{filter}, req, true))
}

func TestEvaluator_ModernAddSemanticsFallsThroughOnMethodMismatch(t *testing.T) {
	rule := &Rule{
		SrcIP:     []IPPredicate{{Prefix: mustPrefix(t, "10.0.0.0/8")}},
		AllowFlag: false,
		AddFlag:   true,
	}
	rule.AddMethod("GET")
	filter := &Filter{Rules: []*Rule{rule}}

	e := &Evaluator{Policy: PolicyModern}
	req := Request{
		PeerAddr:    netip.MustParseAddr("10.1.1.1"),
		MethodIdx:   -1,
		MethodToken: "POST",
	}
	// add_flag=true means this rule doesn't get the final say on a
	// method mismatch; default allowed=true with no ip-allow file wired.
	assert.True(t, e.Decide([]*Filter{filter}, req, false))
}

func TestEvaluator_LegacyAlwaysConsultsIPAllowFile(t *testing.T) {
	rule := &Rule{
		SrcIP:     []IPPredicate{{All: true}},
		AllowFlag: true,
	}
	filter := &Filter{Rules: []*Rule{rule}}

	ipAllow, err := ParseIPAllowFile([]byte(`
rules:
  - src_ip: all
    action: deny
`))
	require.NoError(t, err)

	e := &Evaluator{Policy: PolicyLegacy, IPAllow: ipAllow}
	req := Request{PeerAddr: netip.MustParseAddr("203.0.113.1")}
	// Legacy mode's rule fires (allowed=true) but skip_ip_allow_file is
	// never set, so the ip-allow file's deny still wins (open question
	// decision recorded in DESIGN.md).
	assert.False(t, e.Decide([]*Filter{filter}, req, true))
}

func TestEvaluator_LegacyDenyFlips(t *testing.T) {
	rule := &Rule{
		SrcIP:     []IPPredicate{{All: true, Invert: true}},
		AllowFlag: true,
	}
	filter := &Filter{Rules: []*Rule{rule}}
	e := &Evaluator{Policy: PolicyLegacy}
	req := Request{PeerAddr: netip.MustParseAddr("203.0.113.1")}
	assert.False(t, e.Decide([]*Filter{filter}, req, false))
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		token         string
		policy        Policy
		wantAllow     bool
		wantAdd       bool
		wantErr       bool
	}{
		{"allow", PolicyLegacy, true, true, false},
		{"deny", PolicyLegacy, false, true, false},
		{"allow", PolicyModern, false, false, true},
		{"add_allow", PolicyModern, true, true, false},
		{"add_deny", PolicyModern, false, true, false},
		{"set_allow", PolicyModern, true, false, false},
		{"set_deny", PolicyModern, false, false, false},
		{"bogus", PolicyModern, false, false, true},
	}
	for _, tc := range tests {
		allow, add, err := ParseAction(tc.token, tc.policy)
		if tc.wantErr {
			assert.Error(t, err, tc.token)
			continue
		}
		require.NoError(t, err, tc.token)
		assert.Equal(t, tc.wantAllow, allow, tc.token)
		assert.Equal(t, tc.wantAdd, add, tc.token)
	}
}

func TestMethodIndex(t *testing.T) {
	assert.Equal(t, 0, MethodIndex("GET"))
	assert.Equal(t, 0, MethodIndex("get"))
	assert.Equal(t, -1, MethodIndex("PROPFIND"))
}

func TestIPAllowFileCategory(t *testing.T) {
	f, err := ParseIPAllowFile([]byte(`
categories:
  trusted: ["10.0.0.0/8"]
rules:
  - src_ip_category: trusted
    action: allow
  - src_ip: all
    action: deny
`))
	require.NoError(t, err)
	assert.True(t, f.Allows(netip.MustParseAddr("10.1.2.3")))
	assert.False(t, f.Allows(netip.MustParseAddr("203.0.113.1")))
}
