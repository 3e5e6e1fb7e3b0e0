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

package remap

import (
	"regexp"
	"sync/atomic"

	"github.com/relayproxy/core/internal/acl"
)

// Kind is the rule's directive kind.
type Kind int

const (
	KindForward Kind = iota
	KindForwardReferer
	KindForwardRecvPort
	KindReverse
	KindPermRedirect
	KindTempRedirect
)

func (k Kind) String() string {
	switch k {
	case KindForward:
		return "map"
	case KindForwardReferer:
		return "map_with_referer"
	case KindForwardRecvPort:
		return "map_with_recv_port"
	case KindReverse:
		return "reverse_map"
	case KindPermRedirect:
		return "redirect"
	case KindTempRedirect:
		return "redirect_temporary"
	default:
		return "unknown"
	}
}

// PlaceholderRef is one "$N" substitution site in a regex rule's
// target host template.
type PlaceholderRef struct {
	Offset    int // byte offset within the target host template
	CaptureID int // 0..9
}

// RefererPredicate is one entry of a ForwardReferer rule's ordered
// referer policy list.
type RefererPredicate struct {
	Regex    *regexp.Regexp
	Negated  bool
	Any      bool // true for the special "*" (any referer) predicate
}

// PluginInstance is an opaque loaded plugin handle, a Go-native
// trait-object replacement for the legacy dlopen/C-ABI plugin
// mechanism, which is out of scope here.
type PluginInstance struct {
	Path   string
	Params []string
}

// Rule is one compiled remap rule.
type Rule struct {
	Kind Kind

	FromURL Url
	ToURL   Url

	FromHostIsRegex bool
	HostRegex       *regexp.Regexp // non-nil iff FromHostIsRegex
	Placeholders    []PlaceholderRef

	WildcardFromScheme bool
	HomePageRedirect   bool

	Tag string

	RefererPolicy    []RefererPredicate
	OptionalReferer  bool
	NegativeReferer  bool
	RedirectTemplate string // used when Kind == KindForwardReferer

	Filters []*acl.Filter

	Plugins []PluginInstance

	IPAllowCheckEnabled bool

	Rank  int
	MapID uint32

	Unique bool // source URL ended in "//": exact whole-request match

	hitCount uint64
}

// HitCount returns the current value of the monotonic hit counter.
func (r *Rule) HitCount() uint64 {
	return atomic.LoadUint64(&r.hitCount)
}

// RecordHit increments the rule's hit counter. It is the only mutable
// field a reader holding a shared Rule may write, so it uses an
// atomic fetch-add rather than any lock.
func (r *Rule) RecordHit() {
	atomic.AddUint64(&r.hitCount, 1)
}

// validate enforces the rule's structural invariants. Called by the
// parser immediately after a rule is fully constructed, before
// insertion.
func (r *Rule) validate() error {
	if r.ToURL.Host == "" {
		return errNonEmptyToHost
	}
	if isForwardKind(r.Kind) && r.FromURL.Host == "" {
		if len(r.FromURL.Path) == 0 || r.FromURL.Path[0] != '/' {
			return errRelativeRuleNeedsSlash
		}
	}
	if !ValidScheme(r.FromURL.Scheme) || !ValidScheme(r.ToURL.Scheme) {
		return errBadScheme
	}
	fromWS := r.FromURL.Scheme == SchemeWS || r.FromURL.Scheme == SchemeWSS
	toWS := r.ToURL.Scheme == SchemeWS || r.ToURL.Scheme == SchemeWSS
	if fromWS != toWS {
		return errWSPairingRequired
	}
	if r.FromHostIsRegex && r.HostRegex != nil {
		maxCapture := r.HostRegex.NumSubexp()
		for _, ph := range r.Placeholders {
			if ph.CaptureID > maxCapture {
				return errPlaceholderOutOfRange
			}
		}
	}
	return nil
}

func isForwardKind(k Kind) bool {
	switch k {
	case KindForward, KindForwardReferer, KindForwardRecvPort:
		return true
	default:
		return false
	}
}

var (
	errNonEmptyToHost         = ruleError("to_url host must be non-empty")
	errRelativeRuleNeedsSlash = ruleError("relative forward rule's from_url path must begin with '/'")
	errBadScheme              = ruleError("scheme not in {http,https,ws,wss,tunnel,file}")
	errWSPairingRequired      = ruleError("ws/wss source requires ws/wss target and vice versa")
	errPlaceholderOutOfRange  = ruleError("regex placeholder id exceeds capture count")
)

type ruleError string

func (e ruleError) Error() string { return string(e) }
