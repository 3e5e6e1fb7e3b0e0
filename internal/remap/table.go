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

import "strings"

// subTable is one rule kind's rule set: an exact/wildcard host map
// (each host's rules indexed in a pathTrie) plus a rank-ordered regex
// rule list.
type subTable struct {
	byHost      map[string]*pathTrie
	wildcards   map[string]*pathTrie // keyed by suffix after "*."
	regexRules  []*Rule              // kept sorted by Rank ascending
}

func newSubTable() *subTable {
	return &subTable{
		byHost:    make(map[string]*pathTrie),
		wildcards: make(map[string]*pathTrie),
	}
}

func (s *subTable) insert(rule *Rule, port int) error {
	if rule.FromHostIsRegex {
		s.regexRules = append(s.regexRules, rule)
		// keep rank order for the rank-ceiling walk in lookup.
		for i := len(s.regexRules) - 1; i > 0 && s.regexRules[i-1].Rank > s.regexRules[i].Rank; i-- {
			s.regexRules[i-1], s.regexRules[i] = s.regexRules[i], s.regexRules[i-1]
		}
		return nil
	}

	host := rule.FromURL.Host
	target := s.byHost
	key := host
	if strings.HasPrefix(host, "*.") {
		target = s.wildcards
		key = host[2:]
	}

	trie, ok := target[key]
	if !ok {
		trie = newPathTrie()
		target[key] = trie
	}
	if existing := trie.Exact(rule.FromURL.Path, rule.FromURL.Scheme, port); existing != nil {
		return &ParseError{Reason: "duplicate exact remap rule for " + host + rule.FromURL.Path}
	}
	trie.Insert(rule.FromURL.Path, rule.FromURL.Scheme, port, rule)
	return nil
}

func (s *subTable) lookupHost(hostLower string) *pathTrie {
	if t, ok := s.byHost[hostLower]; ok {
		return t
	}
	// Walk increasing dot-suffixes, longest wildcard suffix wins —
	// the same rule vhost.Table applies to its own wildcard domains.
	h := hostLower
	for {
		idx := strings.IndexByte(h, '.')
		if idx < 0 {
			break
		}
		h = h[idx+1:]
		if t, ok := s.wildcards[h]; ok {
			return t
		}
	}
	return nil
}

// Table is the compiled remap table: six subTables, one per rule
// kind (forward-with-recv-port included).
type Table struct {
	forward     *subTable
	forwardRP   *subTable
	reverse     *subTable
	permRedir   *subTable
	tempRedir   *subTable
	forwardRef  *subTable

	rules []*Rule // insertion order, for MinRules / iteration
}

func NewTable() *Table {
	return &Table{
		forward:    newSubTable(),
		forwardRP:  newSubTable(),
		reverse:    newSubTable(),
		permRedir:  newSubTable(),
		tempRedir:  newSubTable(),
		forwardRef: newSubTable(),
	}
}

func (t *Table) subTableFor(kind Kind) *subTable {
	switch kind {
	case KindForward:
		return t.forward
	case KindForwardRecvPort:
		return t.forwardRP
	case KindReverse:
		return t.reverse
	case KindPermRedirect:
		return t.permRedir
	case KindTempRedirect:
		return t.tempRedir
	case KindForwardReferer:
		return t.forwardRef
	default:
		return nil
	}
}

// Insert validates and inserts rule into its kind's subTable. port is
// the request port the rule is scoped to, or 0 for "any port". The
// parser passes the from URL's effective port, so a rule without an
// explicit port is scoped to its scheme's default port, and 0 occurs
// only for schemes with no default port.
func (t *Table) Insert(rule *Rule, port int) error {
	if err := rule.validate(); err != nil {
		return err
	}
	st := t.subTableFor(rule.Kind)
	if st == nil {
		return &LoadRejectedError{Reason: "unknown rule kind"}
	}
	if err := st.insert(rule, port); err != nil {
		return err
	}
	t.rules = append(t.rules, rule)
	return nil
}

// Len returns the total number of rules across all sub-tables, used
// to enforce a minimum-number-of-remap-rules config gate.
func (t *Table) Len() int {
	return len(t.rules)
}

// Rules returns all rules in insertion order, for metrics/inspection.
func (t *Table) Rules() []*Rule {
	return t.rules
}

// LookupResult is the outcome of a Lookup call: the matched rule and,
// for regex matches, the freshly materialized target URL with
// captures substituted in.
type LookupResult struct {
	Rule        *Rule
	ExpandedURL Url // captures substituted for regex matches; a copy of Rule.ToURL otherwise
}

// Lookup matches a request against one rule kind's sub-table: an
// exact/wildcard longest-prefix match sets the rank ceiling, then
// regex rules are tried in rank order up to that ceiling.
func (t *Table) Lookup(kind Kind, reqHostLower string, reqPath string, scheme Scheme, port int, rankCeiling int) (*LookupResult, bool) {
	st := t.subTableFor(kind)
	if st == nil {
		return nil, false
	}

	var exact *Rule
	if trie := st.lookupHost(reqHostLower); trie != nil {
		exact = trie.LookupLongestPrefix(reqPath, scheme, port)
	}
	if exact != nil {
		if rankCeiling < 0 || exact.Rank < rankCeiling {
			rankCeiling = exact.Rank
		}
	}

	for _, rr := range st.regexRules {
		if rankCeiling >= 0 && rr.Rank > rankCeiling {
			break
		}
		if rr.FromURL.Scheme != scheme {
			continue
		}
		if rr.FromURL.EffectivePort() != port {
			continue
		}
		if rr.Unique {
			if !pathSegmentsEqual(reqPath, rr.FromURL.Path) {
				continue
			}
		} else if !strings.HasPrefix(reqPath, rr.FromURL.Path) {
			continue
		}
		matches := rr.HostRegex.FindStringSubmatchIndex(reqHostLower)
		if matches == nil {
			continue
		}
		if exact != nil && !(rr.Rank < exact.Rank) {
			continue
		}
		captures := rr.HostRegex.FindStringSubmatch(reqHostLower)
		expandedHost := expandPlaceholders(rr.ToURL.Host, rr.Placeholders, captures)
		expanded := rr.ToURL
		expanded.Host = expandedHost
		return &LookupResult{Rule: rr, ExpandedURL: expanded}, true
	}

	if exact != nil {
		return &LookupResult{Rule: exact, ExpandedURL: exact.ToURL}, true
	}
	return nil, false
}

// expandPlaceholders substitutes "$N" markers in template with the
// regex's captured groups. captures[0] is the whole match; captures[N]
// is capture group N.
func expandPlaceholders(template string, placeholders []PlaceholderRef, captures []string) string {
	if len(placeholders) == 0 {
		return template
	}
	var b strings.Builder
	last := 0
	for _, ph := range sortedByOffset(placeholders) {
		b.WriteString(template[last:ph.Offset])
		if ph.CaptureID < len(captures) {
			b.WriteString(captures[ph.CaptureID])
		}
		last = ph.Offset + 2 // len("$N")
	}
	b.WriteString(template[last:])
	return b.String()
}

func sortedByOffset(ph []PlaceholderRef) []PlaceholderRef {
	out := make([]PlaceholderRef, len(ph))
	copy(out, ph)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Offset > out[j].Offset; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Rewrite applies the URL rewrite primitive: host/port/scheme (unless
// CONNECT) copied from the target, the matched from_url.path prefix
// replaced by to_url.path with a single '/' seam, query and fragment
// untouched.
func Rewrite(req *Url, rule *Rule, target Url, isConnect bool) {
	req.Host = target.Host
	req.Port = target.Port
	req.PortSet = target.PortSet
	if !isConnect {
		req.Scheme = target.Scheme
	}

	fromPath := rule.FromURL.Path
	if len(fromPath) > len(req.Path) {
		fromPath = req.Path
	}
	suffix := req.Path[len(fromPath):]
	req.Path = joinPath(target.Path, suffix)
}

func joinPath(base, suffix string) string {
	switch {
	case base == "":
		return suffix
	case suffix == "":
		return base
	case strings.HasSuffix(base, "/") && strings.HasPrefix(suffix, "/"):
		return base + suffix[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(suffix, "/"):
		return base + "/" + suffix
	default:
		return base + suffix
	}
}
