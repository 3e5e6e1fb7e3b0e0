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

// pathEntry is one (scheme, port) -> Rule binding stored at a trie
// node, since a single host+path combination can host distinct rules
// for distinct scheme/port pairs: scheme and port act as a per-node
// secondary discriminator.
type pathEntry struct {
	scheme Scheme
	port   int  // 0 means "any port"
	unique bool // rule.Unique: only eligible at the node reqPath consumes exactly
	rule   *Rule
}

// pathTrie answers "given a request path, return the rule at the
// deepest node whose from_url.path is a prefix of the request path",
// respecting '/'-segment boundaries, with ties at that node broken by
// rank.
//
// Segments are the trie's edges, so "/-segment boundaries" falls out
// naturally: a request path can only match at a node if it consumed
// whole path segments down to that node.
type pathTrie struct {
	children map[string]*pathTrie
	entries  []pathEntry // rules terminating exactly at this node
}

func newPathTrie() *pathTrie {
	return &pathTrie{children: make(map[string]*pathTrie)}
}

func splitSegments(path string) []string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// pathSegmentsEqual reports whether a and b denote the same path once
// split into '/'-delimited segments, the same normalization Insert and
// LookupLongestPrefix use — so a Unique rule's exact-match check agrees
// with how the trie itself defines "the same path".
func pathSegmentsEqual(a, b string) bool {
	sa, sb := splitSegments(a), splitSegments(b)
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// Insert adds rule at the trie path derived from path, scoped to
// scheme/port (0 = any port).
func (t *pathTrie) Insert(path string, scheme Scheme, port int, rule *Rule) {
	node := t
	for _, seg := range splitSegments(path) {
		next, ok := node.children[seg]
		if !ok {
			next = newPathTrie()
			node.children[seg] = next
		}
		node = next
	}
	node.entries = append(node.entries, pathEntry{scheme: scheme, port: port, unique: rule.Unique, rule: rule})
}

// Exact returns the rule registered at precisely this path+scheme+port,
// without prefix matching, or nil. Used to detect duplicate exact
// insertion.
func (t *pathTrie) Exact(path string, scheme Scheme, port int) *Rule {
	node := t
	for _, seg := range splitSegments(path) {
		next, ok := node.children[seg]
		if !ok {
			return nil
		}
		node = next
	}
	for _, e := range node.entries {
		if e.scheme == scheme && (e.port == port || e.port == 0 || port == 0) {
			return e.rule
		}
	}
	return nil
}

// LookupLongestPrefix walks the trie along the request path's
// segments, preferring the deepest (most specific) node that has a
// matching entry — rank only breaks ties among entries at that same
// node — so that a rule registered at "/foo/" beats one registered at
// "/" for a request under "/foo/", regardless of their relative ranks.
// Entries whose rule is Unique (an exact whole-request match) are only
// eligible at the node where reqPath is consumed in full.
func (t *pathTrie) LookupLongestPrefix(reqPath string, scheme Scheme, port int) *Rule {
	segs := splitSegments(reqPath)

	matches := func(e pathEntry) bool {
		if e.scheme != scheme {
			return false
		}
		return e.port == 0 || e.port == port
	}

	// consider returns the best entry at node, or nil if none match.
	// exact reports whether node is reached after consuming reqPath in
	// full; Unique entries are skipped unless exact.
	consider := func(node *pathTrie, exact bool) *Rule {
		var nodeBest *Rule
		for _, e := range node.entries {
			if e.unique && !exact {
				continue
			}
			if !matches(e) {
				continue
			}
			if nodeBest == nil || e.rule.Rank < nodeBest.Rank {
				nodeBest = e.rule
			}
		}
		return nodeBest
	}

	var best *Rule
	node := t
	if r := consider(node, len(segs) == 0); r != nil { // "/" matches everything
		best = r
	}
	for i, seg := range segs {
		next, ok := node.children[seg]
		if !ok {
			break
		}
		node = next
		if r := consider(node, i == len(segs)-1); r != nil {
			best = r
		}
	}
	return best
}
