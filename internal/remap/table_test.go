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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string, opts ParseOpts) Url {
	t.Helper()
	u, err := Parse(raw, opts)
	require.NoError(t, err)
	return u
}

// E1 — Forward map, exact host.
func TestTable_E1ExactForward(t *testing.T) {
	tbl := NewTable()
	rule := &Rule{
		Kind:    KindForward,
		FromURL: mustURL(t, "http://a.example/foo/", ParseOpts{}),
		ToURL:   mustURL(t, "http://backend/bar/", ParseOpts{}),
		Rank:    1,
	}
	require.NoError(t, tbl.Insert(rule, 80))

	result, ok := tbl.Lookup(KindForward, "a.example", "/foo/index.html", SchemeHTTP, 80, -1)
	require.True(t, ok)
	expanded := result.Rule.ToURL
	rw := mustURL(t, "http://a.example/foo/index.html", ParseOpts{})
	Rewrite(&rw, result.Rule, expanded, false)
	assert.Equal(t, "backend", rw.Host)
	assert.Equal(t, "/bar/index.html", rw.Path)
}

// E2 — Regex capture.
func TestTable_E2RegexCapture(t *testing.T) {
	tbl := NewTable()
	re := regexp.MustCompile(`(a|b)\.example`)
	rule := &Rule{
		Kind:            KindForward,
		FromURL:         mustURL(t, `http://(a|b)\.example/`, ParseOpts{AllowRegexHost: true}),
		ToURL:           mustURL(t, "http://$1.backend/", ParseOpts{SkipHostCheck: true, AllowRegexHost: true}),
		FromHostIsRegex: true,
		HostRegex:       re,
		Placeholders:    findPlaceholders("$1.backend"),
		Rank:            1,
	}
	require.NoError(t, tbl.Insert(rule, 0))

	result, ok := tbl.Lookup(KindForward, "b.example", "/", SchemeHTTP, 80, -1)
	require.True(t, ok)
	assert.Equal(t, "b.backend", result.ExpandedURL.Host)
}

// TestTable_E2RegexCaptureFullURL compares every component of the
// expanded Url produced for two different capture groups, rather than
// just the rewritten host, so a future field added to Url that isn't
// threaded through the placeholder expansion path gets caught here.
func TestTable_E2RegexCaptureFullURL(t *testing.T) {
	tbl := NewTable()
	re := regexp.MustCompile(`(a|b)\.example`)
	rule := &Rule{
		Kind:            KindForward,
		FromURL:         mustURL(t, `http://(a|b)\.example/`, ParseOpts{AllowRegexHost: true}),
		ToURL:           mustURL(t, "http://$1.backend/", ParseOpts{SkipHostCheck: true, AllowRegexHost: true}),
		FromHostIsRegex: true,
		HostRegex:       re,
		Placeholders:    findPlaceholders("$1.backend"),
		Rank:            1,
	}
	require.NoError(t, tbl.Insert(rule, 0))

	aResult, ok := tbl.Lookup(KindForward, "a.example", "/", SchemeHTTP, 80, -1)
	require.True(t, ok)
	bResult, ok := tbl.Lookup(KindForward, "b.example", "/", SchemeHTTP, 80, -1)
	require.True(t, ok)

	wantA := Url{Scheme: SchemeHTTP, Host: "a.backend", Path: "/"}
	wantB := Url{Scheme: SchemeHTTP, Host: "b.backend", Path: "/"}

	if diff := cmp.Diff(wantA, aResult.ExpandedURL); diff != "" {
		t.Errorf("expanded URL for a.example mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantB, bResult.ExpandedURL); diff != "" {
		t.Errorf("expanded URL for b.example mismatch (-want +got):\n%s", diff)
	}
}

func TestTable_RankMonotonicity(t *testing.T) {
	tbl := NewTable()
	exact := &Rule{
		Kind:    KindForward,
		FromURL: mustURL(t, "http://x.example/", ParseOpts{}),
		ToURL:   mustURL(t, "http://exact-backend/", ParseOpts{}),
		Rank:    5,
	}
	require.NoError(t, tbl.Insert(exact, 80))

	re := regexp.MustCompile(`x\.example`)
	regexRule := &Rule{
		Kind:            KindForward,
		FromURL:         mustURL(t, `http://x\.example/`, ParseOpts{AllowRegexHost: true}),
		ToURL:           mustURL(t, "http://regex-backend/", ParseOpts{SkipHostCheck: true}),
		FromHostIsRegex: true,
		HostRegex:       re,
		Rank:            2,
	}
	require.NoError(t, tbl.Insert(regexRule, 0))

	// regex rule (rank 2) should win over exact (rank 5) since it is
	// strictly lower ranked.
	result, ok := tbl.Lookup(KindForward, "x.example", "/", SchemeHTTP, 80, -1)
	require.True(t, ok)
	assert.Equal(t, "regex-backend", result.Rule.ToURL.Host)
}

func TestTable_ExactWinsWhenLowerRank(t *testing.T) {
	tbl := NewTable()
	exact := &Rule{
		Kind:    KindForward,
		FromURL: mustURL(t, "http://x.example/", ParseOpts{}),
		ToURL:   mustURL(t, "http://exact-backend/", ParseOpts{}),
		Rank:    1,
	}
	require.NoError(t, tbl.Insert(exact, 80))

	re := regexp.MustCompile(`x\.example`)
	regexRule := &Rule{
		Kind:            KindForward,
		FromURL:         mustURL(t, `http://x\.example/`, ParseOpts{AllowRegexHost: true}),
		ToURL:           mustURL(t, "http://regex-backend/", ParseOpts{SkipHostCheck: true}),
		FromHostIsRegex: true,
		HostRegex:       re,
		Rank:            5,
	}
	require.NoError(t, tbl.Insert(regexRule, 0))

	result, ok := tbl.Lookup(KindForward, "x.example", "/", SchemeHTTP, 80, -1)
	require.True(t, ok)
	assert.Equal(t, "exact-backend", result.Rule.ToURL.Host)
}

func TestTable_DuplicateExactInsertionRejected(t *testing.T) {
	tbl := NewTable()
	rule1 := &Rule{Kind: KindForward, FromURL: mustURL(t, "http://x.example/", ParseOpts{}), ToURL: mustURL(t, "http://b1/", ParseOpts{}), Rank: 1}
	rule2 := &Rule{Kind: KindForward, FromURL: mustURL(t, "http://x.example/", ParseOpts{}), ToURL: mustURL(t, "http://b2/", ParseOpts{}), Rank: 2}
	require.NoError(t, tbl.Insert(rule1, 80))
	err := tbl.Insert(rule2, 80)
	assert.Error(t, err)
}

func TestTable_LookupDeterministic(t *testing.T) {
	tbl := NewTable()
	rule := &Rule{Kind: KindForward, FromURL: mustURL(t, "http://a.example/foo/", ParseOpts{}), ToURL: mustURL(t, "http://backend/", ParseOpts{}), Rank: 1}
	require.NoError(t, tbl.Insert(rule, 80))

	r1, ok1 := tbl.Lookup(KindForward, "a.example", "/foo/x", SchemeHTTP, 80, -1)
	r2, ok2 := tbl.Lookup(KindForward, "a.example", "/foo/x", SchemeHTTP, 80, -1)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, r1.Rule, r2.Rule)
}

func TestPlaceholderOutOfRangeRejected(t *testing.T) {
	re := regexp.MustCompile(`(a)\.example`)
	rule := &Rule{
		Kind:            KindForward,
		FromURL:         mustURL(t, `http://(a)\.example/`, ParseOpts{AllowRegexHost: true}),
		ToURL:           mustURL(t, "http://$2.backend/", ParseOpts{SkipHostCheck: true}),
		FromHostIsRegex: true,
		HostRegex:       re,
		Placeholders:    findPlaceholders("$2.backend"),
		Rank:            1,
	}
	require.Error(t, rule.validate())
}
