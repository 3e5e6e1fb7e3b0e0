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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/relayproxy/core/internal/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_BasicMapLine(t *testing.T) {
	lines := []string{
		"map http://old.example/ http://new.example/  @src_ip=10.0.0.0/8 @action=set_allow",
	}
	tbl, err := ParseLines(lines, ParserConfig{ACLPolicy: acl.PolicyModern})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	rule := tbl.Rules()[0]
	assert.Equal(t, KindForward, rule.Kind)
	assert.Equal(t, "new.example", rule.ToURL.Host)
	require.Len(t, rule.Filters, 1)
	require.Len(t, rule.Filters[0].Rules, 1)
	assert.True(t, rule.Filters[0].Rules[0].AllowFlag)
}

func TestParser_RegexMap(t *testing.T) {
	lines := []string{
		`regex_map http://([a-z]+)\.example/ http://$1.internal/`,
	}
	tbl, err := ParseLines(lines, ParserConfig{})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	rule := tbl.Rules()[0]
	assert.True(t, rule.FromHostIsRegex)
	result, ok := tbl.Lookup(KindForward, "foo.example", "/", SchemeHTTP, 80, -1)
	require.True(t, ok)
	assert.Equal(t, "foo.internal", result.ExpandedURL.Host)
}

func TestParser_DefineActivateFilter(t *testing.T) {
	lines := []string{
		"map http://foo/ http://bar/",
		".definefilter denyall @action=set_deny @src_ip=all",
		".activatefilter denyall",
		"map http://foo2/ http://bar2/",
	}
	tbl, err := ParseLines(lines, ParserConfig{ACLPolicy: acl.PolicyModern})
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())

	// the first rule, parsed before activation, has no named filter attached.
	first := tbl.Rules()[0]
	assert.Len(t, first.Filters, 1) // only its own inline (empty) filter

	second := tbl.Rules()[1]
	assert.Len(t, second.Filters, 2) // named filter + inline filter
	assert.False(t, second.Filters[0].Rules[0].AllowFlag)
}

type stubResolver map[string][]string

func (r stubResolver) Resolve(host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("no such host %q", host)
	}
	return addrs, nil
}

func TestParser_TunnelSchemeResolvesToConcreteAddresses(t *testing.T) {
	resolver := stubResolver{"origin.internal": {"10.0.0.1", "10.0.0.2"}}
	lines := []string{"map tunnel://origin.internal/ tunnel://backend/"}
	tbl, err := ParseLines(lines, ParserConfig{Resolver: resolver})
	require.NoError(t, err)

	// the literal-host rule plus one rule per resolved address.
	require.Equal(t, 3, tbl.Len())
	var hosts []string
	for _, r := range tbl.Rules() {
		hosts = append(hosts, r.FromURL.Host)
	}
	assert.ElementsMatch(t, []string{"origin.internal", "10.0.0.1", "10.0.0.2"}, hosts)

	result, ok := tbl.Lookup(KindForward, "10.0.0.1", "/", SchemeTunnel, 80, -1)
	require.True(t, ok)
	assert.Equal(t, "backend", result.Rule.ToURL.Host)
}

func TestParser_TunnelSchemeSkipsResolutionWithoutResolver(t *testing.T) {
	lines := []string{"map tunnel://origin.internal/ tunnel://backend/"}
	tbl, err := ParseLines(lines, ParserConfig{})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
}

func TestParser_TunnelSchemeResolutionFailureIsNotFatal(t *testing.T) {
	lines := []string{"map tunnel://unknown.internal/ tunnel://backend/"}
	tbl, err := ParseLines(lines, ParserConfig{Resolver: stubResolver{}})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
}

func TestParser_UniqueSlashSlash(t *testing.T) {
	tbl, err := ParseLines([]string{"map http://foo/bar// http://backend/"}, ParserConfig{})
	require.NoError(t, err)
	assert.True(t, tbl.Rules()[0].Unique)

	tbl2, err := ParseLines([]string{"map http://foo/bar/ http://backend/"}, ParserConfig{})
	require.NoError(t, err)
	assert.False(t, tbl2.Rules()[0].Unique)
}

func TestParser_RedirectWithMethodAndAction(t *testing.T) {
	tbl, err := ParseLines([]string{
		"redirect  http://foo/  http://bar/  @action=add_deny @method=POST",
	}, ParserConfig{ACLPolicy: acl.PolicyModern})
	require.NoError(t, err)
	rule := tbl.Rules()[0]
	assert.Equal(t, KindPermRedirect, rule.Kind)
	f := rule.Filters[len(rule.Filters)-1].Rules[0]
	assert.True(t, f.MethodRestrictionEnabled)
	assert.False(t, f.AllowFlag)
	assert.True(t, f.AddFlag)
}

func TestParser_ModernRejectsBareAllowDeny(t *testing.T) {
	_, err := ParseLines([]string{"map http://foo/ http://bar/ @action=allow"}, ParserConfig{ACLPolicy: acl.PolicyModern})
	assert.Error(t, err)
}

func TestParser_LegacyAllowsBareActionsAndLastWins(t *testing.T) {
	tbl, err := ParseLines([]string{
		"map http://foo/ http://bar/ @action=allow @action=deny",
	}, ParserConfig{ACLPolicy: acl.PolicyLegacy})
	require.NoError(t, err)
	f := tbl.Rules()[0].Filters[0].Rules[0]
	assert.False(t, f.AllowFlag) // last @action= wins
}

func TestParser_MinRulesRejection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remap.config")
	require.NoError(t, os.WriteFile(path, []byte("map http://a/ http://b/\n"), 0o644))

	_, err := ParseFile(path, ParserConfig{MinRemapRules: 5})
	assert.Error(t, err)
	var lre *LoadRejectedError
	assert.ErrorAs(t, err, &lre)
}

func TestParser_IncludeDirective(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.config"), []byte("map http://extra/ http://extra-backend/\n"), 0o644))
	main := "map http://main/ http://main-backend/\n.include extra.config\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "remap.config"), []byte(main), 0o644))

	tbl, err := ParseFile(filepath.Join(dir, "remap.config"), ParserConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestParser_IncludeCycleRejected(t *testing.T) {
	dir := t.TempDir()
	a := "map http://a/ http://a-backend/\n.include b.config\n"
	b := "map http://b/ http://b-backend/\n.include a.config\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.config"), []byte(a), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.config"), []byte(b), 0o644))

	_, err := ParseFile(filepath.Join(dir, "a.config"), ParserConfig{})
	assert.Error(t, err)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestParser_LineContinuation(t *testing.T) {
	lines := "map http://a/ \\\n  http://b/\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "remap.config")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	tbl, err := ParseFile(path, ParserConfig{})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.Equal(t, "b", tbl.Rules()[0].ToURL.Host)
}
