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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAbsolute(t *testing.T) {
	u, err := Parse("http://example.com:8080/foo/bar?q=1#frag", ParseOpts{})
	require.NoError(t, err)
	assert.Equal(t, SchemeHTTP, u.Scheme)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, 8080, u.Port)
	assert.True(t, u.PortSet)
	assert.Equal(t, "/foo/bar", u.Path)
	assert.Equal(t, "?q=1", u.Query)
	assert.Equal(t, "frag", u.Fragment)
}

func TestParseOriginForm(t *testing.T) {
	u, err := Parse("/just/a/path", ParseOpts{})
	require.NoError(t, err)
	assert.Equal(t, SchemeNone, u.Scheme)
	assert.Equal(t, "/just/a/path", u.Path)
}

func TestParseLowercasesHost(t *testing.T) {
	u, err := Parse("http://EXAMPLE.com/", ParseOpts{})
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Host)
}

func TestParseNoPathVsRootPath(t *testing.T) {
	noPath, err := Parse("http://example.com", ParseOpts{})
	require.NoError(t, err)
	assert.Equal(t, "", noPath.Path)

	rootPath, err := Parse("http://example.com/", ParseOpts{})
	require.NoError(t, err)
	assert.Equal(t, "/", rootPath.Path)
}

func TestEffectivePort(t *testing.T) {
	u, err := Parse("https://example.com/", ParseOpts{})
	require.NoError(t, err)
	assert.Equal(t, 443, u.EffectivePort())

	u2, err := Parse("https://example.com:9443/", ParseOpts{})
	require.NoError(t, err)
	assert.Equal(t, 9443, u2.EffectivePort())
}

func TestEqual(t *testing.T) {
	a, _ := Parse("http://example.com/x", ParseOpts{})
	b, _ := Parse("http://example.com:80/x", ParseOpts{})
	assert.True(t, a.Equal(b))
}

func TestParseRegexHostAllowed(t *testing.T) {
	u, err := Parse("http://(a|b)\\.example/", ParseOpts{AllowRegexHost: true})
	require.NoError(t, err)
	assert.Equal(t, "(a|b)\\.example", u.Host)
}
