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
	"os"
	"path/filepath"
	"testing"

	"github.com/relayproxy/core/internal/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServeContextDefaults(t *testing.T) {
	ctx := newServeContext()
	assert.Equal(t, "modern", ctx.ACLBehaviorPolicy)
	assert.Equal(t, 1, ctx.MinRemapRules)
	assert.Equal(t, "127.0.0.1", ctx.Admin.Address)
	assert.Equal(t, 8001, ctx.Admin.Port)
	assert.Equal(t, acl.PolicyModern, ctx.aclPolicy())
}

func TestServeContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*serveContext)
		wantErr bool
	}{
		{
			name:    "no listeners",
			mutate:  func(c *serveContext) {},
			wantErr: true,
		},
		{
			name: "valid listener",
			mutate: func(c *serveContext) {
				c.Listeners = []listenerContext{{Address: "0.0.0.0", Port: 8080}}
			},
			wantErr: false,
		},
		{
			name: "listener missing port",
			mutate: func(c *serveContext) {
				c.Listeners = []listenerContext{{Address: "0.0.0.0"}}
			},
			wantErr: true,
		},
		{
			name: "bad acl policy",
			mutate: func(c *serveContext) {
				c.Listeners = []listenerContext{{Address: "0.0.0.0", Port: 8080}}
				c.ACLBehaviorPolicy = "bogus"
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newServeContext()
			tc.mutate(ctx)
			err := ctx.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServeContextParseConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relayd.yaml")
	writeFile(t, path, `
acl_behavior_policy: legacy
min_remap_rules: 3
listeners:
  - address: 0.0.0.0
    port: 8080
  - address: 0.0.0.0
    port: 8443
    tls: true
    proxy_protocol: true
    alpn: ["h2", "http/1.1"]
admin:
  address: 127.0.0.1
  port: 9001
`)

	ctx := newServeContext()
	require.NoError(t, ctx.parseConfigFile(path))
	assert.Equal(t, "legacy", ctx.ACLBehaviorPolicy)
	assert.Equal(t, 3, ctx.MinRemapRules)
	require.Len(t, ctx.Listeners, 2)
	assert.True(t, ctx.Listeners[1].TLS)
	assert.Equal(t, []string{"h2", "http/1.1"}, ctx.Listeners[1].ALPN)
	assert.Equal(t, 9001, ctx.Admin.Port)
}

func TestServeContextParseConfigFileMissing(t *testing.T) {
	ctx := newServeContext()
	err := ctx.parseConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
