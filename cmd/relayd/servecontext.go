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
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/relayproxy/core/internal/acl"
	"github.com/relayproxy/core/internal/timeout"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// listenerContext is one configured listener's on-disk shape.
type listenerContext struct {
	Address              string   `yaml:"address"`
	Port                 int      `yaml:"port"`
	TLS                  bool     `yaml:"tls"`
	ProxyProtocol        bool     `yaml:"proxy_protocol"`
	ProxyProtocolTrusted []string `yaml:"proxy_protocol_trusted"`
	ALPN                 []string `yaml:"alpn"`
}

// trustedProxyRanges parses l.ProxyProtocolTrusted into CIDR prefixes.
// A bare IP (no "/") is treated as a /32 or /128 host route.
func (l *listenerContext) trustedProxyRanges() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range l.ProxyProtocolTrusted {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p)
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy_protocol_trusted entry %q", raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// adminContext configures the admin HTTP service (/metrics, /healthz).
type adminContext struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// serveContext is the top-level serve config: the file relayd serve
// reads with -c, plus any values the command line overrides.
type serveContext struct {
	ACLBehaviorPolicy      string `yaml:"acl_behavior_policy"`
	AcceptInactivityTimeout string `yaml:"accept_inactivity_timeout"`
	ConfigReleaseGrace     string `yaml:"config_release_grace"`
	MinRemapRules          int    `yaml:"min_remap_rules"`

	RemapConfigPath string `yaml:"remap_config_path"`
	VirtualHostPath string `yaml:"virtual_host_path"`
	IPAllowPath     string `yaml:"ip_allow_path"`

	Listeners []listenerContext `yaml:"listeners"`
	Admin     adminContext      `yaml:"admin"`

	Debug bool `yaml:"debug"`
}

// newServeContext returns a serveContext with the same defaults shown
// in the sample config.
func newServeContext() *serveContext {
	return &serveContext{
		ACLBehaviorPolicy:      "modern",
		AcceptInactivityTimeout: "30s",
		ConfigReleaseGrace:     "60s",
		MinRemapRules:          1,
		RemapConfigPath:        "/etc/relayd/remap.config",
		VirtualHostPath:        "/etc/relayd/vhost.yaml",
		IPAllowPath:            "/etc/relayd/ip_allow.yaml",
		Admin: adminContext{
			Address: "127.0.0.1",
			Port:    8001,
		},
	}
}

// parseConfigFile loads and overlays path onto ctx's defaults.
func (ctx *serveContext) parseConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, ctx); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}

// aclPolicy resolves the configured policy name, defaulting to Modern
// on an empty or unrecognised value.
func (ctx *serveContext) aclPolicy() acl.Policy {
	p, ok := acl.ParsePolicy(ctx.ACLBehaviorPolicy)
	if !ok {
		return acl.PolicyModern
	}
	return p
}

func (ctx *serveContext) acceptInactivity() timeout.Setting {
	return timeout.Parse(ctx.AcceptInactivityTimeout)
}

func (ctx *serveContext) configReleaseGrace() time.Duration {
	s := timeout.Parse(ctx.ConfigReleaseGrace)
	if s.UseDefault() || s.IsDisabled() {
		return 60 * time.Second
	}
	return s.Duration()
}

// Validate checks the fields that can be checked without touching the
// filesystem; file existence is checked when the files are actually
// loaded, so a validate run reports parse errors with file/line
// instead of a bare "not found".
func (ctx *serveContext) Validate() error {
	if _, ok := acl.ParsePolicy(ctx.ACLBehaviorPolicy); !ok {
		return fmt.Errorf("invalid acl_behavior_policy %q: must be \"legacy\" or \"modern\"", ctx.ACLBehaviorPolicy)
	}
	if ctx.MinRemapRules < 0 {
		return fmt.Errorf("min_remap_rules must be >= 0")
	}
	if len(ctx.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	for i, l := range ctx.Listeners {
		if l.Port <= 0 {
			return fmt.Errorf("listeners[%d]: port must be set", i)
		}
		if _, err := l.trustedProxyRanges(); err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
	}
	return nil
}
