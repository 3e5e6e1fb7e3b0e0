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
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// IPAllowFile is the external IP-allow registry collaborator: a set
// of named IP-range categories plus a flat, first-match-wins rule
// list.
type IPAllowFile struct {
	Categories map[string][]netip.Prefix
	Rules      []ipAllowRule
}

type ipAllowRule struct {
	SrcIP         string
	SrcIPCategory string
	Allow         bool
}

type ipAllowDoc struct {
	Categories map[string][]string `yaml:"categories"`
	Rules      []struct {
		SrcIP         string `yaml:"src_ip"`
		SrcIPCategory string `yaml:"src_ip_category"`
		Action        string `yaml:"action"`
	} `yaml:"rules"`
}

// LoadIPAllowFile reads and parses the IP-allow YAML document at path.
func LoadIPAllowFile(path string) (*IPAllowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acl: reading ip-allow file: %w", err)
	}
	return ParseIPAllowFile(data)
}

func ParseIPAllowFile(data []byte) (*IPAllowFile, error) {
	var doc ipAllowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("acl: parsing ip-allow file: %w", err)
	}

	f := &IPAllowFile{Categories: make(map[string][]netip.Prefix, len(doc.Categories))}
	for name, ranges := range doc.Categories {
		for _, r := range ranges {
			p, err := netip.ParsePrefix(r)
			if err != nil {
				return nil, fmt.Errorf("acl: category %q: %w", name, err)
			}
			f.Categories[name] = append(f.Categories[name], p)
		}
	}

	for i, r := range doc.Rules {
		var allow bool
		switch r.Action {
		case "allow":
			allow = true
		case "deny":
			allow = false
		default:
			return nil, fmt.Errorf("acl: rule %d: unknown action %q", i, r.Action)
		}
		f.Rules = append(f.Rules, ipAllowRule{
			SrcIP:         r.SrcIP,
			SrcIPCategory: r.SrcIPCategory,
			Allow:         allow,
		})
	}

	return f, nil
}

// InCategory reports whether addr falls within the named category's
// ranges.
func (f *IPAllowFile) InCategory(name string, addr netip.Addr) bool {
	for _, p := range f.Categories[name] {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Allows runs the first-match-wins rule list; default verdict is deny
// if nothing matches.
func (f *IPAllowFile) Allows(addr netip.Addr) bool {
	if f == nil {
		return true
	}
	for _, r := range f.Rules {
		switch {
		case r.SrcIP == "all":
			return r.Allow
		case r.SrcIP != "":
			p, err := netip.ParsePrefix(r.SrcIP)
			if err != nil {
				continue
			}
			if p.Contains(addr) {
				return r.Allow
			}
		case r.SrcIPCategory != "":
			if f.InCategory(r.SrcIPCategory, addr) {
				return r.Allow
			}
		}
	}
	return false
}
