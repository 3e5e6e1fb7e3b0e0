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

// Package vhost implements the YAML-sourced virtual-host table that
// maps exact and wildcard domain names onto a named remap sub-table.
package vhost

import (
	"fmt"
	"os"
	"strings"

	"github.com/relayproxy/core/internal/remap"
	"gopkg.in/yaml.v3"
)

// Entry is one named virtual host: its domain names and the remap
// table they resolve to.
type Entry struct {
	ID              string
	ExactDomains    []string
	WildcardDomains []string
	RemapLines      []string
	RemapTable      *remap.Table
}

// Table indexes a set of Entry values by id, exact domain, and
// wildcard domain suffix.
type Table struct {
	byID       map[string]*Entry
	byExact    map[string]*Entry
	byWildcard map[string]*Entry // keyed by suffix after "*."
}

type document struct {
	VirtualHost []struct {
		ID      string   `yaml:"id"`
		Domains []string `yaml:"domains"`
		Remap   []string `yaml:"remap"`
	} `yaml:"virtualhost"`
}

// Load reads and parses the virtual-host YAML document at path.
func Load(path string, cfg remap.ParserConfig) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vhost: reading %s: %w", path, err)
	}
	return Parse(data, cfg)
}

func Parse(data []byte, cfg remap.ParserConfig) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("vhost: parsing yaml: %w", err)
	}

	t := &Table{
		byID:       make(map[string]*Entry),
		byExact:    make(map[string]*Entry),
		byWildcard: make(map[string]*Entry),
	}

	for _, raw := range doc.VirtualHost {
		rt, err := remap.ParseLines(raw.Remap, cfg)
		if err != nil {
			return nil, fmt.Errorf("vhost: entry %q: %w", raw.ID, err)
		}

		e := &Entry{ID: raw.ID, RemapLines: raw.Remap, RemapTable: rt}
		for _, d := range raw.Domains {
			d = strings.ToLower(d)
			if strings.HasPrefix(d, "*.") {
				suffix := d[2:]
				if _, dup := t.byWildcard[suffix]; dup {
					return nil, fmt.Errorf("vhost: duplicate wildcard domain %q", d)
				}
				e.WildcardDomains = append(e.WildcardDomains, suffix)
				t.byWildcard[suffix] = e
			} else {
				if _, dup := t.byExact[d]; dup {
					return nil, fmt.Errorf("vhost: duplicate domain %q", d)
				}
				e.ExactDomains = append(e.ExactDomains, d)
				t.byExact[d] = e
			}
		}
		if _, dup := t.byID[raw.ID]; dup {
			return nil, fmt.Errorf("vhost: duplicate id %q", raw.ID)
		}
		t.byID[raw.ID] = e
	}

	return t, nil
}

// LookupHost resolves host against an exact match first, then
// increasing dot-suffixes of the wildcard map; the longest matching
// suffix (i.e. the first match walking outward from the full host)
// wins.
func (t *Table) LookupHost(host string) (*Entry, bool) {
	host = strings.ToLower(host)
	if e, ok := t.byExact[host]; ok {
		return e, true
	}
	h := host
	for {
		idx := strings.IndexByte(h, '.')
		if idx < 0 {
			break
		}
		h = h[idx+1:]
		if e, ok := t.byWildcard[h]; ok {
			return e, true
		}
	}
	return nil, false
}

// LookupID is a direct hash lookup by entry id.
func (t *Table) LookupID(id string) (*Entry, bool) {
	e, ok := t.byID[id]
	return e, ok
}

// Reconfigure returns a new Table with only the named entry replaced,
// for publication through the config registry: a reconfigure targets
// a single id and leaves every other entry's cloned snapshot alone.
func (t *Table) Reconfigure(id string, replacement []string, cfg remap.ParserConfig, domains []string) (*Table, error) {
	doc := document{}
	for existingID, e := range t.byID {
		var domainList []string
		var remapLines []string
		if existingID == id {
			domainList = domains
			remapLines = replacement
		} else {
			domainList = append(append([]string{}, e.ExactDomains...), prefixWildcards(e.WildcardDomains)...)
			remapLines = e.RemapLines
		}
		doc.VirtualHost = append(doc.VirtualHost, struct {
			ID      string   `yaml:"id"`
			Domains []string `yaml:"domains"`
			Remap   []string `yaml:"remap"`
		}{ID: existingID, Domains: domainList, Remap: remapLines})
	}
	if _, ok := t.byID[id]; !ok {
		doc.VirtualHost = append(doc.VirtualHost, struct {
			ID      string   `yaml:"id"`
			Domains []string `yaml:"domains"`
			Remap   []string `yaml:"remap"`
		}{ID: id, Domains: domains, Remap: replacement})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return Parse(out, cfg)
}

func prefixWildcards(suffixes []string) []string {
	out := make([]string, len(suffixes))
	for i, s := range suffixes {
		out[i] = "*." + s
	}
	return out
}
