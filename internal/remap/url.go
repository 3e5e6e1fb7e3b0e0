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

// Package remap implements the compiled remap table: rules that
// rewrite a request URL to a destination, matched by exact host,
// wildcard domain, or regular expression, with longest-prefix path
// matching per host.
package remap

import (
	"fmt"
	"strconv"
	"strings"
)

// Scheme is one of the URL schemes this module understands. Unlike
// net/url, which treats the scheme as an opaque string, the remap
// engine needs to reason about scheme compatibility (ws/wss pairing,
// default ports, CONNECT handling) so it is a closed enum.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeWS     Scheme = "ws"
	SchemeWSS    Scheme = "wss"
	SchemeTunnel Scheme = "tunnel"
	SchemeFile   Scheme = "file"
	SchemeNone   Scheme = ""
)

var defaultPorts = map[Scheme]int{
	SchemeHTTP:  80,
	SchemeHTTPS: 443,
	SchemeWS:    80,
	SchemeWSS:   443,
}

// ValidScheme reports whether s is one of the schemes the remap
// engine accepts on either side of a rule.
func ValidScheme(s Scheme) bool {
	switch s {
	case SchemeHTTP, SchemeHTTPS, SchemeWS, SchemeWSS, SchemeTunnel, SchemeFile:
		return true
	default:
		return false
	}
}

// Url is a parsed URL reference: scheme, userinfo, lowercased host,
// explicit port (EffectivePort supplies the default), path, query (with or without the leading
// '?' preserved verbatim), fragment, and an ftp-type tag kept as a
// vestigial field for round-trip fidelity with rules that set it.
type Url struct {
	Scheme   Scheme
	UserInfo string
	Host     string // always lowercased
	Port     int    // explicit port, or 0 if PortSet is false (see EffectivePort)
	PortSet  bool   // true if the port was explicit in the source text
	Path     string
	Query    string // includes a leading '?' iff the source text had one
	Fragment string
	FtpType  string
}

// EffectivePort returns the explicit port if set, else the scheme's
// default port, else 0.
func (u Url) EffectivePort() int {
	if u.PortSet {
		return u.Port
	}
	return defaultPorts[u.Scheme]
}

// Equal reports component-wise equality after normalization (host
// lowercased at parse time, so no further normalization needed here).
func (u Url) Equal(o Url) bool {
	return u.Scheme == o.Scheme &&
		u.UserInfo == o.UserInfo &&
		u.Host == o.Host &&
		u.EffectivePort() == o.EffectivePort() &&
		u.Path == o.Path &&
		u.Query == o.Query &&
		u.Fragment == o.Fragment
}

// String renders the Url back into absolute-form text.
func (u Url) String() string {
	var b strings.Builder
	if u.Scheme != SchemeNone {
		b.WriteString(string(u.Scheme))
		b.WriteString("://")
	}
	if u.UserInfo != "" {
		b.WriteString(u.UserInfo)
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.PortSet {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	b.WriteString(u.Path)
	b.WriteString(u.Query)
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// ParseOpts controls Parse's leniency, used by the remap parser to
// relax host validation when parsing a rule's target (to_url).
type ParseOpts struct {
	// AllowRegexHost skips validating Host as a DNS-shaped name,
	// since it may instead be a regular expression pattern.
	AllowRegexHost bool
	// SkipHostCheck disables the "host must be non-empty for
	// absolute URLs" validation.
	SkipHostCheck bool
}

// Parse parses an absolute URL (scheme://[user@]host[:port][/path][?query][#frag])
// or an origin-form path-only reference ("/path...").
func Parse(raw string, opts ParseOpts) (Url, error) {
	var u Url

	rest := raw

	if idx := strings.Index(rest, "://"); idx >= 0 && !strings.HasPrefix(rest, "/") {
		scheme := Scheme(strings.ToLower(rest[:idx]))
		if !opts.SkipHostCheck && !ValidScheme(scheme) {
			return Url{}, fmt.Errorf("remap: unknown scheme %q", scheme)
		}
		u.Scheme = scheme
		rest = rest[idx+3:]
	} else if !strings.HasPrefix(rest, "/") {
		return Url{}, fmt.Errorf("remap: not an absolute URL or origin-form path: %q", raw)
	}

	// Split fragment first (first '#').
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		u.Fragment = rest[idx+1:]
		rest = rest[:idx]
	}

	// Split query (first '?'), preserving the marker itself verbatim.
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		u.Query = rest[idx:]
		rest = rest[:idx]
	}

	if u.Scheme == SchemeNone && strings.HasPrefix(raw, "/") {
		// Origin-form: everything remaining is the path.
		u.Path = rest
		return u, nil
	}

	// authority[/path]
	authority := rest
	path := ""
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		authority = rest[:idx]
		path = rest[idx:]
	}
	u.Path = path

	if idx := strings.IndexByte(authority, '@'); idx >= 0 {
		u.UserInfo = authority[:idx]
		authority = authority[idx+1:]
	}

	host := authority
	if idx := strings.LastIndexByte(authority, ':'); idx >= 0 {
		host = authority[:idx]
		portStr := authority[idx+1:]
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return Url{}, fmt.Errorf("remap: bad port %q in %q", portStr, raw)
		}
		u.Port = p
		u.PortSet = true
	}

	if host == "" && !opts.SkipHostCheck && !opts.AllowRegexHost {
		return Url{}, fmt.Errorf("remap: empty host in %q", raw)
	}
	// The source host (and, for regex rules, the regex pattern text
	// itself) is always lowercased into the table key; the regex
	// engine performs no case folding of its own.
	u.Host = strings.ToLower(host)

	return u, nil
}
