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
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/relayproxy/core/internal/acl"
	"github.com/relayproxy/core/internal/slice"
)

// ParserConfig carries the process-wide knobs the parser needs: the
// ACL policy and the minimum rule count gate.
type ParserConfig struct {
	ACLPolicy     acl.Policy
	MinRemapRules int
	// ElevatedPluginAccess records whether a plugin load requested
	// elevated file access; the actual dlopen/init step behind it is
	// out of scope here, so this is bookkeeping only.
	ElevatedPluginAccess bool
	// Resolver, if set, is consulted for tunnel-scheme forward rules
	// naming a non-numeric host; see Resolver's doc comment.
	Resolver Resolver
}

// Parser holds the mutable state that exists only during a parse: the
// named-filter table and current-active-filters stack are discarded
// once parsing finishes and are never shared with readers of the
// resulting Table.
type Parser struct {
	cfg ParserConfig

	namedFilters   map[string]*acl.Filter
	activeStack    []*acl.Filter
	ipAllowActive  bool
	rank           int

	includeStack []string // absolute paths of files currently being included, for cycle detection

	table *Table
}

func NewParser(cfg ParserConfig) *Parser {
	return &Parser{
		cfg:          cfg,
		namedFilters: make(map[string]*acl.Filter),
		table:        NewTable(),
	}
}

// ParseFile parses a remap.config file (and any `.include`d files) and
// returns the resulting Table, or the first ParseError/LoadRejectedError
// encountered. A failed parse aborts the load; the caller is expected
// to keep its existing config active rather than adopt a partial one.
func ParseFile(path string, cfg ParserConfig) (*Table, error) {
	p := NewParser(cfg)
	if err := p.includeFile(path); err != nil {
		return nil, err
	}
	if p.table.Len() < p.cfg.MinRemapRules {
		return nil, &LoadRejectedError{Reason: fmt.Sprintf("only %d rule(s), need at least %d", p.table.Len(), p.cfg.MinRemapRules)}
	}
	return p.table, nil
}

// includeFile parses a single file; if path is a directory, it walks
// regular files in alphabetical order, skipping "." and "..". Included
// files inherit the parent's named-filter table but get a fresh
// active-filter stack.
func (p *Parser) includeFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ParseError{File: path, Reason: err.Error()}
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return &ParseError{File: path, Reason: err.Error()}
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Name() == "." || e.Name() == ".." || e.IsDir() {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, n := range names {
			if err := p.includeFile(filepath.Join(path, n)); err != nil {
				return err
			}
		}
		return nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return &ParseError{File: path, Reason: err.Error()}
	}
	if slice.ContainsString(p.includeStack, abs) {
		return &ParseError{File: path, Reason: fmt.Sprintf(".include cycle detected: %q is already being included", path)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &ParseError{File: path, Reason: err.Error()}
	}

	p.includeStack = append(p.includeStack, abs)
	defer func() {
		p.includeStack = slice.RemoveString(p.includeStack, abs)
	}()

	savedStack := p.activeStack
	savedIPAllow := p.ipAllowActive
	p.activeStack = nil
	defer func() {
		p.activeStack = savedStack
		p.ipAllowActive = savedIPAllow
	}()

	return p.parseLines(path, data)
}

func (p *Parser) parseLines(file string, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNo := 0
	var pending strings.Builder
	pendingStartLine := 0

	flush := func() error {
		if pending.Len() == 0 {
			return nil
		}
		line := pending.String()
		pending.Reset()
		return p.parseLine(file, pendingStartLine, line)
	}

	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimRight(raw, " \t\r")
		if pending.Len() == 0 {
			pendingStartLine = lineNo
		}
		if strings.HasSuffix(trimmed, `\`) {
			pending.WriteString(strings.TrimSuffix(trimmed, `\`))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(trimmed)
		if err := flush(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &ParseError{File: file, Reason: err.Error()}
	}
	return flush()
}

func tokenize(line string) []string {
	return strings.Fields(line)
}

func (p *Parser) parseLine(file string, lineNo int, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	toks := tokenize(line)
	if len(toks) == 0 {
		return nil
	}

	if strings.HasPrefix(toks[0], ".") {
		return p.parseDirective(file, lineNo, toks)
	}
	return p.parseRuleLine(file, lineNo, toks)
}

func (p *Parser) parseDirective(file string, lineNo int, toks []string) error {
	directive := toks[0]
	args := toks[1:]
	switch directive {
	case ".definefilter":
		if len(args) < 1 {
			return &ParseError{File: file, Line: lineNo, Reason: ".definefilter requires a name"}
		}
		name := args[0]
		rule, _, err := p.parseACLOptions(args[1:], file, lineNo)
		if err != nil {
			return err
		}
		p.namedFilters[name] = &acl.Filter{Name: name, Rules: []*acl.Rule{rule}}
		return nil

	case ".activatefilter":
		if len(args) != 1 {
			return &ParseError{File: file, Line: lineNo, Reason: ".activatefilter requires exactly one name"}
		}
		if args[0] == "ip_allow" {
			p.ipAllowActive = true
			return nil
		}
		f, ok := p.namedFilters[args[0]]
		if !ok {
			return &ParseError{File: file, Line: lineNo, Reason: fmt.Sprintf("unknown filter %q", args[0])}
		}
		p.activeStack = append(p.activeStack, f)
		return nil

	case ".deactivatefilter":
		if len(args) != 1 {
			return &ParseError{File: file, Line: lineNo, Reason: ".deactivatefilter requires exactly one name"}
		}
		if args[0] == "ip_allow" {
			p.ipAllowActive = false
			return nil
		}
		for i := len(p.activeStack) - 1; i >= 0; i-- {
			if p.activeStack[i].Name == args[0] {
				p.activeStack = append(p.activeStack[:i], p.activeStack[i+1:]...)
				return nil
			}
		}
		return &ParseError{File: file, Line: lineNo, Reason: fmt.Sprintf("filter %q is not active", args[0])}

	case ".deletefilter":
		if len(args) != 1 {
			return &ParseError{File: file, Line: lineNo, Reason: ".deletefilter requires exactly one name"}
		}
		delete(p.namedFilters, args[0])
		return nil

	case ".include":
		if len(args) != 1 {
			return &ParseError{File: file, Line: lineNo, Reason: ".include requires exactly one path"}
		}
		inc := args[0]
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(file), inc)
		}
		return p.includeFile(inc)

	default:
		return &ParseError{File: file, Line: lineNo, Reason: fmt.Sprintf("unknown directive %q", directive)}
	}
}

var kindTokens = map[string]Kind{
	"map":                  KindForward,
	"reverse_map":          KindReverse,
	"redirect":             KindPermRedirect,
	"redirect_temporary":   KindTempRedirect,
	"map_with_referer":     KindForwardReferer,
	"map_with_recv_port":   KindForwardRecvPort,
}

func (p *Parser) parseRuleLine(file string, lineNo int, toks []string) error {
	kindTok := toks[0]
	isRegex := false
	if strings.HasPrefix(kindTok, "regex_") {
		isRegex = true
		kindTok = strings.TrimPrefix(kindTok, "regex_")
	}
	kind, ok := kindTokens[kindTok]
	if !ok {
		return &ParseError{File: file, Line: lineNo, Reason: fmt.Sprintf("unknown rule kind %q", toks[0])}
	}
	if len(toks) < 3 {
		return &ParseError{File: file, Line: lineNo, Reason: "rule line requires at least <kind> <from_url> <to_url>"}
	}

	fromRaw := toks[1]
	toRaw := toks[2]
	rest := toks[3:]

	// Trailing "//" denotes an exact whole-request match.
	unique := strings.HasSuffix(fromRaw, "//")
	if unique {
		fromRaw = strings.TrimSuffix(fromRaw, "/")
	}
	// URL-whack: looks like a full URL but has no path -> append "/".
	if strings.Contains(fromRaw, "://") && !strings.Contains(strings.SplitN(fromRaw, "://", 2)[1], "/") {
		fromRaw += "/"
	}

	fromURL, err := Parse(fromRaw, ParseOpts{AllowRegexHost: isRegex})
	if err != nil {
		return &ParseError{File: file, Line: lineNo, Reason: err.Error()}
	}
	wildcardScheme := fromURL.Scheme == SchemeNone
	if wildcardScheme {
		fromURL.Scheme = SchemeHTTP
	}

	toURL, err := Parse(toRaw, ParseOpts{SkipHostCheck: true})
	if err != nil {
		return &ParseError{File: file, Line: lineNo, Reason: err.Error()}
	}
	if toURL.Scheme == SchemeNone {
		toURL.Scheme = SchemeHTTP
	}

	if !ValidScheme(fromURL.Scheme) || !ValidScheme(toURL.Scheme) {
		return &ParseError{File: file, Line: lineNo, Reason: "scheme not in {http,https,ws,wss,tunnel,file}"}
	}

	rule := &Rule{
		Kind:                kind,
		FromURL:             fromURL,
		ToURL:               toURL,
		FromHostIsRegex:     isRegex,
		WildcardFromScheme:  wildcardScheme,
		HomePageRedirect:    fromURL.Path != "" && toURL.Path == "",
		Unique:              unique,
		Rank:                p.nextRank(),
		IPAllowCheckEnabled: p.ipAllowActive,
	}

	var placeholderErr error
	if isRegex {
		rule.HostRegex, placeholderErr = regexp.Compile(fromURL.Host)
		if placeholderErr != nil {
			return &ParseError{File: file, Line: lineNo, Reason: placeholderErr.Error()}
		}
		rule.Placeholders = findPlaceholders(toURL.Host)
	}

	// consume the optional tag/redirect-template positional token: it's
	// present when the first remaining token doesn't start with '@'.
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "@") {
		if kind == KindForwardReferer {
			rule.RedirectTemplate = rest[0]
		} else {
			rule.Tag = rest[0]
		}
		rest = rest[1:]
	}

	inlineRule, mapID, currentPlugin, err := p.parseACLOptionsFull(rest, file, lineNo)
	if err != nil {
		return err
	}
	rule.MapID = mapID
	inlineFilter := &acl.Filter{Rules: []*acl.Rule{inlineRule}}

	rule.Filters = append(rule.Filters, p.activeStack...)
	rule.Filters = append(rule.Filters, inlineFilter)
	if currentPlugin != nil {
		rule.Plugins = append(rule.Plugins, *currentPlugin)
	}

	if err := rule.validate(); err != nil {
		return &ParseError{File: file, Line: lineNo, Reason: err.Error()}
	}

	if err := p.table.Insert(rule, rule.FromURL.EffectivePort()); err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.File, pe.Line = file, lineNo
			return pe
		}
		return &ParseError{File: file, Line: lineNo, Reason: err.Error()}
	}

	if isForwardKind(kind) && rule.FromURL.Scheme == SchemeTunnel && !isNumericHost(rule.FromURL.Host) && p.cfg.Resolver != nil {
		// A TS receiving a request on a tunnel-mode listener forwards
		// by address, not hostname, so a tunnel rule naming a host
		// additionally inserts one concrete-address rule per resolved
		// address. A resolution failure is not fatal — the rule simply
		// gains no extra addresses — but a failure to insert a resolved
		// rule (e.g. a duplicate) is reported like any other rule.
		if addrs, err := p.cfg.Resolver.Resolve(rule.FromURL.Host); err == nil {
			for _, addr := range addrs {
				resolved := *rule
				resolved.FromURL.Host = addr
				resolved.FromHostIsRegex = false
				resolved.HostRegex = nil
				resolved.Placeholders = nil
				resolved.Rank = p.nextRank()
				if err := p.table.Insert(&resolved, resolved.FromURL.EffectivePort()); err != nil {
					if pe, ok := err.(*ParseError); ok {
						pe.File, pe.Line = file, lineNo
						return pe
					}
					return &ParseError{File: file, Line: lineNo, Reason: err.Error()}
				}
			}
		}
	}

	return nil
}

// ParseLines parses a remap table from a slice of already-split lines
// rather than a file, used by the virtual-host YAML loader whose
// `remap:` block is a nested sequence of remap-grammar lines rather
// than a standalone file.
func ParseLines(lines []string, cfg ParserConfig) (*Table, error) {
	p := NewParser(cfg)
	for i, line := range lines {
		if err := p.parseLine("<inline>", i+1, line); err != nil {
			return nil, err
		}
	}
	return p.table, nil
}

func (p *Parser) nextRank() int {
	p.rank++
	return p.rank
}

func isNumericHost(h string) bool {
	for _, r := range h {
		if (r < '0' || r > '9') && r != '.' && r != ':' {
			return false
		}
	}
	return h != ""
}

// findPlaceholders enumerates "$N" markers (N in 0..9) in a target
// host template, recording byte offset and capture id.
func findPlaceholders(template string) []PlaceholderRef {
	var out []PlaceholderRef
	for i := 0; i < len(template)-1; i++ {
		if template[i] == '$' && template[i+1] >= '0' && template[i+1] <= '9' {
			out = append(out, PlaceholderRef{Offset: i, CaptureID: int(template[i+1] - '0')})
		}
	}
	return out
}

// parseACLOptions parses the `@option` tokens shared by `.definefilter`
// and rule lines. It returns the compiled ACL rule and, if a
// `plugin=` option was seen, the in-progress PluginInstance (pparam=
// arguments accumulate onto it until the next plugin= or end of
// line).
func (p *Parser) parseACLOptions(toks []string, file string, lineNo int) (*acl.Rule, *PluginInstance, error) {
	rule, _, plugin, err := p.parseACLOptionsFull(toks, file, lineNo)
	return rule, plugin, err
}

func (p *Parser) parseACLOptionsFull(toks []string, file string, lineNo int) (*acl.Rule, uint32, *PluginInstance, error) {
	rule := &acl.Rule{}
	var actionSet bool
	var plugin *PluginInstance
	var mapID uint32

	for _, tok := range toks {
		if !strings.HasPrefix(tok, "@") {
			continue
		}
		body := tok[1:]
		key, val, hasVal := cutOption(body)

		switch {
		case key == "plugin":
			plugin = &PluginInstance{Path: val}
		case key == "pparam":
			if plugin != nil {
				plugin.Params = append(plugin.Params, val)
			}
		case key == "mapid":
			if n, err := strconv.ParseUint(val, 10, 32); err == nil {
				mapID = uint32(n)
			}
		case key == "method":
			rule.AddMethod(val)
		case strings.HasPrefix(body, "src_ip_category"):
			invert, v := invertAndValue(body, "src_ip_category")
			rule.SrcIPCategory = append(rule.SrcIPCategory, acl.CategoryPredicate{Category: v, Invert: invert})
		case strings.HasPrefix(body, "src_ip"):
			invert, v := invertAndValue(body, "src_ip")
			pred, err := parseIPPredicate(v, invert)
			if err != nil {
				return nil, 0, nil, &ParseError{File: file, Line: lineNo, Reason: err.Error()}
			}
			rule.SrcIP = append(rule.SrcIP, pred)
			if len(rule.SrcIP) > acl.MaxSrcIP {
				return nil, 0, nil, &ParseError{File: file, Line: lineNo, Reason: fmt.Sprintf("more than %d @src_ip= predicates on one rule", acl.MaxSrcIP)}
			}
		case strings.HasPrefix(body, "in_ip"):
			invert, v := invertAndValue(body, "in_ip")
			pred, err := parseIPPredicate(v, invert)
			if err != nil {
				return nil, 0, nil, &ParseError{File: file, Line: lineNo, Reason: err.Error()}
			}
			rule.InIP = append(rule.InIP, pred)
			if len(rule.InIP) > acl.MaxInIP {
				return nil, 0, nil, &ParseError{File: file, Line: lineNo, Reason: fmt.Sprintf("more than %d @in_ip= predicates on one rule", acl.MaxInIP)}
			}
		case key == "action":
			if actionSet {
				if p.cfg.ACLPolicy == acl.PolicyModern {
					return nil, 0, nil, &ParseError{File: file, Line: lineNo, Reason: "multiple @action= on one rule (modern policy)"}
				}
				// Legacy: last one wins (open question decision, DESIGN.md).
			}
			allow, add, err := acl.ParseAction(val, p.cfg.ACLPolicy)
			if err != nil {
				return nil, 0, nil, &ParseError{File: file, Line: lineNo, Reason: err.Error()}
			}
			rule.AllowFlag, rule.AddFlag = allow, add
			actionSet = true
		case key == "internal" && !hasVal:
			rule.Internal = true
		case key == "strategy", key == "map_with_referer":
			// recognised, currently no-op at the ACL layer.
		default:
			// Unknown options are ignored; no warning is logged.
		}
	}

	if len(rule.SrcIP) == 0 && len(rule.SrcIPCategory) == 0 {
		rule.SrcIP = []acl.IPPredicate{{All: true}}
	}

	return rule, mapID, plugin, nil
}

func cutOption(body string) (key, val string, hasVal bool) {
	if idx := strings.IndexAny(body, "=~"); idx >= 0 {
		return body[:idx], body[idx+1:], true
	}
	return body, "", false
}

func invertAndValue(body, prefix string) (invert bool, val string) {
	rest := strings.TrimPrefix(body, prefix)
	if strings.HasPrefix(rest, "~") {
		return true, strings.Trim(rest[1:], `"`)
	}
	return false, strings.Trim(strings.TrimPrefix(rest, "="), `"`)
}

func parseIPPredicate(val string, invert bool) (acl.IPPredicate, error) {
	if val == "all" {
		return acl.IPPredicate{All: true, Invert: invert}, nil
	}
	p, err := parseCIDRorIP(val)
	if err != nil {
		return acl.IPPredicate{}, fmt.Errorf("remap: bad src_ip/in_ip value %q: %w", val, err)
	}
	return acl.IPPredicate{Prefix: p, Invert: invert}, nil
}

func parseCIDRorIP(val string) (netip.Prefix, error) {
	if strings.Contains(val, "/") {
		return netip.ParsePrefix(val)
	}
	addr, err := netip.ParseAddr(val)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

var _ = strconv.Itoa
