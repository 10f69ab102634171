package nft

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/easzlab/ezfw/pkg/spec"
)

// ParseError reports a listing construct outside the grammar this package
// emits. It signals that the table holds foreign or hand-edited
// configuration and is not exclusively owned by this system.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("unmanaged configuration at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("unmanaged configuration at line %d (%q): %s", e.Line, e.Text, e.Reason)
}

// Parse reconstructs a table specification from an `nft list table inet
// <name>` listing. It only accepts the subset of nft syntax Render
// produces; anything else fails with *ParseError.
func Parse(listing string) (*spec.Table, error) {
	p := &parser{lines: strings.Split(listing, "\n")}

	table, err := p.parseTable()
	if err != nil {
		return nil, err
	}

	// A listing that parses but fails model validation still is not ours.
	if err := spec.Validate(table); err != nil {
		return nil, &ParseError{Line: len(p.lines), Reason: fmt.Sprintf("listing describes an invalid table: %v", err)}
	}
	return table, nil
}

type parser struct {
	lines []string
	pos   int
}

// next returns the next non-blank line, trimmed, or false at end of input.
func (p *parser) next() (string, bool) {
	for p.pos < len(p.lines) {
		line := strings.TrimSpace(p.lines[p.pos])
		p.pos++
		if line != "" {
			return line, true
		}
	}
	return "", false
}

func (p *parser) errorf(text, format string, args ...any) *ParseError {
	return &ParseError{Line: p.pos, Text: text, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) parseTable() (*spec.Table, error) {
	header, ok := p.next()
	if !ok {
		return nil, p.errorf("", "empty listing")
	}
	fields := strings.Fields(header)
	if len(fields) != 4 || fields[0] != "table" || fields[1] != "inet" || fields[3] != "{" {
		return nil, p.errorf(header, "expected `table inet <name> {`")
	}

	table := &spec.Table{Name: fields[2]}

	for {
		line, ok := p.next()
		if !ok {
			return nil, p.errorf("", "unterminated table block")
		}
		switch {
		case line == "}":
			return table, nil
		case strings.HasPrefix(line, "set "):
			set, err := p.parseSet(line)
			if err != nil {
				return nil, err
			}
			table.Sets = append(table.Sets, set)
		case strings.HasPrefix(line, "chain "):
			if err := p.parseChain(line, table); err != nil {
				return nil, err
			}
		default:
			return nil, p.errorf(line, "construct not produced by this system")
		}
	}
}

func (p *parser) parseSet(header string) (spec.Set, error) {
	fields := strings.Fields(header)
	if len(fields) != 3 || fields[2] != "{" {
		return spec.Set{}, p.errorf(header, "expected `set <name> {`")
	}
	set := spec.Set{Name: fields[1]}

	for {
		line, ok := p.next()
		if !ok {
			return spec.Set{}, p.errorf("", "unterminated set block")
		}
		switch {
		case line == "}":
			return set, nil
		case strings.HasPrefix(line, "type "):
			set.Type = strings.TrimSpace(strings.TrimPrefix(line, "type "))
		case strings.HasPrefix(line, "elements ="):
			elements, err := p.parseElements(line)
			if err != nil {
				return spec.Set{}, err
			}
			set.Elements = elements
		default:
			return spec.Set{}, p.errorf(line, "unsupported set attribute")
		}
	}
}

// parseElements handles `elements = { a, b, c }`, accumulating wrapped
// lines until the closing brace (nft folds long element lists).
func (p *parser) parseElements(line string) ([]string, error) {
	joined := line
	for !strings.Contains(joined, "}") {
		more, ok := p.next()
		if !ok {
			return nil, p.errorf(line, "unterminated element list")
		}
		joined += " " + more
	}

	open := strings.IndexByte(joined, '{')
	end := strings.IndexByte(joined, '}')
	if open < 0 || end < open {
		return nil, p.errorf(line, "malformed element list")
	}
	return splitList(joined[open+1 : end]), nil
}

func (p *parser) parseChain(header string, table *spec.Table) error {
	fields := strings.Fields(header)
	if len(fields) != 3 || fields[2] != "{" {
		return p.errorf(header, "expected `chain <name> {`")
	}
	name := fields[1]

	natHook := strings.TrimPrefix(name, natChainPrefix)
	isNat := name != natHook && (natHook == spec.ChainPrerouting || natHook == spec.ChainPostrouting)
	isFilter := false
	for _, kind := range spec.ChainKinds {
		if name == kind {
			isFilter = true
		}
	}
	if !isNat && !isFilter {
		return p.errorf(header, "chain %q is not managed by this system", name)
	}

	typeLine, ok := p.next()
	if !ok {
		return p.errorf("", "unterminated chain block")
	}
	chainType, hook, priority, policy, err := p.parseChainType(typeLine)
	if err != nil {
		return err
	}

	expectedType, expectedHook := "filter", name
	if isNat {
		expectedType, expectedHook = "nat", natHook
	}
	if chainType != expectedType || hook != expectedHook {
		return p.errorf(typeLine, "chain %q declares unexpected type %s hook %s", name, chainType, hook)
	}

	if isNat {
		nat := &spec.NatChain{Priority: priority, Policy: policy}
		for {
			line, ok := p.next()
			if !ok {
				return p.errorf("", "unterminated chain block")
			}
			if line == "}" {
				break
			}
			rule, err := p.parseNatRule(line, natHook)
			if err != nil {
				return err
			}
			nat.Rules = append(nat.Rules, rule)
		}
		if table.Nat == nil {
			table.Nat = &spec.NatConfig{}
		}
		if natHook == spec.ChainPrerouting {
			table.Nat.Prerouting = nat
		} else {
			table.Nat.Postrouting = nat
		}
		return nil
	}

	chain := &spec.Chain{Priority: priority, Policy: policy}
	for {
		line, ok := p.next()
		if !ok {
			return p.errorf("", "unterminated chain block")
		}
		if line == "}" {
			break
		}
		rule, err := p.parseRule(line)
		if err != nil {
			return err
		}
		rule.Order = len(chain.Rules)
		chain.Rules = append(chain.Rules, rule)
	}
	if table.Chains == nil {
		table.Chains = make(map[string]*spec.Chain)
	}
	table.Chains[name] = chain
	return nil
}

// parseChainType parses `type <t> hook <h> priority <n>; policy <p>;`.
func (p *parser) parseChainType(line string) (chainType, hook string, priority int, policy string, err error) {
	fields := strings.Fields(strings.ReplaceAll(line, ";", ""))
	if len(fields) != 8 || fields[0] != "type" || fields[2] != "hook" || fields[4] != "priority" || fields[6] != "policy" {
		return "", "", 0, "", p.errorf(line, "expected `type <type> hook <hook> priority <n>; policy <policy>;`")
	}
	priority, convErr := strconv.Atoi(fields[5])
	if convErr != nil {
		return "", "", 0, "", p.errorf(line, "priority %q is not a number", fields[5])
	}
	return fields[1], fields[3], priority, fields[7], nil
}

// parseRule reverses renderRule for a single filter rule line.
func (p *parser) parseRule(line string) (spec.Rule, error) {
	toks, err := tokenizeRule(line)
	if err != nil {
		return spec.Rule{}, p.errorf(line, "%v", err)
	}
	c := &cursor{parser: p, line: line, toks: toks}
	rule := spec.Rule{}

	if !c.acceptWord("meta") || !c.acceptWord("nfproto") {
		return spec.Rule{}, p.errorf(line, "rule does not start with nfproto match")
	}
	switch {
	case c.acceptWord("ipv4"):
		rule.Version = 4
	case c.acceptWord("ipv6"):
		rule.Version = 6
	default:
		return spec.Rule{}, p.errorf(line, "unknown nfproto family")
	}

	if c.acceptWord("iifname") {
		if rule.IIface, err = c.quoted(); err != nil {
			return spec.Rule{}, err
		}
	}
	if c.acceptWord("oifname") {
		if rule.OIface, err = c.quoted(); err != nil {
			return spec.Rule{}, err
		}
	}

	ipKeyword := "ip"
	if rule.Version == 6 {
		ipKeyword = "ip6"
	}
	for c.acceptWord(ipKeyword) {
		field, err := c.word()
		if err != nil {
			return spec.Rule{}, err
		}
		addrs, err := c.addrList()
		if err != nil {
			return spec.Rule{}, err
		}
		switch field {
		case "saddr":
			if rule.Source != nil {
				return spec.Rule{}, p.errorf(line, "duplicate saddr match")
			}
			rule.Source = addrs
		case "daddr":
			if rule.Destination != nil {
				return spec.Rule{}, p.errorf(line, "duplicate daddr match")
			}
			rule.Destination = addrs
		default:
			return spec.Rule{}, p.errorf(line, "unsupported %s match %q", ipKeyword, field)
		}
	}

	rule.Protocol = "any"
	switch {
	case c.acceptWord("tcp"), c.acceptWord("udp"):
		rule.Protocol = c.lastWord
		if !c.acceptWord("dport") {
			return spec.Rule{}, p.errorf(line, "%s match without dport", rule.Protocol)
		}
		ports, err := c.bracesOrWord()
		if err != nil {
			return spec.Rule{}, err
		}
		rule.Port = strings.Join(splitList(ports), ", ")
	case c.acceptWord("icmp"):
		if err := c.icmpTypes(icmpV4Types); err != nil {
			return spec.Rule{}, err
		}
		if rule.Version != 4 {
			return spec.Rule{}, p.errorf(line, "icmp match in IPv6 rule")
		}
		rule.Protocol = "icmp"
	case c.acceptWord("icmpv6"):
		if err := c.icmpTypes(icmpV6Types); err != nil {
			return spec.Rule{}, err
		}
		if rule.Version != 6 {
			return spec.Rule{}, p.errorf(line, "icmpv6 match in IPv4 rule")
		}
		rule.Protocol = "icmp"
	}

	if c.acceptWord("log") {
		rule.Log = true
		if !c.acceptWord("prefix") {
			return spec.Rule{}, p.errorf(line, "log statement without prefix")
		}
		if _, err := c.quoted(); err != nil {
			return spec.Rule{}, err
		}
		if !c.acceptWord("level") {
			return spec.Rule{}, p.errorf(line, "log statement without level")
		}
		if _, err := c.word(); err != nil {
			return spec.Rule{}, err
		}
	}

	action, err := c.word()
	if err != nil {
		return spec.Rule{}, err
	}
	if action != "accept" && action != "drop" {
		return spec.Rule{}, p.errorf(line, "unsupported verdict %q", action)
	}
	rule.Action = action

	if !c.done() {
		return spec.Rule{}, p.errorf(line, "trailing tokens after verdict")
	}
	return rule, nil
}

// parseNatRule reverses renderDnatRule / renderSnatRule.
func (p *parser) parseNatRule(line, hook string) (spec.NatRule, error) {
	toks, err := tokenizeRule(line)
	if err != nil {
		return spec.NatRule{}, p.errorf(line, "%v", err)
	}
	c := &cursor{parser: p, line: line, toks: toks}
	rule := spec.NatRule{}

	ifaceKeyword, addrField, verb := "iifname", "daddr", "dnat"
	if hook == spec.ChainPostrouting {
		ifaceKeyword, addrField, verb = "oifname", "saddr", "snat"
	}

	if c.acceptWord(ifaceKeyword) {
		if rule.Interface, err = c.quoted(); err != nil {
			return spec.NatRule{}, err
		}
	}
	if !c.acceptWord("ip") || !c.acceptWord(addrField) {
		return spec.NatRule{}, p.errorf(line, "expected `ip %s` match in %s rule", addrField, verb)
	}
	match, err := c.word()
	if err != nil {
		return spec.NatRule{}, err
	}
	if !c.acceptWord(verb) || !c.acceptWord("to") {
		return spec.NatRule{}, p.errorf(line, "expected `%s to` statement", verb)
	}
	target, err := c.word()
	if err != nil {
		return spec.NatRule{}, err
	}
	if !c.done() {
		return spec.NatRule{}, p.errorf(line, "trailing tokens in %s rule", verb)
	}

	if verb == "dnat" {
		rule.Public, rule.Private = match, target
	} else {
		rule.Public, rule.Private = target, match
	}
	return rule, nil
}

// --- rule line tokenizer ---

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenQuoted
	tokenBraces
)

type token struct {
	kind tokenKind
	text string
}

// tokenizeRule splits a rule line into words, quoted strings, and brace
// groups. The emitted grammar never nests braces.
func tokenizeRule(line string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		switch c := line[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == '"':
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote")
			}
			toks = append(toks, token{tokenQuoted, line[i+1 : i+1+end]})
			i += end + 2
		case c == '{':
			end := strings.IndexByte(line[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated brace group")
			}
			toks = append(toks, token{tokenBraces, strings.TrimSpace(line[i+1 : i+end])})
			i += end + 1
		default:
			end := i
			for end < len(line) && line[end] != ' ' && line[end] != '\t' {
				end++
			}
			toks = append(toks, token{tokenWord, line[i:end]})
			i = end
		}
	}
	return toks, nil
}

// cursor walks a token stream with one-token lookahead.
type cursor struct {
	parser   *parser
	line     string
	toks     []token
	pos      int
	lastWord string
}

func (c *cursor) done() bool {
	return c.pos >= len(c.toks)
}

// acceptWord consumes the next token if it is the given word.
func (c *cursor) acceptWord(word string) bool {
	if c.done() || c.toks[c.pos].kind != tokenWord || c.toks[c.pos].text != word {
		return false
	}
	c.lastWord = word
	c.pos++
	return true
}

func (c *cursor) word() (string, error) {
	if c.done() || c.toks[c.pos].kind != tokenWord {
		return "", c.parser.errorf(c.line, "expected a keyword")
	}
	c.lastWord = c.toks[c.pos].text
	c.pos++
	return c.lastWord, nil
}

func (c *cursor) quoted() (string, error) {
	if c.done() || c.toks[c.pos].kind != tokenQuoted {
		return "", c.parser.errorf(c.line, "expected a quoted string")
	}
	text := c.toks[c.pos].text
	c.pos++
	return text, nil
}

// bracesOrWord consumes either a brace group or a single bare word (nft
// collapses single-element anonymous sets).
func (c *cursor) bracesOrWord() (string, error) {
	if c.done() {
		return "", c.parser.errorf(c.line, "expected a value")
	}
	tok := c.toks[c.pos]
	if tok.kind != tokenBraces && tok.kind != tokenWord {
		return "", c.parser.errorf(c.line, "expected a value")
	}
	c.pos++
	return tok.text, nil
}

// addrList consumes an address operand: a brace group, an @set reference,
// or a bare address.
func (c *cursor) addrList() ([]string, error) {
	if c.done() {
		return nil, c.parser.errorf(c.line, "expected an address match")
	}
	tok := c.toks[c.pos]
	c.pos++
	switch tok.kind {
	case tokenBraces:
		return splitList(tok.text), nil
	case tokenWord:
		return []string{tok.text}, nil
	default:
		return nil, c.parser.errorf(c.line, "expected an address match")
	}
}

// icmpTypes consumes `type { ... }` and verifies the type set is the one
// this system emits.
func (c *cursor) icmpTypes(expected string) error {
	if !c.acceptWord("type") {
		return c.parser.errorf(c.line, "icmp match without type set")
	}
	if c.done() || c.toks[c.pos].kind != tokenBraces {
		return c.parser.errorf(c.line, "icmp type match without a set")
	}
	got := splitList(c.toks[c.pos].text)
	c.pos++

	want := splitList(expected)
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		return c.parser.errorf(c.line, "icmp type set differs from managed set")
	}
	for i := range got {
		if got[i] != want[i] {
			return c.parser.errorf(c.line, "icmp type set differs from managed set")
		}
	}
	return nil
}

// splitList splits a comma-separated brace-group body into trimmed items.
func splitList(s string) []string {
	var items []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}
