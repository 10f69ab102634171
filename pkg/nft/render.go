// Package nft translates a table specification into nftables payloads and
// parses live listings back into the specification model. The emission
// grammar matches what `nft list table inet <name>` prints for rulesets
// this package produced, so Render and Parse are inverses over that subset.
package nft

import (
	"fmt"
	"strings"

	"github.com/easzlab/ezfw/pkg/spec"
)

// Curated ICMP type matches, one per IP version. Rules with protocol
// "icmp" lower to these instead of matching the whole protocol.
const (
	icmpV4Types = "destination-unreachable, echo-reply, echo-request, time-exceeded"
	icmpV6Types = "echo-request, mld-listener-query, nd-router-solicit, nd-router-advert, nd-neighbor-solicit, nd-neighbor-advert"
)

// nat chain names carry a prefix so they never collide with filter chain
// kinds in the same table.
const natChainPrefix = "nat_"

// scriptBuilder assembles a table block in the format nft both accepts as
// input (`nft --file`) and prints back (`nft list table`).
type scriptBuilder struct {
	lines []string
}

func (b *scriptBuilder) addLine(line string) {
	b.lines = append(b.lines, line)
}

func (b *scriptBuilder) openTable(name string) {
	b.addLine(fmt.Sprintf("table inet %s {", name))
}

func (b *scriptBuilder) addSet(set spec.Set) {
	b.addLine(fmt.Sprintf("\tset %s {", set.Name))
	b.addLine(fmt.Sprintf("\t\ttype %s", set.Type))
	if len(set.Elements) > 0 {
		b.addLine(fmt.Sprintf("\t\telements = { %s }", strings.Join(set.Elements, ", ")))
	}
	b.addLine("\t}")
	b.addLine("")
}

func (b *scriptBuilder) openChain(name, chainType, hook string, priority int, policy string) {
	b.addLine(fmt.Sprintf("\tchain %s {", name))
	b.addLine(fmt.Sprintf("\t\ttype %s hook %s priority %d; policy %s;", chainType, hook, priority, policy))
}

func (b *scriptBuilder) addRule(rule string) {
	b.addLine("\t\t" + rule)
}

func (b *scriptBuilder) closeChain() {
	b.addLine("\t}")
	b.addLine("")
}

func (b *scriptBuilder) build() string {
	// Drop a trailing blank line left by the last block.
	if n := len(b.lines); n > 0 && b.lines[n-1] == "" {
		b.lines = b.lines[:n-1]
	}
	return strings.Join(b.lines, "\n") + "\n}\n"
}

// Render produces the full replacement ruleset text for a table. The
// namespace only appears inside log prefixes; the table block itself is
// namespace-agnostic.
func Render(namespace string, t *spec.Table) string {
	b := &scriptBuilder{}
	b.openTable(t.Name)

	for _, set := range t.Sets {
		b.addSet(set)
	}

	for _, kind := range spec.ChainKinds {
		chain, defined := t.Chains[kind]
		if !defined || chain == nil {
			continue
		}
		b.openChain(kind, "filter", kind, chain.Priority, chain.Policy)
		for _, rule := range spec.SortRules(chain.Rules) {
			b.addRule(renderRule(namespace, t.Name, rule))
		}
		b.closeChain()
	}

	if t.Nat != nil {
		if nat := t.Nat.Prerouting; nat != nil {
			b.openChain(natChainPrefix+spec.ChainPrerouting, "nat", spec.ChainPrerouting, nat.Priority, nat.Policy)
			for _, rule := range nat.Rules {
				b.addRule(renderDnatRule(rule))
			}
			b.closeChain()
		}
		if nat := t.Nat.Postrouting; nat != nil {
			b.openChain(natChainPrefix+spec.ChainPostrouting, "nat", spec.ChainPostrouting, nat.Priority, nat.Policy)
			for _, rule := range nat.Rules {
				b.addRule(renderSnatRule(rule))
			}
			b.closeChain()
		}
	}

	return b.build()
}

// renderRule lowers one filter rule to a single nft rule line. Every rule
// starts with an explicit nfproto match so the IP version survives the
// round trip even when the rule carries no address matches.
func renderRule(namespace, table string, rule spec.Rule) string {
	parts := []string{"meta nfproto " + versionKeyword(rule.Version)}

	if iface := normalizeIface(rule.IIface); iface != "" {
		parts = append(parts, fmt.Sprintf("iifname %q", iface))
	}
	if iface := normalizeIface(rule.OIface); iface != "" {
		parts = append(parts, fmt.Sprintf("oifname %q", iface))
	}

	ipKeyword := "ip"
	if rule.Version == 6 {
		ipKeyword = "ip6"
	}
	if expr := renderAddrs(ipKeyword, "saddr", rule.Source); expr != "" {
		parts = append(parts, expr)
	}
	if expr := renderAddrs(ipKeyword, "daddr", rule.Destination); expr != "" {
		parts = append(parts, expr)
	}

	switch rule.Protocol {
	case "tcp", "udp":
		ranges, _ := spec.ParsePortSpec(rule.Port)
		parts = append(parts, fmt.Sprintf("%s dport { %s }", rule.Protocol, spec.FormatPortRanges(ranges)))
	case "icmp":
		if rule.Version == 6 {
			parts = append(parts, fmt.Sprintf("icmpv6 type { %s }", icmpV6Types))
		} else {
			parts = append(parts, fmt.Sprintf("icmp type { %s }", icmpV4Types))
		}
	}

	if rule.Log {
		parts = append(parts, fmt.Sprintf("log prefix %q level debug", namespace+" Table: "+table))
	}

	parts = append(parts, rule.Action)
	return strings.Join(parts, " ")
}

// renderAddrs lowers an address list to a match expression, or "" when the
// list matches everything.
func renderAddrs(ipKeyword, field string, addrs []string) string {
	if spec.MatchesAny(addrs) {
		return ""
	}
	if name := spec.SetRef(addrs[0]); name != "" {
		return fmt.Sprintf("%s %s @%s", ipKeyword, field, name)
	}
	return fmt.Sprintf("%s %s { %s }", ipKeyword, field, strings.Join(addrs, ", "))
}

func renderDnatRule(rule spec.NatRule) string {
	var parts []string
	if rule.Interface != "" {
		parts = append(parts, fmt.Sprintf("iifname %q", rule.Interface))
	}
	parts = append(parts, fmt.Sprintf("ip daddr %s dnat to %s", rule.Public, rule.Private))
	return strings.Join(parts, " ")
}

func renderSnatRule(rule spec.NatRule) string {
	var parts []string
	if rule.Interface != "" {
		parts = append(parts, fmt.Sprintf("oifname %q", rule.Interface))
	}
	parts = append(parts, fmt.Sprintf("ip saddr %s snat to %s", rule.Private, rule.Public))
	return strings.Join(parts, " ")
}

func versionKeyword(version int) string {
	if version == 6 {
		return "ipv6"
	}
	return "ipv4"
}

// normalizeIface collapses the "no constraint" spellings to "".
func normalizeIface(iface string) string {
	if iface == "any" || iface == "none" {
		return ""
	}
	return iface
}
