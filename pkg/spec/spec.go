// Package spec defines the typed model of a managed nftables table:
// filter chains, rules, NAT bindings and named address sets. The model is
// pure data; compilation to nft payloads lives in pkg/nft.
package spec

import (
	"sort"
	"strings"
)

// Recognized chain kinds, in the fixed order the compiler emits them.
const (
	ChainPrerouting  = "prerouting"
	ChainInput       = "input"
	ChainForward     = "forward"
	ChainOutput      = "output"
	ChainPostrouting = "postrouting"
)

// ChainKinds lists all recognized chain kinds in emission order.
var ChainKinds = []string{
	ChainPrerouting,
	ChainInput,
	ChainForward,
	ChainOutput,
	ChainPostrouting,
}

// Table is the declarative specification of one nftables table inside a
// network namespace. Rebuilding a table fully replaces its prior contents.
type Table struct {
	Name   string            `yaml:"table"  mapstructure:"table"`
	Chains map[string]*Chain `yaml:"chains" mapstructure:"chains"`
	Nat    *NatConfig        `yaml:"nat"    mapstructure:"nat"`
	Sets   []Set             `yaml:"sets"   mapstructure:"sets"`
}

// Chain holds the rules attached to one packet-processing hook.
type Chain struct {
	Priority int    `yaml:"priority" mapstructure:"priority"`
	Policy   string `yaml:"policy"   mapstructure:"policy"`
	Rules    []Rule `yaml:"rules"    mapstructure:"rules"`
}

// Rule is a single match/verdict entry. Source and Destination hold IP
// addresses or CIDRs of the rule's IP version, or a single "@name" set
// reference; an empty list (or "any") matches all addresses.
type Rule struct {
	Version     int      `yaml:"version"     mapstructure:"version"`
	Source      []string `yaml:"source"      mapstructure:"source"`
	Destination []string `yaml:"destination" mapstructure:"destination"`
	Protocol    string   `yaml:"protocol"    mapstructure:"protocol"`
	Port        string   `yaml:"port"        mapstructure:"port"`
	Action      string   `yaml:"action"      mapstructure:"action"`
	Log         bool     `yaml:"log"         mapstructure:"log"`
	IIface      string   `yaml:"iiface"      mapstructure:"iiface"`
	OIface      string   `yaml:"oiface"      mapstructure:"oiface"`
	Order       int      `yaml:"order"       mapstructure:"order"`
}

// NatConfig groups the two NAT chains of a table: destination NAT bound to
// prerouting and source NAT bound to postrouting.
type NatConfig struct {
	Prerouting  *NatChain `yaml:"prerouting"  mapstructure:"prerouting"`
	Postrouting *NatChain `yaml:"postrouting" mapstructure:"postrouting"`
}

// NatChain holds the address-translation bindings of one NAT hook.
type NatChain struct {
	Priority int       `yaml:"priority" mapstructure:"priority"`
	Policy   string    `yaml:"policy"   mapstructure:"policy"`
	Rules    []NatRule `yaml:"rules"    mapstructure:"rules"`
}

// NatRule maps one public address to one private address. Interface is the
// ingress interface for DNAT entries and the egress interface for SNAT
// entries; empty means any interface.
type NatRule struct {
	Public    string `yaml:"public"    mapstructure:"public"`
	Private   string `yaml:"private"   mapstructure:"private"`
	Interface string `yaml:"interface" mapstructure:"interface"`
}

// Set is a named, reusable address collection referenced from rule
// source/destination fields as "@name".
type Set struct {
	Name     string   `yaml:"name"     mapstructure:"name"`
	Type     string   `yaml:"type"     mapstructure:"type"`
	Elements []string `yaml:"elements" mapstructure:"elements"`
}

// SetRef returns the set name referenced by an address entry, or "" if the
// entry is a literal address.
func SetRef(entry string) string {
	if strings.HasPrefix(entry, "@") {
		return entry[1:]
	}
	return ""
}

// MatchesAny reports whether an address list matches all addresses, either
// because it is empty or because it contains the "any" wildcard.
func MatchesAny(addrs []string) bool {
	if len(addrs) == 0 {
		return true
	}
	for _, a := range addrs {
		if a == "any" {
			return true
		}
	}
	return false
}

// SortRules orders rules by ascending Order value, breaking ties by
// original sequence position. The input slice is not modified.
func SortRules(rules []Rule) []Rule {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}

// Normalize returns a canonical deep copy of the table for comparison:
// rules sorted with Order rewritten to positional indices, sets sorted by
// name with sorted elements, empty chain entries dropped.
func Normalize(t *Table) *Table {
	if t == nil {
		return nil
	}
	out := &Table{Name: t.Name}

	if len(t.Chains) > 0 {
		out.Chains = make(map[string]*Chain, len(t.Chains))
		for kind, chain := range t.Chains {
			if chain == nil {
				continue
			}
			normalized := &Chain{Priority: chain.Priority, Policy: chain.Policy}
			for i, rule := range SortRules(chain.Rules) {
				rule.Order = i
				rule.Source = normalizeAddrs(rule.Source)
				rule.Destination = normalizeAddrs(rule.Destination)
				if rule.Port == "any" {
					rule.Port = ""
				}
				if ranges, err := ParsePortSpec(rule.Port); err == nil {
					rule.Port = FormatPortRanges(ranges)
				}
				normalized.Rules = append(normalized.Rules, rule)
			}
			out.Chains[kind] = normalized
		}
		if len(out.Chains) == 0 {
			out.Chains = nil
		}
	}

	if t.Nat != nil && (t.Nat.Prerouting != nil || t.Nat.Postrouting != nil) {
		out.Nat = &NatConfig{
			Prerouting:  normalizeNatChain(t.Nat.Prerouting),
			Postrouting: normalizeNatChain(t.Nat.Postrouting),
		}
	}

	for _, set := range t.Sets {
		elements := make([]string, len(set.Elements))
		copy(elements, set.Elements)
		sort.Strings(elements)
		out.Sets = append(out.Sets, Set{Name: set.Name, Type: set.Type, Elements: elements})
	}
	sort.Slice(out.Sets, func(i, j int) bool { return out.Sets[i].Name < out.Sets[j].Name })

	return out
}

// normalizeAddrs collapses "matches everything" spellings to nil.
func normalizeAddrs(addrs []string) []string {
	if MatchesAny(addrs) {
		return nil
	}
	out := make([]string, len(addrs))
	copy(out, addrs)
	return out
}

func normalizeNatChain(c *NatChain) *NatChain {
	if c == nil {
		return nil
	}
	out := &NatChain{Priority: c.Priority, Policy: c.Policy}
	out.Rules = make([]NatRule, len(c.Rules))
	copy(out.Rules, c.Rules)
	return out
}

// Equal reports whether two tables describe the same ruleset, insensitive
// to chain-kind map iteration, rule Order gaps, and set element order.
func Equal(a, b *Table) bool {
	return equalTables(Normalize(a), Normalize(b))
}

func equalTables(a, b *Table) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || len(a.Chains) != len(b.Chains) || len(a.Sets) != len(b.Sets) {
		return false
	}
	for kind, chain := range a.Chains {
		other, ok := b.Chains[kind]
		if !ok || !equalChains(chain, other) {
			return false
		}
	}
	for i := range a.Sets {
		if !equalSets(a.Sets[i], b.Sets[i]) {
			return false
		}
	}
	return equalNat(a.Nat, b.Nat)
}

func equalChains(a, b *Chain) bool {
	if a.Priority != b.Priority || a.Policy != b.Policy || len(a.Rules) != len(b.Rules) {
		return false
	}
	for i := range a.Rules {
		if !equalRules(a.Rules[i], b.Rules[i]) {
			return false
		}
	}
	return true
}

func equalRules(a, b Rule) bool {
	return a.Version == b.Version &&
		equalAddrs(a.Source, b.Source) &&
		equalAddrs(a.Destination, b.Destination) &&
		a.Protocol == b.Protocol &&
		a.Port == b.Port &&
		a.Action == b.Action &&
		a.Log == b.Log &&
		a.IIface == b.IIface &&
		a.OIface == b.OIface &&
		a.Order == b.Order
}

func equalAddrs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSets(a, b Set) bool {
	return a.Name == b.Name && a.Type == b.Type && equalAddrs(a.Elements, b.Elements)
}

func equalNat(a, b *NatConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return equalNatChains(a.Prerouting, b.Prerouting) && equalNatChains(a.Postrouting, b.Postrouting)
}

func equalNatChains(a, b *NatChain) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Priority != b.Priority || a.Policy != b.Policy || len(a.Rules) != len(b.Rules) {
		return false
	}
	for i := range a.Rules {
		if a.Rules[i] != b.Rules[i] {
			return false
		}
	}
	return true
}
