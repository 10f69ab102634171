package spec

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Chain priorities are capped well inside the int32 hook range so that a
// transposed or garbage value in a spec file is caught before any remote
// contact.
const (
	MinPriority = -1000
	MaxPriority = 1000
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// IsValidIdentifier reports whether a name is safe to interpolate into an
// nft payload (table names, namespaces, interfaces, set names).
func IsValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// validPolicies is the set of accepted chain default verdicts.
var validPolicies = map[string]bool{
	"accept": true,
	"drop":   true,
}

// validActions is the set of accepted rule verdicts.
var validActions = map[string]bool{
	"accept": true,
	"drop":   true,
}

// validProtocols is the set of accepted rule protocols.
var validProtocols = map[string]bool{
	"tcp":  true,
	"udp":  true,
	"icmp": true,
	"any":  true,
}

// portProtocols is the subset of protocols for which a port specification
// is meaningful.
var portProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

// validSetTypes is the set of accepted named-set element types.
var validSetTypes = map[string]bool{
	"ipv4_addr": true,
	"ipv6_addr": true,
}

// setTypeVersion maps a set element type to the rule IP version it serves.
var setTypeVersion = map[string]int{
	"ipv4_addr": 4,
	"ipv6_addr": 6,
}

// ValidationError describes a malformed table specification. It names the
// offending entity so the caller can fix the spec without re-reading it.
type ValidationError struct {
	Entity string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Entity, e.Reason)
}

func invalid(entity, format string, args ...any) *ValidationError {
	return &ValidationError{Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a table specification for correctness. It is total: a
// nil error means the table compiles without further failure modes.
func Validate(t *Table) error {
	if t == nil {
		return invalid("table", "specification is nil")
	}
	if t.Name == "" {
		return invalid("table", "name is required")
	}
	if !identifierRegex.MatchString(t.Name) {
		return invalid("table", "name %q contains invalid characters", t.Name)
	}

	setTypes, err := validateSets(t.Sets)
	if err != nil {
		return err
	}

	for kind, chain := range t.Chains {
		if chain == nil {
			continue
		}
		if !isChainKind(kind) {
			return invalid(fmt.Sprintf("chain %q", kind), "unrecognized chain kind")
		}
		entity := fmt.Sprintf("chain %q", kind)
		if err := validateChainHeader(entity, chain.Priority, chain.Policy); err != nil {
			return err
		}
		for i, rule := range chain.Rules {
			if err := validateRule(fmt.Sprintf("%s rule %d", entity, i), rule, setTypes); err != nil {
				return err
			}
		}
	}

	if t.Nat != nil {
		if err := validateNatChain("nat prerouting", t.Nat.Prerouting); err != nil {
			return err
		}
		if err := validateNatChain("nat postrouting", t.Nat.Postrouting); err != nil {
			return err
		}
	}

	return nil
}

func isChainKind(kind string) bool {
	for _, k := range ChainKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func validateChainHeader(entity string, priority int, policy string) error {
	if priority < MinPriority || priority > MaxPriority {
		return invalid(entity, "priority %d outside accepted range [%d, %d]", priority, MinPriority, MaxPriority)
	}
	if !validPolicies[policy] {
		return invalid(entity, "unsupported policy %q (supported: accept, drop)", policy)
	}
	return nil
}

func validateRule(entity string, rule Rule, setTypes map[string]string) error {
	if rule.Version != 4 && rule.Version != 6 {
		return invalid(entity, "version must be 4 or 6, got %d", rule.Version)
	}
	if !validProtocols[rule.Protocol] {
		return invalid(entity, "unsupported protocol %q (supported: tcp, udp, icmp, any)", rule.Protocol)
	}
	if !validActions[rule.Action] {
		return invalid(entity, "unsupported action %q (supported: accept, drop)", rule.Action)
	}

	hasPort := rule.Port != "" && rule.Port != "any"
	if portProtocols[rule.Protocol] && !hasPort {
		return invalid(entity, "protocol %q requires a port specification", rule.Protocol)
	}
	if !portProtocols[rule.Protocol] && hasPort {
		return invalid(entity, "port specification is not allowed for protocol %q", rule.Protocol)
	}
	if hasPort {
		if _, err := ParsePortSpec(rule.Port); err != nil {
			return invalid(entity, "bad port specification: %v", err)
		}
	}

	if err := validateAddrs(entity, "source", rule.Source, rule.Version, setTypes); err != nil {
		return err
	}
	if err := validateAddrs(entity, "destination", rule.Destination, rule.Version, setTypes); err != nil {
		return err
	}

	for _, iface := range []string{rule.IIface, rule.OIface} {
		if iface != "" && iface != "any" && !identifierRegex.MatchString(iface) {
			return invalid(entity, "interface %q contains invalid characters", iface)
		}
	}

	return nil
}

func validateAddrs(entity, field string, addrs []string, version int, setTypes map[string]string) error {
	if MatchesAny(addrs) {
		if len(addrs) > 1 {
			return invalid(entity, `%s mixes "any" with other addresses`, field)
		}
		return nil
	}

	if name := SetRef(addrs[0]); name != "" {
		if len(addrs) > 1 {
			return invalid(entity, "%s mixes a set reference with other addresses", field)
		}
		setType, defined := setTypes[name]
		if !defined {
			return invalid(entity, "%s references undefined set %q", field, name)
		}
		if setTypeVersion[setType] != version {
			return invalid(entity, "%s set %q is %s but rule is IPv%d", field, name, setType, version)
		}
		return nil
	}

	for _, addr := range addrs {
		if SetRef(addr) != "" {
			return invalid(entity, "%s mixes a set reference with other addresses", field)
		}
		addrVersion, err := addressVersion(addr)
		if err != nil {
			return invalid(entity, "%s address %q: %v", field, addr, err)
		}
		if addrVersion != version {
			return invalid(entity, "%s address %q is IPv%d but rule is IPv%d", field, addr, addrVersion, version)
		}
	}
	return nil
}

func validateNatChain(entity string, chain *NatChain) error {
	if chain == nil {
		return nil
	}
	if err := validateChainHeader(entity, chain.Priority, chain.Policy); err != nil {
		return err
	}

	seen := make(map[NatRule]bool)
	for i, rule := range chain.Rules {
		ruleEntity := fmt.Sprintf("%s rule %d", entity, i)
		if rule.Public == "" || rule.Private == "" {
			return invalid(ruleEntity, "public and private addresses are required")
		}
		if _, err := addressVersion(rule.Public); err != nil {
			return invalid(ruleEntity, "public address %q: %v", rule.Public, err)
		}
		if _, err := addressVersion(rule.Private); err != nil {
			return invalid(ruleEntity, "private address %q: %v", rule.Private, err)
		}
		if rule.Interface != "" && !identifierRegex.MatchString(rule.Interface) {
			return invalid(ruleEntity, "interface %q contains invalid characters", rule.Interface)
		}

		pair := NatRule{Public: rule.Public, Private: rule.Private}
		if seen[pair] {
			return invalid(ruleEntity, "duplicate translation %s <-> %s", rule.Public, rule.Private)
		}
		seen[pair] = true
	}
	return nil
}

// validateSets checks set definitions and returns a name -> type index for
// resolving rule references.
func validateSets(sets []Set) (map[string]string, error) {
	setTypes := make(map[string]string, len(sets))
	for i, set := range sets {
		entity := fmt.Sprintf("set %d", i)
		if set.Name != "" {
			entity = fmt.Sprintf("set %q", set.Name)
		}
		if set.Name == "" {
			return nil, invalid(entity, "name is required")
		}
		if !identifierRegex.MatchString(set.Name) {
			return nil, invalid(entity, "name contains invalid characters")
		}
		if _, exists := setTypes[set.Name]; exists {
			return nil, invalid(entity, "duplicate set name")
		}
		if !validSetTypes[set.Type] {
			return nil, invalid(entity, "unsupported type %q (supported: ipv4_addr, ipv6_addr)", set.Type)
		}
		for _, element := range set.Elements {
			version, err := addressVersion(element)
			if err != nil {
				return nil, invalid(entity, "element %q: %v", element, err)
			}
			if version != setTypeVersion[set.Type] {
				return nil, invalid(entity, "element %q does not match type %s", element, set.Type)
			}
		}
		setTypes[set.Name] = set.Type
	}
	return setTypes, nil
}

// addressVersion parses an IP address or CIDR and returns its IP version.
func addressVersion(addr string) (int, error) {
	host := addr
	if strings.Contains(addr, "/") {
		ip, _, err := net.ParseCIDR(addr)
		if err != nil {
			return 0, fmt.Errorf("not a valid CIDR")
		}
		if ip.To4() != nil {
			return 4, nil
		}
		return 6, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return 0, fmt.Errorf("not a valid IP address")
	}
	if ip.To4() != nil {
		return 4, nil
	}
	return 6, nil
}
