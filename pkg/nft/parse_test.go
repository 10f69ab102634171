package nft

import (
	"errors"
	"strings"
	"testing"

	"github.com/easzlab/ezfw/pkg/spec"
)

// fullTable exercises every construct the renderer can emit: named sets,
// interface matches, address lists, port sets, both ICMP families, log
// statements and both NAT directions.
func fullTable() *spec.Table {
	return &spec.Table{
		Name: "edge",
		Sets: []spec.Set{
			{Name: "admins", Type: "ipv4_addr", Elements: []string{"10.0.0.1", "10.0.0.2"}},
		},
		Chains: map[string]*spec.Chain{
			spec.ChainInput: {
				Priority: 0,
				Policy:   "drop",
				Rules: []spec.Rule{
					{Version: 4, Source: []string{"@admins"}, Protocol: "tcp", Port: "443, 80", Action: "accept", Log: true, Order: 0},
					{Version: 4, Source: []string{"192.0.2.0/24", "198.51.100.7"}, Protocol: "tcp", Port: "22", Action: "accept", IIface: "eth0", Order: 1},
					{Version: 6, Protocol: "icmp", Action: "accept", Order: 2},
				},
			},
			spec.ChainOutput: {
				Priority: 0,
				Policy:   "accept",
				Rules: []spec.Rule{
					{Version: 4, Destination: []string{"203.0.113.9"}, Protocol: "any", Action: "drop", Order: 0},
					{Version: 4, Protocol: "tcp", Port: "22-25, 5509", Action: "drop", OIface: "eth1", Log: true, Order: 1},
					{Version: 6, Protocol: "icmp", Action: "drop", Order: 2},
				},
			},
		},
		Nat: &spec.NatConfig{
			Prerouting: &spec.NatChain{
				Priority: -100,
				Policy:   "accept",
				Rules:    []spec.NatRule{{Public: "203.0.113.10", Private: "10.0.0.10", Interface: "eth0"}},
			},
			Postrouting: &spec.NatChain{
				Priority: 100,
				Policy:   "accept",
				Rules:    []spec.NatRule{{Public: "203.0.113.10", Private: "10.0.0.10"}},
			},
		},
	}
}

func TestRender_TableBlockShape(t *testing.T) {
	script := Render("tenant1", fullTable())

	if !strings.HasPrefix(script, "table inet edge {\n") {
		t.Errorf("expected table header, got %q", script[:40])
	}
	if !strings.HasSuffix(script, "\n}\n") {
		t.Errorf("expected closing brace with trailing newline, got %q", script[len(script)-10:])
	}
	if !strings.Contains(script, "type filter hook input priority 0; policy drop;") {
		t.Error("expected input chain header in output")
	}
	if !strings.Contains(script, "chain nat_prerouting {") {
		t.Error("expected prefixed NAT chain name in output")
	}
}

func TestRender_RuleLowering(t *testing.T) {
	script := Render("tenant1", fullTable())

	expected := []string{
		`meta nfproto ipv4 ip saddr @admins tcp dport { 443, 80 } log prefix "tenant1 Table: edge" level debug accept`,
		`meta nfproto ipv4 iifname "eth0" ip saddr { 192.0.2.0/24, 198.51.100.7 } tcp dport { 22 } accept`,
		"meta nfproto ipv6 icmpv6 type { " + icmpV6Types + " } accept",
		"meta nfproto ipv4 ip daddr { 203.0.113.9 } drop",
		`iifname "eth0" ip daddr 203.0.113.10 dnat to 10.0.0.10`,
		"ip saddr 10.0.0.10 snat to 203.0.113.10",
	}
	for _, line := range expected {
		if !strings.Contains(script, line) {
			t.Errorf("rendered script is missing line %q\nscript:\n%s", line, script)
		}
	}
}

func TestRender_OrdersRulesBeforeEmission(t *testing.T) {
	table := fullTable()
	rules := table.Chains[spec.ChainInput].Rules
	rules[0].Order, rules[2].Order = 2, 0
	table.Chains[spec.ChainInput].Rules = []spec.Rule{rules[2], rules[0], rules[1]}

	script := Render("tenant1", table)
	icmpIdx := strings.Index(script, "icmpv6 type")
	setIdx := strings.Index(script, "saddr @admins")
	if icmpIdx < 0 || setIdx < 0 || icmpIdx > setIdx {
		t.Errorf("expected order 0 rule emitted before order 2 rule\nscript:\n%s", script)
	}
}

func TestRender_SkipsAnyInterface(t *testing.T) {
	table := testTable()
	table.Chains[spec.ChainInput].Rules[0].IIface = "any"

	script := Render("tenant1", table)
	if strings.Contains(script, "iifname") {
		t.Errorf("expected no iifname match for interface \"any\"\nscript:\n%s", script)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	original := fullTable()
	script := Render("tenant1", original)

	parsed, err := Parse(script)
	if err != nil {
		t.Fatalf("Parse of rendered script failed: %v", err)
	}
	if !spec.Equal(original, parsed) {
		t.Errorf("round trip changed the table\nrendered:\n%s", script)
	}
}

func TestParse_RoundTripStable(t *testing.T) {
	first, err := Parse(Render("tenant1", fullTable()))
	if err != nil {
		t.Fatalf("first Parse failed: %v", err)
	}
	second, err := Parse(Render("tenant1", first))
	if err != nil {
		t.Fatalf("second Parse failed: %v", err)
	}
	if !spec.Equal(first, second) {
		t.Error("expected render/parse to be stable after the first round trip")
	}
}

func TestParse_EmptyListing(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty listing, got nil")
	}
}

func TestParse_ForeignTableFamily(t *testing.T) {
	listing := "table ip edge {\n}\n"
	_, err := Parse(listing)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError for non-inet family, got %v", err)
	}
}

func TestParse_UnmanagedChainName(t *testing.T) {
	listing := strings.Join([]string{
		"table inet edge {",
		"\tchain custom {",
		"\t\ttype filter hook input priority 0; policy drop;",
		"\t}",
		"}",
	}, "\n")

	_, err := Parse(listing)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError for unmanaged chain, got %v", err)
	}
}

func TestParse_ForeignRuleConstruct(t *testing.T) {
	listing := strings.Join([]string{
		"table inet edge {",
		"\tchain input {",
		"\t\ttype filter hook input priority 0; policy drop;",
		"\t\tct state established,related accept",
		"\t}",
		"}",
	}, "\n")

	_, err := Parse(listing)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError for conntrack rule, got %v", err)
	}
}

func TestParse_ForeignIcmpTypeSet(t *testing.T) {
	listing := strings.Join([]string{
		"table inet edge {",
		"\tchain input {",
		"\t\ttype filter hook input priority 0; policy drop;",
		"\t\tmeta nfproto ipv4 icmp type { redirect } accept",
		"\t}",
		"}",
	}, "\n")

	_, err := Parse(listing)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError for foreign icmp type set, got %v", err)
	}
}

func TestParse_TrailingTokens(t *testing.T) {
	listing := strings.Join([]string{
		"table inet edge {",
		"\tchain input {",
		"\t\ttype filter hook input priority 0; policy drop;",
		"\t\tmeta nfproto ipv4 accept comment \"x\"",
		"\t}",
		"}",
	}, "\n")

	if _, err := Parse(listing); err == nil {
		t.Fatal("expected error for tokens after verdict, got nil")
	}
}

func TestParse_WrappedElementList(t *testing.T) {
	listing := strings.Join([]string{
		"table inet edge {",
		"\tset admins {",
		"\t\ttype ipv4_addr",
		"\t\telements = { 10.0.0.1, 10.0.0.2,",
		"\t\t\t10.0.0.3 }",
		"\t}",
		"\tchain input {",
		"\t\ttype filter hook input priority 0; policy drop;",
		"\t\tmeta nfproto ipv4 ip saddr @admins tcp dport { 22 } accept",
		"\t}",
		"}",
	}, "\n")

	table, err := Parse(listing)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(table.Sets) != 1 || len(table.Sets[0].Elements) != 3 {
		t.Fatalf("expected 3 set elements across wrapped lines, got %+v", table.Sets)
	}
}

func TestParse_SingleElementDportWithoutBraces(t *testing.T) {
	listing := strings.Join([]string{
		"table inet edge {",
		"\tchain input {",
		"\t\ttype filter hook input priority 0; policy drop;",
		"\t\tmeta nfproto ipv4 tcp dport 22 accept",
		"\t}",
		"}",
	}, "\n")

	table, err := Parse(listing)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if table.Chains[spec.ChainInput].Rules[0].Port != "22" {
		t.Errorf("expected port '22', got %q", table.Chains[spec.ChainInput].Rules[0].Port)
	}
}

func TestParse_PreservesRuleOrder(t *testing.T) {
	listing := strings.Join([]string{
		"table inet edge {",
		"\tchain input {",
		"\t\ttype filter hook input priority 0; policy drop;",
		"\t\tmeta nfproto ipv4 tcp dport { 22 } accept",
		"\t\tmeta nfproto ipv4 drop",
		"\t}",
		"}",
	}, "\n")

	table, err := Parse(listing)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	rules := table.Chains[spec.ChainInput].Rules
	if rules[0].Order != 0 || rules[1].Order != 1 {
		t.Errorf("expected positional orders 0,1, got %d,%d", rules[0].Order, rules[1].Order)
	}
	if rules[0].Action != "accept" || rules[1].Action != "drop" {
		t.Errorf("expected listing order preserved, got %q then %q", rules[0].Action, rules[1].Action)
	}
}
