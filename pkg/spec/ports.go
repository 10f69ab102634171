package spec

import (
	"fmt"
	"strconv"
	"strings"
)

// PortRange is an inclusive span of ports. A single port is a range with
// From == To.
type PortRange struct {
	From uint16
	To   uint16
}

// String renders the range in nft syntax: "22" or "22-25".
func (r PortRange) String() string {
	if r.From == r.To {
		return strconv.Itoa(int(r.From))
	}
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// Contains reports whether the range covers the given port.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.From && port <= r.To
}

// ParsePortSpec parses a comma-separated port specification such as
// "22-25, 5509" into ranges. An empty spec or "any" yields no ranges.
func ParsePortSpec(portSpec string) ([]PortRange, error) {
	trimmed := strings.TrimSpace(portSpec)
	if trimmed == "" || trimmed == "any" {
		return nil, nil
	}

	var ranges []PortRange
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty entry in port specification %q", portSpec)
		}

		from, to, found := strings.Cut(part, "-")
		fromPort, err := parsePort(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", part, err)
		}
		toPort := fromPort
		if found {
			toPort, err = parsePort(strings.TrimSpace(to))
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q: %w", part, err)
			}
			if toPort < fromPort {
				return nil, fmt.Errorf("inverted port range %q", part)
			}
		}

		ranges = append(ranges, PortRange{From: fromPort, To: toPort})
	}
	return ranges, nil
}

// FormatPortRanges renders ranges back into the canonical comma-separated
// spelling used by the compiler, e.g. "22-25, 5509".
func FormatPortRanges(ranges []PortRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, fmt.Errorf("missing port number")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("out of range [0, 65535]")
	}
	return uint16(n), nil
}
