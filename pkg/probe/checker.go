// Package probe answers whether a node's command channel is reachable
// before any payload is sent its way.
package probe

import (
	"fmt"
	"net"
	"time"
)

// Checker defines the interface for node reachability probes.
// This abstraction allows extending with different probe types in the future.
type Checker interface {
	Check(address string) (time.Duration, error)
}

// TCPChecker probes reachability via a TCP connection attempt against the
// node's SSH port, measuring how long the dial takes.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a new TCPChecker with the given timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		timeout: timeout,
	}
}

// Check attempts to establish a TCP connection to the given address.
// Returns the dial latency if the connection succeeds (reachable), or an
// error if it fails within the timeout.
func (c *TCPChecker) Check(address string) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", address, c.timeout)
	if err != nil {
		return 0, fmt.Errorf("tcp probe failed for %s: %w", address, err)
	}
	latency := time.Since(start)
	conn.Close()
	return latency, nil
}
