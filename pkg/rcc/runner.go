// Package rcc provides the remote command channel used to run payloads on
// the two redundant nodes. Transport failure (the command never ran) and a
// nonzero exit status (the command ran and failed) are reported as
// distinct outcomes.
package rcc

import (
	"context"
	"fmt"
)

// Result holds the outcome of a command that reached the remote host.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes a shell command on a named host. A non-nil error always
// means the transport failed and the command may not have run at all;
// command-level failure is conveyed through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, host, command string) (Result, error)
}

// ConnectionError reports that the transport to a host could not be
// established or broke before the command completed.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
