package rcc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSHRunner executes commands over SSH using public-key authentication.
// Nodes are addressed over a trusted management network, so host keys are
// not pinned.
type SSHRunner struct {
	user    string
	signer  ssh.Signer
	port    int
	timeout time.Duration
	logger  *zap.Logger
}

// NewSSHRunner loads the private key and returns a ready Runner.
func NewSSHRunner(user, keyFile string, port int, timeout time.Duration, logger *zap.Logger) (*SSHRunner, error) {
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key %s: %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key %s: %w", keyFile, err)
	}

	return &SSHRunner{
		user:    user,
		signer:  signer,
		port:    port,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Run connects to the host, executes the command in one session, and
// returns its exit status and output.
func (r *SSHRunner) Run(ctx context.Context, host, command string) (Result, error) {
	address := net.JoinHostPort(host, strconv.Itoa(r.port))

	dialer := &net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return Result{}, &ConnectionError{Host: host, Err: err}
	}

	clientConn, channels, requests, err := ssh.NewClientConn(conn, address, &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	})
	if err != nil {
		conn.Close()
		return Result{}, &ConnectionError{Host: host, Err: err}
	}
	client := ssh.NewClient(clientConn, channels, requests)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, &ConnectionError{Host: host, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	r.logger.Debug("running remote command",
		zap.String("host", host),
		zap.String("command", command),
	)

	runErr := session.Run(command)
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	if runErr != nil {
		return Result{}, &ConnectionError{Host: host, Err: runErr}
	}
	return result, nil
}
