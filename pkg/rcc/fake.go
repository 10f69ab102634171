package rcc

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/easzlab/ezfw/pkg/nft"
)

// FakeRunner emulates the node pair in memory for development and
// testing. It executes the command subset the compiler emits against
// per-host namespace/table state, so build/read/scrub flows can be
// exercised end to end without a network.
type FakeRunner struct {
	mu       sync.Mutex
	hosts    map[string]*fakeNode
	down     map[string]bool
	failures map[string]string
	commands map[string][]string
}

// fakeNode holds one emulated host: staged config files and the applied
// tables per namespace.
type fakeNode struct {
	files  map[string]string
	tables map[string]map[string]string
}

var deleteTableRegex = regexp.MustCompile(`nft delete table inet ([A-Za-z0-9_.-]+)`)

// NewFakeRunner creates an empty emulated node pair.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		hosts:    make(map[string]*fakeNode),
		down:     make(map[string]bool),
		failures: make(map[string]string),
		commands: make(map[string][]string),
	}
}

// SetDown marks a host as unreachable; subsequent runs fail with a
// ConnectionError until the host is brought back up.
func (f *FakeRunner) SetDown(host string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[host] = down
}

// FailCommand makes the next commands containing substr on the given host
// exit nonzero. An empty substr clears the injection.
func (f *FakeRunner) FailCommand(host, substr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if substr == "" {
		delete(f.failures, host)
		return
	}
	f.failures[host] = substr
}

// Commands returns the commands a host has received, in order.
func (f *FakeRunner) Commands(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands[host]))
	copy(out, f.commands[host])
	return out
}

// Listing returns the applied table text on a host, if present.
func (f *FakeRunner) Listing(host, namespace, table string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, exists := f.hosts[host]
	if !exists {
		return "", false
	}
	text, exists := node.tables[namespace][table]
	return text, exists
}

// SeedTable installs a table listing on a host directly, bypassing the
// command path. Used to model pre-existing or divergent state.
func (f *FakeRunner) SeedTable(host, namespace, table, listing string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node := f.node(host)
	if node.tables[namespace] == nil {
		node.tables[namespace] = make(map[string]string)
	}
	node.tables[namespace][table] = listing
}

// Run executes one emulated command.
func (f *FakeRunner) Run(ctx context.Context, host, command string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &ConnectionError{Host: host, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down[host] {
		return Result{}, &ConnectionError{Host: host, Err: fmt.Errorf("connect: connection refused")}
	}

	f.commands[host] = append(f.commands[host], command)

	if substr := f.failures[host]; substr != "" && strings.Contains(command, substr) {
		return Result{ExitCode: 1, Stderr: "injected failure"}, nil
	}

	node := f.node(host)
	switch {
	case strings.HasPrefix(command, "cat > "):
		return node.writeFile(command)
	case strings.HasPrefix(command, "rm -f "):
		delete(node.files, strings.TrimPrefix(command, "rm -f "))
		return Result{}, nil
	case strings.Contains(command, "nft --check --file"):
		return node.checkFile(command)
	case strings.Contains(command, "nft --file"):
		return node.applyFile(command)
	case deleteTableRegex.MatchString(command):
		return node.deleteTable(command)
	case strings.Contains(command, "nft list table inet"):
		return node.listTable(command)
	default:
		return Result{ExitCode: 127, Stderr: fmt.Sprintf("sh: command not recognized: %s", command)}, nil
	}
}

func (f *FakeRunner) node(host string) *fakeNode {
	node, exists := f.hosts[host]
	if !exists {
		node = &fakeNode{
			files:  make(map[string]string),
			tables: make(map[string]map[string]string),
		}
		f.hosts[host] = node
	}
	return node
}

// writeFile handles `cat > <path> << 'EOF' ... EOF`.
func (n *fakeNode) writeFile(command string) (Result, error) {
	rest := strings.TrimPrefix(command, "cat > ")
	path, body, found := strings.Cut(rest, " << 'EOF'\n")
	if !found {
		return Result{ExitCode: 2, Stderr: "sh: syntax error in heredoc"}, nil
	}
	n.files[path] = strings.TrimSuffix(body, "EOF")
	return Result{}, nil
}

// checkFile handles `ip netns exec <ns> nft --check --file <path>`,
// rejecting files the parser cannot read the way nft -c would.
func (n *fakeNode) checkFile(command string) (Result, error) {
	fields := strings.Fields(command)
	path := fields[len(fields)-1]
	content, exists := n.files[path]
	if !exists {
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("Error: No such file or directory: %s", path)}, nil
	}
	if _, err := nft.Parse(content); err != nil {
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("Error: %v", err)}, nil
	}
	return Result{}, nil
}

// applyFile handles `ip netns exec <ns> nft --file <path>`.
func (n *fakeNode) applyFile(command string) (Result, error) {
	fields := strings.Fields(command)
	namespace := namespaceFrom(fields)
	path := fields[len(fields)-1]

	content, exists := n.files[path]
	if !exists {
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("Error: No such file or directory: %s", path)}, nil
	}

	table, err := nft.Parse(content)
	if err != nil {
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("Error: %v", err)}, nil
	}

	if n.tables[namespace] == nil {
		n.tables[namespace] = make(map[string]string)
	}
	n.tables[namespace][table.Name] = content
	return Result{}, nil
}

// deleteTable handles table deletion. The guarded payload checks for the
// exact table before deleting, so absence is success; a bare delete of an
// absent table fails the way real nft does.
func (n *fakeNode) deleteTable(command string) (Result, error) {
	table := deleteTableRegex.FindStringSubmatch(command)[1]
	namespace := namespaceFrom(strings.Fields(command))
	_, exists := n.tables[namespace][table]

	guarded := strings.Contains(command, "nft list table inet "+table+" >")
	if !exists {
		if guarded {
			return Result{}, nil
		}
		return Result{ExitCode: 1, Stderr: "Error: No such file or directory"}, nil
	}
	delete(n.tables[namespace], table)
	return Result{}, nil
}

// listTable handles `ip netns exec <ns> nft list table inet <name>`.
func (n *fakeNode) listTable(command string) (Result, error) {
	fields := strings.Fields(command)
	namespace := namespaceFrom(fields)
	table := fields[len(fields)-1]

	content, exists := n.tables[namespace][table]
	if !exists {
		return Result{ExitCode: 1, Stderr: "Error: No such file or directory"}, nil
	}
	return Result{Stdout: content}, nil
}

// namespaceFrom extracts the namespace from an `ip netns exec <ns> …`
// command.
func namespaceFrom(fields []string) string {
	for i := 0; i+3 < len(fields); i++ {
		if fields[i] == "ip" && fields[i+1] == "netns" && fields[i+2] == "exec" {
			return fields[i+3]
		}
	}
	return ""
}
