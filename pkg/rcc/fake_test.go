package rcc

import (
	"context"
	"errors"
	"testing"

	"github.com/easzlab/ezfw/pkg/nft"
	"github.com/easzlab/ezfw/pkg/spec"
)

func applyTestTable(t *testing.T, runner *FakeRunner, host string) {
	t.Helper()
	table := &spec.Table{
		Name: "edge",
		Chains: map[string]*spec.Chain{
			spec.ChainInput: {
				Policy: "drop",
				Rules:  []spec.Rule{{Version: 4, Protocol: "tcp", Port: "22", Action: "accept"}},
			},
		},
	}
	operations, err := nft.Compile("tenant1", table)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	for _, operation := range operations {
		result, err := runner.Run(context.Background(), host, operation.Command)
		if err != nil {
			t.Fatalf("operation %s failed: %v", operation.Name, err)
		}
		if result.ExitCode != 0 {
			t.Fatalf("operation %s exited %d: %s", operation.Name, result.ExitCode, result.Stderr)
		}
	}
}

func TestFakeRunner_ApplySequenceInstallsTable(t *testing.T) {
	runner := NewFakeRunner()
	applyTestTable(t, runner, "10.1.1.1")

	listing, exists := runner.Listing("10.1.1.1", "tenant1", "edge")
	if !exists {
		t.Fatal("expected table to be installed after apply sequence")
	}
	if _, err := nft.Parse(listing); err != nil {
		t.Fatalf("installed listing does not parse: %v", err)
	}
}

func TestFakeRunner_ListTable(t *testing.T) {
	runner := NewFakeRunner()
	applyTestTable(t, runner, "10.1.1.1")

	result, err := runner.Run(context.Background(), "10.1.1.1", nft.QueryOperation("tenant1", "edge").Command)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("query exited %d: %s", result.ExitCode, result.Stderr)
	}
	if _, err := nft.Parse(result.Stdout); err != nil {
		t.Errorf("query output does not parse: %v", err)
	}
}

func TestFakeRunner_ListAbsentTable(t *testing.T) {
	runner := NewFakeRunner()

	result, err := runner.Run(context.Background(), "10.1.1.1", nft.QueryOperation("tenant1", "edge").Command)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("expected nonzero exit for absent table")
	}
}

func TestFakeRunner_DeleteIsIdempotent(t *testing.T) {
	runner := NewFakeRunner()
	applyTestTable(t, runner, "10.1.1.1")

	remove := nft.RemoveOperation("tenant1", "edge").Command
	for i := 0; i < 2; i++ {
		result, err := runner.Run(context.Background(), "10.1.1.1", remove)
		if err != nil {
			t.Fatalf("delete %d failed: %v", i, err)
		}
		if result.ExitCode != 0 {
			t.Fatalf("delete %d exited %d", i, result.ExitCode)
		}
	}

	if _, exists := runner.Listing("10.1.1.1", "tenant1", "edge"); exists {
		t.Error("expected table to be gone after delete")
	}
}

func TestFakeRunner_DeleteAbsentTableWithSiblingPresent(t *testing.T) {
	runner := NewFakeRunner()
	runner.SeedTable("10.1.1.1", "tenant1", "fw2", "table inet fw2 {\n}\n")

	// Removing absent fw must not be confused by the fw2 sibling.
	result, err := runner.Run(context.Background(), "10.1.1.1", nft.RemoveOperation("tenant1", "fw").Command)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected guarded delete of absent table to succeed, exited %d: %s", result.ExitCode, result.Stderr)
	}

	if _, exists := runner.Listing("10.1.1.1", "tenant1", "fw2"); !exists {
		t.Error("expected sibling table fw2 to survive")
	}
}

func TestFakeRunner_BareDeleteOfAbsentTableFails(t *testing.T) {
	runner := NewFakeRunner()

	result, err := runner.Run(context.Background(), "10.1.1.1", "ip netns exec tenant1 nft delete table inet fw")
	if err != nil {
		t.Fatalf("delete failed with transport error: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("expected unguarded delete of absent table to exit nonzero")
	}
}

func TestFakeRunner_DownHostReturnsConnectionError(t *testing.T) {
	runner := NewFakeRunner()
	runner.SetDown("10.1.1.1", true)

	_, err := runner.Run(context.Background(), "10.1.1.1", "true")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if connErr.Host != "10.1.1.1" {
		t.Errorf("expected host in error, got %q", connErr.Host)
	}
}

func TestFakeRunner_InjectedCommandFailure(t *testing.T) {
	runner := NewFakeRunner()
	runner.FailCommand("10.1.1.1", "nft --check")

	result, err := runner.Run(context.Background(), "10.1.1.1", "ip netns exec tenant1 nft --check --file /tmp/x.nft")
	if err != nil {
		t.Fatalf("expected exit failure, not transport error: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("expected nonzero exit for injected failure")
	}
}

func TestFakeRunner_CheckRejectsForeignRuleset(t *testing.T) {
	runner := NewFakeRunner()

	write := "cat > /tmp/x.nft << 'EOF'\ntable inet edge {\n\tchain custom {\n\t\ttype filter hook input priority 0; policy drop;\n\t}\n}\nEOF"
	if _, err := runner.Run(context.Background(), "10.1.1.1", write); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	result, err := runner.Run(context.Background(), "10.1.1.1", "ip netns exec tenant1 nft --check --file /tmp/x.nft")
	if err != nil {
		t.Fatalf("check failed with transport error: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("expected check to reject a ruleset outside the managed grammar")
	}
}

func TestFakeRunner_NamespacesAreIsolated(t *testing.T) {
	runner := NewFakeRunner()
	applyTestTable(t, runner, "10.1.1.1")

	result, err := runner.Run(context.Background(), "10.1.1.1", nft.QueryOperation("tenant2", "edge").Command)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("expected table to be absent in a different namespace")
	}
}

func TestFakeRunner_RecordsCommands(t *testing.T) {
	runner := NewFakeRunner()
	applyTestTable(t, runner, "10.1.1.1")

	commands := runner.Commands("10.1.1.1")
	if len(commands) != 5 {
		t.Fatalf("expected 5 recorded commands, got %d", len(commands))
	}
}

func TestConnectionError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &ConnectionError{Host: "10.1.1.1", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("expected ConnectionError to unwrap to the inner error")
	}
}
