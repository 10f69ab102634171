package nft

import (
	"fmt"

	"github.com/easzlab/ezfw/pkg/spec"
)

// Operation is one remotely executable payload. Name identifies the
// payload in aggregated reports and audit trails.
type Operation struct {
	Name    string
	Command string
}

// ConfigPath returns the temp file a compiled ruleset is staged at on the
// target node.
func ConfigPath(namespace, table string) string {
	return fmt.Sprintf("/tmp/ezfw_%s_%s.nft", namespace, table)
}

// Compile validates a table specification and lowers it into the ordered
// operation sequence that fully replaces the live table: stage the
// rendered ruleset, check it, drop any previous table, apply, clean up.
// The check runs before the destructive step so a bad ruleset never
// partially applies. Re-running the sequence is idempotent.
func Compile(namespace string, t *spec.Table) ([]Operation, error) {
	if !spec.IsValidIdentifier(namespace) {
		return nil, &spec.ValidationError{Entity: "namespace", Reason: fmt.Sprintf("%q contains invalid characters", namespace)}
	}
	if err := spec.Validate(t); err != nil {
		return nil, err
	}

	script := Render(namespace, t)
	file := ConfigPath(namespace, t.Name)

	return []Operation{
		{
			Name:    "write_config",
			Command: fmt.Sprintf("cat > %s << 'EOF'\n%sEOF", file, script),
		},
		{
			Name:    "check_config",
			Command: netnsCommand(namespace, "nft --check --file "+file),
		},
		{
			Name:    "flush_table",
			Command: guardedDelete(namespace, t.Name),
		},
		{
			Name:    "apply_config",
			Command: netnsCommand(namespace, "nft --file "+file),
		},
		{
			Name:    "remove_config",
			Command: "rm -f " + file,
		},
	}, nil
}

// QueryOperation builds the non-mutating payload that lists the live table.
func QueryOperation(namespace, table string) Operation {
	return Operation{
		Name:    "list_table",
		Command: netnsCommand(namespace, "nft list table inet "+table),
	}
}

// RemoveOperation builds the payload that deletes the table. The guard
// makes removal of an absent table succeed, so scrub is idempotent.
func RemoveOperation(namespace, table string) Operation {
	return Operation{
		Name:    "delete_table",
		Command: guardedDelete(namespace, table),
	}
}

func netnsCommand(namespace, command string) string {
	return fmt.Sprintf("ip netns exec %s %s", namespace, command)
}

// guardedDelete wraps the delete in an existence check so removing an
// absent table succeeds. The guard lists the exact table rather than
// grepping `nft list tables`, which would substring-match sibling names
// like fw2 when deleting fw.
func guardedDelete(namespace, table string) string {
	return fmt.Sprintf(
		"if ip netns exec %s nft list table inet %s >/dev/null 2>&1; then ip netns exec %s nft delete table inet %s; fi",
		namespace, table, namespace, table,
	)
}
