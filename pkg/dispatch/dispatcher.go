package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/easzlab/ezfw/pkg/nft"
	"github.com/easzlab/ezfw/pkg/rcc"
	"go.uber.org/zap"
)

// Dispatcher runs operation sequences against both nodes of the redundant
// pair. Nodes are contacted sequentially, node A before node B, so a
// caller can tell from the report exactly how far application progressed.
// Neither node is treated as primary; a failure on one never aborts the
// other's attempt.
type Dispatcher struct {
	runner rcc.Runner
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher on top of a remote command channel.
func NewDispatcher(runner rcc.Runner, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		runner: runner,
		logger: logger,
	}
}

// Apply executes the full operation sequence on each node in turn. The
// first failing operation aborts the remaining operations for that node
// only.
func (d *Dispatcher) Apply(ctx context.Context, nodes []string, operations []nft.Operation) *Report {
	report := NewReport()
	for _, node := range nodes {
		d.runSequence(ctx, node, operations, report)
	}
	return report
}

// Query runs the listing operation on each node and returns the raw
// output per node. It never mutates remote state.
func (d *Dispatcher) Query(ctx context.Context, nodes []string, namespace, table string) (map[string]string, *Report) {
	operation := nft.QueryOperation(namespace, table)
	report := NewReport()
	raw := make(map[string]string, len(nodes))

	for _, node := range nodes {
		result, ok := d.runOne(ctx, node, operation, report)
		if ok {
			raw[node] = result.Stdout
		}
	}
	return raw, report
}

// Remove deletes the table on each node. Absence of the table counts as
// success, making removal idempotent.
func (d *Dispatcher) Remove(ctx context.Context, nodes []string, namespace, table string) *Report {
	operation := nft.RemoveOperation(namespace, table)
	report := NewReport()
	for _, node := range nodes {
		d.runOne(ctx, node, operation, report)
	}
	return report
}

// runSequence executes operations on one node until the first failure.
func (d *Dispatcher) runSequence(ctx context.Context, node string, operations []nft.Operation, report *Report) {
	for _, operation := range operations {
		if _, ok := d.runOne(ctx, node, operation, report); !ok {
			return
		}
	}
	d.logger.Info("operation sequence applied",
		zap.String("node", node),
		zap.Int("operations", len(operations)),
	)
}

// runOne executes a single operation, records its outcome, and reports
// whether the node's run may continue.
func (d *Dispatcher) runOne(ctx context.Context, node string, operation nft.Operation, report *Report) (rcc.Result, bool) {
	result, err := d.runner.Run(ctx, node, operation.Command)
	if err != nil {
		report.Add(node, operation.Name, false, err.Error())
		d.logger.Warn("transport failure",
			zap.String("node", node),
			zap.String("payload", operation.Name),
			zap.Error(err),
		)
		return result, false
	}
	if result.ExitCode != 0 {
		output := fmt.Sprintf("exit status %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
		report.Add(node, operation.Name, false, output)
		d.logger.Warn("payload failed",
			zap.String("node", node),
			zap.String("payload", operation.Name),
			zap.Int("exit_code", result.ExitCode),
		)
		return result, false
	}

	report.Add(node, operation.Name, true, result.Stdout)
	return result, true
}
