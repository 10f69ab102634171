// Package dispatch applies compiled operation sequences to the redundant
// node pair and aggregates per-node, per-payload outcomes.
package dispatch

import "fmt"

// Record is the outcome of one payload on one node.
type Record struct {
	Node    string
	Payload string
	OK      bool
	Output  string
}

// Report accumulates records during a dispatcher run. One Report is
// constructed per verb invocation; nothing is shared across invocations.
type Report struct {
	nodes   []string
	records []Record
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{}
}

// Add appends one payload outcome, tracking node first-appearance order.
func (r *Report) Add(node, payload string, ok bool, output string) {
	seen := false
	for _, n := range r.nodes {
		if n == node {
			seen = true
			break
		}
	}
	if !seen {
		r.nodes = append(r.nodes, node)
	}
	r.records = append(r.records, Record{Node: node, Payload: payload, OK: ok, Output: output})
}

// OverallStatus is the AND across all records. An empty report is
// successful: there was nothing to fail.
func (r *Report) OverallStatus() bool {
	for _, record := range r.records {
		if !record.OK {
			return false
		}
	}
	return true
}

// Messages renders the report for the caller: one line per failed payload
// naming node and payload, or a single confirmation line per fully
// successful node.
func (r *Report) Messages() []string {
	var messages []string
	for _, node := range r.nodes {
		succeeded := 0
		failed := false
		for _, record := range r.records {
			if record.Node != node {
				continue
			}
			if record.OK {
				succeeded++
				continue
			}
			failed = true
			messages = append(messages, fmt.Sprintf("node %s: payload %s failed: %s", node, record.Payload, record.Output))
		}
		if !failed {
			messages = append(messages, fmt.Sprintf("node %s: %d payloads succeeded", node, succeeded))
		}
	}
	return messages
}

// SuccessfulPayloads returns the records of payloads that completed, so a
// partially failed run's applied side effects stay inspectable.
func (r *Report) SuccessfulPayloads() []Record {
	var out []Record
	for _, record := range r.records {
		if record.OK {
			out = append(out, record)
		}
	}
	return out
}

// Records returns every accumulated record in execution order.
func (r *Report) Records() []Record {
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
