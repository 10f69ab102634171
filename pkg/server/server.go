// Package server coordinates the verbs of the tool: building a table on
// the node pair, reading live state back, scrubbing, and probing node
// reachability.
package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/easzlab/ezfw/pkg/config"
	"github.com/easzlab/ezfw/pkg/dispatch"
	"github.com/easzlab/ezfw/pkg/nft"
	"github.com/easzlab/ezfw/pkg/probe"
	"github.com/easzlab/ezfw/pkg/rcc"
	"github.com/easzlab/ezfw/pkg/spec"
	"github.com/fsnotify/fsnotify"
	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"
)

// ReadResult is the outcome of reading one table from the node pair.
type ReadResult struct {
	// Raw holds the verbatim listing per node, for nodes that answered.
	Raw map[string]string
	// Tables holds the parsed model per node, for listings that parsed.
	Tables map[string]*spec.Table
	// Diverged is set when the nodes answered with semantically different
	// rulesets.
	Diverged bool
	// Table is the agreed ruleset when every answering node reported the
	// same one, nil otherwise.
	Table *spec.Table
}

// Server coordinates all modules and exposes the verbs of the tool.
type Server struct {
	configMgr  *config.Manager
	dispatcher *dispatch.Dispatcher
	checker    probe.Checker
	logger     *zap.Logger
}

// NewServer initializes all modules and returns a ready Server.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	cfg := configMgr.GetConfig()
	runner, err := rcc.NewSSHRunner(
		cfg.SSH.GetUser(),
		cfg.SSH.KeyFile,
		cfg.SSH.GetPort(),
		cfg.SSH.GetTimeout(),
		logger.Named("rcc"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SSH runner: %w", err)
	}

	return newServerWithRunner(configMgr, runner, logger), nil
}

// newServerWithRunner wires a Server around a pre-created command runner.
// This allows tests to inject the in-memory node pair.
func newServerWithRunner(configMgr *config.Manager, runner rcc.Runner, logger *zap.Logger) *Server {
	cfg := configMgr.GetConfig()
	return &Server{
		configMgr:  configMgr,
		dispatcher: dispatch.NewDispatcher(runner, logger.Named("dispatch")),
		checker:    probe.NewTCPChecker(cfg.SSH.GetTimeout()),
		logger:     logger,
	}
}

// Build compiles the table specification and applies it to both nodes.
// It returns the overall status and one message per node outcome.
func (s *Server) Build(ctx context.Context, namespace string, t *spec.Table) (bool, []string) {
	operations, err := nft.Compile(namespace, t)
	if err != nil {
		return false, []string{fmt.Sprintf("compile failed: %v", err)}
	}

	nodes := s.configMgr.GetConfig().NodeAddresses()
	s.logger.Info("building table",
		zap.String("namespace", namespace),
		zap.String("table", t.Name),
		zap.Strings("nodes", nodes),
	)

	report := s.dispatcher.Apply(ctx, nodes, operations)
	return report.OverallStatus(), report.Messages()
}

// Read lists the named table on both nodes, parses each listing back into
// the model, and compares the nodes against each other. A node whose
// table is absent or unparsable fails the read; two healthy nodes with
// different rulesets mark the result diverged and the messages carry a
// unified diff of the listings.
func (s *Server) Read(ctx context.Context, namespace, table string) (bool, *ReadResult, []string) {
	nodes := s.configMgr.GetConfig().NodeAddresses()
	raw, report := s.dispatcher.Query(ctx, nodes, namespace, table)

	result := &ReadResult{
		Raw:    raw,
		Tables: make(map[string]*spec.Table, len(raw)),
	}
	messages := report.Messages()
	ok := report.OverallStatus()

	for _, node := range nodes {
		listing, answered := raw[node]
		if !answered {
			continue
		}
		parsed, err := nft.Parse(listing)
		if err != nil {
			ok = false
			messages = append(messages, fmt.Sprintf("node %s: cannot parse listing: %v", node, err))
			continue
		}
		result.Tables[node] = parsed
	}

	agreed := compareNodes(nodes, result, &messages)
	if result.Diverged {
		ok = false
	} else if ok {
		result.Table = agreed
	}

	return ok, result, messages
}

// compareNodes cross-checks the parsed tables of all answering nodes and
// returns the common ruleset, if any. Divergence details are appended to
// messages.
func compareNodes(nodes []string, result *ReadResult, messages *[]string) *spec.Table {
	var reference *spec.Table
	var referenceNode string

	for _, node := range nodes {
		parsed, exists := result.Tables[node]
		if !exists {
			continue
		}
		if reference == nil {
			reference = parsed
			referenceNode = node
			continue
		}
		if spec.Equal(reference, parsed) {
			continue
		}
		result.Diverged = true
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(result.Raw[referenceNode]),
			B:        difflib.SplitLines(result.Raw[node]),
			FromFile: referenceNode,
			ToFile:   node,
			Context:  3,
		})
		if err != nil {
			diff = fmt.Sprintf("diff unavailable: %v", err)
		}
		*messages = append(*messages, fmt.Sprintf("nodes %s and %s diverged:\n%s", referenceNode, node, strings.TrimRight(diff, "\n")))
	}
	return reference
}

// Scrub removes the named table from both nodes. Removal of an absent
// table succeeds, so scrub can be repeated safely.
func (s *Server) Scrub(ctx context.Context, namespace, table string) (bool, []string) {
	nodes := s.configMgr.GetConfig().NodeAddresses()
	s.logger.Info("scrubbing table",
		zap.String("namespace", namespace),
		zap.String("table", table),
		zap.Strings("nodes", nodes),
	)

	report := s.dispatcher.Remove(ctx, nodes, namespace, table)
	return report.OverallStatus(), report.Messages()
}

// Status probes the command channel of each node and reports per-node
// reachability with the probe latency.
func (s *Server) Status(ctx context.Context) (bool, []string) {
	cfg := s.configMgr.GetConfig()
	port := strconv.Itoa(cfg.SSH.GetPort())

	ok := true
	var messages []string
	for _, node := range cfg.NodeAddresses() {
		latency, err := s.checker.Check(net.JoinHostPort(node, port))
		if err != nil {
			ok = false
			messages = append(messages, fmt.Sprintf("node %s: unreachable: %v", node, err))
			continue
		}
		messages = append(messages, fmt.Sprintf("node %s: reachable in %s", node, latency.Round(time.Millisecond)))
	}
	return ok, messages
}

// Run starts the server in daemon mode: applies the table specification
// once, then watches both the specification file and the node config,
// rebuilding on every change until the context is cancelled.
func (s *Server) Run(ctx context.Context, namespace, specPath string) error {
	s.rebuild(ctx, namespace, specPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file itself so editors that
	// replace the file atomically keep triggering events.
	specDir := filepath.Dir(specPath)
	if err := watcher.Add(specDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", specDir, err)
	}

	s.configMgr.WatchConfig()
	s.logger.Info("watcher started",
		zap.String("spec_file", specPath),
		zap.String("namespace", namespace),
	)

	for {
		select {
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(specPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			s.logger.Info("spec file changed, rebuilding", zap.String("file", event.Name))
			s.rebuild(ctx, namespace, specPath)

		case err := <-watcher.Errors:
			s.logger.Error("watch error", zap.Error(err))

		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected, rebuilding")
			s.rebuild(ctx, namespace, specPath)

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			return nil
		}
	}
}

// rebuild loads the specification file and applies it, logging the
// outcome. A broken specification never interrupts the daemon.
func (s *Server) rebuild(ctx context.Context, namespace, specPath string) {
	t, err := spec.LoadTable(specPath)
	if err != nil {
		s.logger.Error("failed to load table spec, keeping previous ruleset", zap.Error(err))
		return
	}

	ok, messages := s.Build(ctx, namespace, t)
	for _, message := range messages {
		if ok {
			s.logger.Info(message)
			continue
		}
		s.logger.Warn(message)
	}
}
