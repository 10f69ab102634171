package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/ezfw/pkg/server"
	"github.com/easzlab/ezfw/pkg/spec"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
	namespace  string
	tableName  string
	specPath   string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezfw",
		Short: "ezfw - declarative nftables manager for redundant node pairs",
		Long:  "Compiles declarative firewall specifications into nftables rulesets and keeps both nodes of a redundant pair in sync.",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ezfw/ezfw.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "network namespace on the nodes")
	rootCmd.PersistentFlags().StringVarP(&tableName, "table", "t", "", "nftables table name")

	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newReadCommand())
	rootCmd.AddCommand(newScrubCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile a table spec and apply it to both nodes",
		RunE:  runBuild,
	}
	cmd.Flags().StringVarP(&specPath, "file", "f", "", "path to table spec file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "List the live table on both nodes and compare them",
		RunE:  runRead,
	}
}

func newScrubCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scrub",
		Short: "Remove the table from both nodes",
		RunE:  runScrub,
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe reachability of both nodes",
		RunE:  runStatus,
	}
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply a table spec and rebuild on every change",
		RunE:  runWatch,
	}
	cmd.Flags().StringVarP(&specPath, "file", "f", "", "path to table spec file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezfw version %s\n", version)
		},
	}
}

// runBuild compiles one spec file and applies it to both nodes.
func runBuild(cmd *cobra.Command, args []string) error {
	if namespace == "" {
		return fmt.Errorf("--namespace is required")
	}

	logger := newLogger()
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	t, err := spec.LoadTable(specPath)
	if err != nil {
		return fmt.Errorf("failed to load table spec: %w", err)
	}

	ok, messages := srv.Build(cmd.Context(), namespace, t)
	return printOutcome(ok, messages)
}

// runRead lists the live table on both nodes and reports divergence.
func runRead(cmd *cobra.Command, args []string) error {
	if namespace == "" || tableName == "" {
		return fmt.Errorf("--namespace and --table are required")
	}

	logger := newLogger()
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ok, result, messages := srv.Read(cmd.Context(), namespace, tableName)
	for node, listing := range result.Raw {
		fmt.Printf("--- %s ---\n%s\n", node, listing)
	}
	return printOutcome(ok, messages)
}

// runScrub removes the table from both nodes.
func runScrub(cmd *cobra.Command, args []string) error {
	if namespace == "" || tableName == "" {
		return fmt.Errorf("--namespace and --table are required")
	}

	logger := newLogger()
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ok, messages := srv.Scrub(cmd.Context(), namespace, tableName)
	return printOutcome(ok, messages)
}

// runStatus probes both nodes without touching their rulesets.
func runStatus(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ok, messages := srv.Status(cmd.Context())
	return printOutcome(ok, messages)
}

// runWatch starts the rebuild-on-change daemon with signal handling.
func runWatch(cmd *cobra.Command, args []string) error {
	if namespace == "" {
		return fmt.Errorf("--namespace is required")
	}

	logger := newLogger()
	defer logger.Sync()

	logger.Info("starting ezfw",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("spec_file", specPath),
	)

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx, namespace, specPath)
}

// printOutcome writes the per-node messages and turns an overall failure
// into a nonzero exit.
func printOutcome(ok bool, messages []string) error {
	for _, message := range messages {
		fmt.Println(message)
	}
	if !ok {
		return fmt.Errorf("one or more nodes failed")
	}
	return nil
}

// newLogger creates a production zap logger with console encoding for readability.
func newLogger() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
