// Package cmd is the operator CLI over the indexing engine: migration
// control, aggregate reports, health checks and index maintenance.
package cmd

import (
	"fmt"
	"os"

	agentindex "github.com/agentic-commerce/agentindex"
	"github.com/agentic-commerce/agentindex/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	backendName string
	primaryPath string
	indexPath   string
	configPath  string
	logPath     string
	logLevel    string
	verbose     bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&backendName, "backend", "b", "normalized", "Primary store backend (legacy|normalized)")
	pf.StringVarP(&primaryPath, "orders", "o", "orders.db", "Path to the primary order store")
	pf.StringVarP(&indexPath, "index", "i", "agentindex.db", "Path to the index store")
	pf.StringVarP(&configPath, "config", "c", "", "Path to an HCL config file")
	pf.StringVar(&logPath, "log-file", "", "Write structured logs to this file")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log to the console as well")
}

var rootCmd = &cobra.Command{
	Use:           "agentindex",
	Short:         "Agent order indexing and migration engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// openEngine builds an engine from the global flags. The caller owns
// Close.
func openEngine() (*agentindex.Engine, func(), error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}
	log, closer, err := logging.New(logging.Options{
		Path:    logPath,
		Console: verbose,
		Level:   level,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}

	eng, err := agentindex.Open(agentindex.Options{
		Backend:     agentindex.Backend(backendName),
		PrimaryPath: primaryPath,
		IndexPath:   indexPath,
		ConfigPath:  configPath,
		Logger:      log,
		Inline:      true, // CLI runs drive batches synchronously
	})
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, err
	}
	cleanup := func() {
		_ = eng.Close()
		if closer != nil {
			_ = closer.Close()
		}
	}
	return eng, cleanup, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
