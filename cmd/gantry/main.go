package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gantry/internal/broker"
	"gantry/internal/config"
	"gantry/internal/logging"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Loaded per invocation
	cfg *config.Config

	// Logger for the CLI edge; component logs go to the categorized files.
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "gantry - durable task broker and review pipeline",
	Long: `gantry coordinates a fleet of workers over a durable SQLite task queue.

Tasks enter through accepted plan artifacts, are handed out lane by lane
under time-bounded leases, and leave only through the review gavel. All
state lives under .gantry/ in the workspace.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		cfg, err = config.Load(configPath())
		if err != nil {
			return err
		}
		cfg.Workspace = workspace

		return logging.Initialize(cfg.StateDir(), logging.Settings{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func configPath() string {
	return filepath.Join(workspace, ".gantry", "config.yaml")
}

// openBroker wires a broker for one command invocation.
func openBroker() (*broker.Broker, error) {
	b, err := broker.New(cfg)
	if err != nil {
		logger.Error("broker startup failed", zap.Error(err))
		return nil, err
	}
	return b, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(acceptPlanCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(readinessCmd)
	rootCmd.AddCommand(msgCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
