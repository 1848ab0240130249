// Package main implements the concierge CLI: a terminal chat client
// for the wedding assistant and a local dev agent emulator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/config"
	"github.com/vowsmith/concierge/internal/logging"
)

// Version information, set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	userID     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "concierge",
	Short: "Realtime wedding assistant client",
	Long: `concierge is a terminal client for the VowSmith wedding assistant.
It maintains a realtime session with the agent service, reconciles the
live transcript with persisted history, and recovers from connection
drops automatically.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id for the realtime session")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("concierge %s (commit %s, built %s)\n", version, commit, date)
	},
}

// loadConfig loads layered configuration and builds the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
