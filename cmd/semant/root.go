package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nicholaskb/semant/internal/config"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "semant",
	Short: "semant - capability-driven workflow orchestration engine",
	Long: `semant orchestrates multi-agent workflows: capability-tagged steps
are dispatched to registered worker agents through a claim-based scheduler,
with human-in-the-loop review gates and an append-only provenance log
persisted as RDF triples.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default $SEMANT_HOME/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(provenanceCmd)
}

// defaultConfigPath resolves the config file location from the flag, the
// SEMANT_HOME environment variable, or the default home directory.
func defaultConfigPath() string {
	if configFile != "" {
		return configFile
	}
	home := os.Getenv("SEMANT_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			home = filepath.Join(os.TempDir(), ".semant")
		} else {
			home = filepath.Join(userHome, ".semant")
		}
	}
	return filepath.Join(home, "config.yaml")
}

// loadConfig loads and validates configuration, falling back to defaults
// when no config file exists.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader(config.NewValidator())
	cfg, err := loader.LoadWithDefaults(defaultConfigPath())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
