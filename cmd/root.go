// Package cmd holds the ume command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pliu/ume/internal/config"
	"github.com/pliu/ume/internal/logger"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ume",
	Short: "Presence-indexed real-time messaging relay",
	Long: `ume relays one-to-one chat messages and call signaling between
websocket clients, persisting every message and replaying undelivered ones
when the recipient reconnects.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command. Without a subcommand it serves.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path (default ./configs/ume.yaml or ./ume.yaml)")
	flags.String("addr", "", "http listen address")
	flags.String("store-driver", "", "message store driver: sqlite3, postgres, pebble or mongo")
	flags.String("store-dsn", "", "sql data source name")
	flags.String("log-level", "", "log level: debug, info, warn or error")
}

// loadConfig reads configuration and installs the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
