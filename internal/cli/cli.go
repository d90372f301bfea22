// Package cli holds the mailsync commands.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "mailsync",
	Short:         "Multi-tenant email sync engine",
	Long:          `mailsync mirrors Gmail and Outlook mailboxes into a local database and publishes every change as an event.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML or JSON config file (default $"+config.EnvPath+")")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration and sets up logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level := zerolog.InfoLevel
	if cfg.DebugMode || cfg.PrettyLogs {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Logger.Level(level)
	if cfg.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
