package main

import (
	"fmt"
	"os"

	"github.com/maneesh/dropvault/internal/config"
	"github.com/maneesh/dropvault/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	logger logging.Logger

	inMemory bool
)

var rootCmd = &cobra.Command{
	Use:   "dropvault",
	Short: "DropVault - ephemeral encrypted transfers and a PIN-gated vault",
	Long: `DropVault serves two things over HTTP:

  transfers  anonymous encrypted uploads fetched by a 6-character code,
             optionally password protected, removed once they expire
  vault      per-email encrypted file storage unlocked with a PIN

Configuration comes from the environment and an optional .env file.`,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func setup(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if inMemory {
		cfg.BlobBackend = "memory"
	}

	logger = logging.New(os.Stdout, cfg.Env, cfg.LogLevel).With("service", cfg.ServiceName)
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false,
		"keep records, blobs and rate-limit state in process memory (development only)")

	rootCmd.AddCommand(serveCmd, migrateCmd, reapCmd)
}
