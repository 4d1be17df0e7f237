package main

import (
	"errors"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if inMemory {
			return errors.New("nothing to migrate with --in-memory")
		}
		return migrate(cmd.Context())
	},
}
