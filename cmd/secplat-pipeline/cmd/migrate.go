package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return operate("migrate", func(ctx context.Context, rt *runtime) error {
			_, err := rt.migratedPool(ctx)

			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
