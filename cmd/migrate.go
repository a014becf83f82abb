package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/stayrace/internal/db"
	"github.com/example/stayrace/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}
			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
			if err != nil {
				return err
			}
			defer d.Close()

			applied, err := migrate.Up(ctx, d)
			for _, f := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", f)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
}
