package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oversight-labs/phasegate/pkg/api"
	"github.com/oversight-labs/phasegate/pkg/config"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Creates the phase record, cycle state, audit chain and idempotency tables
if they do not exist, then rewrites legacy status literals ("completed",
"COMPLETE", "in_progress", ...) to their canonical casing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := cfg.Log.NewLogger(os.Stderr)

			db, st, _, err := openStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := api.NewSQLIdempotencyStore(db, idempotencyTTL).Init(ctx); err != nil {
				return fmt.Errorf("init idempotency store: %w", err)
			}

			normalized, err := st.NormalizeLegacyStatuses(ctx)
			if err != nil {
				return fmt.Errorf("normalize statuses: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successStyle.Render("schema up to date"))
			if normalized > 0 {
				fmt.Fprintf(out, "normalized %d legacy status value(s)\n", normalized)
			}
			return nil
		},
	}
}
