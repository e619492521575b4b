package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oversight-labs/phasegate/pkg/config"
	"github.com/oversight-labs/phasegate/pkg/lifecycle"
	"github.com/oversight-labs/phasegate/pkg/sla"
	"github.com/oversight-labs/phasegate/pkg/workflow"
)

func newStatusCommand(configPath *string) *cobra.Command {
	var cycleID, reportID int64

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workflow state for a report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cycleID <= 0 || reportID <= 0 {
				return fmt.Errorf("--cycle and --report must be positive")
			}
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

			policies, _, err := loadPolicySource(cfg, logger)
			if err != nil {
				return err
			}
			tracker := sla.NewTracker(st, policies).WithLogger(logger)

			engine := lifecycle.NewEngine(st).WithLogger(logger)
			coordinator := workflow.NewCoordinator(st, engine).
				WithTracker(tracker).
				WithLogger(logger)

			state, err := coordinator.Status(ctx, cycleID, reportID)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderState(state))
			return nil
		},
	}

	cmd.Flags().Int64Var(&cycleID, "cycle", 0, "test cycle id")
	cmd.Flags().Int64Var(&reportID, "report", 0, "report id")
	_ = cmd.MarkFlagRequired("cycle")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}
