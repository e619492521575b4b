package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oversight-labs/phasegate/pkg/config"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/sla"
)

// loadPolicySource builds the SLA policy source for cfg. The second return
// is non-nil when policies come from a watchable file; a missing file means
// no phase carries an SLA rather than an error.
func loadPolicySource(cfg *config.Config, logger *slog.Logger) (sla.Source, *sla.FileSource, error) {
	if _, err := os.Stat(cfg.SLA.PolicyFile); err != nil {
		logger.Warn("sla: policy file missing, no phase carries an SLA", "path", cfg.SLA.PolicyFile)
		return sla.NewStaticSource(nil), nil, nil
	}
	fileSource, err := sla.NewFileSource(cfg.SLA.PolicyFile, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load sla policies: %w", err)
	}
	return fileSource, fileSource, nil
}

func parseTimeFlag(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}

func newSLACommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sla",
		Short: "SLA compliance and metrics",
	}
	cmd.AddCommand(
		newSLAComplianceCommand(configPath),
		newSLAMetricsCommand(configPath),
	)
	return cmd
}

func newSLAComplianceCommand(configPath *string) *cobra.Command {
	var (
		cycleID   int64
		reportID  int64
		phaseFlag string
	)

	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Check SLA compliance for a report's phases",
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

			names := phase.Names()
			if phaseFlag != "" {
				name, err := phase.Parse(phaseFlag)
				if err != nil {
					return err
				}
				names = []phase.Name{name}
			}

			results := make([]*sla.Compliance, 0, len(names))
			for _, name := range names {
				res, err := tracker.CheckCompliance(ctx, cycleID, reportID, name)
				if err != nil {
					return err
				}
				results = append(results, res)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderCompliance(results))
			return nil
		},
	}

	cmd.Flags().Int64Var(&cycleID, "cycle", 0, "test cycle id")
	cmd.Flags().Int64Var(&reportID, "report", 0, "report id")
	cmd.Flags().StringVar(&phaseFlag, "phase", "", "restrict to one phase")
	_ = cmd.MarkFlagRequired("cycle")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func newSLAMetricsCommand(configPath *string) *cobra.Command {
	var fromFlag, toFlag, phaseFlag string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Aggregate SLA compliance over a window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := cfg.Log.NewLogger(os.Stderr)

			now := time.Now().UTC()
			from, to := now.AddDate(0, 0, -30), now
			if fromFlag != "" {
				if from, err = parseTimeFlag(fromFlag); err != nil {
					return err
				}
			}
			if toFlag != "" {
				if to, err = parseTimeFlag(toFlag); err != nil {
					return err
				}
			}
			var only *phase.Name
			if phaseFlag != "" {
				name, err := phase.Parse(phaseFlag)
				if err != nil {
					return err
				}
				only = &name
			}

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

			metrics, err := tracker.Metrics(ctx, from, to, only)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderMetrics(metrics))
			return nil
		},
	}

	cmd.Flags().StringVar(&fromFlag, "from", "", "window start (RFC3339 or YYYY-MM-DD, default 30 days ago)")
	cmd.Flags().StringVar(&toFlag, "to", "", "window end (default now)")
	cmd.Flags().StringVar(&phaseFlag, "phase", "", "restrict to one phase")
	return cmd
}
