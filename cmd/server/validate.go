package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/warp/reconciliation-engine/config"
)

func newValidateConfigCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the effective configuration",
		Long: `validate-config loads the configuration the server would start with
(file, .env and RECON_* environment) and reports every violation. It exits
non-zero when the configuration is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			return reportConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

// reportConfig prints the reconciliation defaults and any violations.
func reportConfig(w io.Writer, cfg *config.Config) error {
	r := cfg.Reconciliation
	fmt.Fprintln(w, "reconciliation defaults:")
	fmt.Fprintf(w, "  max_reconciliation_days: %d\n", r.MaxReconciliationDays)
	fmt.Fprintf(w, "  stability_period_days:   %d\n", r.StabilityPeriodDays)
	fmt.Fprintf(w, "  check_frequency_hours:   %d\n", r.CheckFrequencyHours)
	fmt.Fprintf(w, "  thresholds:              membership %.2f%%, clubs %d, distinguished %.2f%%\n",
		r.SignificantChangeThresholds.MembershipPercent,
		r.SignificantChangeThresholds.ClubCountAbsolute,
		r.SignificantChangeThresholds.DistinguishedPercent)
	fmt.Fprintf(w, "  auto_extension_enabled:  %t (max %d days)\n", r.AutoExtensionEnabled, r.MaxExtensionDays)

	violations := r.Validate()
	for _, v := range violations {
		fmt.Fprintf(w, "invalid reconciliation.%s\n", v)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(w, "configuration is valid")
	return nil
}
