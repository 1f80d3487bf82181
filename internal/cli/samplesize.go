package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/labgoat/internal/stats"
)

func newSampleSizeCmd(o *options) *cobra.Command {
	var in stats.SampleSizeInput

	cmd := &cobra.Command{
		Use:   "sample-size",
		Short: "Plan how many visitors an experiment needs",
		Long: `Compute the visitors each variant needs to detect a relative lift.
Confidence, power and daily traffic default to the configured values.

Example:
  labgoat sample-size --baseline 0.05 --mde 0.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.SampleSize(in)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Baseline rate\t%s\n", formatPercent(res.BaselineRate))
			fmt.Fprintf(w, "Target rate\t%s\n", formatPercent(res.TargetRate))
			fmt.Fprintf(w, "Variants\t%d\n", res.Variants)
			fmt.Fprintf(w, "Per variant\t%s\n", formatNumber(res.PerVariant))
			fmt.Fprintf(w, "Total\t%s\n", formatNumber(res.Total))
			if res.DailyTraffic > 0 {
				fmt.Fprintf(w, "Estimated days\t%d (at %s visitors/day)\n", res.EstimatedDays, formatNumber(res.DailyTraffic))
			}
			return w.Flush()
		},
	}

	f := cmd.Flags()
	f.Float64Var(&in.BaselineRate, "baseline", 0, "current conversion rate, e.g. 0.05 (required)")
	f.Float64Var(&in.MinimumDetectableEffect, "mde", 0, "relative lift to detect, e.g. 0.2 (required)")
	f.Float64Var(&in.ConfidenceLevel, "confidence", 0, "confidence level in percent")
	f.Float64Var(&in.Power, "power", 0, "statistical power in percent")
	f.IntVar(&in.Variants, "variants", 2, "number of variants including control")
	f.Int64Var(&in.DailyTraffic, "daily-traffic", 0, "visitors per day")
	cmd.MarkFlagRequired("baseline")
	cmd.MarkFlagRequired("mde")
	return cmd
}
