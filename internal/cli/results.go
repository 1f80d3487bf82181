package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func newResultsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "results <id>",
		Short: "Show detailed results for an experiment",
		Long:  `Show conversion rates, confidence intervals and significance against the control.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := a.svc.Results(ctx, e.ID)
				if err != nil {
					return err
				}
				printResults(cmd, e, res)
				return nil
			})
		},
	}
}

func printResults(cmd *cobra.Command, e *experiment.Experiment, res *experiment.StatisticalResult) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "EXPERIMENT: %s (%s)\n", e.Name, e.ID)
	fmt.Fprintf(out, "STATUS: %s\n", strings.ToUpper(string(e.Status)))
	fmt.Fprintf(out, "GOAL: %s\n", e.PrimaryGoal.Name)
	fmt.Fprintf(out, "CREATED: %s\n", e.CreatedAt.Format("2006-01-02"))
	fmt.Fprintln(out)

	fmt.Fprintf(out, "VARIANT           VISITORS  CONVERSIONS  RATE     %.0f%% CI\n", res.ConfidenceLevel)
	fmt.Fprintln(out, strings.Repeat("─", 64))

	for _, v := range res.Variants {
		indicator := ""
		switch {
		case v.VariantID == res.WinnerID:
			indicator = " ← WINNER"
		case v.IsControl:
			indicator = " (control)"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		if v.Visitors == 0 {
			ciStr = "N/A"
		}

		name := v.Name
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Fprintf(out, "%-16s  %-8d  %-11d  %-7s  %s%s\n",
			name, v.Visitors, v.Conversions, formatPercent(v.Rate), ciStr, indicator)
	}

	if len(res.Goals) > 0 && len(res.Goals[0].Comparisons) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "VS CONTROL        LIFT      CONFIDENCE  SIGNIFICANT")
		fmt.Fprintln(out, strings.Repeat("─", 64))
		for _, c := range res.Goals[0].Comparisons {
			sig := "no"
			if c.Significant {
				sig = "yes"
			}
			fmt.Fprintf(out, "%-16s  %-8s  %-10s  %s\n",
				c.VariantID, fmt.Sprintf("%+.1f%%", c.Lift*100), fmt.Sprintf("%.1f%%", c.Confidence), sig)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, res.Recommendation)
}
