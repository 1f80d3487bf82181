package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func newListCmd(o *options) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Long: `List experiments with their status and traffic.

Examples:
  labgoat list
  labgoat list --status running`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				list, err := a.svc.List(ctx, experiment.Status(status))
				if err != nil {
					return describe(err)
				}

				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No experiments yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with:")
					fmt.Fprintln(out, `  labgoat create hero --variants "Control,Treatment" --page / --element h1`)
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVARIANTS\tVISITORS\tCONVERSIONS\tCREATED")
				for _, e := range list {
					var visitors, conversions int64
					for _, v := range e.Variants {
						visitors += v.Metrics.Visitors
						conversions += v.Metrics.Conversions
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						e.ID,
						e.Name,
						strings.ToUpper(string(e.Status)),
						len(e.Variants),
						formatNumber(visitors),
						formatNumber(conversions),
						e.CreatedAt.Format("2006-01-02"),
					)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status: draft, running, paused, completed")
	return cmd
}
