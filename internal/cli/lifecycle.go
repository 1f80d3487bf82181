package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func newStartCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start or resume an experiment",
		Long: `Start a draft experiment or resume a paused one. Starting fails when a
running experiment already targets the same page element.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.svc.Start(ctx, args[0])
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment '%s' is now running.\n", e.ID)
				return nil
			})
		},
	}
}

func newPauseCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a running experiment",
		Long: `Pause a running experiment. Existing participants keep their variant;
new visitors are not assigned until the experiment is resumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.svc.Pause(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment '%s' is paused.\n", e.ID)
				return nil
			})
		},
	}
}

func newStopCmd(o *options) *cobra.Command {
	var winner string

	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Complete an experiment and record its winner",
		Long: `Complete a running or paused experiment. Metrics are frozen and the final
analysis is stored with the experiment.

Without --winner, an interactive terminal is asked to pick one; otherwise the
statistically declared winner, if any, is recorded.

Example:
  labgoat stop hero --winner ship-faster`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				id := args[0]
				if winner == "" && interactive() {
					e, err := a.svc.Get(ctx, id)
					if err != nil {
						return err
					}
					winner, err = promptWinner(e)
					if err != nil {
						return err
					}
				}

				e, err := a.svc.Stop(ctx, id, winner)
				if err != nil {
					return describe(err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Experiment '%s' has been completed.\n", e.ID)
				if e.WinnerID != "" {
					v, _ := e.Variant(e.WinnerID)
					fmt.Fprintf(out, "Winner: %s (\"%s\")\n", v.ID, v.Name)
				} else {
					fmt.Fprintln(out, "No winner recorded.")
				}
				if e.FinalResult != nil {
					fmt.Fprintln(out, e.FinalResult.Recommendation)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&winner, "winner", "w", "", "winning variant id")
	return cmd
}

// promptWinner asks for a winner. An empty id leaves the choice to the
// statistics.
func promptWinner(e *experiment.Experiment) (string, error) {
	items := []string{"Let the statistics decide"}
	for _, v := range e.Variants {
		label := fmt.Sprintf("%s (%s)", v.Name, v.ID)
		if v.Metrics.Visitors > 0 {
			label += fmt.Sprintf(" - %s of %s visitors converted",
				formatNumber(v.Metrics.Conversions), formatNumber(v.Metrics.Visitors))
		}
		items = append(items, label)
	}

	prompt := promptui.Select{
		Label: "Winning variant",
		Items: items,
		Size:  len(items),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			os.Exit(0)
		}
		return "", err
	}
	if idx == 0 {
		return "", nil
	}
	return e.Variants[idx-1].ID, nil
}
