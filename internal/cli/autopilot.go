package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/headline-goat/labgoat/internal/autopilot"
	"github.com/headline-goat/labgoat/internal/experiment"
)

func newAutopilotCmd(o *options) *cobra.Command {
	var (
		top    int
		create bool
		owner  string
	)

	cmd := &cobra.Command{
		Use:   "autopilot <signals.json>",
		Short: "Propose experiments from page performance",
		Long: `Rank optimization opportunities from page performance signals and propose
a hypothesis for each of the top opportunities. With --create, each
hypothesis becomes a draft experiment; drafts are never started automatically.

The file holds a JSON array of signals, or an object with a "signals" array:
  [{"page": "/pricing", "element": "button.cta", "visitors": 20000,
    "conversionRate": 0.01, "bounceRate": 0.7, "timeOnPage": 20,
    "clickThroughRate": 0.02}]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if top < 0 {
				return fmt.Errorf("--top must not be negative, got %d", top)
			}
			signals, err := readSignals(args[0])
			if err != nil {
				return err
			}

			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				analyzer := autopilot.NewAnalyzer(autopilot.DefaultBenchmarks(), a.logger)
				generator := autopilot.NewGenerator(nil, a.publisher(), a.logger)
				builder := autopilot.NewBuilder(autopilot.BuilderConfig{
					MinTrafficPerVariation: a.cfg.Builder.MinTrafficPerVariation,
					MaxTreatments:          a.cfg.Builder.MaxTreatments,
					Defaults: experiment.StatisticalSettings{
						ConfidenceLevel:         a.cfg.Stats.ConfidenceLevel,
						Power:                   a.cfg.Stats.Power,
						MinimumDetectableEffect: a.cfg.Stats.MinimumDetectableEffect,
					},
				})

				opps, err := analyzer.Analyze(ctx, signals)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(opps) == 0 {
					fmt.Fprintln(out, "No opportunities found: every signal meets the benchmarks.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PAGE\tELEMENT\tTYPE\tSEVERITY\tIMPACT\tSCORE")
				for _, opp := range opps {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%.2f\n",
						opp.Page, opp.Element, opp.ElementType, opp.Severity, opp.PotentialImpact, opp.Score)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				if top > len(opps) {
					top = len(opps)
				}
				for _, opp := range opps[:top] {
					h, err := generator.Generate(ctx, opp)
					if err != nil {
						return err
					}
					fmt.Fprintln(out)
					fmt.Fprintf(out, "HYPOTHESIS (priority %.1f): %s\n", h.Priority, h.Statement)
					for _, c := range h.ProposedChanges {
						fmt.Fprintf(out, "  - %s: %s\n", c.Name, c.Description)
					}

					if !create {
						continue
					}
					draft, err := builder.Build(autopilot.BuildRequest{Hypothesis: h, Owner: owner})
					if err != nil {
						return describe(err)
					}
					created, err := a.svc.Create(ctx, draft)
					if err != nil {
						return describe(err)
					}
					fmt.Fprintf(out, "  Created draft %s with %d variants (min %s visitors each)\n",
						created.ID, len(created.Variants), formatNumber(created.Settings.MinimumSampleSize))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&top, "top", 3, "number of opportunities to propose hypotheses for")
	cmd.Flags().BoolVar(&create, "create", false, "save each hypothesis as a draft experiment")
	cmd.Flags().StringVar(&owner, "owner", "", "owner recorded on created drafts")
	return cmd
}

func readSignals(path string) ([]autopilot.Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc struct {
		Signals []autopilot.Signal `json:"signals" validate:"required,min=1,dive"`
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &doc.Signals)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if err := validator.New().Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid signals in %s: %w", path, err)
	}
	return doc.Signals, nil
}
