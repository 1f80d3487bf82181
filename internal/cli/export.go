package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func newExportCmd(o *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export the raw conversion log",
		Long: `Export an experiment's conversion log in CSV or JSON format.

Examples:
  labgoat export hero --format csv > hero-conversions.csv
  labgoat export hero --format json > hero-conversions.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				log, err := a.svc.Conversions(ctx, args[0])
				if err != nil {
					return err
				}
				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), log)
				}
				return exportJSON(cmd.OutOrStdout(), args[0], log)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

func exportCSV(out io.Writer, log []*experiment.ConversionEvent) error {
	w := csv.NewWriter(out)

	if err := w.Write([]string{"timestamp", "event_id", "variant", "participant", "goal", "value", "last_seen"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, c := range log {
		value := ""
		if c.Value != nil {
			value = strconv.FormatFloat(*c.Value, 'f', -1, 64)
		}
		row := []string{
			c.Timestamp.UTC().Format(time.RFC3339),
			c.ID,
			c.VariantID,
			c.ParticipantID,
			c.GoalID,
			value,
			c.LastSeenAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	ExperimentID string                        `json:"experimentId"`
	Conversions  []*experiment.ConversionEvent `json:"conversions"`
}

func exportJSON(out io.Writer, id string, log []*experiment.ConversionEvent) error {
	if log == nil {
		log = []*experiment.ConversionEvent{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(jsonExport{ExperimentID: id, Conversions: log})
}
