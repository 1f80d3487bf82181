package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func newValidateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an experiment definition",
		Long: `Validate a JSON or YAML experiment definition without saving it.
Defaults are applied first, exactly as 'create' would.

Example:
  labgoat validate hero.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := readDefinition(args[0])
			if err != nil {
				return err
			}

			a, err := o.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.svc.Validate(e)
			out := cmd.OutOrStdout()
			if report.Valid {
				fmt.Fprintf(out, "%s is valid.\n", args[0])
				return nil
			}

			fmt.Fprintf(out, "%s has %d problem(s):\n", args[0], len(report.Errors))
			for _, v := range report.Errors {
				fmt.Fprintf(out, "  - %s [%s]\n", v, v.Code)
			}
			return fmt.Errorf("validation failed")
		},
	}
}

// readDefinition loads a definition file. Viper parses the file by
// extension and the result is re-decoded into the experiment type;
// json field matching is case-insensitive, so lowered keys still bind.
func readDefinition(path string) (*experiment.Experiment, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	switch ext {
	case "json", "yaml", "yml":
	default:
		return nil, fmt.Errorf("unsupported definition format %q: use .json, .yaml or .yml", ext)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	raw, err := json.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	var e experiment.Experiment
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &e, nil
}
