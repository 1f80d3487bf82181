package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/headline-goat/labgoat/internal/config"
)

// options carries the state shared by every command in one tree.
type options struct {
	v       *viper.Viper
	cfgFile string
}

func NewRootCmd() *cobra.Command {
	o := &options{v: config.New()}

	cmd := &cobra.Command{
		Use:   "labgoat",
		Short: "labgoat - a self-hosted experimentation engine",
		Long: `labgoat runs A/B and multivariate experiments for marketing pages.

It assigns visitors deterministically, records conversions, tests
significance, and can propose new experiments from page performance.

Running without a subcommand starts the server (same as 'labgoat serve').`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.ReadFile(o.v, o.cfgFile)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&o.cfgFile, "config", "", "config file (YAML or JSON)")
	pf.String("db", "", "database path (default ./labgoat.db)")
	pf.String("driver", "", "store driver: sqlite or badger (default sqlite)")
	pf.String("log-level", "", "log level: debug, info, warn, error (default info)")
	o.v.BindPFlag("store.path", pf.Lookup("db"))
	o.v.BindPFlag("store.driver", pf.Lookup("driver"))
	o.v.BindPFlag("log.level", pf.Lookup("log-level"))

	serve := newServeCmd(o)
	cmd.RunE = serve.RunE
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(
		serve,
		newCreateCmd(o),
		newListCmd(o),
		newResultsCmd(o),
		newStartCmd(o),
		newPauseCmd(o),
		newStopCmd(o),
		newValidateCmd(o),
		newSampleSizeCmd(o),
		newExportCmd(o),
		newAutopilotCmd(o),
		newSnippetCmd(o),
	)
	return cmd
}

func Execute() error {
	return NewRootCmd().Execute()
}
