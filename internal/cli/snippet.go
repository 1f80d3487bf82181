package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func newSnippetCmd(o *options) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "snippet <id>",
		Short: "Print the page integration for an experiment",
		Long: `Print the HTML that wires a page to an experiment through /labgoat.js.

After a winner is recorded, the snippet shows the winning variant's changes
as static markup instead (no experiment logic).

Example:
  labgoat snippet hero --server-url https://ab.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.svc.Get(ctx, args[0])
				if err != nil {
					return err
				}

				url := serverURL
				if url == "" {
					url = a.cfg.Server.PublicURL
				}
				if url == "" && interactive() {
					if url, err = promptServerURL(); err != nil {
						return err
					}
				}
				if url == "" {
					url = "http://localhost" + a.cfg.Server.Addr
				}

				printSnippet(cmd.OutOrStdout(), e, strings.TrimRight(url, "/"))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "public server URL (e.g., https://ab.example.com)")
	return cmd
}

func promptServerURL() (string, error) {
	defaultURL := os.Getenv("LABGOAT_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	prompt := promptui.Prompt{
		Label:   "Server URL",
		Default: defaultURL,
	}

	result, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			os.Exit(0)
		}
		return "", err
	}
	return result, nil
}

func printSnippet(out io.Writer, e *experiment.Experiment, serverURL string) {
	tag := elementTag(e.Targeting.Element)

	if e.Status == experiment.StatusCompleted && e.WinnerID != "" {
		v, _ := e.Variant(e.WinnerID)
		fmt.Fprintf(out, "<!-- %s: winner %q, no experiment script needed -->\n", e.ID, v.Name)
		fmt.Fprintln(out, staticMarkup(tag, v))
		return
	}

	fmt.Fprintf(out, "<script src=\"%s/labgoat.js\" defer></script>\n\n", serverURL)
	if e.Targeting.Page != "" {
		fmt.Fprintf(out, "<!-- on %s -->\n", e.Targeting.Page)
	}
	fmt.Fprintf(out, "<%s data-labgoat-experiment=\"%s\">...</%s>\n", tag, e.ID, tag)
	fmt.Fprintf(out, "<button data-labgoat-convert=\"%s\" data-labgoat-goal=\"%s\">...</button>\n", e.ID, e.PrimaryGoal.ID)

	if !e.PrimaryGoal.Binary() {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "<!-- report %s with a value: labgoat.convert(%q, %q, amount) -->\n",
			e.PrimaryGoal.Type, e.ID, e.PrimaryGoal.ID)
	}
}

// elementTag picks a tag name from a CSS selector such as "h1.hero" or
// "button.cta". Selectors without a leading tag fall back to div.
func elementTag(selector string) string {
	tag := selector
	if i := strings.IndexAny(tag, ".#[: >"); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return "div"
	}
	return tag
}

func staticMarkup(tag string, v *experiment.Variant) string {
	var attrs []string
	text := "..."
	for _, c := range v.Changes {
		switch c.Attribute {
		case "text", "html":
			text = c.Value
		default:
			attrs = append(attrs, fmt.Sprintf("%s=%q", c.Attribute, c.Value))
		}
	}
	open := tag
	if len(attrs) > 0 {
		open += " " + strings.Join(attrs, " ")
	}
	return fmt.Sprintf("<%s>%s</%s>", open, text, tag)
}
