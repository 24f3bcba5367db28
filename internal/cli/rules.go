package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/protosync/internal/normalize"
)

// NewRulesCommand creates the rules command. It needs no database.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and summarize the normalization rules",
		Long: `Load the business rules used to normalize sheet rows and print the size
of each rule table. Without --file the SYNC_RULES_FILE override is used,
or the built-in rules when it is unset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRules(cmd, rootOpts, file)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "rules YAML file to validate")
	return cmd
}

type rulesReport struct {
	Source  string            `json:"source"`
	Summary normalize.Summary `json:"summary"`
}

func (r *rulesReport) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Rules: %s\n\n", r.Source); err != nil {
		return err
	}
	s := r.Summary
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Header aliases:\t%d\n", s.HeaderAliases)
	fmt.Fprintf(tw, "Absent tokens:\t%d\n", s.AbsentTokens)
	fmt.Fprintf(tw, "Theme organizations:\t%d\n", s.ThemeOrganizations)
	fmt.Fprintf(tw, "Unit aliases:\t%d\n", s.UnitAliases)
	fmt.Fprintf(tw, "Sector ombudsman units:\t%d\n", s.SectorOmbudsmanUnit)
	fmt.Fprintf(tw, "Channel aliases:\t%d\n", s.ChannelAliases)
	fmt.Fprintf(tw, "Concluded statuses:\t%d\n", s.ConcludedStatuses)
	fmt.Fprintf(tw, "Date layouts:\t%d\n", s.DateLayouts)
	return tw.Flush()
}

func runRules(cmd *cobra.Command, opts *RootOptions, file string) error {
	out := formatter(opts, cmd)

	if file == "" {
		file = os.Getenv("SYNC_RULES_FILE")
	}

	rules, err := loadRules(file)
	if err != nil {
		return out.Result(nil, err, ExitFailure)
	}

	name := file
	if name == "" {
		name = "built-in"
	}
	return out.Result(&rulesReport{Source: name, Summary: rules.Summary()}, nil, ExitFailure)
}
