package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/protosync/internal/maintenance"
)

// NewEnforceUniqueCommand creates the enforce-unique command.
func NewEnforceUniqueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enforce-unique",
		Short: "Install the unique constraint on protocol numbers",
		Long: `Install the store's unique constraint on the whitespace-insensitive
protocol key. Does nothing when it already exists. When duplicates are
present nothing is created, the duplicate groups are listed and the command
exits non-zero; run dedup first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnforceUnique(cmd, rootOpts)
		},
	}
}

func runEnforceUnique(cmd *cobra.Command, opts *RootOptions) error {
	out := formatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return out.Fail(err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.RunTimeout)
	defer cancel()

	s, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return out.Fail(err)
	}
	defer s.Close()

	report, err := maintenance.EnforceUniqueness(ctx, s)
	if report == nil {
		return out.Result(nil, err, ExitFailure)
	}
	return out.Result(report, err, ExitFailure)
}
