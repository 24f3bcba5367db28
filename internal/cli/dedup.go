package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/protosync/internal/maintenance"
)

// NewDedupCommand creates the dedup command.
func NewDedupCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Remove duplicate records, keeping the most recently updated",
		Long: `Find records that share a protocol number and delete all but the most
recently updated one of each group.

Two passes run: records with byte-identical protocols first, then records
whose protocols differ only in whitespace. The store is re-scanned afterwards
and the command fails if any duplicates remain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDedup(cmd, rootOpts, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted")
	return cmd
}

func runDedup(cmd *cobra.Command, opts *RootOptions, dryRun bool) error {
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

	report, err := maintenance.NewRepairer(s, maintenance.RepairOptions{
		DryRun:    dryRun,
		ChunkSize: cfg.Sync.ChunkSize,
		OpTimeout: cfg.Sync.OpTimeout,
	}).Run(ctx)
	return out.Result(report, err, ExitFailure)
}
