package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/protosync/internal/normalize"
	"github.com/JonMunkholm/protosync/internal/reconcile"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dryRun bool
		every  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Insert new and update changed records from the source sheet",
		Long: `Fetch the source sheet and reconcile it into the store.

New protocols are inserted, changed fields of known protocols are updated,
and nothing is ever deleted. Running the same sheet again changes nothing.
With --dry-run the run is planned and reported but nothing is written.
With --every the command keeps running and reconciles on that interval
until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if every > 0 && dryRun {
				return formatter(rootOpts, cmd).Fail(errors.New("--every cannot be combined with --dry-run"))
			}
			return runReconcile(cmd, rootOpts, dryRun, every)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan the run without writing")
	cmd.Flags().DurationVar(&every, "every", 0, "reconcile repeatedly on this interval (e.g. 15m)")
	return cmd
}

func runReconcile(cmd *cobra.Command, opts *RootOptions, dryRun bool, every time.Duration) error {
	out := formatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return out.Fail(err)
	}

	rules, err := loadRules(cfg.Sync.RulesFile)
	if err != nil {
		return out.Fail(err)
	}

	ctx := cmd.Context()
	if every <= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Sync.RunTimeout)
		defer cancel()
	}

	src, err := openSource(ctx, cfg.Source)
	if err != nil {
		return out.Fail(err)
	}

	s, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return out.Fail(err)
	}
	defer s.Close()

	engine := reconcile.NewEngine(s, normalize.New(rules), reconcile.Options{
		ChunkSize:       cfg.Sync.ChunkSize,
		OpTimeout:       cfg.Sync.OpTimeout,
		FetchTimeout:    cfg.Source.FetchTimeout,
		ChunksPerSecond: cfg.Sync.ChunksPerSecond,
		AutoRepair:      cfg.Sync.AutoRepair,
		ErrorSamples:    cfg.Sync.ErrorSamples,
	})

	if every > 0 {
		engine.RunEvery(ctx, src, reconcile.ScheduleOptions{
			Interval:   every,
			RunTimeout: cfg.Sync.RunTimeout,
		}, func(report *reconcile.RunReport, err error) {
			_ = out.Result(report, err, ExitFailure)
		})
		return nil
	}

	run := engine.Run
	if dryRun {
		run = engine.Plan
	}
	report, err := run(ctx, src)
	return out.Result(report, err, ExitFailure)
}
