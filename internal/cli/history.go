package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/protosync/internal/store"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent reconcile and dedup runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, rootOpts, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

// historyReport lists runs newest first.
type historyReport struct {
	Runs []store.RunEntry `json:"runs"`
}

const historyTimeLayout = "2006-01-02 15:04:05"

func (h *historyReport) WriteText(w io.Writer) error {
	if len(h.Runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKIND\tSTATUS\tINSERTED\tUPDATED\tFIELDS\tDUPLICATES\tERRORS\tDELETED\tTOTAL\tID")
	for _, r := range h.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.StartedAt.UTC().Format(historyTimeLayout),
			r.Kind,
			r.Status,
			r.Inserted,
			r.Updated,
			r.FieldsModified,
			r.Duplicates,
			r.Errors,
			r.Deleted,
			r.TotalAfter,
			r.ID,
		)
	}
	return tw.Flush()
}

func runHistory(cmd *cobra.Command, opts *RootOptions, limit int) error {
	out := formatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return out.Fail(err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.OpTimeout)
	defer cancel()

	s, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return out.Fail(err)
	}
	defer s.Close()

	runLog, ok := s.(store.RunLog)
	if !ok {
		return out.Fail(errors.New("store does not keep run history"))
	}

	runs, err := runLog.RecentRuns(ctx, limit)
	if err != nil {
		return out.Result(nil, fmt.Errorf("load history: %w", err), ExitFailure)
	}
	return out.Result(&historyReport{Runs: runs}, nil, ExitFailure)
}
