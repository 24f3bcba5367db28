package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/protosync/internal/logging"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/store"
)

// ErrRepairIncomplete is returned when the re-scan after a repair still
// finds duplicate groups, typically because a writer raced the repair.
var ErrRepairIncomplete = errors.New("duplicates remain after repair")

// RepairOptions tunes a Repairer.
type RepairOptions struct {
	// DryRun reports what would be deleted without deleting.
	DryRun bool

	// ChunkSize caps the ids per delete call (default: 500).
	ChunkSize int

	// OpTimeout bounds each store call; 0 means no per-call bound.
	OpTimeout time.Duration

	// Now is the clock used for report timestamps.
	Now func() time.Time
}

// Repairer removes duplicate records, keeping the most recently touched
// record of each group.
type Repairer struct {
	store store.Store
	opts  RepairOptions
}

// NewRepairer creates a Repairer for s.
func NewRepairer(s store.Store, opts RepairOptions) *Repairer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Repairer{store: s, opts: opts}
}

// PassReport summarizes one grouping pass.
type PassReport struct {
	Pass    Pass  `json:"pass"`
	Groups  int   `json:"groups"`
	Deleted int64 `json:"deleted"`
}

// RepairReport is the outcome of a repair run.
type RepairReport struct {
	RunID      string         `json:"run_id"`
	DryRun     bool           `json:"dry_run"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Scanned    int            `json:"scanned"`
	Passes     []PassReport   `json:"passes"`
	Groups     []GroupSummary `json:"groups"`
	Kept       int            `json:"kept"`
	Deleted    int64          `json:"deleted"`
	Remaining  int            `json:"remaining"`
	TotalAfter int64          `json:"total_after"`
}

// GroupsFound returns the number of duplicate groups over both passes.
func (r *RepairReport) GroupsFound() int {
	n := 0
	for _, p := range r.Passes {
		n += p.Groups
	}
	return n
}

// Run repairs the store in two passes: exact protocol first, then the
// comparison key over what survived. After deleting it re-scans and
// returns ErrRepairIncomplete if any group is left.
//
// In dry-run mode the second pass is computed over the records the first
// pass would keep, and nothing is deleted.
func (r *Repairer) Run(ctx context.Context) (*RepairReport, error) {
	report := &RepairReport{
		RunID:     uuid.NewString(),
		DryRun:    r.opts.DryRun,
		StartedAt: r.opts.Now(),
	}
	if logging.RunID(ctx) == "" {
		ctx = logging.ContextWithRunID(ctx, report.RunID)
	}
	log := logging.WithFields(ctx, "op", "dedup", "dry_run", r.opts.DryRun)

	recs, err := r.load(ctx)
	if err != nil {
		return report, err
	}
	report.Scanned = len(recs)
	log.Info("repair started", "records", len(recs))

	for _, pass := range []Pass{PassExact, PassComparison} {
		groups := GroupRecords(recs, pass)
		pr := PassReport{Pass: pass, Groups: len(groups)}

		for _, g := range groups {
			log.Info("duplicate group",
				"pass", pass,
				"key", g.Key,
				"size", g.Size(),
				"kept_id", g.Keep.ID,
				"kept_touched", g.Keep.LastTouched(),
			)
		}

		if !r.opts.DryRun {
			deleted, err := r.deleteGroups(ctx, groups)
			pr.Deleted = deleted
			report.Deleted += deleted
			if err != nil {
				report.Passes = append(report.Passes, pr)
				r.finish(ctx, report, err)
				return report, err
			}
		}

		report.Passes = append(report.Passes, pr)
		report.Groups = append(report.Groups, Summarize(groups)...)
		report.Kept += len(groups)
		recs = survivors(recs, groups)
	}

	if r.opts.DryRun {
		report.Remaining = report.GroupsFound()
		cctx, cancel := r.opContext(ctx)
		if n, err := r.store.Count(cctx); err == nil {
			report.TotalAfter = n - int64(len(report.droppedIDs()))
		}
		cancel()
		report.FinishedAt = r.opts.Now()
		log.Info("repair planned", "groups", report.GroupsFound(), "would_delete", len(report.droppedIDs()))
		return report, nil
	}

	remaining, err := r.rescan(ctx)
	if err != nil {
		r.finish(ctx, report, err)
		return report, err
	}
	report.Remaining = len(remaining)

	if report.Remaining > 0 {
		err := fmt.Errorf("%w: %d groups", ErrRepairIncomplete, report.Remaining)
		r.finish(ctx, report, err)
		return report, err
	}

	r.finish(ctx, report, nil)
	log.Info("repair finished", "groups", report.GroupsFound(), "deleted", report.Deleted, "total_after", report.TotalAfter)
	return report, nil
}

func (r *Repairer) load(ctx context.Context) ([]record.ExistingRecord, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()

	recs, err := r.store.Keyed(cctx)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return recs, nil
}

func (r *Repairer) rescan(ctx context.Context) ([]Group, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()

	groups, err := FindDuplicateGroups(cctx, r.store)
	if err != nil {
		return nil, fmt.Errorf("re-scan: %w", err)
	}
	return groups, nil
}

// deleteGroups deletes the dropped records of groups in chunks.
func (r *Repairer) deleteGroups(ctx context.Context, groups []Group) (int64, error) {
	var ids []string
	for _, g := range groups {
		ids = append(ids, g.DropIDs()...)
	}

	var deleted int64
	for start := 0; start < len(ids); start += r.opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		end := min(start+r.opts.ChunkSize, len(ids))

		cctx, cancel := r.opContext(ctx)
		n, err := r.store.DeleteByIDs(cctx, ids[start:end])
		cancel()
		if err != nil {
			return deleted, fmt.Errorf("delete duplicates: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

// finish stamps the report, counts the store and records the run.
func (r *Repairer) finish(ctx context.Context, report *RepairReport, runErr error) {
	log := logging.FromContext(ctx)

	cctx, cancel := r.opContext(ctx)
	if n, err := r.store.Count(cctx); err == nil {
		report.TotalAfter = n
	} else {
		log.Warn("count after repair failed", "error", err)
	}
	cancel()

	report.FinishedAt = r.opts.Now()

	runLog, ok := r.store.(store.RunLog)
	if !ok {
		return
	}
	entry := store.RunEntry{
		ID:         report.RunID,
		Kind:       store.RunKindDedup,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Status:     store.RunStatusOK,
		Duplicates: report.GroupsFound(),
		Deleted:    int(report.Deleted),
		TotalAfter: report.TotalAfter,
	}
	if runErr != nil {
		entry.Status = store.RunStatusFailed
		entry.Message = runErr.Error()
	}

	cctx, cancel = r.opContext(ctx)
	defer cancel()
	if err := runLog.RecordRun(cctx, entry); err != nil {
		log.Warn("record run failed", "error", err)
	}
}

func (r *Repairer) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.OpTimeout)
}

func (r *RepairReport) droppedIDs() []string {
	var ids []string
	for _, g := range r.Groups {
		ids = append(ids, g.DroppedIDs...)
	}
	return ids
}

// survivors returns recs without the records groups drop.
func survivors(recs []record.ExistingRecord, groups []Group) []record.ExistingRecord {
	dropped := make(map[string]bool)
	for _, g := range groups {
		for _, id := range g.DropIDs() {
			dropped[id] = true
		}
	}
	if len(dropped) == 0 {
		return recs
	}

	out := make([]record.ExistingRecord, 0, len(recs)-len(dropped))
	for _, r := range recs {
		if !dropped[r.ID] {
			out = append(out, r)
		}
	}
	return out
}
