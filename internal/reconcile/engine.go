// Package reconcile synchronizes the record store with a spreadsheet.
//
// A run fetches the sheet, normalizes every row, classifies each row against
// an index of the stored records and writes the inserts and updates in
// chunks. Rows never delete records. Running the same sheet twice is a
// no-op the second time.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/protosync/internal/logging"
	"github.com/JonMunkholm/protosync/internal/maintenance"
	"github.com/JonMunkholm/protosync/internal/normalize"
	"github.com/JonMunkholm/protosync/internal/record"
	"github.com/JonMunkholm/protosync/internal/source"
	"github.com/JonMunkholm/protosync/internal/store"
)

// Options tunes an Engine. Zero values fall back to the defaults below.
type Options struct {
	ChunkSize       int
	OpTimeout       time.Duration
	FetchTimeout    time.Duration
	ChunksPerSecond float64
	AutoRepair      bool
	ErrorSamples    int

	// Now is the clock used for report timestamps.
	Now func() time.Time
}

const (
	defaultChunkSize    = 500
	defaultErrorSamples = 50
)

// Engine runs reconciliations against one store.
type Engine struct {
	store      store.Store
	normalizer *normalize.Normalizer
	opts       Options
}

// NewEngine creates an Engine.
func NewEngine(s store.Store, n *normalize.Normalizer, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.ErrorSamples <= 0 {
		opts.ErrorSamples = defaultErrorSamples
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: s, normalizer: n, opts: opts}
}

// Run reconciles the store with src.
//
// Fetch and index-load failures stop the run before anything is written and
// are returned wrapping ErrSourceFetch or ErrStoreUnavailable. A lost store
// connection mid-run also returns ErrStoreUnavailable; chunks written before
// it stay written. All other write errors are counted in the report.
func (e *Engine) Run(ctx context.Context, src source.Source) (*RunReport, error) {
	return e.run(ctx, src, false)
}

// Plan classifies src against the store without writing anything.
func (e *Engine) Plan(ctx context.Context, src source.Source) (*RunReport, error) {
	return e.run(ctx, src, true)
}

func (e *Engine) run(ctx context.Context, src source.Source, dryRun bool) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.NewString(),
		DryRun:    dryRun,
		Source:    src.Name(),
		StartedAt: e.opts.Now(),
	}
	ctx = logging.ContextWithRunID(ctx, report.RunID)
	log := logging.WithFields(ctx, "op", "reconcile", "dry_run", dryRun)
	log.Info("run started", "source", report.Source)

	rows, err := e.fetch(ctx, src)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSourceFetch, err)
		e.finish(ctx, report, err)
		return report, err
	}

	incoming := make([]Incoming, len(rows))
	for i, row := range rows {
		incoming[i] = Incoming{Line: row.Line, Record: e.normalizer.Normalize(row)}
	}
	report.Rows = len(incoming)

	ix, err := BuildIndex(ctx, e.store)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		e.finish(ctx, report, err)
		return report, err
	}
	report.Collisions = ix.Collisions()
	for _, c := range report.Collisions {
		log.Warn("stored key held by several records, using the last loaded",
			"key", c.Key,
			"kept_id", c.KeptID,
			"dropped_ids", c.DroppedIDs,
		)
	}

	plan := Classify(incoming, ix)
	report.applyPlan(plan, e.opts.ErrorSamples)
	log.Info("batch classified",
		"rows", report.Rows,
		"inserts", len(plan.Inserts),
		"updates", len(plan.Updates),
		"unchanged", len(plan.Unchanged),
		"skipped", len(plan.Skipped),
		"duplicates", len(plan.Duplicates),
	)

	if dryRun {
		report.Inserted = len(plan.Inserts)
		report.Updated = len(plan.Updates)
		report.FieldsModified = plan.FieldsModified()
		e.finish(ctx, report, nil)
		return report, nil
	}

	exec := NewExecutor(e.store, e.opts.OpTimeout, e.opts.ErrorSamples)
	runErr := e.write(ctx, exec, plan.Ops(), report)
	report.Errors = exec.Errors()
	report.ErrorSamples = exec.ErrorSamples()

	if runErr == nil && len(report.Collisions) > 0 && e.opts.AutoRepair {
		e.repair(ctx, report)
	}

	e.finish(ctx, report, runErr)
	return report, runErr
}

func (e *Engine) fetch(ctx context.Context, src source.Source) ([]record.SourceRow, error) {
	fctx, cancel := ctx, context.CancelFunc(func() {})
	if e.opts.FetchTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, e.opts.FetchTimeout)
	}
	defer cancel()
	return src.Fetch(fctx)
}

// write executes ops in chunks, pacing chunks when a rate is configured.
func (e *Engine) write(ctx context.Context, exec *Executor, ops []store.WriteOp, report *RunReport) error {
	log := logging.FromContext(ctx)

	var limiter *rate.Limiter
	if e.opts.ChunksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opts.ChunksPerSecond), 1)
	}

	var total ChunkResult
	defer func() {
		report.Inserted = total.Inserted
		report.Updated = total.Updated
		report.FieldsModified = total.FieldsModified
		report.RaceSkipped = total.RaceSkipped
		report.Timeouts = total.Timeouts
	}()

	for start, chunk := 0, 0; start < len(ops); start, chunk = start+e.opts.ChunkSize, chunk+1 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run stopped after %d chunks: %w", chunk, err)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("run stopped after %d chunks: %w", chunk, err)
			}
		}

		end := min(start+e.opts.ChunkSize, len(ops))
		res, err := exec.Execute(ctx, ops[start:end])
		total.merge(res)
		if res.Fallback {
			report.Fallbacks++
		}
		if err != nil {
			log.Error("run stopped", "chunk", chunk, "error", err)
			return err
		}
		log.Info("chunk written",
			"chunk", chunk,
			"ops", end-start,
			"inserted", res.Inserted,
			"updated", res.Updated,
			"race_skipped", res.RaceSkipped,
		)
	}
	return nil
}

func (e *Engine) repair(ctx context.Context, report *RunReport) {
	log := logging.FromContext(ctx)
	log.Info("duplicate stored keys found, running repair", "collisions", len(report.Collisions))

	r := maintenance.NewRepairer(e.store, maintenance.RepairOptions{
		ChunkSize: e.opts.ChunkSize,
		OpTimeout: e.opts.OpTimeout,
		Now:       e.opts.Now,
	})
	rep, err := r.Run(ctx)
	report.Repair = rep
	if err != nil {
		log.Warn("automatic repair failed", "error", err)
		report.RepairError = err.Error()
	}
}

// finish counts the store, stamps the report and records the run.
func (e *Engine) finish(ctx context.Context, report *RunReport, runErr error) {
	// The run context may be the reason the run failed.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	log := logging.FromContext(ctx)

	cctx, cancel := e.opContext(ctx)
	n, err := e.store.Count(cctx)
	cancel()
	if err == nil {
		report.TotalAfter = n
	} else {
		report.TotalAfter = -1
		log.Warn("final count failed", "error", err)
	}

	report.FinishedAt = e.opts.Now()
	report.Status = store.RunStatusOK
	if runErr != nil {
		report.Status = store.RunStatusFailed
		report.Message = runErr.Error()
	}

	if !report.DryRun {
		e.recordRun(ctx, report)
	}

	log.Info("run finished",
		"status", report.Status,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"fields_modified", report.FieldsModified,
		"unchanged", report.Unchanged,
		"skipped", report.Skipped,
		"duplicates", report.Duplicates,
		"errors", report.Errors,
		"total_after", report.TotalAfter,
	)
}

func (e *Engine) recordRun(ctx context.Context, report *RunReport) {
	runLog, ok := e.store.(store.RunLog)
	if !ok {
		return
	}

	cctx, cancel := e.opContext(ctx)
	defer cancel()

	if err := runLog.RecordRun(cctx, report.entry()); err != nil {
		logging.FromContext(ctx).Warn("record run failed", "error", err)
	}
}

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.OpTimeout)
}
