package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/JonMunkholm/protosync/internal/source"
)

// ScheduleOptions configures RunEvery.
type ScheduleOptions struct {
	// Interval between run starts.
	Interval time.Duration

	// RunTimeout bounds each run; 0 means runs are bounded only by ctx.
	RunTimeout time.Duration
}

// RunEvery reconciles src immediately and then every Interval until ctx is
// cancelled. A failed run is logged and handed to onRun; it does not stop
// the schedule.
func (e *Engine) RunEvery(ctx context.Context, src source.Source, opts ScheduleOptions, onRun func(*RunReport, error)) {
	slog.Info("reconcile scheduler started", "interval", opts.Interval, "source", src.Name())

	e.scheduledRun(ctx, src, opts, onRun)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconcile scheduler stopped")
			return
		case <-ticker.C:
			e.scheduledRun(ctx, src, opts, onRun)
		}
	}
}

func (e *Engine) scheduledRun(ctx context.Context, src source.Source, opts ScheduleOptions, onRun func(*RunReport, error)) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
	}
	defer cancel()

	start := time.Now()
	report, err := e.Run(runCtx, src)
	if err != nil {
		slog.Error("scheduled run failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	}
	if onRun != nil {
		onRun(report, err)
	}
}
