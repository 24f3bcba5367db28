package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/protosync/internal/logging"
	"github.com/JonMunkholm/protosync/internal/store"
)

// ErrorEntry is one recovered write error in a run report.
type ErrorEntry struct {
	Key     string `json:"key"`
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorLog counts errors and keeps the first few as samples.
type errorLog struct {
	limit   int
	count   int
	samples []ErrorEntry
}

func (l *errorLog) add(key, op string, err error) {
	l.count++
	if len(l.samples) >= l.limit {
		return
	}
	l.samples = append(l.samples, ErrorEntry{
		Key:     key,
		Op:      op,
		Code:    store.Code(err),
		Message: err.Error(),
	})
}

// ChunkResult is the outcome of executing one chunk of operations.
type ChunkResult struct {
	Inserted       int
	Updated        int
	FieldsModified int
	RaceSkipped    int
	Timeouts       int
	Fallback       bool
}

func (r *ChunkResult) merge(o ChunkResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.FieldsModified += o.FieldsModified
	r.RaceSkipped += o.RaceSkipped
	r.Timeouts += o.Timeouts
}

// Executor applies write operations to a store.
//
// A chunk goes to the store as one bulk write. When the bulk write raises,
// the chunk is replayed record by record. Inserts re-check their key first
// and again on a duplicate-key error, so a record written by a concurrent
// run is skipped rather than duplicated.
type Executor struct {
	store     store.Store
	opTimeout time.Duration
	errors    *errorLog
}

// NewExecutor creates an Executor. Each store call is bounded by opTimeout
// when it is positive; recovered errors are sampled up to samples.
func NewExecutor(s store.Store, opTimeout time.Duration, samples int) *Executor {
	return &Executor{
		store:     s,
		opTimeout: opTimeout,
		errors:    &errorLog{limit: samples},
	}
}

// Errors returns the number of recovered errors so far.
func (e *Executor) Errors() int { return e.errors.count }

// ErrorSamples returns the sampled errors.
func (e *Executor) ErrorSamples() []ErrorEntry { return e.errors.samples }

// Execute writes one chunk. The returned error is non-nil only when the
// run must stop: the store is unreachable or ctx is done.
func (e *Executor) Execute(ctx context.Context, ops []store.WriteOp) (ChunkResult, error) {
	var res ChunkResult
	log := logging.FromContext(ctx)

	bctx, cancel := e.opContext(ctx)
	bulk, err := e.store.BulkWrite(bctx, ops)
	cancel()

	if err != nil {
		if fatal := e.fatal(ctx, err); fatal != nil {
			return res, fatal
		}
		log.Warn("bulk write failed, retrying per record", "ops", len(ops), "error", err)
		res.Fallback = true
		err = e.perRecord(ctx, ops, &res)
		return res, err
	}

	res.Inserted = bulk.Inserted
	res.Updated = bulk.Updated

	failed := make(map[int]bool, len(bulk.Failed))
	for _, f := range bulk.Failed {
		failed[f.Index] = true
	}
	for i, op := range ops {
		if op.Kind == store.OpUpdate && !failed[i] {
			res.FieldsModified += op.Changes.Count()
		}
	}

	for _, f := range bulk.Failed {
		op := ops[f.Index]
		if op.Kind == store.OpInsert && store.Classify(f.Err) == store.KindDuplicate {
			if err := e.insertOne(ctx, op, &res); err != nil {
				return res, err
			}
			continue
		}
		if fatal := e.fatal(ctx, f.Err); fatal != nil {
			return res, fatal
		}
		e.record(ctx, op, f.Err, &res)
	}
	return res, nil
}

func (e *Executor) perRecord(ctx context.Context, ops []store.WriteOp, res *ChunkResult) error {
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch op.Kind {
		case store.OpInsert:
			err = e.insertOne(ctx, op, res)
		case store.OpUpdate:
			err = e.updateOne(ctx, op, res)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// insertOne inserts a single record unless its key already exists.
func (e *Executor) insertOne(ctx context.Context, op store.WriteOp, res *ChunkResult) error {
	log := logging.FromContext(ctx)

	cctx, cancel := e.opContext(ctx)
	exists, err := e.store.ExistsByKey(cctx, op.Key)
	cancel()
	if err != nil {
		if fatal := e.fatal(ctx, err); fatal != nil {
			return fatal
		}
		e.record(ctx, op, err, res)
		return nil
	}
	if exists {
		log.Debug("key already present, insert skipped", "key", op.Key)
		res.RaceSkipped++
		return nil
	}

	cctx, cancel = e.opContext(ctx)
	_, err = e.store.Insert(cctx, op.Key, op.Record)
	cancel()
	switch {
	case err == nil:
		res.Inserted++
	case store.Classify(err) == store.KindDuplicate:
		log.Debug("key inserted concurrently, insert skipped", "key", op.Key)
		res.RaceSkipped++
	default:
		if fatal := e.fatal(ctx, err); fatal != nil {
			return fatal
		}
		e.record(ctx, op, err, res)
	}
	return nil
}

func (e *Executor) updateOne(ctx context.Context, op store.WriteOp, res *ChunkResult) error {
	cctx, cancel := e.opContext(ctx)
	err := e.store.Update(cctx, op.ID, op.Changes)
	cancel()

	if err != nil {
		if fatal := e.fatal(ctx, err); fatal != nil {
			return fatal
		}
		e.record(ctx, op, err, res)
		return nil
	}
	res.Updated++
	res.FieldsModified += op.Changes.Count()
	return nil
}

// fatal returns the error that stops the run, or nil when err is
// recoverable.
func (e *Executor) fatal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if store.IsConnection(err) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (e *Executor) record(ctx context.Context, op store.WriteOp, err error, res *ChunkResult) {
	if errors.Is(err, context.DeadlineExceeded) || store.Classify(err) == store.KindTimeout {
		res.Timeouts++
	}
	logging.FromContext(ctx).Warn("write failed",
		"op", op.Kind.String(),
		"key", op.Key,
		"id", op.ID,
		"code", store.Code(err),
		"error", err,
	)
	e.errors.add(string(op.Key), op.Kind.String(), err)
}

func (e *Executor) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opTimeout)
}
