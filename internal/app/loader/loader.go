// Package loader runs one rank of a loading job: rank 0 fills the work queue
// from the input list, then every rank pulls file names and loads them into
// the output dataset until the queue reports it is empty.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	appingest "github.com/ahrav/hepnos-dataloader/internal/app/ingest"
	"github.com/ahrav/hepnos-dataloader/internal/domain/ingest"
	"github.com/ahrav/hepnos-dataloader/internal/domain/workqueue"
	"github.com/ahrav/hepnos-dataloader/pkg/common"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
	"github.com/ahrav/hepnos-dataloader/pkg/metrics"
)

// drainTimeout bounds the final flush after an interrupt.
const drainTimeout = 30 * time.Second

// Config is the part of the job configuration the loader needs.
type Config struct {
	Rank      int
	Input     string
	Output    string
	Threads   int
	BatchSize int
	Async     bool
	RateLimit float64
}

// Summary reports what a rank did.
type Summary struct {
	Pushed    int64
	Processed int64
	Failed    int64
	Drained   int
	Stats     ingest.Stats
}

// Loader drives a single rank.
type Loader struct {
	cfg     Config
	queue   workqueue.Queue
	store   ingest.Store
	reader  ingest.TableReader
	limiter *common.RateLimiter
	metrics metrics.LoaderMetrics

	logger *logger.Logger
	tracer trace.Tracer
}

// New returns a loader for one rank. reader may be nil, in which case file
// contents are not decoded.
func New(
	cfg Config,
	queue workqueue.Queue,
	store ingest.Store,
	reader ingest.TableReader,
	metrics metrics.LoaderMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Loader {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	return &Loader{
		cfg:     cfg,
		queue:   queue,
		store:   store,
		reader:  reader,
		limiter: common.NewRateLimiter(cfg.RateLimit),
		metrics: metrics,
		logger:  logger.With("component", "loader"),
		tracer:  tracer,
	}
}

// Run loads files until the queue is exhausted or ctx is cancelled. It does
// not close the queue. When ctx is cancelled on the rank that owns the queue,
// the remaining items are discarded so the other ranks stop promptly; Run
// then returns the context error.
func (l *Loader) Run(ctx context.Context) (sum Summary, err error) {
	ctx, span := l.tracer.Start(ctx, "loader.run", trace.WithAttributes(
		attribute.Int("rank", l.cfg.Rank),
		attribute.String("dataset", l.cfg.Output),
	))
	defer span.End()

	drained := make(chan int, 1)
	stopDrain := func() bool { return true }
	if d, ok := l.queue.(workqueue.Drainer); ok {
		stopDrain = context.AfterFunc(ctx, func() {
			n := d.Drain(context.WithoutCancel(ctx))
			l.logger.Warn(ctx, "interrupted, discarded pending work", "items", n)
			drained <- n
		})
	}
	defer func() {
		if !stopDrain() {
			sum.Drained = <-drained
		}
	}()

	if l.cfg.Rank == 0 {
		if err := l.store.EnsureDataSet(ctx, l.cfg.Output); err != nil {
			return sum, fmt.Errorf("creating output dataset %s: %w", l.cfg.Output, err)
		}
		pushed, err := l.fill(ctx)
		sum.Pushed = pushed
		if err != nil {
			return sum, err
		}
	}

	if err := l.queue.ReadOnly(ctx); err != nil {
		return sum, fmt.Errorf("marking queue read-only: %w", err)
	}

	// Every worker owns its write batch, so a flush only ever carries the
	// files of the worker that issued it.
	procs := make([]*appingest.Processor, l.cfg.Threads)
	for w := range procs {
		batch := ingest.NewWriteBatch(l.store, l.cfg.Output, l.cfg.BatchSize)
		procs[w] = appingest.NewProcessor(batch, l.reader, l.cfg.Async, l.logger, l.tracer)
	}

	var tally tally
	g, gctx := errgroup.WithContext(ctx)
	for _, proc := range procs {
		g.Go(func() error {
			return l.work(gctx, proc, &tally)
		})
	}
	workErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	var flushErrs []error
	for _, proc := range procs {
		if err := proc.Flush(flushCtx); err != nil {
			l.revoke(ctx, err, "", &tally)
			flushErrs = append(flushErrs, err)
		}
		sum.Stats.Merge(proc.Stats())
	}
	flushErr := errors.Join(flushErrs...)
	sum.Processed = tally.processed.Load()
	sum.Failed = tally.failed.Load()

	l.logger.Info(ctx, "work completed", "processed", sum.Processed, "failed", sum.Failed)
	l.logger.Info(ctx, "write batch statistics", sum.Stats.LogValues()...)

	if workErr != nil {
		return sum, workErr
	}
	if flushErr != nil {
		return sum, fmt.Errorf("final flush: %w", flushErr)
	}
	return sum, ctx.Err()
}

// fill pushes every input entry into the queue.
func (l *Loader) fill(ctx context.Context) (int64, error) {
	var pushed int64
	err := ForEachInput(l.cfg.Input, func(name string) error {
		if err := l.queue.Push(ctx, name); err != nil {
			return fmt.Errorf("pushing %s: %w", name, err)
		}
		pushed++
		l.metrics.IncItemsPushed()
		return nil
	})
	if err != nil {
		return pushed, err
	}
	l.logger.Info(ctx, "input queued", "input", l.cfg.Input, "files", pushed)
	return pushed, nil
}

// tally counts file outcomes across workers.
type tally struct {
	processed atomic.Int64
	failed    atomic.Int64
}

func (l *Loader) work(ctx context.Context, proc *appingest.Processor, t *tally) error {
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil
		}

		name, err := l.queue.Pull(ctx)
		switch {
		case errors.Is(err, workqueue.ErrEmptyQueue):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("pulling work: %w", err)
		}

		l.logger.Info(ctx, "processing file", "file", name)
		var res appingest.Result
		err = l.metrics.TrackFile(func() error {
			var perr error
			res, perr = proc.Process(ctx, name)
			return perr
		})
		if err != nil {
			l.revoke(ctx, err, name, t)
			if ctx.Err() != nil {
				return nil
			}
			t.failed.Add(1)
			l.metrics.IncFilesFailed()
			l.logger.Error(ctx, "failed to process file", "file", name, "error", err)
			continue
		}
		t.processed.Add(1)
		l.metrics.ObserveEvents(res.Events)
	}
}

// revoke moves the files an earlier Process reported as loaded, but whose
// writes were lost with the flush behind err, from processed to failed.
// current is the file whose processing returned err; it is accounted for by
// the caller.
func (l *Loader) revoke(ctx context.Context, err error, current string, t *tally) {
	var ferr *ingest.FlushError
	if !errors.As(err, &ferr) {
		return
	}
	for _, name := range ferr.Files {
		if name == current {
			continue
		}
		t.processed.Add(-1)
		t.failed.Add(1)
		l.metrics.IncFilesFailed()
		l.logger.Error(ctx, "file lost with a rejected flush", "file", name, "error", ferr.Err)
	}
}
