// Package ingest turns a single input file into writes against the output
// dataset.
package ingest

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/hepnos-dataloader/internal/domain/ingest"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

// Result describes what loading one file produced.
type Result struct {
	Run      uint64
	SubRun   uint64
	Tables   int
	Events   int
	Products int
}

// Processor loads files into one dataset through a write batch. It is not
// safe for concurrent use; every worker gets its own.
type Processor struct {
	batch  *ingest.WriteBatch
	reader ingest.TableReader
	async  bool

	logger *logger.Logger
	tracer trace.Tracer
}

// NewProcessor returns a processor writing through batch. When async is set
// the batch is only flushed when full (and by the caller at the end);
// otherwise every file is flushed before Process returns.
func NewProcessor(
	batch *ingest.WriteBatch,
	reader ingest.TableReader,
	async bool,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Processor {
	if reader == nil {
		reader = ingest.NoTables{}
	}
	return &Processor{
		batch:  batch,
		reader: reader,
		async:  async,
		logger: logger.With("component", "processor"),
		tracer: tracer,
	}
}

// Process loads filename. When it fails, the file's writes that are still
// buffered are discarded; a *ingest.FlushError in the returned chain also
// names earlier files whose writes were lost with the rejected flush.
func (p *Processor) Process(ctx context.Context, filename string) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.process_file",
		trace.WithAttributes(
			attribute.String("file", filename),
			attribute.String("dataset", p.batch.DataSet()),
		))
	defer span.End()

	cp := p.batch.Checkpoint()
	res, err := p.process(ctx, filename)
	if err != nil {
		if n := p.batch.Rollback(cp); n > 0 {
			p.logger.Debug(ctx, "discarded unflushed writes of failed file", "file", filename, "operations", n)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Int64("run", int64(res.Run)),
		attribute.Int64("subrun", int64(res.SubRun)),
		attribute.Int("events", res.Events),
	)
	return res, nil
}

func (p *Processor) process(ctx context.Context, filename string) (Result, error) {
	run, subRun, err := ingest.ParseRunNumbers(filename)
	if err != nil {
		return Result{}, err
	}
	res := Result{Run: run, SubRun: subRun}
	key := ingest.SubRunKey{Run: run, SubRun: subRun}

	if err := p.batch.CreateRun(ctx, run); err != nil {
		return res, fmt.Errorf("creating run %d: %w", run, err)
	}
	if err := p.batch.CreateSubRun(ctx, key); err != nil {
		return res, fmt.Errorf("creating subrun %d/%d: %w", run, subRun, err)
	}

	tables, err := p.reader.ReadTables(ctx, filename)
	if err != nil {
		return res, fmt.Errorf("reading %s: %w", filename, err)
	}
	res.Tables = len(tables)

	for _, tbl := range tables {
		err := ingest.GroupEvents(tbl.Events, func(event uint64, rows int) error {
			ev := ingest.EventKey{Run: run, SubRun: subRun, Event: event}
			if err := p.batch.CreateEvent(ctx, ev); err != nil {
				return err
			}
			res.Events++
			res.Products++
			return p.batch.StoreProduct(ctx, ingest.Product{
				Event: ev,
				Label: ingest.DefaultProductLabel,
				Table: tbl.Name,
				Rows:  rows,
			})
		})
		if err != nil {
			return res, fmt.Errorf("storing table %s: %w", tbl.Name, err)
		}
	}

	if err := p.batch.RecordFile(ctx, key, filename); err != nil {
		return res, fmt.Errorf("recording %s: %w", filename, err)
	}

	if !p.async {
		if err := p.batch.Flush(ctx); err != nil {
			return res, err
		}
	}

	p.logger.Debug(ctx, "file processed",
		"file", filename,
		"run", run,
		"subrun", subRun,
		"tables", res.Tables,
		"events", res.Events,
	)
	return res, nil
}

// Flush writes whatever the batch still buffers.
func (p *Processor) Flush(ctx context.Context) error { return p.batch.Flush(ctx) }

// Stats returns the write batch statistics.
func (p *Processor) Stats() ingest.Stats { return p.batch.Stats() }
