package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FlushError reports a flush the Applier rejected. Its operations were
// discarded; Files lists the files whose RecordFile was among them, so those
// files are not loaded.
type FlushError struct {
	DataSet    string
	Operations int
	Files      []string
	Err        error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flushing %d operations into %s: %v", e.Operations, e.DataSet, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// OpKind enumerates the writes a WriteBatch buffers.
type OpKind uint8

const (
	OpCreateRun OpKind = iota + 1
	OpCreateSubRun
	OpCreateEvent
	OpStoreProduct
	OpRecordFile
)

func (k OpKind) String() string {
	switch k {
	case OpCreateRun:
		return "create_run"
	case OpCreateSubRun:
		return "create_subrun"
	case OpCreateEvent:
		return "create_event"
	case OpStoreProduct:
		return "store_product"
	case OpRecordFile:
		return "record_file"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is one buffered write. Only the fields relevant to Kind are set.
type Op struct {
	Kind    OpKind
	Event   EventKey
	Product Product
	File    string
}

// Applier persists a group of writes into a dataset. Creating something that
// already exists is not an error.
type Applier interface {
	Apply(ctx context.Context, dataset string, ops []Op) error
}

// Stats summarises what a WriteBatch has written so far.
type Stats struct {
	Runs     int64
	SubRuns  int64
	Events   int64
	Products int64
	Files    int64

	Flushes       int64
	Operations    int64
	LargestFlush  int
	SmallestFlush int
	FlushTime     time.Duration

	FailedFlushes     int64
	DroppedOperations int64
}

// Merge adds the statistics of another batch into s.
func (s *Stats) Merge(o Stats) {
	s.Runs += o.Runs
	s.SubRuns += o.SubRuns
	s.Events += o.Events
	s.Products += o.Products
	s.Files += o.Files
	s.Flushes += o.Flushes
	s.Operations += o.Operations
	s.FlushTime += o.FlushTime
	s.FailedFlushes += o.FailedFlushes
	s.DroppedOperations += o.DroppedOperations
	if o.LargestFlush > s.LargestFlush {
		s.LargestFlush = o.LargestFlush
	}
	if o.SmallestFlush > 0 && (s.SmallestFlush == 0 || o.SmallestFlush < s.SmallestFlush) {
		s.SmallestFlush = o.SmallestFlush
	}
}

// MeanFlush is the average number of operations per flush.
func (s Stats) MeanFlush() float64 {
	if s.Flushes == 0 {
		return 0
	}
	return float64(s.Operations) / float64(s.Flushes)
}

// LogValues renders the statistics as logger key/value pairs.
func (s Stats) LogValues() []any {
	return []any{
		"runs", s.Runs,
		"subruns", s.SubRuns,
		"events", s.Events,
		"products", s.Products,
		"files", s.Files,
		"flushes", s.Flushes,
		"operations", s.Operations,
		"largest_flush", s.LargestFlush,
		"smallest_flush", s.SmallestFlush,
		"mean_flush", s.MeanFlush(),
		"flush_time", s.FlushTime.String(),
		"failed_flushes", s.FailedFlushes,
		"dropped_operations", s.DroppedOperations,
	}
}

// WriteBatch buffers writes into one dataset and hands them to an Applier in
// groups of at most Size operations. A size of zero or less writes every
// operation through immediately. A flush the Applier rejects is discarded
// rather than retried. It is safe for concurrent use.
type WriteBatch struct {
	mu      sync.Mutex
	applier Applier
	dataset string
	size    int
	pending []Op
	// added counts every operation ever queued; the pending ones are the
	// last len(pending) of them.
	added int64
	stats Stats
	now   func() time.Time
}

// NewWriteBatch returns a batch writing into dataset through applier.
func NewWriteBatch(applier Applier, dataset string, size int) *WriteBatch {
	return &WriteBatch{applier: applier, dataset: dataset, size: size, now: time.Now}
}

// DataSet is the path the batch writes into.
func (b *WriteBatch) DataSet() string { return b.dataset }

// CreateRun queues creation of a run.
func (b *WriteBatch) CreateRun(ctx context.Context, run uint64) error {
	return b.add(ctx, Op{Kind: OpCreateRun, Event: EventKey{Run: run}})
}

// CreateSubRun queues creation of a subrun. Its run must already exist or be
// queued earlier in the same batch.
func (b *WriteBatch) CreateSubRun(ctx context.Context, key SubRunKey) error {
	return b.add(ctx, Op{Kind: OpCreateSubRun, Event: EventKey{Run: key.Run, SubRun: key.SubRun}})
}

// CreateEvent queues creation of an event under an existing subrun.
func (b *WriteBatch) CreateEvent(ctx context.Context, key EventKey) error {
	return b.add(ctx, Op{Kind: OpCreateEvent, Event: key})
}

// StoreProduct queues a product for an existing event. Storing the same
// label and table twice replaces the row count.
func (b *WriteBatch) StoreProduct(ctx context.Context, p Product) error {
	return b.add(ctx, Op{Kind: OpStoreProduct, Event: p.Event, Product: p})
}

// RecordFile queues the bookkeeping entry saying filename was loaded into
// the given subrun.
func (b *WriteBatch) RecordFile(ctx context.Context, key SubRunKey, filename string) error {
	return b.add(ctx, Op{Kind: OpRecordFile, Event: EventKey{Run: key.Run, SubRun: key.SubRun}, File: filename})
}

// Flush writes every pending operation.
func (b *WriteBatch) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Checkpoint marks the current end of the batch for a later Rollback.
func (b *WriteBatch) Checkpoint() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.added
}

// Rollback discards the operations queued since cp that have not been flushed
// yet and returns how many were discarded. Flushed operations stay written.
func (b *WriteBatch) Rollback(cp int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := b.added - int64(len(b.pending))
	if cp < first {
		cp = first
	}
	n := int(b.added - cp)
	if n <= 0 {
		return 0
	}
	clear(b.pending[len(b.pending)-n:])
	b.pending = b.pending[:len(b.pending)-n]
	b.added = cp
	return n
}

// Pending reports how many operations are buffered.
func (b *WriteBatch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stats returns a snapshot of the batch statistics.
func (b *WriteBatch) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *WriteBatch) add(ctx context.Context, op Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, op)
	b.added++
	if b.size > 0 && len(b.pending) < b.size {
		return nil
	}
	return b.flushLocked(ctx)
}

func (b *WriteBatch) flushLocked(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}

	n := len(b.pending)
	start := b.now()
	if err := b.applier.Apply(ctx, b.dataset, b.pending); err != nil {
		ferr := &FlushError{DataSet: b.dataset, Operations: n, Err: err}
		for _, op := range b.pending {
			if op.Kind == OpRecordFile {
				ferr.Files = append(ferr.Files, op.File)
			}
		}
		b.stats.FailedFlushes++
		b.stats.DroppedOperations += int64(n)
		b.reset()
		return ferr
	}

	for _, op := range b.pending {
		switch op.Kind {
		case OpCreateRun:
			b.stats.Runs++
		case OpCreateSubRun:
			b.stats.SubRuns++
		case OpCreateEvent:
			b.stats.Events++
		case OpStoreProduct:
			b.stats.Products++
		case OpRecordFile:
			b.stats.Files++
		}
	}
	b.stats.Flushes++
	b.stats.Operations += int64(n)
	b.stats.FlushTime += b.now().Sub(start)
	if n > b.stats.LargestFlush {
		b.stats.LargestFlush = n
	}
	if b.stats.SmallestFlush == 0 || n < b.stats.SmallestFlush {
		b.stats.SmallestFlush = n
	}
	b.reset()
	return nil
}

func (b *WriteBatch) reset() {
	clear(b.pending)
	b.pending = b.pending[:0]
}
