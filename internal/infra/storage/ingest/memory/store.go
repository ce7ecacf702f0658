// Package memory provides an in-process ingest.Store used by tests and by
// single-rank runs with a memory:// connection.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ahrav/hepnos-dataloader/internal/domain/ingest"
)

var _ ingest.Store = (*Store)(nil)

type productKey struct {
	label string
	table string
}

type subRun struct {
	events map[uint64]map[productKey]int
	files  map[string]struct{}
}

type dataSet struct {
	runs map[uint64]map[uint64]*subRun
}

// Store keeps every dataset in maps guarded by a single mutex.
type Store struct {
	mu       sync.Mutex
	datasets map[string]*dataSet
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{datasets: make(map[string]*dataSet)}
}

// EnsureDataSet creates every missing component of path.
func (s *Store) EnsureDataSet(_ context.Context, path string) error {
	prefixes, err := ingest.DataSetPrefixes(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prefixes {
		if _, ok := s.datasets[p]; !ok {
			s.datasets[p] = &dataSet{runs: make(map[uint64]map[uint64]*subRun)}
		}
	}
	return nil
}

// HasDataSet reports whether path exists.
func (s *Store) HasDataSet(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.datasets[path]
	return ok, nil
}

// Apply writes ops into dataset. Either every op is applied or none is.
func (s *Store) Apply(_ context.Context, dataset string, ops []ingest.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.datasets[dataset]
	if !ok {
		return fmt.Errorf("%w: %s", ingest.ErrUnknownDataSet, dataset)
	}

	// Every change records how to revert it, so a failing op only costs
	// the writes of its own batch.
	var undo []func()
	for _, op := range ops {
		revert, err := ds.apply(op)
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
			return err
		}
		if revert != nil {
			undo = append(undo, revert)
		}
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Runs lists the run numbers of a dataset in ascending order.
func (s *Store) Runs(dataset string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.datasets[dataset]
	if !ok {
		return nil
	}
	runs := make([]uint64, 0, len(ds.runs))
	for r := range ds.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i] < runs[j] })
	return runs
}

// SubRuns lists the subrun numbers of a run in ascending order.
func (s *Store) SubRuns(dataset string, run uint64) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.datasets[dataset]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(ds.runs[run]))
	for sr := range ds.runs[run] {
		out = append(out, sr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Events lists the events of a subrun in ascending order.
func (s *Store) Events(dataset string, key ingest.SubRunKey) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := s.subRunLocked(dataset, key)
	if sr == nil {
		return nil
	}
	out := make([]uint64, 0, len(sr.events))
	for e := range sr.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProductRows returns the row count stored for an event's product.
func (s *Store) ProductRows(dataset string, key ingest.EventKey, label, table string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := s.subRunLocked(dataset, key.SubRunKey())
	if sr == nil {
		return 0, false
	}
	rows, ok := sr.events[key.Event][productKey{label: label, table: table}]
	return rows, ok
}

// Files lists the files recorded against a subrun, sorted.
func (s *Store) Files(dataset string, key ingest.SubRunKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := s.subRunLocked(dataset, key)
	if sr == nil {
		return nil
	}
	out := make([]string, 0, len(sr.files))
	for f := range sr.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (s *Store) subRunLocked(dataset string, key ingest.SubRunKey) *subRun {
	ds, ok := s.datasets[dataset]
	if !ok {
		return nil
	}
	return ds.runs[key.Run][key.SubRun]
}

// apply performs op and returns a function reverting it, or nil when op
// changed nothing.
func (ds *dataSet) apply(op ingest.Op) (func(), error) {
	k := op.Event
	switch op.Kind {
	case ingest.OpCreateRun:
		if _, ok := ds.runs[k.Run]; ok {
			return nil, nil
		}
		ds.runs[k.Run] = make(map[uint64]*subRun)
		return func() { delete(ds.runs, k.Run) }, nil
	case ingest.OpCreateSubRun:
		run, ok := ds.runs[k.Run]
		if !ok {
			return nil, fmt.Errorf("%w: run %d", ingest.ErrMissingParent, k.Run)
		}
		if _, ok := run[k.SubRun]; ok {
			return nil, nil
		}
		run[k.SubRun] = &subRun{
			events: make(map[uint64]map[productKey]int),
			files:  make(map[string]struct{}),
		}
		return func() { delete(run, k.SubRun) }, nil
	}

	sr := ds.runs[k.Run][k.SubRun]
	if sr == nil {
		return nil, fmt.Errorf("%w: subrun %d/%d", ingest.ErrMissingParent, k.Run, k.SubRun)
	}

	switch op.Kind {
	case ingest.OpCreateEvent:
		if _, ok := sr.events[k.Event]; ok {
			return nil, nil
		}
		sr.events[k.Event] = make(map[productKey]int)
		return func() { delete(sr.events, k.Event) }, nil
	case ingest.OpStoreProduct:
		products, ok := sr.events[k.Event]
		if !ok {
			return nil, fmt.Errorf("%w: event %d/%d/%d", ingest.ErrMissingParent, k.Run, k.SubRun, k.Event)
		}
		pk := productKey{label: op.Product.Label, table: op.Product.Table}
		prev, existed := products[pk]
		products[pk] = op.Product.Rows
		if existed {
			return func() { products[pk] = prev }, nil
		}
		return func() { delete(products, pk) }, nil
	case ingest.OpRecordFile:
		if _, ok := sr.files[op.File]; ok {
			return nil, nil
		}
		sr.files[op.File] = struct{}{}
		return func() { delete(sr.files, op.File) }, nil
	default:
		return nil, fmt.Errorf("unknown operation %s", op.Kind)
	}
}
