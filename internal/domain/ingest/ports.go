package ingest

import "context"

// Store is the datastore a loader writes into.
type Store interface {
	Applier

	// EnsureDataSet creates every missing component of path ("a/b/c").
	EnsureDataSet(ctx context.Context, path string) error

	// HasDataSet reports whether path exists.
	HasDataSet(ctx context.Context, path string) (bool, error)

	Close() error
}

// Table is one table read out of an input file. Events holds the event number
// of every row in file order; consecutive rows with the same number belong to
// the same event.
type Table struct {
	Name   string
	Events []uint64
}

// TableReader opens an input file and returns its tables.
type TableReader interface {
	ReadTables(ctx context.Context, filename string) ([]Table, error)
}

// NoTables is a TableReader for files whose contents are not decoded; only
// the run, subrun and file bookkeeping is written.
type NoTables struct{}

// ReadTables implements TableReader.
func (NoTables) ReadTables(context.Context, string) ([]Table, error) { return nil, nil }

// GroupEvents splits a table's rows into runs of consecutive equal event
// numbers and calls fn with each event number and its row count.
func GroupEvents(events []uint64, fn func(event uint64, rows int) error) error {
	for start := 0; start < len(events); {
		end := start + 1
		for end < len(events) && events[end] == events[start] {
			end++
		}
		if err := fn(events[start], end-start); err != nil {
			return err
		}
		start = end
	}
	return nil
}
