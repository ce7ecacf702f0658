// Package ingest models loading event data files into a hierarchical
// datastore: datasets contain runs, runs contain subruns, subruns contain
// events, and events hold named data products.
package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNoRunNumber is returned when a filename carries no _r000NNNNN marker.
	ErrNoRunNumber = errors.New("filename has no run number")

	// ErrNoSubRunNumber is returned when a filename carries no _sNN marker.
	ErrNoSubRunNumber = errors.New("filename has no subrun number")

	// ErrUnknownDataSet is returned when writing into a dataset that was never
	// created with EnsureDataSet.
	ErrUnknownDataSet = errors.New("dataset does not exist")

	// ErrInvalidDataSetPath is returned for an empty path or one with empty
	// components.
	ErrInvalidDataSetPath = errors.New("invalid dataset path")

	// ErrMissingParent is returned when a subrun, event, product or file
	// record is written before the container it belongs to.
	ErrMissingParent = errors.New("parent does not exist")
)

var (
	runPattern    = regexp.MustCompile(`(_r000)([0-9]{5})`)
	subRunPattern = regexp.MustCompile(`(_s)([0-9]{2})`)
)

// ParseRunNumbers extracts the run and subrun numbers encoded in an input
// filename, e.g. "nd_r00011982_s07.h5caf.h5" yields run 11982, subrun 7.
// The first match of each marker wins.
func ParseRunNumbers(filename string) (run, subRun uint64, err error) {
	m := runPattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrNoRunNumber, filename)
	}
	if run, err = strconv.ParseUint(m[2], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parsing run number in %q: %w", filename, err)
	}

	m = subRunPattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrNoSubRunNumber, filename)
	}
	if subRun, err = strconv.ParseUint(m[2], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parsing subrun number in %q: %w", filename, err)
	}
	return run, subRun, nil
}

// SplitDataSetPath breaks "a/b/c" into its components. A single leading or
// trailing slash is tolerated; empty components are not.
func SplitDataSetPath(path string) ([]string, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDataSetPath, path)
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDataSetPath, path)
		}
	}
	return parts, nil
}

// DataSetPrefixes returns every ancestor path of path followed by path itself,
// outermost first: "a/b/c" yields "a", "a/b", "a/b/c".
func DataSetPrefixes(path string) ([]string, error) {
	parts, err := SplitDataSetPath(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(parts))
	for i := range parts {
		out[i] = strings.Join(parts[:i+1], "/")
	}
	return out, nil
}

// SubRunKey identifies a subrun inside a dataset.
type SubRunKey struct {
	Run    uint64
	SubRun uint64
}

// EventKey identifies an event inside a dataset.
type EventKey struct {
	Run    uint64
	SubRun uint64
	Event  uint64
}

// SubRunKey returns the subrun the event belongs to.
func (k EventKey) SubRunKey() SubRunKey { return SubRunKey{Run: k.Run, SubRun: k.SubRun} }

// DefaultProductLabel is the label every table product is stored under.
const DefaultProductLabel = "a"

// Product is the slice of one table's rows that belong to a single event.
type Product struct {
	Event EventKey
	Label string
	Table string
	Rows  int
}
