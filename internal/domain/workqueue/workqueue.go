// Package workqueue defines the contract of the distributed work queue shared
// by every rank of a loader job. Rank 0 owns the only real FIFO; all other
// ranks reach it through messages, but callers see the same Queue interface
// and the same errors regardless of where they run.
package workqueue

import (
	"context"
	"errors"
)

var (
	// ErrEmptyQueue is returned by Pull when the queue is empty and every
	// writer, local and remote, has closed. It is the normal signal to stop
	// requesting work.
	ErrEmptyQueue = errors.New("work queue is empty")

	// ErrReadOnly is returned by Push once the calling rank has closed its
	// queue handle for writing, either with ReadOnly or with Close.
	ErrReadOnly = errors.New("work queue is read-only")

	// ErrQueueClosed is returned by Pull on a handle that has already been
	// closed for reading.
	ErrQueueClosed = errors.New("work queue is closed")
)

// Queue is a rank's handle on the job-wide FIFO of work items.
type Queue interface {
	// Push appends item to the back of the queue.
	Push(ctx context.Context, item string) error

	// Pull removes and returns the item at the front of the queue, blocking
	// while the queue is empty and at least one writer is still open.
	Pull(ctx context.Context) (string, error)

	// ReadOnly closes this rank's handle for writing. It is idempotent.
	ReadOnly(ctx context.Context) error

	// Close closes this rank's handle for reading (and for writing if still
	// open) and releases its resources. It is idempotent.
	Close(ctx context.Context) error
}

// Drainer is implemented by the handle that owns the queue. Drain discards
// every pending item and stops accepting new ones, so pulls everywhere fail
// with ErrEmptyQueue once the queue is empty. It returns the number of
// discarded items.
type Drainer interface {
	Drain(ctx context.Context) int
}
