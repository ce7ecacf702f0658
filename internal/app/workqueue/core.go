package workqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/hepnos-dataloader/internal/domain/workqueue"
	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
)

var (
	// errReaderGone is returned to a parked pull whose rank closed its read
	// side before an item became available.
	errReaderGone = errors.New("reader closed while waiting")

	// errDraining rejects pushes that arrive after the queue was drained.
	errDraining = errors.New("queue is draining")
)

// core is the coordinator's FIFO. Every mutation, local or on behalf of a
// remote rank, happens under mu; the condition variable is the only place a
// caller ever waits.
type core struct {
	self transport.Rank

	mu   sync.Mutex
	cond *sync.Cond

	items []string

	// Remote ranks that have not yet sent CLOSE_WRITE / CLOSE_READ.
	writers map[transport.Rank]struct{}
	readers map[transport.Rank]struct{}

	localWritable bool
	localReadable bool

	draining bool
	// failure is set when the listener dies; every later operation returns it.
	failure error
}

func newCore(self transport.Rank, size int) *core {
	c := &core{
		self:          self,
		writers:       make(map[transport.Rank]struct{}, size-1),
		readers:       make(map[transport.Rank]struct{}, size-1),
		localWritable: true,
		localReadable: true,
	}
	c.cond = sync.NewCond(&c.mu)
	for r := 0; r < size; r++ {
		if rank := transport.Rank(r); rank != self {
			c.writers[rank] = struct{}{}
			c.readers[rank] = struct{}{}
		}
	}
	return c
}

// enqueue appends item on behalf of rank from and wakes one waiter.
func (c *core) enqueue(from transport.Rank, item string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure != nil {
		return c.failure
	}
	if from == c.self {
		if !c.localWritable {
			return workqueue.ErrReadOnly
		}
		if !c.localReadable {
			return workqueue.ErrQueueClosed
		}
	} else if _, ok := c.writers[from]; !ok {
		return workqueue.ErrReadOnly
	}
	if c.draining {
		return errDraining
	}

	c.items = append(c.items, item)
	c.cond.Signal()
	return nil
}

// tryDequeue pops the front item without waiting. The boolean is false when
// the caller would have to wait.
func (c *core) tryDequeue(from transport.Rank) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, err := c.popLocked(from)
	if err == nil && item == nil {
		return "", false, nil
	}
	if err != nil {
		return "", true, err
	}
	return *item, true, nil
}

// dequeue pops the front item, waiting while the queue is empty and some
// writer is still open. It fails with ErrEmptyQueue once the queue is empty
// and no writer remains.
func (c *core) dequeue(ctx context.Context, from transport.Rank) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.cond.Broadcast()
		})
		defer stop()
	}

	for {
		item, err := c.popLocked(from)
		if err != nil {
			return "", err
		}
		if item != nil {
			return *item, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		c.cond.Wait()
	}
}

// popLocked evaluates the wait predicate. A nil item with a nil error means
// the caller must wait.
func (c *core) popLocked(from transport.Rank) (*string, error) {
	if c.failure != nil {
		return nil, c.failure
	}
	if !c.readableLocked(from) {
		if from == c.self {
			return nil, workqueue.ErrQueueClosed
		}
		return nil, errReaderGone
	}

	if len(c.items) > 0 {
		item := c.items[0]
		c.items[0] = ""
		c.items = c.items[1:]
		return &item, nil
	}
	if !c.hasWritersLocked() {
		return nil, workqueue.ErrEmptyQueue
	}
	return nil, nil
}

func (c *core) readableLocked(from transport.Rank) bool {
	if from == c.self {
		return c.localReadable
	}
	_, ok := c.readers[from]
	return ok
}

func (c *core) hasWritersLocked() bool {
	return !c.draining && (c.localWritable || len(c.writers) > 0)
}

// closeWrite records that rank from will not push anymore. It reports false
// when from had already closed. Removing the last writer wakes every waiter.
func (c *core) closeWrite(from transport.Rank) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if from == c.self {
		if !c.localWritable {
			return false
		}
		c.localWritable = false
	} else {
		if _, ok := c.writers[from]; !ok {
			return false
		}
		delete(c.writers, from)
	}

	if !c.hasWritersLocked() {
		c.cond.Broadcast()
	}
	return true
}

// closeRead records that rank from will not pull anymore. Waiters belonging
// to that rank are released so they do not take an item nobody will read.
func (c *core) closeRead(from transport.Rank) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if from == c.self {
		if !c.localReadable {
			return false
		}
		c.localReadable = false
	} else {
		if _, ok := c.readers[from]; !ok {
			return false
		}
		delete(c.readers, from)
	}

	c.cond.Broadcast()
	return true
}

// remoteDone reports whether every remote rank has closed both sides.
func (c *core) remoteDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writers) == 0 && len(c.readers) == 0
}

// drain discards every queued item and stops accepting new ones. Pulls that
// find the queue empty fail with ErrEmptyQueue from then on.
func (c *core) drain() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = nil
	c.draining = true
	c.localWritable = false
	c.cond.Broadcast()
	return n
}

// fail poisons the queue with err and releases every waiter.
func (c *core) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil {
		c.failure = err
	}
	c.cond.Broadcast()
}

func (c *core) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// openWriters returns the number of writers still open, local included.
func (c *core) openWriters() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.writers)
	if c.localWritable {
		n++
	}
	return n
}
