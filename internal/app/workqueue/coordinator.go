package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/hepnos-dataloader/internal/domain/workqueue"
	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

var (
	_ workqueue.Queue   = (*Coordinator)(nil)
	_ workqueue.Drainer = (*Coordinator)(nil)
)

// Coordinator is the queue handle of rank 0. It owns the FIFO, serves remote
// ranks through a background listener, and applies its own process's calls
// to the FIFO directly.
type Coordinator struct {
	rank     transport.Rank
	core     *core
	listener *listener

	// cancel stops the listener; done is closed once it has returned and
	// err holds its result.
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	metrics QueueMetrics
	tracer  trace.Tracer
	logger  *logger.Logger
}

// NewCoordinator creates the coordinator for tr and starts its listener. The
// listener outlives cancellation of ctx so that remote ranks keep getting
// answers while the job winds down; it stops once every remote rank has
// closed or Close gives up waiting.
func NewCoordinator(
	ctx context.Context,
	tr transport.Transport,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics QueueMetrics,
) *Coordinator {
	logger = logger.With("component", "workqueue_coordinator")
	c := &Coordinator{
		rank:    tr.Rank(),
		core:    newCore(tr.Rank(), tr.Size()),
		done:    make(chan struct{}),
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}
	c.listener = &listener{
		core:    c.core,
		tr:      tr,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger.With("component", "workqueue_listener"),
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go func() {
		defer close(c.done)
		err := c.listener.run(lctx)
		if err == nil {
			return
		}
		c.err = err
		c.core.fail(err)
		if lctx.Err() != nil {
			c.logger.Warn(lctx, "listener stopped before every rank closed", "error", err)
			return
		}
		c.logger.Error(lctx, "listener failed", "error", err)
	}()

	return c
}

// Push appends item to the queue.
func (c *Coordinator) Push(ctx context.Context, item string) error {
	if err := c.core.enqueue(c.rank, item); err != nil {
		return err
	}
	c.metrics.IncItemsPushed(ctx)
	return nil
}

// Pull removes the front item, waiting while the queue is empty and some
// writer is still open.
func (c *Coordinator) Pull(ctx context.Context) (string, error) {
	start := time.Now()
	item, err := c.core.dequeue(ctx, c.rank)
	if err != nil {
		return "", err
	}
	c.metrics.IncItemsPulled(ctx)
	c.metrics.ObservePullWait(ctx, time.Since(start))
	return item, nil
}

// ReadOnly closes this rank for writing.
func (c *Coordinator) ReadOnly(ctx context.Context) error {
	if c.core.closeWrite(c.rank) {
		c.logger.Debug(ctx, "coordinator closed for writing", "open_writers", c.core.openWriters())
	}
	return nil
}

// Drain discards every queued item and stops accepting pushes, so pulls on
// every rank fail with ErrEmptyQueue once they find the queue empty. It
// returns the number of discarded items.
func (c *Coordinator) Drain(ctx context.Context) int {
	n := c.core.drain()
	c.logger.Info(ctx, "work queue drained", "discarded", n)
	return n
}

// Len returns the number of queued items.
func (c *Coordinator) Len() int { return c.core.len() }

// Done is closed once the listener has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns the listener's error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes this rank for writing and reading and waits for every remote
// rank to do the same. If ctx ends first the listener is stopped anyway and
// the context's error is returned.
func (c *Coordinator) Close(ctx context.Context) error {
	_ = c.ReadOnly(ctx)
	c.core.closeRead(c.rank)

	select {
	case <-c.done:
	case <-ctx.Done():
		c.cancel()
		<-c.done
		return fmt.Errorf("waiting for remote ranks to close: %w", ctx.Err())
	}
	c.cancel()

	if c.err != nil && !errors.Is(c.err, context.Canceled) {
		return c.err
	}
	return nil
}
