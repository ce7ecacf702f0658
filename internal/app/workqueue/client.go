package workqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/hepnos-dataloader/internal/domain/workqueue"
	"github.com/ahrav/hepnos-dataloader/internal/infra/messaging/protocol"
	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

// coordinatorRank is the rank that owns the queue.
const coordinatorRank transport.Rank = 0

var _ workqueue.Queue = (*Client)(nil)

// Client is the queue handle of every rank other than the coordinator. It
// holds no items; each call is forwarded to the coordinator as one request
// frame, and Pull additionally waits for the matching response.
type Client struct {
	tr          transport.Transport
	coordinator transport.Rank

	// mu guards the write and read state and keeps the frames this rank sends
	// in the order its callers issued them.
	mu       sync.Mutex
	writable bool
	closed   bool

	// pullMu allows one pull in flight. outstanding is set while a PULL has
	// been sent but its response not yet received, which happens when the
	// caller's context ends first; the next Pull consumes that response
	// instead of sending another request.
	pullMu      sync.Mutex
	outstanding bool
	exhausted   bool

	// closing is cancelled by Close to release a blocked Pull.
	closing     context.Context
	stopClosing context.CancelFunc

	metrics QueueMetrics
	tracer  trace.Tracer
	logger  *logger.Logger
}

// NewClient creates the queue handle for a non-coordinator rank.
func NewClient(tr transport.Transport, logger *logger.Logger, tracer trace.Tracer, metrics QueueMetrics) *Client {
	closing, stop := context.WithCancel(context.Background())
	return &Client{
		tr:          tr,
		coordinator: coordinatorRank,
		writable:    true,
		closing:     closing,
		stopClosing: stop,
		metrics:     metrics,
		tracer:      tracer,
		logger:      logger.With("component", "workqueue_client"),
	}
}

// Push forwards item to the coordinator. It fails with ErrReadOnly, without
// sending anything, once this rank has called ReadOnly or Close.
func (c *Client) Push(ctx context.Context, item string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close implies ReadOnly, so a closed handle reports ErrReadOnly too.
	if !c.writable {
		return workqueue.ErrReadOnly
	}

	if err := c.send(ctx, protocol.EncodePush(item)); err != nil {
		return fmt.Errorf("sending push request: %w", err)
	}
	c.metrics.IncItemsPushed(ctx)
	return nil
}

// Pull asks the coordinator for the front item and waits for the answer.
func (c *Client) Pull(ctx context.Context) (string, error) {
	if c.isClosed() {
		return "", workqueue.ErrQueueClosed
	}

	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	if c.exhausted {
		return "", workqueue.ErrEmptyQueue
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.closing, cancel)
	defer stop()

	ctx, span := c.tracer.Start(ctx, "workqueue.client.pull",
		trace.WithAttributes(attribute.Bool("resumed", c.outstanding)))
	defer span.End()

	if !c.outstanding {
		if err := c.send(ctx, protocol.EncodePull()); err != nil {
			if c.closing.Err() != nil {
				return "", workqueue.ErrQueueClosed
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "sending pull request failed")
			return "", fmt.Errorf("sending pull request: %w", err)
		}
		c.outstanding = true
	}

	start := time.Now()
	msg, err := c.tr.Recv(ctx, c.coordinator, protocol.TagResponse)
	if err != nil {
		if c.closing.Err() != nil {
			return "", workqueue.ErrQueueClosed
		}
		return "", fmt.Errorf("waiting for pull response: %w", err)
	}
	c.outstanding = false

	item, empty, err := protocol.DecodePullResponse(msg.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed pull response")
		return "", fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if empty {
		c.exhausted = true
		span.AddEvent("queue_exhausted")
		return "", workqueue.ErrEmptyQueue
	}

	c.metrics.IncItemsPulled(ctx)
	c.metrics.ObservePullWait(ctx, time.Since(start))
	return item, nil
}

// ReadOnly tells the coordinator this rank will not push anymore.
func (c *Client) ReadOnly(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeWriteLocked(ctx)
}

func (c *Client) closeWriteLocked(ctx context.Context) error {
	if !c.writable {
		return nil
	}
	if err := c.send(ctx, protocol.EncodeCloseWrite()); err != nil {
		return fmt.Errorf("sending close-write request: %w", err)
	}
	c.writable = false
	c.logger.Debug(ctx, "closed for writing")
	return nil
}

// Close tells the coordinator this rank will neither push nor pull anymore.
// A Pull blocked in another goroutine returns ErrQueueClosed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if err := c.closeWriteLocked(ctx); err != nil {
		return err
	}
	if err := c.send(ctx, protocol.EncodeCloseRead()); err != nil {
		return fmt.Errorf("sending close-read request: %w", err)
	}
	c.closed = true
	c.stopClosing()
	c.logger.Debug(ctx, "closed for reading")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) send(ctx context.Context, frame []byte) error {
	return c.tr.Send(ctx, c.coordinator, protocol.TagRequest, frame)
}
