package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/hepnos-dataloader/internal/domain/workqueue"
	"github.com/ahrav/hepnos-dataloader/internal/infra/messaging/protocol"
	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

// ErrProtocolViolation wraps every error caused by a frame the coordinator
// could not make sense of. Such errors are fatal for the whole job.
var ErrProtocolViolation = errors.New("work queue protocol violation")

// listener receives request frames addressed to the coordinator and applies
// them to the core on behalf of their senders. Pulls that cannot be answered
// right away are parked on their own goroutine so one blocked rank never
// stops the listener from draining pushes and closes sent by the others.
type listener struct {
	core *core
	tr   transport.Transport

	metrics QueueMetrics
	tracer  trace.Tracer
	logger  *logger.Logger
}

// run blocks until every remote rank has closed both sides, ctx is done, or
// a fatal error occurs. Parked pulls are joined before it returns.
func (l *listener) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.loop(gctx, g) })
	return g.Wait()
}

func (l *listener) loop(ctx context.Context, parked *errgroup.Group) error {
	l.logger.Info(ctx, "listener started", "remote_ranks", l.tr.Size()-1)

	for !l.core.remoteDone() {
		msg, err := l.tr.Recv(ctx, transport.AnySource, protocol.TagRequest)
		if err != nil {
			return fmt.Errorf("receiving request: %w", err)
		}
		if err := l.dispatch(ctx, parked, msg); err != nil {
			return err
		}
	}

	l.logger.Info(ctx, "listener stopped, every remote rank closed")
	return nil
}

func (l *listener) dispatch(ctx context.Context, parked *errgroup.Group, msg transport.Message) error {
	if msg.Source == l.tr.Rank() || transport.CheckRank(msg.Source, l.tr.Size()) != nil {
		return fmt.Errorf("%w: request from unexpected rank %d", ErrProtocolViolation, msg.Source)
	}

	req, err := protocol.DecodeRequest(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: request from rank %d: %w", ErrProtocolViolation, msg.Source, err)
	}
	l.metrics.IncRequests(ctx, req.Kind.String())

	spanCtx, span := l.tracer.Start(ctx, "workqueue.listener.dispatch",
		trace.WithAttributes(
			attribute.String("kind", req.Kind.String()),
			attribute.Int("source_rank", int(msg.Source)),
		))
	defer span.End()

	switch req.Kind {
	case protocol.KindPush:
		l.handlePush(spanCtx, msg.Source, req.Item)
	case protocol.KindPull:
		if err := l.handlePull(ctx, parked, msg.Source); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pull response failed")
			return err
		}
	case protocol.KindCloseWrite:
		if !l.core.closeWrite(msg.Source) {
			l.logger.Debug(spanCtx, "duplicate close for writing ignored", "source_rank", msg.Source)
			return nil
		}
		l.logger.Debug(spanCtx, "rank closed for writing",
			"source_rank", msg.Source, "open_writers", l.core.openWriters())
	case protocol.KindCloseRead:
		if !l.core.closeRead(msg.Source) {
			l.logger.Debug(spanCtx, "duplicate close for reading ignored", "source_rank", msg.Source)
			return nil
		}
		l.logger.Debug(spanCtx, "rank closed for reading", "source_rank", msg.Source)
	}
	return nil
}

func (l *listener) handlePush(ctx context.Context, from transport.Rank, item string) {
	err := l.core.enqueue(from, item)
	switch {
	case err == nil:
		l.metrics.IncItemsPushed(ctx)
	case errors.Is(err, errDraining):
		l.metrics.IncDroppedPushes(ctx, "draining")
		l.logger.Debug(ctx, "push dropped, queue is draining", "source_rank", from)
	case errors.Is(err, workqueue.ErrReadOnly):
		l.metrics.IncDroppedPushes(ctx, "closed_writer")
		l.logger.Warn(ctx, "push from a rank that already closed for writing", "source_rank", from)
	}
}

func (l *listener) handlePull(ctx context.Context, parked *errgroup.Group, from transport.Rank) error {
	item, ok, err := l.core.tryDequeue(from)
	if ok {
		return l.respond(ctx, from, item, err)
	}

	l.metrics.AddParkedPulls(ctx, 1)
	parked.Go(func() error {
		defer l.metrics.AddParkedPulls(ctx, -1)

		ctx, span := l.tracer.Start(ctx, "workqueue.listener.parked_pull",
			trace.WithAttributes(attribute.Int("source_rank", int(from))))
		defer span.End()

		start := time.Now()
		item, err := l.core.dequeue(ctx, from)
		l.metrics.ObservePullWait(ctx, time.Since(start))
		return l.respond(ctx, from, item, err)
	})
	return nil
}

// respond sends the outcome of a pull back to rank to. Outcomes nobody is
// waiting for anymore are dropped.
func (l *listener) respond(ctx context.Context, to transport.Rank, item string, err error) error {
	var frame []byte
	switch {
	case err == nil:
		frame = protocol.EncodePullResponse(item)
		l.metrics.IncItemsPulled(ctx)
	case errors.Is(err, workqueue.ErrEmptyQueue):
		frame = protocol.EncodeEmptyResponse()
		l.metrics.IncEmptyResponses(ctx)
	case errors.Is(err, errReaderGone):
		l.logger.Debug(ctx, "pull abandoned by its rank", "source_rank", to)
		return nil
	default:
		// The listener is shutting down or the queue has failed.
		return nil
	}

	if err := l.tr.Send(ctx, to, protocol.TagResponse, frame); err != nil {
		return fmt.Errorf("responding to rank %d: %w", to, err)
	}
	return nil
}
