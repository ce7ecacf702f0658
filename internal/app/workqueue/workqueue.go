// Package workqueue implements the job-wide work queue on top of a
// point-to-point transport. Rank 0 gets a Coordinator, which owns the FIFO
// and answers the other ranks from a background listener; every other rank
// gets a Client that forwards its calls to rank 0.
package workqueue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/hepnos-dataloader/internal/domain/workqueue"
	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

// New returns the queue handle for the rank tr belongs to.
func New(
	ctx context.Context,
	tr transport.Transport,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics QueueMetrics,
) (workqueue.Queue, error) {
	if err := transport.CheckRank(tr.Rank(), tr.Size()); err != nil {
		return nil, fmt.Errorf("invalid transport: %w", err)
	}

	if tr.Rank() == coordinatorRank {
		return NewCoordinator(ctx, tr, logger, tracer, metrics), nil
	}
	return NewClient(tr, logger, tracer, metrics), nil
}
