// Package postgres stores loaded event data in PostgreSQL. Datasets form a
// tree keyed by their slash separated path; runs, subruns, events, products
// and loaded file records hang off the dataset they belong to.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/hepnos-dataloader/internal/domain/ingest"
	"github.com/ahrav/hepnos-dataloader/internal/infra/storage"
)

var _ ingest.Store = (*Store)(nil)

const foreignKeyViolation = "23503"

const (
	insertDataSet = `INSERT INTO datasets (path, name, parent) VALUES ($1, $2, $3)
ON CONFLICT (path) DO NOTHING`
	selectDataSet = `SELECT EXISTS (SELECT 1 FROM datasets WHERE path = $1)`
	insertRun     = `INSERT INTO runs (dataset, run) VALUES ($1, $2)
ON CONFLICT DO NOTHING`
	insertSubRun = `INSERT INTO subruns (dataset, run, subrun) VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`
	insertEvent = `INSERT INTO events (dataset, run, subrun, event) VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`
	upsertProduct = `INSERT INTO products (dataset, run, subrun, event, label, table_name, row_count)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (dataset, run, subrun, event, label, table_name) DO UPDATE SET row_count = EXCLUDED.row_count`
	insertFile = `INSERT INTO loaded_files (dataset, run, subrun, filename) VALUES ($1, $2, $3, $4)
ON CONFLICT (dataset, filename) DO NOTHING`
)

// Store implements ingest.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStore wraps pool. The pool is owned by the store and closed by Close.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{pool: pool, tracer: tracer}
}

// EnsureDataSet creates every missing component of p in one transaction.
func (s *Store) EnsureDataSet(ctx context.Context, p string) error {
	prefixes, err := ingest.DataSetPrefixes(p)
	if err != nil {
		return err
	}

	attrs := append(storage.DefaultDBAttributes, attribute.String("dataset", p))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ensure_dataset", attrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		var parent *string
		for _, prefix := range prefixes {
			if _, err := tx.Exec(ctx, insertDataSet, prefix, path.Base(prefix), parent); err != nil {
				return fmt.Errorf("creating dataset %s: %w", prefix, err)
			}
			parent = &prefix
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction error: %w", err)
		}
		return nil
	})
}

// HasDataSet reports whether p exists.
func (s *Store) HasDataSet(ctx context.Context, p string) (bool, error) {
	var exists bool
	attrs := append(storage.DefaultDBAttributes, attribute.String("dataset", p))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.has_dataset", attrs, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, selectDataSet, p).Scan(&exists)
	})
	return exists, err
}

// Apply writes ops into dataset as a single pipelined transaction.
func (s *Store) Apply(ctx context.Context, dataset string, ops []ingest.Op) error {
	if len(ops) == 0 {
		return nil
	}

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("dataset", dataset),
		attribute.Int("operations", len(ops)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.apply_batch", attrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		var exists bool
		if err := tx.QueryRow(ctx, selectDataSet, dataset).Scan(&exists); err != nil {
			return fmt.Errorf("looking up dataset %s: %w", dataset, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ingest.ErrUnknownDataSet, dataset)
		}

		batch := &pgx.Batch{}
		for _, op := range ops {
			if err := queue(batch, dataset, op); err != nil {
				return err
			}
		}

		br := tx.SendBatch(ctx, batch)
		for _, op := range ops {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return translate(op, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("closing batch: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction error: %w", err)
		}
		return nil
	})
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func queue(b *pgx.Batch, dataset string, op ingest.Op) error {
	k := op.Event
	run, subRun, event := int64(k.Run), int64(k.SubRun), int64(k.Event)
	switch op.Kind {
	case ingest.OpCreateRun:
		b.Queue(insertRun, dataset, run)
	case ingest.OpCreateSubRun:
		b.Queue(insertSubRun, dataset, run, subRun)
	case ingest.OpCreateEvent:
		b.Queue(insertEvent, dataset, run, subRun, event)
	case ingest.OpStoreProduct:
		b.Queue(upsertProduct, dataset, run, subRun, event, op.Product.Label, op.Product.Table, op.Product.Rows)
	case ingest.OpRecordFile:
		b.Queue(insertFile, dataset, run, subRun, op.File)
	default:
		return fmt.Errorf("unknown operation %s", op.Kind)
	}
	return nil
}

func translate(op ingest.Op, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%s %d/%d/%d: %w", op.Kind, op.Event.Run, op.Event.SubRun, op.Event.Event, ingest.ErrMissingParent)
	}
	return fmt.Errorf("%s: %w", op.Kind, err)
}
