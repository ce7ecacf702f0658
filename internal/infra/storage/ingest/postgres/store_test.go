package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/hepnos-dataloader/internal/domain/ingest"
	"github.com/ahrav/hepnos-dataloader/internal/infra/storage"
)

func setupStoreTest(t *testing.T) (context.Context, *Store) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t, Migrate)
	t.Cleanup(cleanup)
	return context.Background(), NewStore(pool, storage.NoOpTracer())
}

func TestStore_EnsureDataSet(t *testing.T) {
	t.Parallel()
	ctx, store := setupStoreTest(t)

	require.NoError(t, store.EnsureDataSet(ctx, "nova/nd/2024"))
	require.NoError(t, store.EnsureDataSet(ctx, "nova/nd/2024"))
	require.NoError(t, store.EnsureDataSet(ctx, "nova/fd"))

	for _, p := range []string{"nova", "nova/nd", "nova/nd/2024", "nova/fd"} {
		ok, err := store.HasDataSet(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}

	var parent string
	require.NoError(t, store.pool.QueryRow(ctx, `SELECT parent FROM datasets WHERE path = 'nova/nd/2024'`).Scan(&parent))
	assert.Equal(t, "nova/nd", parent)
}

func TestStore_ApplyWriteBatch(t *testing.T) {
	t.Parallel()
	ctx, store := setupStoreTest(t)
	require.NoError(t, store.EnsureDataSet(ctx, "ds"))

	b := ingest.NewWriteBatch(store, "ds", 16)
	sub := ingest.SubRunKey{Run: 11982, SubRun: 7}
	ev := ingest.EventKey{Run: 11982, SubRun: 7, Event: 42}

	require.NoError(t, b.CreateRun(ctx, sub.Run))
	require.NoError(t, b.CreateSubRun(ctx, sub))
	require.NoError(t, b.CreateEvent(ctx, ev))
	require.NoError(t, b.StoreProduct(ctx, ingest.Product{Event: ev, Label: "a", Table: "rec.hdr", Rows: 3}))
	require.NoError(t, b.StoreProduct(ctx, ingest.Product{Event: ev, Label: "a", Table: "rec.hdr", Rows: 5}))
	require.NoError(t, b.RecordFile(ctx, sub, "nd_r00011982_s07.h5"))
	require.NoError(t, b.Flush(ctx))

	var rows int
	require.NoError(t, store.pool.QueryRow(ctx,
		`SELECT row_count FROM products WHERE dataset = 'ds' AND event = 42 AND table_name = 'rec.hdr'`).Scan(&rows))
	assert.Equal(t, 5, rows)

	var files int
	require.NoError(t, store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM loaded_files WHERE dataset = 'ds'`).Scan(&files))
	assert.Equal(t, 1, files)
}

func TestStore_ApplyRollsBackOnMissingParent(t *testing.T) {
	t.Parallel()
	ctx, store := setupStoreTest(t)
	require.NoError(t, store.EnsureDataSet(ctx, "ds"))

	err := store.Apply(ctx, "ds", []ingest.Op{
		{Kind: ingest.OpCreateRun, Event: ingest.EventKey{Run: 1}},
		{Kind: ingest.OpCreateEvent, Event: ingest.EventKey{Run: 1, SubRun: 9, Event: 1}},
	})
	assert.ErrorIs(t, err, ingest.ErrMissingParent)

	var runs int
	require.NoError(t, store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&runs))
	assert.Zero(t, runs)
}

func TestStore_ApplyUnknownDataSet(t *testing.T) {
	t.Parallel()
	ctx, store := setupStoreTest(t)

	err := store.Apply(ctx, "missing", []ingest.Op{{Kind: ingest.OpCreateRun}})
	assert.ErrorIs(t, err, ingest.ErrUnknownDataSet)
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx, store := setupStoreTest(t)
	assert.NoError(t, Migrate(ctx, store.pool))
}
