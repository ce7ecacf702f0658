package workqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/hepnos-dataloader/internal/domain/workqueue"
	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
)

const self transport.Rank = 0

func TestCoreFIFO(t *testing.T) {
	t.Parallel()

	c := newCore(self, 1)
	ctx := context.Background()

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, c.enqueue(self, fmt.Sprintf("p%d", i)))
	}
	require.True(t, c.closeWrite(self))

	for i := 0; i < n; i++ {
		item, err := c.dequeue(ctx, self)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("p%d", i), item)
	}

	_, err := c.dequeue(ctx, self)
	assert.ErrorIs(t, err, workqueue.ErrEmptyQueue)
}

func TestCoreEmptyQueueBlocksWhileWritersOpen(t *testing.T) {
	t.Parallel()

	c := newCore(self, 2)
	require.True(t, c.closeWrite(self))

	// Rank 1 still holds the queue open for writing.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.dequeue(ctx, self)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok, err := c.tryDequeue(self)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestCoreLastWriterReleasesWaiters(t *testing.T) {
	t.Parallel()

	c := newCore(self, 3)
	require.True(t, c.closeWrite(self))

	errs := make(chan error, 2)
	for _, r := range []transport.Rank{self, 2} {
		go func(r transport.Rank) {
			_, err := c.dequeue(context.Background(), r)
			errs <- err
		}(r)
	}

	require.True(t, c.closeWrite(1))
	select {
	case err := <-errs:
		t.Fatalf("pull returned %v while rank 2 was still writable", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, c.closeWrite(2))
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, workqueue.ErrEmptyQueue)
		case <-time.After(time.Second):
			t.Fatal("waiter was not released by the last close")
		}
	}
}

func TestCorePushWakesWaiter(t *testing.T) {
	t.Parallel()

	c := newCore(self, 1)
	got := make(chan string, 1)
	go func() {
		item, err := c.dequeue(context.Background(), self)
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.enqueue(self, "late"))

	select {
	case item := <-got:
		assert.Equal(t, "late", item)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by enqueue")
	}
}

func TestCoreWriteAfterClose(t *testing.T) {
	t.Parallel()

	c := newCore(self, 2)
	require.NoError(t, c.enqueue(1, "before"))

	require.True(t, c.closeWrite(self))
	require.True(t, c.closeWrite(1))

	assert.ErrorIs(t, c.enqueue(self, "x"), workqueue.ErrReadOnly)
	assert.ErrorIs(t, c.enqueue(1, "x"), workqueue.ErrReadOnly)
	assert.Equal(t, 1, c.len())
}

func TestCoreClosesAreIdempotent(t *testing.T) {
	t.Parallel()

	c := newCore(self, 3)
	assert.True(t, c.closeWrite(1))
	assert.False(t, c.closeWrite(1))
	assert.True(t, c.closeRead(1))
	assert.False(t, c.closeRead(1))
	assert.False(t, c.remoteDone())

	assert.Equal(t, 2, c.openWriters())

	assert.True(t, c.closeWrite(2))
	assert.True(t, c.closeRead(2))
	assert.True(t, c.remoteDone())

	assert.True(t, c.closeWrite(self))
	assert.False(t, c.closeWrite(self))
	assert.Equal(t, 0, c.openWriters())
}

func TestCoreCloseReadReleasesThatRanksWaiter(t *testing.T) {
	t.Parallel()

	c := newCore(self, 2)
	errs := make(chan error, 1)
	go func() {
		_, err := c.dequeue(context.Background(), 1)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, c.closeRead(1))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errReaderGone)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by its rank closing")
	}

	// No item was consumed on behalf of the departed rank.
	require.NoError(t, c.enqueue(self, "kept"))
	assert.Equal(t, 1, c.len())
}

func TestCoreLocalCloseRead(t *testing.T) {
	t.Parallel()

	c := newCore(self, 1)
	require.True(t, c.closeRead(self))

	_, err := c.dequeue(context.Background(), self)
	assert.ErrorIs(t, err, workqueue.ErrQueueClosed)
	assert.ErrorIs(t, c.enqueue(self, "x"), workqueue.ErrQueueClosed)
}

func TestCoreDrain(t *testing.T) {
	t.Parallel()

	c := newCore(self, 2)
	for _, item := range []string{"a", "b", "c"} {
		require.NoError(t, c.enqueue(self, item))
	}

	errs := make(chan error, 1)
	go func() {
		// Consume the three items, then block on the empty queue.
		for i := 0; i < 3; i++ {
			if _, err := c.dequeue(context.Background(), 1); err != nil {
				errs <- err
				return
			}
		}
		_, err := c.dequeue(context.Background(), 1)
		errs <- err
	}()

	require.Eventually(t, func() bool { return c.len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.drain())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, workqueue.ErrEmptyQueue)
	case <-time.After(time.Second):
		t.Fatal("drain did not release the waiter")
	}

	assert.ErrorIs(t, c.enqueue(1, "late"), errDraining)
	assert.ErrorIs(t, c.enqueue(self, "late"), workqueue.ErrReadOnly)
}

func TestCoreDrainDiscardsPending(t *testing.T) {
	t.Parallel()

	c := newCore(self, 1)
	for _, item := range []string{"a", "b"} {
		require.NoError(t, c.enqueue(self, item))
	}
	assert.Equal(t, 2, c.drain())

	_, err := c.dequeue(context.Background(), self)
	assert.ErrorIs(t, err, workqueue.ErrEmptyQueue)
}

func TestCoreFail(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := newCore(self, 2)

	errs := make(chan error, 1)
	go func() {
		_, err := c.dequeue(context.Background(), self)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.fail(boom)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("fail did not release the waiter")
	}
	assert.ErrorIs(t, c.enqueue(self, "x"), boom)
}
