package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var _ Factory[int] = (*countingFactory)(nil)

func TestHandoffBagAddBorrowRequite(t *testing.T) {
	t.Parallel()

	bag := NewHandoffBag[int]()
	e := newPoolEntry[int](1, time.Now())
	bag.Add(e)

	require.Equal(t, 1, bag.Size())
	require.Equal(t, 1, bag.GetCount(stateNotInUse))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := bag.Borrow(ctx)
	require.NoError(t, err)
	require.Equal(t, e, got)
	require.Equal(t, stateInUse, got.State())

	bag.Requite(got)
	require.Equal(t, stateNotInUse, got.State())
}

func TestHandoffBagBorrowTimesOutWhenEmpty(t *testing.T) {
	t.Parallel()

	bag := NewHandoffBag[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := bag.Borrow(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, bag.GetPendingQueue(), "waiter must be cleaned up after its own timeout")
}

func TestHandoffBagDirectHandoffToWaiter(t *testing.T) {
	t.Parallel()

	bag := NewHandoffBag[int]()

	resultCh := make(chan *PoolEntry[int], 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		entry, err := bag.Borrow(ctx)
		resultCh <- entry
		errCh <- err
	}()

	// Give the waiter time to register before the entry arrives.
	require.Eventually(t, func() bool { return bag.GetPendingQueue() == 1 }, time.Second, time.Millisecond)

	e := newPoolEntry[int](42, time.Now())
	bag.Add(e)

	entry := <-resultCh
	err := <-errCh
	require.NoError(t, err)
	require.Equal(t, 42, entry.Handle())
	require.Equal(t, stateInUse, entry.State())
}

// TestHandoffBagGhostGrantHandsEntryBack drives abandonWaiter's "already
// popped" branch directly: a waiter is popped and handed an entry (as
// Requite would do concurrently with a timeout) before its own caller
// notices the timeout and calls abandonWaiter. That must receive the ghost
// grant and hand the entry back to the bag rather than leak it.
func TestHandoffBagGhostGrantHandsEntryBack(t *testing.T) {
	t.Parallel()

	bag := NewHandoffBag[int]()
	w := &waiterEntry[int]{ch: make(chan *PoolEntry[int], 1)}
	elem := bag.waiters.PushBack(w)

	popped, ok := bag.popWaiter()
	require.True(t, ok)
	require.Same(t, w, popped)

	e := newPoolEntry[int](7, time.Now())
	e.state.store(stateInUse)
	w.ch <- e

	err := bag.abandonWaiter(elem, w, context.DeadlineExceeded)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, stateNotInUse, e.State(), "the ghost-granted entry must be requited, not left InUse")
}

func TestHandoffBagReserveAndRemove(t *testing.T) {
	t.Parallel()

	bag := NewHandoffBag[int]()
	e := newPoolEntry[int](1, time.Now())
	bag.Add(e)

	require.True(t, bag.Reserve(e))
	require.False(t, bag.Reserve(e), "cannot reserve twice")

	require.True(t, bag.Remove(e))
	require.Equal(t, 0, bag.Size())
	require.False(t, bag.Remove(e), "cannot remove twice")
}

func TestHandoffBagCloseInterruptsWaiters(t *testing.T) {
	t.Parallel()

	bag := NewHandoffBag[int]()
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := bag.Borrow(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return bag.GetPendingQueue() == 1 }, time.Second, time.Millisecond)
	bag.Close()

	err := <-errCh
	require.ErrorIs(t, err, errBagClosed)
}
