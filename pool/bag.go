package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// errBagClosed is returned internally by HandoffBag once Close has been
// called; PoolEngine maps it onto the public ErrPoolShutdown.
var errBagClosed = errors.New("pool: bag closed")

// BagListener is notified when a HandoffBag runs dry on borrow, giving the
// listener (normally a PoolEngine) the chance to enqueue creation (spec
// §4.1: "Step (iii) also signals the listener that the bag ran dry").
type BagListener interface {
	OnBagEmpty()
}

type waiterEntry[T any] struct {
	ch chan *PoolEntry[T]
}

// HandoffBag is the concurrent container of pool entries described in spec
// §4.1. The hot path - borrow from a warm pool - is wait-free: a
// same-goroutine cache hit or a winning CAS against an idle entry, never a
// lock held across a blocking operation. The cold path - an empty pool -
// falls back to a waiter queue serviced by direct handoff from Requite.
type HandoffBag[T any] struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*PoolEntry[T]

	waitersMu sync.Mutex
	waiters   *list.List // of *waiterEntry[T]

	// cache approximates the spec's "thread-local most-recently-returned"
	// slot using sync.Pool, which itself favors per-P locality for
	// low-contention Get/Put (see SPEC_FULL.md §13). Every hit is
	// re-validated with a state CAS before use, so a stale or removed id is
	// simply a cache miss, never a resurrected handle.
	cache sync.Pool

	closed   atomic.Bool
	closedCh chan struct{}

	listener BagListener
}

// NewHandoffBag constructs an empty bag.
func NewHandoffBag[T any]() *HandoffBag[T] {
	return &HandoffBag[T]{
		entries:  make(map[uuid.UUID]*PoolEntry[T]),
		waiters:  list.New(),
		closedCh: make(chan struct{}),
	}
}

// SetListener registers the bag-ran-dry callback. Not safe to call
// concurrently with Borrow; call once during PoolEngine construction.
func (b *HandoffBag[T]) SetListener(l BagListener) { b.listener = l }

// Add inserts entry in stateNotInUse and, if a waiter is already parked,
// immediately hands it off (spec §4.1: "If waiters are pending, wakes one;
// the waker MUST attempt to claim this entry before others"). Add never
// blocks.
func (b *HandoffBag[T]) Add(e *PoolEntry[T]) {
	b.mu.Lock()
	b.entries[e.id] = e
	b.mu.Unlock()

	if w, ok := b.popWaiter(); ok {
		if e.state.cas(stateNotInUse, stateInUse) {
			w.ch <- e
		} else {
			// Only possible if a concurrent scanning Borrow claimed e right
			// after it entered the map; cheap to handle: put the waiter back
			// and let the next Add or Requite serve it.
			b.requeueWaiterFront(w)
		}
	}
}

// Borrow attempts, in order: the thread-local cache, a scan of shared
// entries, then registration as a waiter (spec §4.1). It blocks until a
// direct handoff delivers an entry, ctx is done, or the bag is closed.
func (b *HandoffBag[T]) Borrow(ctx context.Context) (*PoolEntry[T], error) {
	if b.closed.Load() {
		return nil, errBagClosed
	}

	if e, ok := b.tryCache(); ok {
		return e, nil
	}

	if e, ok := b.tryScan(); ok {
		return e, nil
	}

	if b.listener != nil {
		b.listener.OnBagEmpty()
	}

	w := &waiterEntry[T]{ch: make(chan *PoolEntry[T], 1)}
	b.waitersMu.Lock()
	elem := b.waiters.PushBack(w)
	b.waitersMu.Unlock()

	select {
	case e := <-w.ch:
		return e, nil
	case <-ctx.Done():
		return nil, b.abandonWaiter(elem, w, ctx.Err())
	case <-b.closedCh:
		return nil, b.abandonWaiter(elem, w, errBagClosed)
	}
}

func (b *HandoffBag[T]) tryCache() (*PoolEntry[T], bool) {
	v := b.cache.Get()
	if v == nil {
		return nil, false
	}
	id := v.(uuid.UUID)

	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.state.cas(stateNotInUse, stateInUse) {
		return nil, false
	}
	return e, true
}

func (b *HandoffBag[T]) tryScan() (*PoolEntry[T], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.state.load() == stateNotInUse && e.state.cas(stateNotInUse, stateInUse) {
			return e, true
		}
	}
	return nil, false
}

// abandonWaiter handles a waiter giving up (timeout or cancellation). If the
// waiter is still queued, it is removed cleanly. Otherwise a concurrent
// Requite has already popped it and is about to (or already did) deliver an
// entry - the "ghost grant" case from the corpus's bounded connection pool -
// so the entry is received and handed straight back to the bag rather than
// leaked.
func (b *HandoffBag[T]) abandonWaiter(elem *list.Element, w *waiterEntry[T], cause error) error {
	b.waitersMu.Lock()
	removedInPlace := b.removeIfPresent(elem)
	b.waitersMu.Unlock()

	if removedInPlace {
		return cause
	}

	e := <-w.ch
	b.Requite(e)
	return cause
}

// removeIfPresent removes elem from the waiters list if it is still linked
// into it. Must be called with waitersMu held.
func (b *HandoffBag[T]) removeIfPresent(elem *list.Element) bool {
	for el := b.waiters.Front(); el != nil; el = el.Next() {
		if el == elem {
			b.waiters.Remove(el)
			return true
		}
	}
	return false
}

func (b *HandoffBag[T]) popWaiter() (*waiterEntry[T], bool) {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	front := b.waiters.Front()
	if front == nil {
		return nil, false
	}
	b.waiters.Remove(front)
	return front.Value.(*waiterEntry[T]), true
}

func (b *HandoffBag[T]) requeueWaiterFront(w *waiterEntry[T]) {
	b.waitersMu.Lock()
	b.waiters.PushFront(w)
	b.waitersMu.Unlock()
}

// Requite relinquishes entry back to the bag (spec §4.1). If a waiter is
// parked, it is handed the entry directly by re-CAS'ing to InUse; otherwise
// the entry is stashed in the caller's fast-path cache.
func (b *HandoffBag[T]) Requite(e *PoolEntry[T]) {
	if !e.state.cas(stateInUse, stateNotInUse) && !e.state.cas(stateReserved, stateNotInUse) {
		// Already transitioned away from exclusive hold (e.g. force-removed
		// by the shutdown assassinator) - nothing to hand back.
		return
	}

	for {
		w, ok := b.popWaiter()
		if !ok {
			break
		}
		if e.state.cas(stateNotInUse, stateInUse) {
			w.ch <- e
			return
		}
		// A concurrent scanning Borrow won the race for e. This waiter
		// still needs service, so put it back at the front and let the
		// next Add/Requite try again.
		b.requeueWaiterFront(w)
		break
	}

	b.cache.Put(e.id)
}

// Reserve CAS's entry from NotInUse to Reserved, used by maintenance to
// claim an idle entry exclusively without racing clients (spec §4.1).
func (b *HandoffBag[T]) Reserve(e *PoolEntry[T]) bool {
	return e.state.cas(stateNotInUse, stateReserved)
}

// Remove detaches entry from the bag. It requires the entry already be
// exclusively held (InUse or Reserved), per spec §4.1.
func (b *HandoffBag[T]) Remove(e *PoolEntry[T]) bool {
	if !e.state.cas(stateInUse, stateRemoved) && !e.state.cas(stateReserved, stateRemoved) {
		return false
	}
	b.mu.Lock()
	delete(b.entries, e.id)
	b.mu.Unlock()
	return true
}

// Values returns a point-in-time snapshot of entries. If filter is non-nil,
// only entries whose state matches are included.
func (b *HandoffBag[T]) Values(filter func(entryState) bool) []*PoolEntry[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*PoolEntry[T], 0, len(b.entries))
	for _, e := range b.entries {
		if filter == nil || filter(e.state.load()) {
			out = append(out, e)
		}
	}
	return out
}

// GetCount returns the number of entries currently in state s.
func (b *HandoffBag[T]) GetCount(s entryState) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, e := range b.entries {
		if e.state.load() == s {
			n++
		}
	}
	return n
}

// Size returns the total number of live (non-removed) entries.
func (b *HandoffBag[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// GetPendingQueue returns the current count of parked waiters.
func (b *HandoffBag[T]) GetPendingQueue() int {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	return b.waiters.Len()
}

// Close stops accepting new borrows; parked waiters observe closedCh and
// return with errBagClosed (spec §4.1).
func (b *HandoffBag[T]) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.closedCh)
}
