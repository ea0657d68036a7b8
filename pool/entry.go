package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// entryState is the atomic state an entry's CAS transitions all reduce to
// (spec §9: "Atomic state as the sole mutex"). Do not guard it with an
// additional lock; a second lock would reintroduce the stampede the
// direct-handoff design in HandoffBag exists to avoid.
type entryState int32

const (
	stateNotInUse entryState = iota
	stateInUse
	stateReserved
	stateRemoved
)

func (s entryState) String() string {
	switch s {
	case stateNotInUse:
		return "NOT_IN_USE"
	case stateInUse:
		return "IN_USE"
	case stateReserved:
		return "RESERVED"
	case stateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// PoolEntry is one pooled slot: it owns exactly one real handle from the
// point it is added to a HandoffBag until it transitions to stateRemoved.
//
// PoolEntry must not be copied after construction; it is always referenced
// through a *PoolEntry[T].
type PoolEntry[T any] struct {
	id     uuid.UUID
	handle T

	state entryState32

	// lastAccessed is a UnixNano timestamp, updated in createProxyHandle
	// (i.e. on borrow, not on return - see the "fresh on handout" decision
	// in DESIGN.md).
	lastAccessed atomic.Int64
	creationTime time.Time

	evicted atomic.Bool

	eolTimer  atomic.Pointer[time.Timer]
	leakTimer atomic.Pointer[time.Timer]
}

// entryState32 is a tiny wrapper around atomic.Int32 giving CAS/Load methods
// typed in terms of entryState instead of int32.
type entryState32 struct {
	v atomic.Int32
}

func (s *entryState32) load() entryState        { return entryState(s.v.Load()) }
func (s *entryState32) store(v entryState)       { s.v.Store(int32(v)) }
func (s *entryState32) cas(old, new_ entryState) bool {
	return s.v.CompareAndSwap(int32(old), int32(new_))
}

// newPoolEntry constructs an entry in stateNotInUse, as spec §3 requires
// ("added to the HandoffBag in NOT_IN_USE").
func newPoolEntry[T any](handle T, now time.Time) *PoolEntry[T] {
	e := &PoolEntry[T]{
		id:           uuid.New(),
		handle:       handle,
		creationTime: now,
	}
	e.state.store(stateNotInUse)
	e.lastAccessed.Store(now.UnixNano())
	return e
}

// ID returns the entry's stable identity, used as the HandoffBag map key and
// in every log line and metric.
func (e *PoolEntry[T]) ID() uuid.UUID { return e.id }

// Handle returns the underlying raw handle.
func (e *PoolEntry[T]) Handle() T { return e.handle }

// State returns the current atomic state.
func (e *PoolEntry[T]) State() entryState { return e.state.load() }

// CreationTime returns when the entry's handle was opened.
func (e *PoolEntry[T]) CreationTime() time.Time { return e.creationTime }

// LastAccessed returns the last createProxyHandle timestamp, or the creation
// time if the entry has never been handed out.
func (e *PoolEntry[T]) LastAccessed() time.Time {
	return time.Unix(0, e.lastAccessed.Load())
}

// createProxyHandle marks the entry as just handed to a client: it stamps
// lastAccessed and attaches the per-borrow leak timer (spec §4.2). now comes
// from the engine's ClockSource, never time.Now directly, so tests stay
// deterministic.
func (e *PoolEntry[T]) createProxyHandle(now time.Time, leakTimer *time.Timer) {
	e.lastAccessed.Store(now.UnixNano())
	e.setLeakTimer(leakTimer)
}

// markEvicted sets the eviction flag observed by Borrow (spec §4.2
// invariant: "once markEvicted is set, any subsequent successful claim of
// the entry must route to closure, not to a client").
func (e *PoolEntry[T]) markEvicted() { e.evicted.Store(true) }

// isEvicted reports whether markEvicted has been called.
func (e *PoolEntry[T]) isEvicted() bool { return e.evicted.Load() }

// setEOLTimer attaches the cancellable end-of-life timer, cancelling any
// prior one first.
func (e *PoolEntry[T]) setEOLTimer(t *time.Timer) {
	if old := e.eolTimer.Swap(t); old != nil {
		old.Stop()
	}
}

// cancelEOLTimer stops the end-of-life timer, if any. Cancelled on remove
// per spec §5 ("End-of-life timers are cancelled when an entry is removed").
func (e *PoolEntry[T]) cancelEOLTimer() {
	if t := e.eolTimer.Swap(nil); t != nil {
		t.Stop()
	}
}

func (e *PoolEntry[T]) setLeakTimer(t *time.Timer) {
	if old := e.leakTimer.Swap(t); old != nil {
		old.Stop()
	}
}

// cancelLeakTimer stops the leak timer. Cancelled on return or eviction
// (spec §5).
func (e *PoolEntry[T]) cancelLeakTimer() {
	if t := e.leakTimer.Swap(nil); t != nil {
		t.Stop()
	}
}
