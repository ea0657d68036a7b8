// Package pool implements the core of a high-concurrency handle pool: the
// concurrent handoff bag, the per-entry borrow/return/evict state machine,
// and the housekeeping loop that maintains minimum idle count, retires aged
// handles, and defends against wall-clock jumps.
//
// The pool is generic over any handle whose acquisition cost dominates its
// use cost - the canonical embedder opens a Factory around database or AMQP
// sessions, but nothing here is specific to SQL.
package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/posidoni/pgpool/pool/internal/clock"
)

type poolState int32

const (
	poolStateNormal poolState = iota
	poolStateSuspended
	poolStateShutdown
)

// PoolEngine orchestrates creation, borrow (with liveness re-check), return,
// soft/hard eviction, suspend/resume, and shutdown over a HandoffBag of
// entries wrapping handles of type T (spec §2, §4.3-§4.7).
type PoolEngine[T any] struct {
	cfg     Config
	cfgMut  atomic.Pointer[mutableConfig]
	factory Factory[T]
	bag     *HandoffBag[T]
	clock   clock.Source

	state atomic.Int32 // poolState
	total atomic.Int32

	admission *SuspendResumeLock
	adder     *boundedWorkerPool
	closer    *boundedWorkerPool

	queuedCreations atomic.Int32
	closeOverflow   atomic.Uint64
	lastCreateErr   atomic.Pointer[createErr]

	housekeeper *housekeeper[T]
}

type createErr struct{ err error }

// New constructs a PoolEngine backed by factory and validates cfg before
// doing anything else. If cfg.InitializationFailFast is set, one handle is
// opened and probed synchronously (spec §4.7); any other failure surfaces
// only through later Borrow calls.
func New[T any](factory Factory[T], cfg Config) (*PoolEngine[T], error) {
	return newEngine[T](factory, cfg, clock.Real{})
}

// NewWithClock is the test seam: it wires a clock.Source other than the
// real wall clock so Housekeeper's retrograde/forward-leap branches and
// entry-age calculations can be driven deterministically (spec §9: "tests
// inject a controllable clock").
func NewWithClock[T any](factory Factory[T], cfg Config, c clock.Source) (*PoolEngine[T], error) {
	return newEngine[T](factory, cfg, c)
}

func newEngine[T any](factory Factory[T], cfg Config, c clock.Source) (*PoolEngine[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	e := &PoolEngine[T]{
		cfg:       cfg,
		factory:   factory,
		bag:       NewHandoffBag[T](),
		clock:     c,
		admission: NewSuspendResumeLock(cfg.AllowPoolSuspension),
	}
	e.cfgMut.Store(refp(cfg.mutable()))
	e.state.Store(int32(poolStateNormal))
	e.adder = newBoundedWorkerPool(cfg.MaximumPoolSize, discardOnOverflow, nil)
	e.closer = newBoundedWorkerPool(cfg.MaximumPoolSize, callerRunsOnOverflow, func() {
		e.closeOverflow.Add(1)
	})
	e.bag.SetListener(e)
	e.housekeeper = newHousekeeper(e)

	if cfg.InitializationFailFast {
		if err := e.failFastInit(); err != nil {
			return nil, err
		}
	}

	e.housekeeper.start()
	e.fillPool()

	return e, nil
}

func refp[V any](v V) *V { return &v }

func (e *PoolEngine[T]) mutableCfg() mutableConfig { return *e.cfgMut.Load() }

// failFastInit performs the one synchronous startup check spec §4.7
// describes: open a real handle and confirm it is usable before New
// returns. There is no SQL-specific "commit a no-op transaction" step here
// since Factory is domain-agnostic; Validate stands in for that probe.
func (e *PoolEngine[T]) failFastInit() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectionTimeout)
	defer cancel()

	handle, err := e.factory.Open(ctx)
	if err != nil {
		return &PoolInitializationError{Cause: err}
	}
	if !e.factory.Validate(ctx, handle, e.cfg.ValidationTimeout) {
		_ = e.factory.Close(handle)
		return &PoolInitializationError{Cause: errors.New("pool: initial liveness probe failed")}
	}
	_ = e.factory.Close(handle)
	return nil
}

// OnBagEmpty implements BagListener: the bag ran dry on a borrow attempt, so
// ask the creator machinery to grow the pool.
func (e *PoolEngine[T]) OnBagEmpty() { e.fillPool() }

// Leased is the handle wrapper returned to callers (spec §6,
// "wrapped_handle"). Return (or Evict) is mandatory exactly once; calling
// either again after the first is a no-op logged as a leak.
type Leased[T any] struct {
	entry    *PoolEntry[T]
	engine   *PoolEngine[T]
	released atomic.Bool
}

// Handle returns the underlying raw handle for use by the caller.
func (l *Leased[T]) Handle() T { return l.entry.Handle() }

// Return relinquishes the handle back to the pool.
func (l *Leased[T]) Return() {
	if !l.released.CompareAndSwap(false, true) {
		l.engine.cfg.Logger.Warnw("pool: handle returned after release, ignoring (leak?)",
			"pool", l.engine.cfg.PoolName, "entry", l.entry.ID())
		return
	}
	l.engine.returnEntry(l.entry)
}

// Evict retires this specific handle instead of returning it to service
// (spec §6: "evict(wrapped_handle): retire this specific handle after
// return").
func (l *Leased[T]) Evict() {
	if !l.released.CompareAndSwap(false, true) {
		l.engine.cfg.Logger.Warnw("pool: handle evicted after release, ignoring (leak?)",
			"pool", l.engine.cfg.PoolName, "entry", l.entry.ID())
		return
	}
	l.entry.cancelLeakTimer()
	l.engine.admission.Release()
	l.engine.softEvict(l.entry, "evicted by client", true)
}

// Borrow acquires a handle using Config.ConnectionTimeout as the deadline.
func (e *PoolEngine[T]) Borrow(ctx context.Context) (*Leased[T], error) {
	return e.BorrowTimeout(ctx, e.mutableCfg().ConnectionTimeout)
}

// BorrowTimeout implements the borrow protocol of spec §4.3.
func (e *PoolEngine[T]) BorrowTimeout(ctx context.Context, timeout time.Duration) (*Leased[T], error) {
	if poolState(e.state.Load()) == poolStateShutdown {
		return nil, ErrPoolShutdown
	}

	start := e.clock.Now()
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.admission.Acquire(deadlineCtx); err != nil {
		return nil, e.translateWaitErr(err, start, nil)
	}

	var lastErr error
	for {
		entry, err := e.bag.Borrow(deadlineCtx)
		if err != nil {
			e.admission.Release()
			return nil, e.translateWaitErr(err, start, lastErr)
		}

		now := e.clock.Now()
		dead := entry.isEvicted()
		if !dead && now.Sub(entry.LastAccessed()) > aliveBypassWindow {
			cfg := e.mutableCfg()
			probeCtx, pcancel := context.WithTimeout(deadlineCtx, cfg.ValidationTimeout)
			alive := e.factory.Validate(probeCtx, entry.Handle(), cfg.ValidationTimeout)
			pcancel()
			if !alive {
				dead = true
				lastErr = errors.New("pool: liveness probe failed")
			}
		}

		if dead {
			reason := "failed liveness probe"
			if entry.isEvicted() {
				reason = "marked for eviction"
			}
			e.closeEntry(entry, reason)
			continue
		}

		entry.createProxyHandle(now, e.newLeakTimer(entry))
		e.cfg.Metrics.RecordBorrowStats(entry.ID().String(), start)
		return &Leased[T]{entry: entry, engine: e}, nil
	}
}

func (e *PoolEngine[T]) newLeakTimer(entry *PoolEntry[T]) *time.Timer {
	threshold := e.mutableCfg().LeakDetectionThreshold
	if threshold <= 0 {
		return nil
	}
	id := entry.ID()
	return time.AfterFunc(threshold, func() {
		e.cfg.Logger.Warnw("pool: possible connection leak", "pool", e.cfg.PoolName, "entry", id, "threshold", threshold)
	})
}

// translateWaitErr turns a failure to obtain any entry - either from the
// admission gate or from HandoffBag.Borrow - into the caller-facing error
// spec §7 describes: fatal conditions (shutdown, interruption) surface
// immediately, anything else becomes a BorrowTimeout carrying the last
// upstream cause observed.
func (e *PoolEngine[T]) translateWaitErr(err error, start time.Time, lastErr error) error {
	if errors.Is(err, errBagClosed) || poolState(e.state.Load()) == poolStateShutdown {
		return ErrPoolShutdown
	}
	if errors.Is(err, context.Canceled) {
		return ErrInterrupted
	}
	e.cfg.Metrics.RecordConnectionTimeout()

	// Prefer the in-loop liveness-probe failure (it pertains to this borrow
	// directly); fall back to the Creator's last observed open failure so a
	// caller waiting on a pool that cannot create anything (DB down) still
	// sees why, per spec §4.3/§7.
	if lastErr == nil {
		if ce := e.lastCreateErr.Load(); ce != nil {
			lastErr = ce.err
		}
	}

	elapsed := e.clock.Now().Sub(start)
	e.cfg.Logger.Warnw("pool: borrow timed out", "pool", e.cfg.PoolName,
		"elapsedMs", clock.ElapsedMillis(e.clock, start), "cause", lastErr)
	return &BorrowTimeout{Elapsed: elapsed, Cause: lastErr}
}

func (e *PoolEngine[T]) returnEntry(entry *PoolEntry[T]) {
	entry.cancelLeakTimer()
	e.cfg.Metrics.RecordConnectionUsage(entry.ID().String(), e.clock.Now().Sub(entry.LastAccessed()))
	e.admission.Release()
	e.bag.Requite(entry)
}

// softEvict marks entry for eviction and, depending on ownerHeld, either
// closes it immediately (the caller already exclusively holds it) or
// attempts to reserve it from the bag first (spec §4.4).
func (e *PoolEngine[T]) softEvict(entry *PoolEntry[T], reason string, ownerHeld bool) {
	entry.markEvicted()
	if ownerHeld {
		e.closeEntry(entry, reason)
		return
	}
	if e.bag.Reserve(entry) {
		e.closeEntry(entry, reason)
	}
	// Otherwise a concurrent Borrow won the race; it will observe the
	// eviction mark and close the entry itself.
}

// closeEntry removes entry from the bag and, if that succeeds, submits its
// disposal to the closer pool (spec §4.4).
func (e *PoolEngine[T]) closeEntry(entry *PoolEntry[T], reason string) {
	if !e.bag.Remove(entry) {
		return
	}
	entry.cancelEOLTimer()
	e.total.Add(-1)
	e.closer.Submit(func() {
		if err := e.factory.Close(entry.Handle()); err != nil {
			e.cfg.Logger.Warnw("pool: close failed", "pool", e.cfg.PoolName, "entry", entry.ID(), "reason", reason, "error", err)
		}
	})
	e.fillPool()
}

// abortEntry forcibly removes an in-use entry during shutdown, bypassing
// the normal "returned by its owner" path (spec glossary: "Hard eviction /
// Abort: immediate forced close, used only during shutdown").
func (e *PoolEngine[T]) abortEntry(entry *PoolEntry[T]) {
	entry.markEvicted()
	if !e.bag.Remove(entry) {
		return
	}
	entry.cancelEOLTimer()
	entry.cancelLeakTimer()
	e.total.Add(-1)
	e.closer.Submit(func() {
		if err := e.factory.Abort(entry.Handle()); err != nil {
			e.cfg.Logger.Warnw("pool: abort failed", "pool", e.cfg.PoolName, "entry", entry.ID(), "error", err)
		}
	})
}

// SoftEvictAll marks every idle entry for eviction and closes it, and marks
// every in-use entry so that, once returned, the next borrow that claims it
// closes it instead of handing it out (spec §6 management surface).
func (e *PoolEngine[T]) SoftEvictAll() {
	for _, entry := range e.bag.Values(func(s entryState) bool { return s == stateNotInUse }) {
		e.softEvict(entry, "soft evict all", false)
	}
	for _, entry := range e.bag.Values(func(s entryState) bool { return s == stateInUse }) {
		entry.markEvicted()
	}
	e.fillPool()
}

// Suspend drains the admission gate so new borrows block until Resume
// (spec §4.4). Returns ErrIllegalState if suspension was not enabled in
// Config.
func (e *PoolEngine[T]) Suspend(ctx context.Context) error {
	if !e.cfg.AllowPoolSuspension {
		return ErrIllegalState
	}
	if err := e.admission.Suspend(ctx); err != nil {
		return err
	}
	e.state.CompareAndSwap(int32(poolStateNormal), int32(poolStateSuspended))
	return nil
}

// Resume restores the admission gate and immediately refills the pool so
// waiters find handles (spec §4.4).
func (e *PoolEngine[T]) Resume() {
	e.state.CompareAndSwap(int32(poolStateSuspended), int32(poolStateNormal))
	e.admission.Resume()
	e.fillPool()
}

// Shutdown transitions the pool to poolStateShutdown, soft-evicts
// everything idle, then spends up to 5 seconds forcibly aborting anything
// still in use before closing the bag and worker pools (spec §4.4).
func (e *PoolEngine[T]) Shutdown(context.Context) error {
	if !e.transitionToShutdown() {
		return nil
	}
	e.housekeeper.stop()

	e.SoftEvictAll()

	deadline := time.Now().Add(5 * time.Second)
	for e.total.Load() > 0 && time.Now().Before(deadline) {
		for _, entry := range e.bag.Values(func(s entryState) bool { return s == stateInUse }) {
			e.abortEntry(entry)
		}
		for _, entry := range e.bag.Values(func(s entryState) bool { return s == stateReserved }) {
			e.closeEntry(entry, "pool shutdown")
		}
		for _, entry := range e.bag.Values(func(s entryState) bool { return s == stateNotInUse }) {
			e.softEvict(entry, "pool shutdown", false)
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.bag.Close()
	e.closer.Close()
	e.adder.Close()
	return nil
}

func (e *PoolEngine[T]) transitionToShutdown() bool {
	for {
		cur := e.state.Load()
		if poolState(cur) == poolStateShutdown {
			return false
		}
		if e.state.CompareAndSwap(cur, int32(poolStateShutdown)) {
			return true
		}
	}
}

// Active returns the number of entries currently borrowed.
func (e *PoolEngine[T]) Active() int { return e.bag.GetCount(stateInUse) }

// Idle returns the number of entries currently available to borrow.
func (e *PoolEngine[T]) Idle() int { return e.bag.GetCount(stateNotInUse) }

// Total returns the number of live entries (spec §3 totalConnections).
func (e *PoolEngine[T]) Total() int { return int(e.total.Load()) }

// Waiting returns the number of borrows currently parked in the bag's
// waiter queue.
func (e *PoolEngine[T]) Waiting() int { return e.bag.GetPendingQueue() }

// CloseQueueOverflows returns how many disposals have had to run on the
// caller's goroutine because the closer pool's queue was full (spec §9,
// the recommended overflow metric).
func (e *PoolEngine[T]) CloseQueueOverflows() uint64 { return e.closeOverflow.Load() }

func (e *PoolEngine[T]) setLastCreateErr(err error) { e.lastCreateErr.Store(&createErr{err: err}) }
