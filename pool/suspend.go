package pool

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"
)

// admissionWeight is large enough that it never itself bounds concurrency;
// SuspendResumeLock exists purely to gate admission on/off, not to limit
// how many borrows run at once (spec §4: "either a no-op or a bounded
// permit set whose permits can be drained to halt new borrows").
const admissionWeight = math.MaxInt32 / 2

// SuspendResumeLock is the admission gate borrow passes through before
// touching the bag (spec §4.3 step 1, §4.4). When suspension is disabled it
// degrades to a true no-op so the common case pays no semaphore overhead.
type SuspendResumeLock struct {
	enabled bool
	sem     *semaphore.Weighted
}

// NewSuspendResumeLock builds a gate. If enabled is false, Acquire/Release
// are no-ops and Suspend always fails with ErrIllegalState, matching spec
// §4.4 ("suspend() is legal only if suspension is enabled").
func NewSuspendResumeLock(enabled bool) *SuspendResumeLock {
	l := &SuspendResumeLock{enabled: enabled}
	if enabled {
		l.sem = semaphore.NewWeighted(admissionWeight)
	}
	return l
}

// Acquire blocks until one admission permit is available or ctx is done.
func (l *SuspendResumeLock) Acquire(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	return l.sem.Acquire(ctx, 1)
}

// Release returns one admission permit.
func (l *SuspendResumeLock) Release() {
	if !l.enabled {
		return
	}
	l.sem.Release(1)
}

// Suspend drains every permit, so any borrow after this call blocks in
// Acquire until Resume. Returns ErrIllegalState if suspension was not
// enabled at construction.
func (l *SuspendResumeLock) Suspend(ctx context.Context) error {
	if !l.enabled {
		return ErrIllegalState
	}
	return l.sem.Acquire(ctx, admissionWeight)
}

// Resume returns every permit drained by Suspend.
func (l *SuspendResumeLock) Resume() {
	if !l.enabled {
		return
	}
	l.sem.Release(admissionWeight)
}
