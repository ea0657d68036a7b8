package pool

import (
	"context"
	"math/rand"
	"time"
)

// creatorInitialBackoff is the Creator's starting retry delay on a failed
// creation attempt (spec §4.6).
const creatorInitialBackoff = 250 * time.Millisecond

// creatorMaxBackoff is the absolute ceiling on Creator backoff.
const creatorMaxBackoff = 10 * time.Second

// fillPool computes how many entries are still wanted to reach
// MinimumIdle/MaximumPoolSize and submits that many creation tasks to the
// adder pool (spec §4.5 "fillPool()"). Each task runs the Creator loop in
// creator.go.
func (e *PoolEngine[T]) fillPool() {
	if poolState(e.state.Load()) != poolStateNormal {
		return
	}
	cfg := e.mutableCfg()

	byCap := cfg.MaximumPoolSize - int(e.total.Load())
	byIdle := cfg.MinimumIdle - e.bag.GetCount(stateNotInUse)
	want := min(byCap, byIdle) - int(e.queuedCreations.Load())
	if want <= 0 {
		return
	}

	for i := 0; i < want; i++ {
		e.queuedCreations.Add(1)
		submitted := e.adder.Submit(func() {
			defer e.queuedCreations.Add(-1)
			e.runCreatorTask()
		})
		if !submitted {
			// discardOnOverflow dropped the task outright, so its deferred
			// decrement above will never run - account for it here instead.
			e.queuedCreations.Add(-1)
		}
	}
}

// runCreatorTask is the PoolEntryCreator loop of spec §4.6: while the pool
// is NORMAL and still under capacity, try to create one entry, backing off
// between failed attempts.
func (e *PoolEngine[T]) runCreatorTask() bool {
	backoff := creatorInitialBackoff
	for {
		if poolState(e.state.Load()) != poolStateNormal {
			return false
		}
		cfg := e.mutableCfg()
		if int(e.total.Load()) >= cfg.MaximumPoolSize {
			return false
		}

		if err := e.createEntry(context.Background()); err != nil {
			e.setLastCreateErr(err)
			e.cfg.Logger.Warnw("pool: entry creation failed, backing off",
				"pool", e.cfg.PoolName, "backoff", backoff, "error", err)
			time.Sleep(backoff)
			backoff = nextBackoff(backoff, cfg.ConnectionTimeout)
			continue
		}
		e.lastCreateErr.Store(nil)
		return true
	}
}

func nextBackoff(current, connectionTimeout time.Duration) time.Duration {
	cap_ := creatorMaxBackoff
	if connectionTimeout > 0 && connectionTimeout < cap_ {
		cap_ = connectionTimeout
	}
	next := time.Duration(float64(current) * 1.5)
	if next > cap_ {
		next = cap_
	}
	return next
}

// createEntry opens one new handle via the Factory, wraps it in a
// PoolEntry, attaches its end-of-life timer, and adds it to the bag.
func (e *PoolEngine[T]) createEntry(ctx context.Context) error {
	handle, err := e.factory.Open(ctx)
	if err != nil {
		return wrapf(err, "pool %q: factory open failed", e.cfg.PoolName)
	}

	if poolState(e.state.Load()) == poolStateShutdown {
		_ = e.factory.Close(handle)
		return nil
	}

	now := e.clock.Now()
	entry := newPoolEntry[T](handle, now)

	cfg := e.mutableCfg()
	if cfg.MaxLifetime > 0 {
		eol := desyncedLifetime(cfg.MaxLifetime)
		entry.setEOLTimer(time.AfterFunc(eol, func() {
			e.softEvict(entry, "max lifetime reached", false)
		}))
	}

	e.total.Add(1)
	e.bag.Add(entry)
	return nil
}

// desyncedLifetime applies spec §4.6's variance: for MaxLifetime over 10s,
// subtract a random amount up to ~2.5% of it so a batch of entries created
// together do not all expire in the same instant (thundering-herd refill).
func desyncedLifetime(maxLifetime time.Duration) time.Duration {
	if maxLifetime <= 10*time.Second {
		return maxLifetime
	}
	variance := time.Duration(rand.Int63n(int64(maxLifetime / 40)))
	return maxLifetime - variance
}
