package pool

import (
	"sort"
	"time"
)

// housekeeper is the periodic maintenance task of spec §4.5: it defends
// against wall-clock jumps, prunes idle entries above minimumIdle, and
// triggers refill. It does not refresh configuration; each tick reads the
// snapshot stored in New. It runs on its own goroutine with
// a fixed-delay (not fixed-rate) timer, grounded on the corpus's ants Pool
// purgePeriodically ticker and its own repository's single maintainer
// goroutine.
type housekeeper[T any] struct {
	engine   *PoolEngine[T]
	previous time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func newHousekeeper[T any](e *PoolEngine[T]) *housekeeper[T] {
	return &housekeeper[T]{engine: e}
}

func (h *housekeeper[T]) start() {
	h.previous = h.engine.clock.Now()
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	go h.loop()
}

// stop signals the goroutine to exit and waits for it, so Shutdown can
// guarantee no housekeeping tick races the final close of the bag.
func (h *housekeeper[T]) stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *housekeeper[T]) loop() {
	defer close(h.doneCh)

	timer := time.NewTimer(housekeepingPeriod)
	defer timer.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-timer.C:
			h.tick()
			// Fixed-delay: the next period starts only after this tick
			// finished, so a slow tick never overlaps itself.
			timer.Reset(housekeepingPeriod)
		}
	}
}

func (h *housekeeper[T]) tick() {
	defer func() {
		if r := recover(); r != nil {
			h.engine.cfg.Logger.Errorw("pool: housekeeping tick panicked, continuing on next tick",
				"pool", h.engine.cfg.PoolName, "panic", r)
		}
	}()

	e := h.engine
	now := e.clock.Now()
	previous := h.previous

	if now.Add(128 * time.Millisecond).Before(previous.Add(housekeepingPeriod)) {
		h.handleRetrogradeClock(now)
		return
	}

	if now.After(previous.Add(time.Duration(1.5 * float64(housekeepingPeriod)))) {
		e.cfg.Logger.Warnw("pool: forward clock leap detected", "pool", e.cfg.PoolName,
			"previous", previous, "now", now)
	}

	h.previous = now

	cfg := e.mutableCfg()
	if cfg.IdleTimeout > 0 {
		h.pruneIdle(cfg, now)
	}

	e.fillPool()
}

// handleRetrogradeClock implements spec §4.5 step 3: last-access stamps are
// no longer trustworthy after a backward clock jump, so every entry is
// retired rather than risk serving one based on a now-unreliable age.
func (h *housekeeper[T]) handleRetrogradeClock(now time.Time) {
	e := h.engine
	e.cfg.Logger.Warnw("pool: retrograde clock jump detected, retiring all entries",
		"pool", e.cfg.PoolName, "previous", h.previous, "now", now)
	h.previous = now

	for _, entry := range e.bag.Values(nil) {
		switch entry.State() {
		case stateNotInUse:
			e.softEvict(entry, "retrograde clock jump", false)
		case stateInUse:
			entry.markEvicted()
		}
	}
	e.fillPool()
}

func (h *housekeeper[T]) pruneIdle(cfg mutableConfig, now time.Time) {
	e := h.engine
	idle := e.bag.Values(func(s entryState) bool { return s == stateNotInUse })
	removable := len(idle) - cfg.MinimumIdle
	if removable <= 0 {
		return
	}

	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastAccessed().Before(idle[j].LastAccessed())
	})

	for _, entry := range idle {
		if removable == 0 {
			break
		}
		if now.Sub(entry.LastAccessed()) <= cfg.IdleTimeout {
			continue
		}
		if e.bag.Reserve(entry) {
			e.closeEntry(entry, "idle timeout")
			removable--
		}
	}
}
