package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/posidoni/pgpool/pool/internal/clock"
)

func newTestEngine(t *testing.T, cfg Config, c *clock.Fake) (*PoolEngine[int], *countingFactory) {
	t.Helper()
	factory := newCountingFactory()
	e, err := NewWithClock[int](factory, cfg, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e, factory
}

func TestHousekeeperPrunesIdleAboveMinimum(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	cfg := baseTestConfig()
	cfg.MinimumIdle = 1
	cfg.MaximumPoolSize = 3
	cfg.IdleTimeout = 50 * time.Millisecond

	e, factory := newTestEngine(t, cfg, fake)
	require.Eventually(t, func() bool { return e.Idle() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, e.createEntry(context.Background()))
	require.NoError(t, e.createEntry(context.Background()))
	require.Equal(t, 3, e.Idle())

	fake.Advance(51 * time.Millisecond)
	// Place this tick one full period after the previous one so the
	// retrograde-clock guard does not fire and the idle-prune branch runs.
	e.housekeeper.previous = fake.Now().Add(-housekeepingPeriod)
	e.housekeeper.tick()

	require.Eventually(t, func() bool { return e.Idle() == cfg.MinimumIdle }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return factory.closes.Load() == 2 }, time.Second, time.Millisecond)
}

func TestHousekeeperRetrogradeClockRetiresIdleEntries(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	cfg := baseTestConfig()
	cfg.MinimumIdle = 2
	cfg.MaximumPoolSize = 2

	e, factory := newTestEngine(t, cfg, fake)
	require.Eventually(t, func() bool { return e.Idle() == 2 }, time.Second, time.Millisecond)

	e.housekeeper.previous = fake.Now()
	fake.Set(fake.Now().Add(-time.Minute))
	e.housekeeper.tick()

	require.Eventually(t, func() bool { return factory.closes.Load() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return e.Idle() == 2 }, time.Second, time.Millisecond,
		"fillPool should replace the retired idle entries")
}

func TestHousekeeperForwardLeapDoesNotDisruptEntries(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	cfg := baseTestConfig()
	cfg.MinimumIdle = 1
	cfg.MaximumPoolSize = 1

	e, factory := newTestEngine(t, cfg, fake)
	require.Eventually(t, func() bool { return e.Idle() == 1 }, time.Second, time.Millisecond)

	e.housekeeper.previous = fake.Now()
	fake.Advance(time.Hour)
	e.housekeeper.tick()

	require.Equal(t, int64(0), factory.closes.Load(), "a forward leap only logs a warning, it never retires entries")
	require.Equal(t, 1, e.Idle())
}

func TestDesyncedLifetimeHasNoVarianceBelowThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5*time.Second, desyncedLifetime(5*time.Second))
	require.Equal(t, 10*time.Second, desyncedLifetime(10*time.Second))
}

func TestDesyncedLifetimeAppliesBoundedVariance(t *testing.T) {
	t.Parallel()

	lifetime := 100 * time.Second
	for i := 0; i < 20; i++ {
		got := desyncedLifetime(lifetime)
		require.LessOrEqual(t, got, lifetime)
		require.Greater(t, got, lifetime-lifetime/40-time.Millisecond)
	}
}

func TestCreatorRecoversAfterOpenFailureClears(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	factory := newCountingFactory()
	failure := errors.New("dial tcp: connection refused")
	factory.setOpenErr(failure)

	cfg := baseTestConfig()
	cfg.MinimumIdle = 1
	cfg.MaximumPoolSize = 1
	cfg.ConnectionTimeout = 50 * time.Millisecond

	e, err := NewWithClock[int](factory, cfg, fake)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	require.Eventually(t, func() bool {
		ce := e.lastCreateErr.Load()
		return ce != nil && ce.err != nil
	}, time.Second, time.Millisecond, "a failed creation attempt must be recorded")
	require.Equal(t, 0, e.Idle())

	factory.setOpenErr(nil)

	require.Eventually(t, func() bool { return e.Idle() == 1 }, 2*time.Second, time.Millisecond,
		"the creator must keep retrying past a transient open failure")
}

func TestBorrowTimeoutCarriesLastCreateError(t *testing.T) {
	t.Parallel()

	factory := newCountingFactory()
	failure := errors.New("dial tcp: connection refused")
	factory.setOpenErr(failure)

	cfg := baseTestConfig()
	cfg.MinimumIdle = 1
	cfg.MaximumPoolSize = 1
	cfg.ConnectionTimeout = 150 * time.Millisecond

	e, err := NewWithClock[int](factory, cfg, clock.Real{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	_, err = e.Borrow(context.Background())
	require.Error(t, err)

	var bt *BorrowTimeout
	require.True(t, errors.As(err, &bt))
	require.Error(t, bt.Cause)
	require.ErrorIs(t, bt.Cause, failure)
}

func TestAliveFuncGatesStaleEntryRevalidation(t *testing.T) {
	t.Parallel()

	factory := newCountingFactory()
	var deadHandle atomic.Int64
	factory.setAliveFunc(func(h int) bool { return int64(h) != deadHandle.Load() })

	cfg := baseTestConfig()
	cfg.MinimumIdle = 1
	cfg.MaximumPoolSize = 1
	cfg.ConnectionTimeout = time.Second
	cfg.ValidationTimeout = 100 * time.Millisecond

	e, err := NewWithClock[int](factory, cfg, clock.Real{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	require.Eventually(t, func() bool { return e.Idle() == 1 }, time.Second, time.Millisecond)

	first, err := e.Borrow(context.Background())
	require.NoError(t, err)
	deadHandle.Store(int64(first.Handle()))
	first.Return()

	time.Sleep(600 * time.Millisecond) // past aliveBypassWindow

	second, err := e.Borrow(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.Handle(), second.Handle(), "a dead entry must be replaced, not reused")
	second.Return()

	require.Equal(t, int64(1), factory.closes.Load())
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := creatorInitialBackoff
	b = nextBackoff(b, 10*time.Second)
	require.Greater(t, b, creatorInitialBackoff)

	for i := 0; i < 20; i++ {
		b = nextBackoff(b, 10*time.Second)
	}
	require.LessOrEqual(t, b, 10*time.Second)
}
