package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// countingFactory is a minimal Factory[int] used across the white-box test
// suite. Each opened handle is a distinct small int so tests can tell
// entries apart without a real external dependency.
type countingFactory struct {
	opens  atomic.Int64
	closes atomic.Int64
	aborts atomic.Int64

	openErr   atomic.Pointer[error]
	aliveFunc atomic.Pointer[func(int) bool]
}

func newCountingFactory() *countingFactory { return &countingFactory{} }

func (f *countingFactory) Open(context.Context) (int, error) {
	if p := f.openErr.Load(); p != nil && *p != nil {
		return 0, *p
	}
	n := f.opens.Add(1)
	return int(n), nil
}

func (f *countingFactory) Validate(_ context.Context, h int, _ time.Duration) bool {
	if p := f.aliveFunc.Load(); p != nil && *p != nil {
		return (*p)(h)
	}
	return true
}

func (f *countingFactory) Close(int) error {
	f.closes.Add(1)
	return nil
}

func (f *countingFactory) Abort(int) error {
	f.aborts.Add(1)
	return nil
}

func (f *countingFactory) setOpenErr(err error) {
	f.openErr.Store(&err)
}

func (f *countingFactory) setAliveFunc(fn func(int) bool) {
	f.aliveFunc.Store(&fn)
}

func baseTestConfig() Config {
	return Config{
		PoolName:          "test",
		MinimumIdle:       0,
		MaximumPoolSize:   4,
		ConnectionTimeout: 500 * time.Millisecond,
		ValidationTimeout: 100 * time.Millisecond,
	}
}
