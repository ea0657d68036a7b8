package pool

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors surfaced immediately to callers (spec: "fatal errors ...
// surface immediately"). Recoverable failures (dead handle, transient create
// failure, closed handle) are never returned through these paths; they are
// absorbed by the borrow loop, the Creator, or the Housekeeper (creation and
// disposal failures are logged, a dead handle is closed without a log line).
var (
	// ErrPoolShutdown is returned by Borrow once Shutdown has been called.
	ErrPoolShutdown = errors.New("pool: shut down")

	// ErrInterrupted is returned when a borrow's context is cancelled while
	// waiting in the bag's waiter queue or the admission gate.
	ErrInterrupted = errors.New("pool: borrow interrupted")

	// ErrIllegalState is returned by Suspend when suspension was not enabled
	// in Config.
	ErrIllegalState = errors.New("pool: suspension not enabled")
)

// BorrowTimeout is raised when a Borrow call exhausts its deadline without
// obtaining a live entry. It carries the elapsed time and the most recent
// upstream failure, if any.
type BorrowTimeout struct {
	Elapsed time.Duration
	// Cause is the liveness-probe failure this borrow observed or, failing
	// that, the Creator's most recent open failure since its last successful
	// creation; nil if there is neither and the loop simply ran out of
	// waiting entries.
	Cause error
}

func (e *BorrowTimeout) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pool: borrow timed out after %s: %v", e.Elapsed, e.Cause)
	}
	return fmt.Sprintf("pool: borrow timed out after %s", e.Elapsed)
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *BorrowTimeout) Unwrap() error { return e.Cause }

// PoolInitializationError wraps a fail-fast initialization failure (spec
// §4.7): the synchronous open+probe performed during New when
// Config.InitializationFailFast is set.
type PoolInitializationError struct {
	Cause error
}

func (e *PoolInitializationError) Error() string {
	return fmt.Sprintf("pool: fail-fast initialization failed: %v", e.Cause)
}

func (e *PoolInitializationError) Unwrap() error { return e.Cause }

func wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
