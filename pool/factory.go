package pool

import (
	"context"
	"time"
)

// Factory is the embedder-provided collaborator that actually opens,
// validates, and closes a real handle (spec §6). It is the sole out-of-scope
// dependency the pool core relies on.
type Factory[T any] interface {
	// Open synchronously creates one raw handle. Called on adder workers.
	Open(ctx context.Context) (T, error)
	// Validate synchronously probes liveness within timeout.
	Validate(ctx context.Context, handle T, timeout time.Duration) bool
	// Close idempotently disposes of handle. Must swallow its own errors;
	// the pool only logs what Close chooses to report via the returned
	// error, it never blocks shutdown on it.
	Close(handle T) error
	// Abort best-effort forcibly terminates handle during shutdown.
	Abort(handle T) error
}
