package pool

import "time"

// MetricsSink receives pool accounting events (spec §6). A no-op sink is the
// default; wiring a real backend (Prometheus, statsd, ...) is left to the
// embedder, per spec §1's "metrics/health registries" Non-goal.
type MetricsSink interface {
	// RecordBorrowStats is called once per successful borrow with the entry
	// id and the time the borrow call started.
	RecordBorrowStats(entryID string, startedAt time.Time)
	// RecordConnectionUsage is called on return with how long the entry was
	// held since createProxyHandle.
	RecordConnectionUsage(entryID string, heldFor time.Duration)
	// RecordConnectionTimeout is called once per BorrowTimeout raised.
	RecordConnectionTimeout()
}

// NopMetricsSink discards every event. It is the default MetricsSink.
type NopMetricsSink struct{}

func (NopMetricsSink) RecordBorrowStats(string, time.Time)        {}
func (NopMetricsSink) RecordConnectionUsage(string, time.Duration) {}
func (NopMetricsSink) RecordConnectionTimeout()                    {}
