//go:build linux

package wal

import "time"

// Metrics receives WAL instrumentation events.
//
// A nil Metrics is valid and results in zero overhead; callers that want
// Prometheus-backed metrics pass the implementation from pkg/metrics.
type Metrics interface {
	// ObserveAppend records a submitted append and its padded size in bytes.
	ObserveAppend(bytes int)

	// ObserveFlush records a successful flush: how many operations it
	// drained and how long it blocked.
	ObserveFlush(drained int, duration time.Duration)

	// IncFlushFailure records a flush that surfaced a durability failure.
	IncFlushFailure()

	// ObserveRecovery records the outcome of startup recovery.
	ObserveRecovery(records int, bytes int64)

	// IncVerifyFailure records a post-fsync read-back that did not match
	// the written record.
	IncVerifyFailure()
}
