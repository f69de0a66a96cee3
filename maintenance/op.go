// Package maintenance implements the process-wide maintenance scheduler
// (spec.md §4.9): a registry of background ops (MRS/DMS flushes, delta
// compactions, WAL GC) whose stats are polled each tick, one of which is
// picked and run under a bounded worker pool.
package maintenance

import (
	"context"
)

// Stats is the snapshot an Op reports to update_stats each tick. Fields not
// meaningful to a given op are left zero.
type Stats struct {
	Runnable          bool
	RAMAnchored       int64
	LogsRetainedBytes int64
	PerfImprovement   float64
	WorkloadScore     float64
	DataRetainedBytes int64
}

// Op is one schedulable maintenance operation: an MRS/DMS flush, a delta
// compaction, or a WAL GC pass for one tablet.
type Op interface {
	// Name identifies the op for logging and tie-break FIFO ordering.
	Name() string
	// TabletID identifies which tablet this op acts on, for the per-tablet
	// concurrency invariants (one flush, one compaction per DRS, one WAL GC).
	TabletID() string
	// UpdateStats recomputes the op's current Stats. Called every tick
	// before selection; cheap relative to Perform.
	UpdateStats() Stats
	// Prepare does any work that must happen before Perform is allowed to
	// run (e.g. snapshotting). Returns false if the op turned out not to be
	// runnable after all.
	Prepare(ctx context.Context) (bool, error)
	// Perform executes the op. Runs on the worker pool.
	Perform(ctx context.Context) error
}
