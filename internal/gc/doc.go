// Package gc drives age-based reclamation of tracked blocks.
//
// The reclaim worker ([ReclaimWorker]) wakes every PeriodMs, sweeps the
// registry for blocks at least ThresholdMs old, and forwards the result to
// a notification sink. Reclamation is by age only: a block is released
// even if the application still points at it.
//
// # Usage
//
//	worker := gc.NewReclaimWorker(reg, sink, gc.ReclaimWorkerConfig{
//	    PeriodMs:    900,
//	    ThresholdMs: 5000,
//	})
//	worker.Start()
//	defer worker.Stop()
//
// # Lifecycle
//
// A worker moves Idle → Running → Stopping → Stopped and never restarts.
// Stop joins the background goroutine, so once it returns no scheduled
// sweep can race with whatever the caller does next (typically a drain).
//
// # Failures
//
// Release failures are handled inside the registry and show up in the
// report. A panic raised by a sink or allocator during a cycle is logged
// and the loop carries on with the next tick.
package gc
