// Package metrics records request latency, throughput and cache hit/miss
// counters for the in-process telemetry subsystem.
//
// A Recorder keeps one series per operation name, created lazily on first use.
// Each series has its own lock so concurrent writers to different operations
// never contend. Latency percentiles are computed over the most recent 1000
// samples while count, sum, min and max cover the whole history.
//
// A Collector moves RequestEvents off the request path through a buffered
// channel and fans them out to Sinks. Emit never blocks:
//
//	rec := metrics.NewRecorder(metrics.DefaultConfig())
//	collector := metrics.NewCollector(1000, logger, rec)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.RequestEvent{
//		Operation:  "GET /orders",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
// Recorder.Start runs a once-per-second snapshot job that keeps the last hour
// of snapshots in memory and hands each one to registered SnapshotObservers.
package metrics
