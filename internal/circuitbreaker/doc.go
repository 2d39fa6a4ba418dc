// Package circuitbreaker guards calls to downstream dependencies and monitors
// the health of every guarded dependency.
//
// A circuit breaker prevents cascading failures by temporarily blocking
// requests to failing dependencies. It has three states:
//
//   - CLOSED: Normal operation, requests pass through
//   - OPEN: Dependency failing, requests blocked
//   - HALF_OPEN: Testing if the dependency recovered
//
// The Monitor keeps per-dependency counters, an append-only transition
// history and alert thresholds. Breakers created by a Registry report to it
// automatically; sony/gobreaker breakers can be wired with GobreakerHook.
//
// Usage:
//
//	monitor := circuitbreaker.NewMonitor(recorder)
//	registry := circuitbreaker.NewRegistry(5, 30*time.Second, monitor)
//	err := registry.Call("payments", func() error {
//	    return client.Charge(ctx, order)
//	})
package circuitbreaker
