// Package cachemonitor tracks a two-level cache (L1 in-process, L2 shared)
// and scores its health from hit rates, eviction pressure, get latency and
// compression.
//
// Per-layer averages come from the last 1000 operations. Full latency
// distributions are kept in HDR histograms. RistrettoPoller feeds counters
// from a ristretto cache into a layer.
package cachemonitor
