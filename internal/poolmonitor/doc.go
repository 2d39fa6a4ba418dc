// Package poolmonitor tracks database connection pool usage and scores pool
// health from utilization, waiting clients, acquire wait time, recent
// connection errors and idle ratio.
//
// Any pool can be observed through the StatsSource interface. PgxSource adapts
// a pgxpool.Pool and instruments Acquire so wait times and failures reach the
// monitor.
package poolmonitor
