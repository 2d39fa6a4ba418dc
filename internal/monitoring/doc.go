// Package monitoring builds the telemetry components once, connects their
// observers and owns their periodic jobs.
package monitoring
