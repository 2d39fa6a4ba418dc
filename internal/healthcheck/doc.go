// Package healthcheck defines the assessment model shared by the pool, cache
// and circuit monitors and runs their periodic re-evaluation.
package healthcheck
