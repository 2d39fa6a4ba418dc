// Package aggregator rolls raw metric samples up into 1m, 5m, 15m and 1h
// windows and keeps a bounded history of each rollup.
package aggregator
