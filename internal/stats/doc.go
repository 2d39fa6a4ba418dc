// Package stats holds the percentile convention shared by the recorder, the SLO
// engine and the aggregator: sorted[ceil(p/100*n)-1].
package stats
