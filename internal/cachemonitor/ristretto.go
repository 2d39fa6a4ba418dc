package cachemonitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/angeloszaimis/telemetry/internal/metrics"
)

const DefaultPollInterval = 10 * time.Second

// RistrettoPoller samples the counters of a ristretto cache and feeds the
// deltas into one layer of a Monitor. The cache must be created with
// Metrics enabled.
type RistrettoPoller struct {
	cache    *ristretto.Cache
	monitor  *Monitor
	layer    metrics.Layer
	interval time.Duration
	logger   *slog.Logger

	lastHits    uint64
	lastMisses  uint64
	lastEvicted uint64
}

func NewRistrettoPoller(cache *ristretto.Cache, monitor *Monitor, layer metrics.Layer, interval time.Duration, logger *slog.Logger) *RistrettoPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &RistrettoPoller{
		cache:    cache,
		monitor:  monitor,
		layer:    layer,
		interval: interval,
		logger:   logger,
	}
}

// Poll reads the cache counters once.
func (p *RistrettoPoller) Poll() {
	m := p.cache.Metrics
	if m == nil {
		return
	}

	hits, misses, evicted := m.Hits(), m.Misses(), m.KeysEvicted()

	p.monitor.RecordCounts(p.layer,
		delta(hits, p.lastHits),
		delta(misses, p.lastMisses),
		delta(evicted, p.lastEvicted),
	)

	p.lastHits, p.lastMisses, p.lastEvicted = hits, misses, evicted
}

// Run polls every interval until ctx is cancelled.
func (p *RistrettoPoller) Run(ctx context.Context) {
	if p.cache.Metrics == nil {
		p.logger.Warn("Ristretto metrics disabled, cache poller not started",
			slog.String("layer", string(p.layer)))
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// delta tolerates counter resets by treating a smaller value as a restart.
func delta(current, last uint64) int64 {
	if current < last {
		return int64(current)
	}
	return int64(current - last)
}
