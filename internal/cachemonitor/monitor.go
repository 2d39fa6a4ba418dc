package cachemonitor

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/stats"
)

const (
	Component = "cache"

	eventHistorySize  = 5000
	latencyWindowSize = 1000
	evictionWindow    = time.Minute

	// Histogram bounds in microseconds.
	histogramMin     = 1
	histogramMax     = 60_000_000
	histogramSigFigs = 3
)

type Op string

const (
	OpGet Op = "get"
	OpSet Op = "set"
)

type EventType string

const (
	EventHit      EventType = "hit"
	EventMiss     EventType = "miss"
	EventSet      EventType = "set"
	EventEviction EventType = "eviction"
	EventDelete   EventType = "delete"
)

type Event struct {
	Type       EventType     `json:"type"`
	Layer      metrics.Layer `json:"layer"`
	Key        string        `json:"key,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	LatencyMs  float64       `json:"latency_ms,omitempty"`
	Size       int64         `json:"size,omitempty"`
	Compressed bool          `json:"compressed,omitempty"`
	Count      int64         `json:"count"`

	seq uint64
}

type LayerMetrics struct {
	Hits             int64     `json:"hits"`
	Misses           int64     `json:"misses"`
	HitRate          float64   `json:"hit_rate"`
	Evictions        int64     `json:"evictions"`
	Sets             int64     `json:"sets"`
	Gets             int64     `json:"gets"`
	Deletes          int64     `json:"deletes"`
	Size             int64     `json:"size"`
	MemoryUsage      int64     `json:"memory_usage"`
	AvgGetLatencyMs  float64   `json:"avg_get_latency_ms"`
	AvgSetLatencyMs  float64   `json:"avg_set_latency_ms"`
	CompressionRatio float64   `json:"compression_ratio"`
	Timestamp        time.Time `json:"timestamp"`
}

// Distribution summarises latencies of one layer and operation, in milliseconds.
type Distribution struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Recorder receives hit/miss counters and operation latencies.
type Recorder interface {
	RecordCacheHit(layer metrics.Layer)
	RecordCacheMiss(layer metrics.Layer)
	RecordCacheCounts(layer metrics.Layer, hits, misses int64)
	RecordLatency(op string, d time.Duration)
}

type layerState struct {
	mu      sync.Mutex
	m       LayerMetrics
	getLat  *stats.Window
	setLat  *stats.Window
	getHist *hdrhistogram.Histogram
	setHist *hdrhistogram.Histogram
	events  *stats.Ring[Event]
}

func newLayerState() *layerState {
	return &layerState{
		m:       LayerMetrics{CompressionRatio: 1.0},
		getLat:  stats.NewWindow(latencyWindowSize),
		setLat:  stats.NewWindow(latencyWindowSize),
		getHist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		setHist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		events:  stats.NewRing[Event](eventHistorySize),
	}
}

// snapshot copies the metrics with averages refreshed. Caller holds mu.
func (l *layerState) snapshot(now time.Time) LayerMetrics {
	m := l.m
	m.AvgGetLatencyMs = l.getLat.Mean()
	m.AvgSetLatencyMs = l.setLat.Mean()
	m.Timestamp = now
	return m
}

// observe records latency into the window and histogram for op. Caller holds mu.
func (l *layerState) observe(op Op, latency time.Duration) {
	ms := stats.Millis(latency)
	micros := max(latency.Microseconds(), histogramMin)

	switch op {
	case OpGet:
		l.getLat.Add(ms)
		_ = l.getHist.RecordValue(min(micros, histogramMax))
	case OpSet:
		l.setLat.Add(ms)
		_ = l.setHist.RecordValue(min(micros, histogramMax))
	}
}

func (l *layerState) updateHitRate() {
	total := l.m.Hits + l.m.Misses
	if total == 0 {
		l.m.HitRate = 0
		return
	}
	l.m.HitRate = float64(l.m.Hits) / float64(total)
}

// Monitor tracks L1/L2 cache layers. Layers are created on first use and
// keep their own event history.
type Monitor struct {
	mu     sync.RWMutex
	layers map[metrics.Layer]*layerState

	// seq orders events across layers.
	seq atomic.Uint64

	recorder Recorder
	clock    func() time.Time
}

// New creates a monitor. recorder may be nil.
func New(recorder Recorder) *Monitor {
	return &Monitor{
		layers:   make(map[metrics.Layer]*layerState),
		recorder: recorder,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

func (m *Monitor) Name() string {
	return Component
}

func (m *Monitor) layer(name metrics.Layer) *layerState {
	m.mu.RLock()
	l, ok := m.layers[name]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := m.layers[name]; ok {
		return l
	}

	l = newLayerState()
	m.layers[name] = l
	return l
}

func (m *Monitor) lookup(name metrics.Layer) (*layerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.layers[name]
	return l, ok
}

func (m *Monitor) RecordHit(layer metrics.Layer, key string, latency time.Duration) {
	m.recordGet(layer, key, latency, true)
}

func (m *Monitor) RecordMiss(layer metrics.Layer, key string, latency time.Duration) {
	m.recordGet(layer, key, latency, false)
}

func (m *Monitor) recordGet(layer metrics.Layer, key string, latency time.Duration, hit bool) {
	l := m.layer(layer)

	evType := EventMiss
	if hit {
		evType = EventHit
	}
	ev := m.event(Event{Type: evType, Layer: layer, Key: key, LatencyMs: stats.Millis(latency), Count: 1})

	l.mu.Lock()
	if hit {
		l.m.Hits++
	} else {
		l.m.Misses++
	}
	l.m.Gets++
	l.updateHitRate()
	l.observe(OpGet, latency)
	l.events.Add(ev)
	l.mu.Unlock()

	if m.recorder != nil {
		if hit {
			m.recorder.RecordCacheHit(layer)
		} else {
			m.recorder.RecordCacheMiss(layer)
		}
		m.recorder.RecordLatency(fmt.Sprintf("cache:%s:get", layer), latency)
	}
}

func (m *Monitor) RecordSet(layer metrics.Layer, key string, latency time.Duration, size int64, compressed bool) {
	l := m.layer(layer)
	ev := m.event(Event{
		Type:       EventSet,
		Layer:      layer,
		Key:        key,
		LatencyMs:  stats.Millis(latency),
		Size:       size,
		Compressed: compressed,
		Count:      1,
	})

	l.mu.Lock()
	l.m.Sets++
	l.m.Size += size
	l.m.MemoryUsage += size
	l.observe(OpSet, latency)
	l.events.Add(ev)
	l.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordLatency(fmt.Sprintf("cache:%s:set", layer), latency)
	}
}

func (m *Monitor) RecordEviction(layer metrics.Layer, key string, size int64) {
	l := m.layer(layer)
	ev := m.event(Event{Type: EventEviction, Layer: layer, Key: key, Size: size, Count: 1})

	l.mu.Lock()
	l.m.Evictions++
	l.m.Size -= size
	l.m.MemoryUsage -= size
	l.events.Add(ev)
	l.mu.Unlock()
}

func (m *Monitor) RecordDelete(layer metrics.Layer, key string, size int64) {
	l := m.layer(layer)
	ev := m.event(Event{Type: EventDelete, Layer: layer, Key: key, Size: size, Count: 1})

	l.mu.Lock()
	l.m.Deletes++
	l.m.Size -= size
	l.m.MemoryUsage -= size
	l.events.Add(ev)
	l.mu.Unlock()
}

// RecordCounts adds batched counters sampled from a cache library.
func (m *Monitor) RecordCounts(layer metrics.Layer, hits, misses, evictions int64) {
	l := m.layer(layer)

	l.mu.Lock()
	l.m.Hits += hits
	l.m.Misses += misses
	l.m.Gets += hits + misses
	l.m.Evictions += evictions
	l.updateHitRate()
	if evictions > 0 {
		l.events.Add(m.event(Event{Type: EventEviction, Layer: layer, Count: evictions}))
	}
	l.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordCacheCounts(layer, hits, misses)
	}
}

// SetCompressionRatio sets the observed compression ratio of layer.
func (m *Monitor) SetCompressionRatio(layer metrics.Layer, ratio float64) {
	l := m.layer(layer)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.m.CompressionRatio = ratio
}

// event stamps ev with the time and its position across layers.
func (m *Monitor) event(ev Event) Event {
	ev.Timestamp = m.clock()
	ev.seq = m.seq.Add(1)
	return ev
}

func (m *Monitor) allLayers() []*layerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*layerState, 0, len(m.layers))
	for _, l := range m.layers {
		out = append(out, l)
	}
	return out
}

// Layer returns the metrics of one layer.
func (m *Monitor) Layer(layer metrics.Layer) (LayerMetrics, bool) {
	l, ok := m.lookup(layer)
	if !ok {
		return LayerMetrics{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot(m.clock()), true
}

// Layers returns the metrics of every known layer.
func (m *Monitor) Layers() map[metrics.Layer]LayerMetrics {
	m.mu.RLock()
	names := make([]metrics.Layer, 0, len(m.layers))
	for name := range m.layers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[metrics.Layer]LayerMetrics, len(names))
	for _, name := range names {
		if lm, ok := m.Layer(name); ok {
			out[name] = lm
		}
	}
	return out
}

// LatencyDistribution summarises recorded latencies for a layer and operation.
func (m *Monitor) LatencyDistribution(layer metrics.Layer, op Op) (Distribution, bool) {
	l, ok := m.lookup(layer)
	if !ok {
		return Distribution{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.getHist
	if op == OpSet {
		h = l.setHist
	}
	if h.TotalCount() == 0 {
		return Distribution{}, false
	}

	const toMs = 1000.0
	return Distribution{
		Count: h.TotalCount(),
		Min:   float64(h.Min()) / toMs,
		Max:   float64(h.Max()) / toMs,
		Avg:   h.Mean() / toMs,
		P50:   float64(h.ValueAtQuantile(50)) / toMs,
		P95:   float64(h.ValueAtQuantile(95)) / toMs,
		P99:   float64(h.ValueAtQuantile(99)) / toMs,
	}, true
}

// RecentEvents returns up to n newest events, oldest first, optionally
// restricted to one layer. An empty layer matches every layer.
func (m *Monitor) RecentEvents(n int, layer metrics.Layer) []Event {
	if layer != "" {
		l, ok := m.lookup(layer)
		if !ok {
			return []Event{}
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.events.Newest(n, nil)
	}

	out := make([]Event, 0)
	for _, l := range m.allLayers() {
		l.mu.Lock()
		out = append(out, l.events.Newest(n, nil)...)
		l.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Event) int { return cmp.Compare(a.seq, b.seq) })
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (m *Monitor) evictionsSince(cutoff time.Time) int64 {
	var n int64
	for _, l := range m.allLayers() {
		l.mu.Lock()
		l.events.Each(func(ev Event) bool {
			if ev.Type == EventEviction && !ev.Timestamp.Before(cutoff) {
				n += ev.Count
			}
			return true
		})
		l.mu.Unlock()
	}
	return n
}

// Assess scores the cache. Rules for a layer apply once the layer exists.
func (m *Monitor) Assess() healthcheck.Assessment {
	now := m.clock()

	l1, hasL1 := m.Layer(metrics.LayerL1)
	l2, hasL2 := m.Layer(metrics.LayerL2)
	if !hasL1 && !hasL2 {
		a := healthcheck.Unknown(Component, 0, "no cache activity recorded", now)
		a.Recommendations = []string{"record cache operations to monitor"}
		return a
	}

	score := 100.0
	issues := []string{}
	recommendations := []string{}

	if hasL1 {
		switch {
		case l1.HitRate < 0.5:
			score -= 20
			issues = append(issues, fmt.Sprintf("low L1 hit rate: %.1f%%", l1.HitRate*100))
			recommendations = append(recommendations, "consider increasing L1 cache size or TTL")
		case l1.HitRate < 0.7:
			score -= 10
			issues = append(issues, fmt.Sprintf("moderate L1 hit rate: %.1f%%", l1.HitRate*100))
		}
	}

	if hasL2 {
		switch {
		case l2.HitRate < 0.7:
			score -= 15
			issues = append(issues, fmt.Sprintf("low L2 hit rate: %.1f%%", l2.HitRate*100))
			recommendations = append(recommendations, "review L2 eviction policy or increase size")
		case l2.HitRate < 0.85:
			score -= 5
			issues = append(issues, fmt.Sprintf("moderate L2 hit rate: %.1f%%", l2.HitRate*100))
		}
	}

	evictions := m.evictionsSince(now.Add(-evictionWindow))
	switch {
	case evictions > 100:
		score -= 15
		issues = append(issues, fmt.Sprintf("high eviction rate: %d in last minute", evictions))
		recommendations = append(recommendations, "increase cache size or review TTL settings")
	case evictions > 50:
		score -= 8
		issues = append(issues, fmt.Sprintf("moderate eviction rate: %d in last minute", evictions))
	}

	if hasL1 {
		switch {
		case l1.AvgGetLatencyMs > 10:
			score -= 15
			issues = append(issues, fmt.Sprintf("high L1 latency: %.2fms", l1.AvgGetLatencyMs))
			recommendations = append(recommendations, "check L1 cache implementation efficiency")
		case l1.AvgGetLatencyMs > 5:
			score -= 8
			issues = append(issues, fmt.Sprintf("moderate L1 latency: %.2fms", l1.AvgGetLatencyMs))
		}
	}

	if hasL2 {
		switch {
		case l2.AvgGetLatencyMs > 50:
			score -= 10
			issues = append(issues, fmt.Sprintf("high L2 latency: %.2fms", l2.AvgGetLatencyMs))
			recommendations = append(recommendations, "check L2 cache network latency")
		case l2.AvgGetLatencyMs > 25:
			score -= 5
			issues = append(issues, fmt.Sprintf("moderate L2 latency: %.2fms", l2.AvgGetLatencyMs))
		}

		switch {
		case l2.CompressionRatio > 1.5:
			score += 5
		case l2.CompressionRatio < 1.1:
			recommendations = append(recommendations, "review L2 compression settings")
		}
	}

	score = min(max(score, 0), 105)

	return healthcheck.Assessment{
		Component: Component,
		Status: healthcheck.Classify(score,
			healthcheck.Band{Min: 95, Status: healthcheck.StatusOptimal},
			healthcheck.Band{Min: 80, Status: healthcheck.StatusGood},
			healthcheck.Band{Min: 60, Status: healthcheck.StatusDegraded},
		),
		Score:           score,
		Issues:          issues,
		Recommendations: recommendations,
		Timestamp:       now,
	}
}

// Reset drops every layer and its event history.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = make(map[metrics.Layer]*layerState)
}
