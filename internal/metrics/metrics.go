package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/angeloszaimis/telemetry/internal/stats"
)

const (
	DefaultWindowSize       = 1000
	DefaultHistorySize      = 3600
	DefaultSnapshotInterval = time.Second

	rateWindow = time.Second
)

// Layer names a cache tier.
type Layer string

const (
	LayerL1 Layer = "L1"
	LayerL2 Layer = "L2"
)

// Valid reports whether l is a known cache tier.
func (l Layer) Valid() bool {
	return l == LayerL1 || l == LayerL2
}

type LatencyStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type MemoryStats struct {
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	Sys        uint64 `json:"sys"`
	Goroutines int    `json:"goroutines"`
}

type Snapshot struct {
	Timestamp  time.Time               `json:"timestamp"`
	Latency    map[string]LatencyStats `json:"latency"`
	Throughput map[string]float64      `json:"throughput"`
	Cache      map[Layer]CacheStats    `json:"cache"`
	Memory     MemoryStats             `json:"memory"`
}

// SnapshotObserver receives every snapshot captured by the periodic job.
// Implementations must not block.
type SnapshotObserver interface {
	OnSnapshot(Snapshot)
}

type Config struct {
	WindowSize       int
	HistorySize      int
	SnapshotInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:       DefaultWindowSize,
		HistorySize:      DefaultHistorySize,
		SnapshotInterval: DefaultSnapshotInterval,
	}
}

// Recorder accepts latency, throughput and cache observations from many
// goroutines. Each named series has its own lock.
type Recorder struct {
	cfg        Config
	latency    *lazyMap[string, latencySeries]
	throughput *lazyMap[string, throughputSeries]
	cache      *lazyMap[Layer, cacheSeries]
	history    *snapshotRing

	observersMu sync.RWMutex
	observers   []SnapshotObserver

	clock     func() time.Time
	startTime time.Time

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}

	return &Recorder{
		cfg:        cfg,
		latency:    newLazyMap[string, latencySeries](),
		throughput: newLazyMap[string, throughputSeries](),
		cache:      newLazyMap[Layer, cacheSeries](),
		history:    newSnapshotRing(cfg.HistorySize),
		clock:      time.Now,
		startTime:  time.Now(),
	}
}

// WithClock overrides the clock for testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	r.startTime = clock()
	return r
}

// Subscribe registers an observer for periodic snapshots.
func (r *Recorder) Subscribe(obs SnapshotObserver) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, obs)
}

// RecordLatency appends d to the percentile window of op. Count, sum, min and
// max cover the full history of op, independent of window eviction.
func (r *Recorder) RecordLatency(op string, d time.Duration) {
	ms := stats.Millis(d)
	s := r.latency.get(op, func() *latencySeries {
		return &latencySeries{window: stats.NewWindow(r.cfg.WindowSize)}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 || ms < s.min {
		s.min = ms
	}
	if s.count == 0 || ms > s.max {
		s.max = ms
	}
	s.count++
	s.sum += ms

	s.window.Add(ms)
}

// Percentiles reports the latency statistics for op. The second result is
// false when op is unknown or has no samples.
func (r *Recorder) Percentiles(op string) (LatencyStats, bool) {
	s, ok := r.latency.lookup(op)
	if !ok {
		return LatencyStats{}, false
	}
	return s.stats()
}

// RecordThroughput adds n completed operations to op. Once at least a second
// has passed since the last reset the counter is turned into a rate.
func (r *Recorder) RecordThroughput(op string, n int) {
	now := r.clock()
	s := r.throughput.get(op, func() *throughputSeries {
		return &throughputSeries{lastReset: now}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count += int64(n)
	s.roll(now, false)
}

// Throughput returns the last computed rate in operations per second.
func (r *Recorder) Throughput(op string) float64 {
	s, ok := r.throughput.lookup(op)
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.roll(r.clock(), true)
	return s.rate
}

func (r *Recorder) RecordCacheHit(layer Layer) {
	r.recordCache(layer, true)
}

func (r *Recorder) RecordCacheMiss(layer Layer) {
	r.recordCache(layer, false)
}

func (r *Recorder) recordCache(layer Layer, hit bool) {
	s := r.cache.get(layer, func() *cacheSeries { return &cacheSeries{} })

	s.mu.Lock()
	defer s.mu.Unlock()

	if hit {
		s.hits++
	} else {
		s.misses++
	}

	total := s.hits + s.misses
	s.hitRate = float64(s.hits) / float64(total)
}

// RecordCacheCounts adds batched hit and miss counts to layer.
func (r *Recorder) RecordCacheCounts(layer Layer, hits, misses int64) {
	if hits <= 0 && misses <= 0 {
		return
	}
	s := r.cache.get(layer, func() *cacheSeries { return &cacheSeries{} })

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits += max(hits, 0)
	s.misses += max(misses, 0)

	total := s.hits + s.misses
	s.hitRate = float64(s.hits) / float64(total)
}

// CacheStats reports hit/miss counters for layer.
func (r *Recorder) CacheStats(layer Layer) (CacheStats, bool) {
	s, ok := r.cache.lookup(layer)
	if !ok {
		return CacheStats{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return CacheStats{Hits: s.hits, Misses: s.misses, HitRate: s.hitRate}, true
}

// CacheHitRate returns the hit rate for layer, 0 if nothing was observed.
func (r *Recorder) CacheHitRate(layer Layer) float64 {
	cs, _ := r.CacheStats(layer)
	return cs.HitRate
}

// Capture builds a point-in-time snapshot without storing it.
func (r *Recorder) Capture() Snapshot {
	snap := Snapshot{
		Timestamp:  r.clock(),
		Latency:    make(map[string]LatencyStats),
		Throughput: make(map[string]float64),
		Cache:      make(map[Layer]CacheStats),
	}

	r.latency.each(func(op string, s *latencySeries) {
		if ls, ok := s.stats(); ok {
			snap.Latency[op] = ls
		}
	})

	r.throughput.each(func(op string, s *throughputSeries) {
		s.mu.Lock()
		snap.Throughput[op] = s.rate
		s.mu.Unlock()
	})

	r.cache.each(func(layer Layer, s *cacheSeries) {
		s.mu.Lock()
		snap.Cache[layer] = CacheStats{Hits: s.hits, Misses: s.misses, HitRate: s.hitRate}
		s.mu.Unlock()
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.Memory = MemoryStats{
		HeapAlloc:  mem.HeapAlloc,
		HeapSys:    mem.HeapSys,
		Sys:        mem.Sys,
		Goroutines: runtime.NumGoroutine(),
	}

	return snap
}

// CaptureAndStore captures a snapshot, appends it to the history ring and
// notifies observers.
func (r *Recorder) CaptureAndStore() Snapshot {
	snap := r.Capture()
	r.history.add(snap)

	r.observersMu.RLock()
	observers := r.observers
	r.observersMu.RUnlock()

	for _, obs := range observers {
		obs.OnSnapshot(snap)
	}

	return snap
}

// History returns stored snapshots no older than since, oldest first.
func (r *Recorder) History(since time.Duration) []Snapshot {
	return r.history.since(r.clock().Add(-since))
}

// Latest returns the most recent stored snapshot.
func (r *Recorder) Latest() (Snapshot, bool) {
	return r.history.latest()
}

func (r *Recorder) Uptime() time.Duration {
	return r.clock().Sub(r.startTime)
}

// Start launches the snapshot job. Calling Start on a running recorder is a no-op.
func (r *Recorder) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(ctx)
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CaptureAndStore()
		}
	}
}

// Stop cancels the snapshot job and waits for it to exit.
func (r *Recorder) Stop() {
	r.lifecycleMu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Reset drops every series and the snapshot history. A running snapshot job
// keeps running.
func (r *Recorder) Reset() {
	r.latency.reset()
	r.throughput.reset()
	r.cache.reset()
	r.history.reset()
}

// Consume lets the recorder act as a Collector sink.
func (r *Recorder) Consume(ev RequestEvent) {
	r.RecordLatency(ev.Operation, ev.Duration)
	r.RecordThroughput(ev.Operation, 1)
}

type latencySeries struct {
	mu     sync.Mutex
	count  int64
	sum    float64
	min    float64
	max    float64
	window *stats.Window
}

func (s *latencySeries) stats() (LatencyStats, bool) {
	s.mu.Lock()
	if s.window.Len() == 0 {
		s.mu.Unlock()
		return LatencyStats{}, false
	}

	values := s.window.Values()
	ls := LatencyStats{
		Count: s.count,
		Sum:   s.sum,
		Avg:   s.sum / float64(s.count),
		Min:   s.min,
		Max:   s.max,
	}
	s.mu.Unlock()

	sorted := stats.Sorted(values)
	ls.P50 = stats.Percentile(sorted, 50)
	ls.P95 = stats.Percentile(sorted, 95)
	ls.P99 = stats.Percentile(sorted, 99)

	return ls, true
}

type throughputSeries struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	rate      float64
}

// roll converts the counter to a rate once the window elapsed. With
// requireCount set an idle counter keeps the previous rate.
func (s *throughputSeries) roll(now time.Time, requireCount bool) {
	elapsed := now.Sub(s.lastReset)
	if elapsed < rateWindow {
		return
	}
	if requireCount && s.count == 0 {
		return
	}

	s.rate = float64(s.count) / float64(elapsed.Milliseconds()) * 1000
	s.count = 0
	s.lastReset = now
}

type cacheSeries struct {
	mu      sync.Mutex
	hits    int64
	misses  int64
	hitRate float64
}
