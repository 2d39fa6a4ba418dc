package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/angeloszaimis/telemetry/internal/aggregator"
	"github.com/angeloszaimis/telemetry/internal/alert"
	"github.com/angeloszaimis/telemetry/internal/cachemonitor"
	"github.com/angeloszaimis/telemetry/internal/circuitbreaker"
	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/poolmonitor"
	"github.com/angeloszaimis/telemetry/internal/promexport"
	"github.com/angeloszaimis/telemetry/internal/slo"
	"github.com/angeloszaimis/telemetry/internal/stats"
	"github.com/angeloszaimis/telemetry/internal/stream"
)

const (
	DefaultCollectorBuffer  = 1024
	DefaultErrorBudgetFlush = time.Minute

	// RequestLatencyMetric is the aggregated series fed by request events.
	RequestLatencyMetric = "http_request_duration_ms"
)

type Config struct {
	Recorder         metrics.Config
	CollectorBuffer  int
	HealthInterval   time.Duration
	SLO              slo.Config
	Alert            alert.Config
	Aggregator       aggregator.Config
	Exporter         promexport.Config
	Stream           stream.Config
	ErrorBudgetFlush time.Duration
}

func DefaultConfig() Config {
	return Config{
		Recorder:         metrics.DefaultConfig(),
		CollectorBuffer:  DefaultCollectorBuffer,
		HealthInterval:   healthcheck.DefaultInterval,
		SLO:              slo.DefaultConfig(),
		Alert:            alert.DefaultConfig(),
		Aggregator:       aggregator.DefaultConfig(),
		Exporter:         promexport.Config{Prefix: "telemetry"},
		Stream:           stream.DefaultConfig(),
		ErrorBudgetFlush: DefaultErrorBudgetFlush,
	}
}

type Option func(*Monitor)

// WithChannel adds an alert channel at the given tier.
func WithChannel(tier alert.Tier, ch alert.Channel) Option {
	return func(m *Monitor) {
		m.Alerts.AddChannel(tier, ch)
	}
}

// WithPoolSource attaches a connection pool to the pool assessor.
func WithPoolSource(src poolmonitor.StatsSource, maxConns int) Option {
	return func(m *Monitor) {
		m.Pool.Attach(src, maxConns)
	}
}

// WithRistretto polls the counters of cache into layer while the monitor runs.
func WithRistretto(cache *ristretto.Cache, layer metrics.Layer, interval time.Duration) Option {
	return func(m *Monitor) {
		m.pollers = append(m.pollers, cachemonitor.NewRistrettoPoller(cache, m.Cache, layer, interval, m.logger))
	}
}

// Monitor owns every telemetry component and the observer graph between
// them. Components are exported for recording and querying; their periodic
// jobs are driven by Start and Stop.
type Monitor struct {
	Recorder   *metrics.Recorder
	Collector  *metrics.Collector
	Pool       *poolmonitor.Monitor
	Cache      *cachemonitor.Monitor
	Circuits   *circuitbreaker.Monitor
	Health     *healthcheck.Loop
	SLO        *slo.Engine
	Alerts     *alert.Dispatcher
	Aggregator *aggregator.Aggregator
	Exporter   *promexport.Exporter
	Stream     *stream.Hub

	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time
	pollers []*cachemonitor.RistrettoPoller
	tally   requestTally

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if cfg.CollectorBuffer <= 0 {
		cfg.CollectorBuffer = DefaultCollectorBuffer
	}
	if cfg.ErrorBudgetFlush <= 0 {
		cfg.ErrorBudgetFlush = DefaultErrorBudgetFlush
	}

	m := &Monitor{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}

	m.Recorder = metrics.NewRecorder(cfg.Recorder)
	m.Pool = poolmonitor.New(m.Recorder)
	m.Cache = cachemonitor.New(m.Recorder)
	m.Circuits = circuitbreaker.NewMonitor(m.Recorder)
	m.Health = healthcheck.NewLoop(cfg.HealthInterval, logger, m.Pool, m.Cache, m.Circuits)
	m.SLO = slo.New(cfg.SLO, logger)
	m.Alerts = alert.NewDispatcher(cfg.Alert, logger)
	m.Aggregator = aggregator.New(cfg.Aggregator, logger)
	m.Stream = stream.NewHub(cfg.Stream, logger)
	m.Collector = metrics.NewCollector(cfg.CollectorBuffer, logger,
		m.Recorder,
		metrics.SinkFunc(m.consumeRequest),
	)

	exporter, err := promexport.New(cfg.Exporter, promexport.Sources{
		Recorder:   m.Recorder,
		Pool:       m.Pool,
		Cache:      m.Cache,
		Circuits:   m.Circuits,
		SLO:        m.SLO,
		Aggregates: m.Aggregator,
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	m.Exporter = exporter

	for _, opt := range opts {
		opt(m)
	}

	m.wire()
	return m, nil
}

// WithClock overrides the clock of every component for testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	m.Recorder.WithClock(clock)
	m.Pool.WithClock(clock)
	m.Cache.WithClock(clock)
	m.Circuits.WithClock(clock)
	m.SLO.WithClock(clock)
	m.Alerts.WithClock(clock)
	m.Aggregator.WithClock(clock)
	m.Exporter.WithClock(clock)
	m.Stream.WithClock(clock)
	return m
}

func (m *Monitor) wire() {
	bridge := &alertBridge{dispatcher: m.Alerts, slo: m.SLO}

	m.Recorder.Subscribe(m.Stream)

	m.Health.Subscribe(bridge)
	m.Health.Subscribe(m.Stream)

	m.Circuits.Subscribe(bridge)
	m.Circuits.Subscribe(m.Stream)

	m.SLO.Subscribe(bridge)
	m.SLO.Subscribe(m.Stream)

	m.Stream.Register(stream.MetricPerformance, func() any { return m.Recorder.Capture() })
	m.Stream.Register(stream.MetricDatabase, func() any { return m.Pool.Metrics() })
	m.Stream.Register(stream.MetricCache, func() any { return m.Cache.Layers() })
	m.Stream.Register(stream.MetricCircuitBreaker, func() any { return m.Circuits.All() })
	m.Stream.Register(stream.MetricSLO, func() any { return m.SLO.All() })
}

func (m *Monitor) consumeRequest(ev metrics.RequestEvent) {
	m.SLO.RecordPerformance(ev.Duration, ev.Route)
	m.tally.add(ev.Failed())
	m.Aggregator.Record(RequestLatencyMetric, stats.Millis(ev.Duration), map[string]string{
		"route":  ev.Route,
		"status": strconv.Itoa(ev.StatusCode),
	})
}

// Observe queues a completed request. It never blocks.
func (m *Monitor) Observe(ev metrics.RequestEvent) bool {
	return m.Collector.Emit(ev)
}

// FlushErrorBudget moves the requests counted since the last flush into the
// error budget objective.
func (m *Monitor) FlushErrorBudget() {
	if total, errors := m.tally.take(); total > 0 {
		m.SLO.RecordErrorBudget(total, errors)
	}
}

// Start launches every periodic job. It runs once; later calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started || m.stopped {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.Collector.Start(ctx)
	m.Recorder.Start(ctx)
	m.SLO.Start(ctx)
	m.Aggregator.Start(ctx)
	m.Stream.Start(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Health.Run(ctx)
	}()

	for _, p := range m.pollers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			p.Run(ctx)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runErrorBudget(ctx)
	}()

	m.logger.Info("Monitoring started",
		slog.Duration("health_interval", m.cfg.HealthInterval),
		slog.Int("cache_pollers", len(m.pollers)))
}

func (m *Monitor) runErrorBudget(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ErrorBudgetFlush)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.FlushErrorBudget()
		}
	}
}

// Stop cancels every job, closes stream subscriptions and waits for pending
// alert sends. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true

	if m.cancel != nil {
		m.cancel()
	}

	m.Recorder.Stop()
	m.SLO.Stop()
	m.Aggregator.Stop()
	m.Stream.Close()
	m.wg.Wait()

	if m.started {
		<-m.Collector.Done()
	}
	m.FlushErrorBudget()
	m.Alerts.Wait()

	m.logger.Info("Monitoring stopped")
}

// Reset clears the state of every component. Channels, observers and
// attached sources are kept.
func (m *Monitor) Reset() {
	m.Recorder.Reset()
	m.Pool.Reset()
	m.Cache.Reset()
	m.Circuits.Reset()
	m.Health.Reset()
	m.SLO.Reset()
	m.Alerts.Clear()
	m.Aggregator.Reset()
	m.tally.take()
}

// SystemHealth assesses every resource now and combines the results.
func (m *Monitor) SystemHealth() healthcheck.Summary {
	return healthcheck.Combine(m.clock(),
		m.Pool.Assess(),
		m.Cache.Assess(),
		m.Circuits.Assess(),
	)
}

type requestTally struct {
	mu     sync.Mutex
	total  int
	errors int
}

func (t *requestTally) add(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	if failed {
		t.errors++
	}
}

func (t *requestTally) take() (total, errors int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total, errors = t.total, t.errors
	t.total, t.errors = 0, 0
	return total, errors
}
