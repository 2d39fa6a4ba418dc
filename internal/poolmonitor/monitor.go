package poolmonitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/stats"
)

const (
	Component = "database"

	eventHistorySize = 1000
	errorWindow      = time.Minute

	acquireOperation = "db:pool:acquire"
)

type EventType string

const (
	EventAcquire EventType = "acquire"
	EventRelease EventType = "release"
	EventError   EventType = "error"
	EventConnect EventType = "connect"
	EventRemove  EventType = "remove"
)

type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	WaitMs    float64   `json:"wait_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SourceStats is a point-in-time view of a connection pool.
type SourceStats struct {
	Total   int
	Idle    int
	Waiting int
	Max     int
}

type StatsSource interface {
	PoolStats() SourceStats
}

// LatencyRecorder receives acquire wait times.
type LatencyRecorder interface {
	RecordLatency(op string, d time.Duration)
}

type Metrics struct {
	TotalConnections  int       `json:"total_connections"`
	ActiveConnections int       `json:"active_connections"`
	IdleConnections   int       `json:"idle_connections"`
	WaitingClients    int       `json:"waiting_clients"`
	MaxConnections    int       `json:"max_connections"`
	TotalWaitMs       float64   `json:"total_wait_ms"`
	AvgWaitMs         float64   `json:"avg_wait_ms"`
	MaxWaitMs         float64   `json:"max_wait_ms"`
	ConnectionErrors  int64     `json:"connection_errors"`
	TotalAcquired     int64     `json:"total_acquired"`
	TotalReleased     int64     `json:"total_released"`
	Timestamp         time.Time `json:"timestamp"`
}

// Monitor tracks connection pool usage and scores its health.
type Monitor struct {
	mu       sync.Mutex
	src      StatsSource
	maxConns int
	metrics  Metrics
	events   *stats.Ring[Event]

	recorder LatencyRecorder
	clock    func() time.Time
}

// New creates a monitor. recorder may be nil.
func New(recorder LatencyRecorder) *Monitor {
	return &Monitor{
		recorder: recorder,
		clock:    time.Now,
		events:   stats.NewRing[Event](eventHistorySize),
	}
}

// WithClock overrides the clock for testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Attach starts observing src. A non-positive maxConns falls back to the
// maximum reported by the source.
func (m *Monitor) Attach(src StatsSource, maxConns int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.src = src
	m.maxConns = maxConns
	m.refresh()
}

func (m *Monitor) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src != nil
}

func (m *Monitor) Name() string {
	return Component
}

func (m *Monitor) RecordAcquire(wait time.Duration) {
	ms := stats.Millis(wait)

	m.mu.Lock()
	m.metrics.TotalAcquired++
	m.metrics.TotalWaitMs += ms
	m.metrics.MaxWaitMs = max(m.metrics.MaxWaitMs, ms)
	m.record(Event{Type: EventAcquire, WaitMs: ms})
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordLatency(acquireOperation, wait)
	}
}

func (m *Monitor) RecordRelease() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.TotalReleased++
	m.record(Event{Type: EventRelease})
}

func (m *Monitor) RecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.ConnectionErrors++
	ev := Event{Type: EventError}
	if err != nil {
		ev.Error = err.Error()
	}
	m.record(ev)
}

func (m *Monitor) RecordConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Event{Type: EventConnect})
}

func (m *Monitor) RecordRemove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Event{Type: EventRemove})
}

// record appends ev, evicting the oldest event at capacity. Caller holds mu.
func (m *Monitor) record(ev Event) {
	ev.Timestamp = m.clock()
	m.events.Add(ev)
}

// refresh pulls connection counts from the source. Caller holds mu.
func (m *Monitor) refresh() {
	if m.src != nil {
		st := m.src.PoolStats()
		m.metrics.TotalConnections = st.Total
		m.metrics.IdleConnections = st.Idle
		m.metrics.ActiveConnections = st.Total - st.Idle
		m.metrics.WaitingClients = st.Waiting
		m.metrics.MaxConnections = m.maxConns
		if m.metrics.MaxConnections <= 0 {
			m.metrics.MaxConnections = st.Max
		}
	}

	if m.metrics.TotalAcquired > 0 {
		m.metrics.AvgWaitMs = m.metrics.TotalWaitMs / float64(m.metrics.TotalAcquired)
	}
	m.metrics.Timestamp = m.clock()
}

func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refresh()
	return m.metrics
}

// RecentEvents returns up to n of the newest events, oldest first.
func (m *Monitor) RecentEvents(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.events.Newest(n, nil)
}

// ErrorRate returns connection errors per minute over the trailing window.
func (m *Monitor) ErrorRate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(m.countSince(EventError, window)) / window.Minutes()
}

// AcquisitionRate returns acquisitions per second over the trailing window.
func (m *Monitor) AcquisitionRate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(m.countSince(EventAcquire, window)) / window.Seconds()
}

func (m *Monitor) countSince(t EventType, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countSinceLocked(t, m.clock().Add(-window))
}

func (m *Monitor) countSinceLocked(t EventType, cutoff time.Time) int {
	n := 0
	m.events.Each(func(ev Event) bool {
		if ev.Type == t && !ev.Timestamp.Before(cutoff) {
			n++
		}
		return true
	})
	return n
}

// Assess scores the pool. Every rule is evaluated and its deduction applied.
func (m *Monitor) Assess() healthcheck.Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if m.src == nil {
		a := healthcheck.Unknown(Component, 0, "no pool attached", now)
		a.Recommendations = []string{"attach a connection pool to monitor"}
		return a
	}

	m.refresh()
	met := m.metrics

	score := 100.0
	issues := []string{}
	recommendations := []string{}

	maxConns := met.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	utilization := float64(met.TotalConnections) / float64(maxConns)

	switch {
	case utilization > 0.9:
		score -= 30
		issues = append(issues, fmt.Sprintf("high pool utilization: %.1f%%", utilization*100))
		recommendations = append(recommendations, "consider increasing max pool size")
	case utilization > 0.7:
		score -= 15
		issues = append(issues, fmt.Sprintf("moderate pool utilization: %.1f%%", utilization*100))
	}

	switch {
	case met.WaitingClients > 5:
		score -= 25
		issues = append(issues, fmt.Sprintf("%d clients waiting for connections", met.WaitingClients))
		recommendations = append(recommendations, "increase pool size or optimize query performance")
	case met.WaitingClients > 0:
		score -= 10
		issues = append(issues, fmt.Sprintf("%d clients waiting", met.WaitingClients))
	}

	switch {
	case met.AvgWaitMs > 1000:
		score -= 20
		issues = append(issues, fmt.Sprintf("high average wait time: %.0fms", met.AvgWaitMs))
		recommendations = append(recommendations, "optimize queries or increase pool size")
	case met.AvgWaitMs > 500:
		score -= 10
		issues = append(issues, fmt.Sprintf("moderate wait time: %.0fms", met.AvgWaitMs))
	}

	recentErrors := m.countSinceLocked(EventError, now.Add(-errorWindow))
	switch {
	case recentErrors > 5:
		score -= 30
		issues = append(issues, fmt.Sprintf("%d connection errors in last minute", recentErrors))
		recommendations = append(recommendations, "check database connectivity and configuration")
	case recentErrors > 0:
		score -= 15
		issues = append(issues, fmt.Sprintf("%d recent connection errors", recentErrors))
	}

	idleRatio := 0.0
	if met.TotalConnections > 0 {
		idleRatio = float64(met.IdleConnections) / float64(met.TotalConnections)
	}
	if idleRatio < 0.2 && float64(met.TotalConnections) > float64(maxConns)*0.5 {
		score -= 10
		issues = append(issues, "low idle connection ratio under high load")
		recommendations = append(recommendations, "consider optimizing connection pooling strategy")
	}

	score = max(0, score)

	return healthcheck.Assessment{
		Component: Component,
		Status: healthcheck.Classify(score,
			healthcheck.Band{Min: 80, Status: healthcheck.StatusHealthy},
			healthcheck.Band{Min: 50, Status: healthcheck.StatusDegraded},
		),
		Score:           score,
		Issues:          issues,
		Recommendations: recommendations,
		Timestamp:       now,
	}
}

// Reset clears counters and event history. The attached source is kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = Metrics{}
	m.events.Reset()
}
