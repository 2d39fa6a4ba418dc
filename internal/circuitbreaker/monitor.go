package circuitbreaker

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/stats"
)

const (
	Component = "circuit-breaker"

	historySize       = 5000
	latencyWindowSize = 1000
	alertChangeWindow = time.Minute
	scoreChangeWindow = 5 * time.Minute
)

// Thresholds configure per-circuit alerting. Zero fields take the default.
type Thresholds struct {
	FailureRate           float64 `json:"failure_rate"`
	ConsecutiveFailures   int64   `json:"consecutive_failures"`
	AvgLatencyMs          float64 `json:"avg_latency_ms"`
	StateChangesPerMinute int     `json:"state_changes_per_minute"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FailureRate:           0.5,
		ConsecutiveFailures:   5,
		AvgLatencyMs:          5000,
		StateChangesPerMinute: 3,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.FailureRate > 0 {
		d.FailureRate = t.FailureRate
	}
	if t.ConsecutiveFailures > 0 {
		d.ConsecutiveFailures = t.ConsecutiveFailures
	}
	if t.AvgLatencyMs > 0 {
		d.AvgLatencyMs = t.AvgLatencyMs
	}
	if t.StateChangesPerMinute > 0 {
		d.StateChangesPerMinute = t.StateChangesPerMinute
	}
	return d
}

type CircuitMetrics struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	SuccessCount         int64     `json:"success_count"`
	FailureCount         int64     `json:"failure_count"`
	TimeoutCount         int64     `json:"timeout_count"`
	RejectedCount        int64     `json:"rejected_count"`
	TotalRequests        int64     `json:"total_requests"`
	FailureRate          float64   `json:"failure_rate"`
	SuccessRate          float64   `json:"success_rate"`
	AvgLatencyMs         float64   `json:"avg_latency_ms"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	StateChanges         int64     `json:"state_changes"`
	LastStateChange      time.Time `json:"last_state_change"`
	Timestamp            time.Time `json:"timestamp"`
}

type StateChange struct {
	Name      string         `json:"name"`
	From      State          `json:"from"`
	To        State          `json:"to"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
	Metrics   CircuitMetrics `json:"metrics"`

	seq uint64
}

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeRejected Outcome = "rejected"
)

type Request struct {
	Name      string    `json:"name"`
	Outcome   Outcome   `json:"outcome"`
	LatencyMs float64   `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`

	seq uint64
}

type BreachKind string

const (
	BreachFailureRate         BreachKind = "failure_rate"
	BreachConsecutiveFailures BreachKind = "consecutive_failures"
	BreachLatency             BreachKind = "latency"
	BreachStateChanges        BreachKind = "state_changes"
)

// Breach is one alert threshold a circuit has reached.
type Breach struct {
	Kind      BreachKind `json:"kind"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
}

func (b Breach) String() string {
	switch b.Kind {
	case BreachFailureRate:
		return fmt.Sprintf("high failure rate: %.1f%%", b.Value*100)
	case BreachConsecutiveFailures:
		return fmt.Sprintf("%.0f consecutive failures", b.Value)
	case BreachLatency:
		return fmt.Sprintf("high latency: %.0fms", b.Value)
	case BreachStateChanges:
		return fmt.Sprintf("frequent state changes: %.0f in last minute", b.Value)
	default:
		return string(b.Kind)
	}
}

// Observer is notified of transitions and breached alert thresholds.
// Callbacks run on the recording goroutine and must not block.
type Observer interface {
	OnStateChange(StateChange)
	OnThresholdAlert(name string, breaches []Breach)
}

// LatencyRecorder receives per-circuit request latency and outcome counts.
type LatencyRecorder interface {
	RecordLatency(op string, d time.Duration)
	RecordThroughput(op string, n int)
}

type circuit struct {
	mu         sync.Mutex
	metrics    CircuitMetrics
	thresholds Thresholds
	latencies  *stats.Window
	states     *stats.Ring[StateChange]
	requests   *stats.Ring[Request]
}

// changesSince counts transitions after cutoff. Caller holds mu.
func (c *circuit) changesSince(cutoff time.Time) int {
	n := 0
	c.states.Each(func(ev StateChange) bool {
		if ev.Timestamp.After(cutoff) {
			n++
		}
		return true
	})
	return n
}

func (c *circuit) updateRates() {
	total := c.metrics.SuccessCount + c.metrics.FailureCount
	if total > 0 {
		c.metrics.FailureRate = float64(c.metrics.FailureCount) / float64(total)
		c.metrics.SuccessRate = float64(c.metrics.SuccessCount) / float64(total)
	}
}

func (c *circuit) observeLatency(ms float64) {
	c.latencies.Add(ms)
	c.metrics.AvgLatencyMs = c.latencies.Mean()
}

// Monitor tracks every dependency guarded by a circuit breaker. Each circuit
// keeps its own counters and histories under its own lock.
type Monitor struct {
	mu       sync.RWMutex
	circuits map[string]*circuit

	// seq orders history entries across circuits.
	seq atomic.Uint64

	observersMu sync.RWMutex
	observers   []Observer

	recorder LatencyRecorder
	clock    func() time.Time
}

// NewMonitor creates a monitor. recorder may be nil.
func NewMonitor(recorder LatencyRecorder) *Monitor {
	return &Monitor{
		circuits: make(map[string]*circuit),
		recorder: recorder,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

func (m *Monitor) Subscribe(obs Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Monitor) Name() string {
	return Component
}

// Register creates the circuit if needed and applies thresholds when given.
func (m *Monitor) Register(name string, thresholds *Thresholds) {
	c := m.circuit(name)
	if thresholds == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = thresholds.withDefaults()
}

func (m *Monitor) circuit(name string) *circuit {
	m.mu.RLock()
	c, ok := m.circuits[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if c, ok := m.circuits[name]; ok {
		return c
	}

	now := m.clock()
	c = &circuit{
		metrics: CircuitMetrics{
			Name:            name,
			State:           StateClosed,
			SuccessRate:     1,
			LastStateChange: now,
			Timestamp:       now,
		},
		thresholds: DefaultThresholds(),
		latencies:  stats.NewWindow(latencyWindowSize),
		states:     stats.NewRing[StateChange](historySize),
		requests:   stats.NewRing[Request](historySize),
	}
	m.circuits[name] = c
	return c
}

func (m *Monitor) RecordSuccess(name string, latency time.Duration) {
	ms := stats.Millis(latency)
	c := m.circuit(name)

	req := m.request(Request{Name: name, Outcome: OutcomeSuccess, LatencyMs: ms})

	c.mu.Lock()
	c.metrics.SuccessCount++
	c.metrics.TotalRequests++
	c.metrics.ConsecutiveSuccesses++
	c.metrics.ConsecutiveFailures = 0
	c.updateRates()
	c.observeLatency(ms)
	c.requests.Add(req)
	c.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordLatency(fmt.Sprintf("circuit:%s:request", name), latency)
		m.recorder.RecordThroughput(fmt.Sprintf("circuit:%s:success", name), 1)
	}
}

func (m *Monitor) RecordFailure(name string, latency time.Duration, err error) {
	req := Request{Name: name, Outcome: OutcomeFailure, LatencyMs: stats.Millis(latency)}
	if err != nil {
		req.Error = err.Error()
	}
	m.recordFailure(req, false)

	if m.recorder != nil {
		m.recorder.RecordLatency(fmt.Sprintf("circuit:%s:request", name), latency)
		m.recorder.RecordThroughput(fmt.Sprintf("circuit:%s:failure", name), 1)
	}
}

// RecordTimeout counts as a failure and additionally as a timeout. The
// elapsed time still counts as request latency.
func (m *Monitor) RecordTimeout(name string, latency time.Duration) {
	m.recordFailure(Request{Name: name, Outcome: OutcomeTimeout, LatencyMs: stats.Millis(latency)}, true)

	if m.recorder != nil {
		m.recorder.RecordLatency(fmt.Sprintf("circuit:%s:request", name), latency)
		m.recorder.RecordThroughput(fmt.Sprintf("circuit:%s:timeout", name), 1)
	}
}

func (m *Monitor) recordFailure(req Request, timeout bool) {
	c := m.circuit(req.Name)
	req = m.request(req)

	c.mu.Lock()
	if timeout {
		c.metrics.TimeoutCount++
	}
	c.metrics.FailureCount++
	c.metrics.TotalRequests++
	c.metrics.ConsecutiveFailures++
	c.metrics.ConsecutiveSuccesses = 0
	c.updateRates()
	c.observeLatency(req.LatencyMs)
	c.requests.Add(req)
	c.mu.Unlock()

	m.checkThresholds(req.Name, c)
}

// RecordRejection counts a call short-circuited by an open breaker. Rates
// are unaffected.
func (m *Monitor) RecordRejection(name string) {
	c := m.circuit(name)

	req := m.request(Request{Name: name, Outcome: OutcomeRejected})

	c.mu.Lock()
	c.metrics.RejectedCount++
	c.requests.Add(req)
	c.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordThroughput(fmt.Sprintf("circuit:%s:rejected", name), 1)
	}
}

// RecordStateChange appends a transition to the history and notifies observers.
func (m *Monitor) RecordStateChange(name string, from, to State, reason string) {
	c := m.circuit(name)
	now := m.clock()

	c.mu.Lock()
	c.metrics.State = to
	c.metrics.LastStateChange = now
	c.metrics.StateChanges++
	c.metrics.Timestamp = now
	change := StateChange{
		Name:      name,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: now,
		Metrics:   c.metrics,
		seq:       m.seq.Add(1),
	}
	c.states.Add(change)
	c.mu.Unlock()

	m.observersMu.RLock()
	observers := m.observers
	m.observersMu.RUnlock()

	for _, obs := range observers {
		obs.OnStateChange(change)
	}

	m.checkThresholds(name, c)

	if m.recorder != nil {
		m.recorder.RecordThroughput(fmt.Sprintf("circuit:%s:state-change", name), 1)
	}
}

// request stamps req with the time and its position across circuits.
func (m *Monitor) request(req Request) Request {
	req.Timestamp = m.clock()
	req.seq = m.seq.Add(1)
	return req
}

func (m *Monitor) checkThresholds(name string, c *circuit) {
	cutoff := m.clock().Add(-alertChangeWindow)

	c.mu.Lock()
	met := c.metrics
	t := c.thresholds
	recent := c.changesSince(cutoff)
	c.mu.Unlock()

	var breaches []Breach

	if met.FailureRate >= t.FailureRate {
		breaches = append(breaches, Breach{Kind: BreachFailureRate, Value: met.FailureRate, Threshold: t.FailureRate})
	}
	if met.ConsecutiveFailures >= t.ConsecutiveFailures {
		breaches = append(breaches, Breach{
			Kind:      BreachConsecutiveFailures,
			Value:     float64(met.ConsecutiveFailures),
			Threshold: float64(t.ConsecutiveFailures),
		})
	}
	if met.AvgLatencyMs >= t.AvgLatencyMs {
		breaches = append(breaches, Breach{Kind: BreachLatency, Value: met.AvgLatencyMs, Threshold: t.AvgLatencyMs})
	}
	if recent >= t.StateChangesPerMinute {
		breaches = append(breaches, Breach{
			Kind:      BreachStateChanges,
			Value:     float64(recent),
			Threshold: float64(t.StateChangesPerMinute),
		})
	}

	if len(breaches) == 0 {
		return
	}

	m.observersMu.RLock()
	observers := m.observers
	m.observersMu.RUnlock()

	for _, obs := range observers {
		obs.OnThresholdAlert(name, breaches)
	}
}

func (m *Monitor) lookup(name string) (*circuit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.circuits[name]
	return c, ok
}

func (m *Monitor) snapshotCircuits() []*circuit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*circuit, 0, len(m.circuits))
	for _, c := range m.circuits {
		out = append(out, c)
	}
	return out
}

func (m *Monitor) stateChangesSince(name string, cutoff time.Time) int {
	c, ok := m.lookup(name)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changesSince(cutoff)
}

// Metrics returns the metrics of one circuit.
func (m *Monitor) Metrics(name string) (CircuitMetrics, bool) {
	c, ok := m.lookup(name)
	if !ok {
		return CircuitMetrics{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	met := c.metrics
	met.Timestamp = m.clock()
	return met, true
}

// All returns the metrics of every circuit, sorted by name.
func (m *Monitor) All() []CircuitMetrics {
	m.mu.RLock()
	names := make([]string, 0, len(m.circuits))
	for name := range m.circuits {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make([]CircuitMetrics, 0, len(names))
	for _, name := range names {
		if met, ok := m.Metrics(name); ok {
			out = append(out, met)
		}
	}
	return out
}

// StateHistory returns up to limit of the newest transitions, oldest first.
// An empty name matches every circuit.
func (m *Monitor) StateHistory(name string, limit int) []StateChange {
	return history(m, name, limit,
		func(c *circuit) *stats.Ring[StateChange] { return c.states },
		func(ev StateChange) uint64 { return ev.seq },
	)
}

// RequestHistory returns up to limit of the newest requests, oldest first.
// An empty name matches every circuit.
func (m *Monitor) RequestHistory(name string, limit int) []Request {
	return history(m, name, limit,
		func(c *circuit) *stats.Ring[Request] { return c.requests },
		func(r Request) uint64 { return r.seq },
	)
}

func history[T any](m *Monitor, name string, limit int, ring func(*circuit) *stats.Ring[T], seq func(T) uint64) []T {
	if name != "" {
		c, ok := m.lookup(name)
		if !ok {
			return []T{}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return ring(c).Newest(limit, nil)
	}

	out := make([]T, 0)
	for _, c := range m.snapshotCircuits() {
		c.mu.Lock()
		out = append(out, ring(c).Newest(limit, nil)...)
		c.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(seq(a), seq(b)) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// requestsSince returns the requests of name at or after cutoff.
func (m *Monitor) requestsSince(name string, cutoff time.Time) []Request {
	c, ok := m.lookup(name)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests.Newest(0, func(r Request) bool { return !r.Timestamp.Before(cutoff) })
}

// FailureRate returns the share of failed calls for name within the window.
// Rejections are not counted.
func (m *Monitor) FailureRate(name string, window time.Duration) float64 {
	var total, failed int
	for _, r := range m.requestsSince(name, m.clock().Add(-window)) {
		if r.Outcome == OutcomeRejected {
			continue
		}
		total++
		if r.Outcome != OutcomeSuccess {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// Throughput returns calls per second for name within the window.
func (m *Monitor) Throughput(name string, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	n := len(m.requestsSince(name, m.clock().Add(-window)))
	return float64(n) / window.Seconds()
}

// Assess averages per-circuit scores.
func (m *Monitor) Assess() healthcheck.Assessment {
	now := m.clock()
	circuits := m.All()

	if len(circuits) == 0 {
		a := healthcheck.Unknown(Component, 100, "no circuits registered", now)
		return a
	}

	issues := []string{}
	recommendations := []string{}
	var total float64

	for _, met := range circuits {
		score := 100.0
		name := met.Name

		switch met.State {
		case StateOpen:
			score -= 40
			issues = append(issues, fmt.Sprintf("%s: circuit OPEN", name))
			recommendations = append(recommendations, fmt.Sprintf("%s: investigate underlying service issues", name))
		case StateHalfOpen:
			score -= 20
			issues = append(issues, fmt.Sprintf("%s: circuit HALF_OPEN (testing)", name))
		}

		switch {
		case met.FailureRate >= 0.5:
			score -= 30
			issues = append(issues, fmt.Sprintf("%s: high failure rate %.1f%%", name, met.FailureRate*100))
			recommendations = append(recommendations, fmt.Sprintf("%s: review service dependencies", name))
		case met.FailureRate > 0.2:
			score -= 15
			issues = append(issues, fmt.Sprintf("%s: elevated failure rate %.1f%%", name, met.FailureRate*100))
		}

		switch {
		case met.AvgLatencyMs > 5000:
			score -= 20
			issues = append(issues, fmt.Sprintf("%s: high latency %.0fms", name, met.AvgLatencyMs))
			recommendations = append(recommendations, fmt.Sprintf("%s: optimize service or increase timeout", name))
		case met.AvgLatencyMs > 2000:
			score -= 10
			issues = append(issues, fmt.Sprintf("%s: elevated latency %.0fms", name, met.AvgLatencyMs))
		}

		if recent := m.stateChangesSince(name, now.Add(-scoreChangeWindow)); recent > 5 {
			score -= 15
			issues = append(issues, fmt.Sprintf("%s: unstable (%d state changes in 5 min)", name, recent))
			recommendations = append(recommendations, fmt.Sprintf("%s: review failure threshold configuration", name))
		}

		total += max(0, score)
	}

	score := total / float64(len(circuits))

	return healthcheck.Assessment{
		Component: Component,
		Status: healthcheck.Classify(score,
			healthcheck.Band{Min: 85, Status: healthcheck.StatusHealthy},
			healthcheck.Band{Min: 70, Status: healthcheck.StatusDegraded},
			healthcheck.Band{Min: 50, Status: healthcheck.StatusFailing},
		),
		Score:           score,
		Issues:          issues,
		Recommendations: recommendations,
		Timestamp:       now,
	}
}

// ResetCircuit zeroes the counters of one circuit. State and history are kept.
func (m *Monitor) ResetCircuit(name string) {
	c, ok := m.lookup(name)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.SuccessCount = 0
	c.metrics.FailureCount = 0
	c.metrics.TimeoutCount = 0
	c.metrics.RejectedCount = 0
	c.metrics.TotalRequests = 0
	c.metrics.FailureRate = 0
	c.metrics.SuccessRate = 1
	c.metrics.AvgLatencyMs = 0
	c.metrics.ConsecutiveFailures = 0
	c.metrics.ConsecutiveSuccesses = 0
	c.metrics.Timestamp = m.clock()
	c.latencies.Reset()
}

// Reset drops every circuit and all history.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuits = make(map[string]*circuit)
}
