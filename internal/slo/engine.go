package slo

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/angeloszaimis/telemetry/internal/stats"
)

type Objective string

const (
	Availability Objective = "availability"
	Performance  Objective = "performance"
	ErrorBudget  Objective = "error_budget"
	Compliance   Objective = "compliance"
)

// Objectives lists every objective in reporting order.
var Objectives = []Objective{Availability, Performance, ErrorBudget, Compliance}

type Level string

const (
	LevelOK       Level = "OK"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

const (
	DefaultRecomputeInterval = time.Minute
	DefaultComplianceHistory = 100

	// complianceWarning is the score below which compliance is critical.
	complianceWarning = 95.0
	maxViolations     = 10

	// countSlot is the width of the availability and error budget buckets.
	countSlot = time.Minute
	// latencySlots is how many histogram buckets span the performance window.
	latencySlots = 24
	// eagerInterval limits recomputes triggered by individual samples.
	eagerInterval = time.Second

	// Latency histogram bounds in microseconds.
	histogramMin     = 1
	histogramMax     = 60_000_000
	histogramSigFigs = 3
)

type Targets struct {
	Availability   float64       `mapstructure:"availability"`
	PerformanceP95 time.Duration `mapstructure:"performance_p95"`
	ErrorRate      float64       `mapstructure:"error_rate"`
	Compliance     float64       `mapstructure:"compliance"`
}

type Windows struct {
	Availability time.Duration `mapstructure:"availability"`
	Performance  time.Duration `mapstructure:"performance"`
	ErrorBudget  time.Duration `mapstructure:"error_budget"`
}

type Config struct {
	Targets           Targets
	Windows           Windows
	RecomputeInterval time.Duration
	ComplianceHistory int
}

func DefaultConfig() Config {
	return Config{
		Targets: Targets{
			Availability:   99.9,
			PerformanceP95: 100 * time.Millisecond,
			ErrorRate:      0.1,
			Compliance:     100,
		},
		Windows: Windows{
			Availability: 30 * 24 * time.Hour,
			Performance:  24 * time.Hour,
			ErrorBudget:  7 * 24 * time.Hour,
		},
		RecomputeInterval: DefaultRecomputeInterval,
		ComplianceHistory: DefaultComplianceHistory,
	}
}

// Status is the current evaluation of one objective. Current and Target are
// percentages except for performance, which is in milliseconds.
type Status struct {
	Objective   Objective `json:"objective"`
	Name        string    `json:"name"`
	Target      float64   `json:"target"`
	Current     float64   `json:"current"`
	Level       Level     `json:"status"`
	Remaining   float64   `json:"remaining"`
	Window      string    `json:"window"`
	LastUpdated time.Time `json:"last_updated"`
}

// Transition describes a level change of one objective.
type Transition struct {
	Objective  Objective
	From       Level
	To         Level
	Status     Status
	Violations []string
}

type TransitionObserver interface {
	OnTransition(Transition)
}

type Summary struct {
	AllMet          bool     `json:"all_met"`
	OK              int      `json:"ok"`
	Warnings        int      `json:"warnings"`
	Critical        int      `json:"critical"`
	ComplianceScore float64  `json:"compliance_score"`
	Statuses        []Status `json:"statuses"`
}

// ComplianceRecord is one per-deployment compliance result.
type ComplianceRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Score      float64   `json:"score"`
	Deployment string    `json:"deployment,omitempty"`
	Violations []string  `json:"violations,omitempty"`
}

type availabilityCounts struct {
	up      int
	total   int
	reasons []string
}

type latencyHistogram struct {
	hist *hdrhistogram.Histogram
	slow []string
}

func newLatencyHistogram() latencyHistogram {
	return latencyHistogram{hist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)}
}

type errorCounts struct {
	total  int
	errors int
}

// addUnique appends v when it is new and the list has room.
func addUnique(list []string, v string) []string {
	if v == "" || len(list) >= maxViolations || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

type slot[T any] struct {
	start time.Time
	v     T
}

// buckets aggregates samples into fixed-width time slots, oldest first. A
// slot is dropped once it ends at or before the window cutoff, so memory is
// bounded by the window length and never by the sample count.
type buckets[T any] struct {
	mu     sync.Mutex
	width  time.Duration
	window time.Duration
	create func() T
	slots  []slot[T]

	// eager is when a sample last triggered a recompute.
	eager time.Time
}

func newBuckets[T any](width, window time.Duration, create func() T) *buckets[T] {
	return &buckets[T]{width: max(width, time.Second), window: window, create: create}
}

// at returns the slot covering ts, opening a new one when ts passed the
// newest slot. Late samples land in the newest slot. Caller holds mu.
func (b *buckets[T]) at(ts time.Time) *T {
	start := ts.Truncate(b.width)
	if n := len(b.slots); n > 0 && !start.After(b.slots[n-1].start) {
		return &b.slots[n-1].v
	}

	b.prune(ts.Add(-b.window))
	b.slots = append(b.slots, slot[T]{start: start, v: b.create()})
	return &b.slots[len(b.slots)-1].v
}

// prune drops slots whose samples are all older than cutoff. Caller holds mu.
func (b *buckets[T]) prune(cutoff time.Time) {
	i := 0
	for i < len(b.slots) && !b.slots[i].start.Add(b.width).After(cutoff) {
		i++
	}
	if i > 0 {
		b.slots = slices.Delete(b.slots, 0, i)
	}
}

// due reports whether a sample may trigger a recompute now and records the
// attempt. Caller holds mu.
func (b *buckets[T]) due(now time.Time) bool {
	if !b.eager.IsZero() && now.Sub(b.eager) < eagerInterval {
		return false
	}
	b.eager = now
	return true
}

func (b *buckets[T]) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = nil
	b.eager = time.Time{}
}

type complianceLog struct {
	mu      sync.Mutex
	records *stats.Ring[ComplianceRecord]
}

// Engine tracks the four objectives. Each objective has its own lock.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	availability *buckets[availabilityCounts]
	performance  *buckets[latencyHistogram]
	errors       *buckets[errorCounts]
	compliance   complianceLog

	statusMu sync.RWMutex
	statuses map[Objective]*Status

	observersMu sync.RWMutex
	observers   []TransitionObserver

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Targets.Availability <= 0 {
		cfg.Targets.Availability = def.Targets.Availability
	}
	if cfg.Targets.PerformanceP95 <= 0 {
		cfg.Targets.PerformanceP95 = def.Targets.PerformanceP95
	}
	if cfg.Targets.ErrorRate <= 0 {
		cfg.Targets.ErrorRate = def.Targets.ErrorRate
	}
	if cfg.Targets.Compliance <= 0 {
		cfg.Targets.Compliance = def.Targets.Compliance
	}
	if cfg.Windows.Availability <= 0 {
		cfg.Windows.Availability = def.Windows.Availability
	}
	if cfg.Windows.Performance <= 0 {
		cfg.Windows.Performance = def.Windows.Performance
	}
	if cfg.Windows.ErrorBudget <= 0 {
		cfg.Windows.ErrorBudget = def.Windows.ErrorBudget
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = def.RecomputeInterval
	}
	if cfg.ComplianceHistory <= 0 {
		cfg.ComplianceHistory = def.ComplianceHistory
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,

		availability: newBuckets(countSlot, cfg.Windows.Availability, func() availabilityCounts { return availabilityCounts{} }),
		performance:  newBuckets(cfg.Windows.Performance/latencySlots, cfg.Windows.Performance, newLatencyHistogram),
		errors:       newBuckets(countSlot, cfg.Windows.ErrorBudget, func() errorCounts { return errorCounts{} }),
		compliance:   complianceLog{records: stats.NewRing[ComplianceRecord](cfg.ComplianceHistory)},
	}
	e.statuses = e.initialStatuses(time.Now())
	return e
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.statusMu.Lock()
	e.statuses = e.initialStatuses(clock())
	e.statusMu.Unlock()
	return e
}

func (e *Engine) Subscribe(obs TransitionObserver) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, obs)
}

func (e *Engine) initialStatuses(now time.Time) map[Objective]*Status {
	t := e.cfg.Targets
	return map[Objective]*Status{
		Availability: {
			Objective: Availability, Name: "Availability", Target: t.Availability,
			Current: 100, Level: LevelOK, Remaining: 100, Window: "30-day rolling", LastUpdated: now,
		},
		Performance: {
			Objective: Performance, Name: "Performance (P95)", Target: stats.Millis(t.PerformanceP95),
			Current: 0, Level: LevelOK, Remaining: 100, Window: "24-hour rolling", LastUpdated: now,
		},
		ErrorBudget: {
			Objective: ErrorBudget, Name: "Error Budget", Target: t.ErrorRate,
			Current: 0, Level: LevelOK, Remaining: 100, Window: "7-day rolling", LastUpdated: now,
		},
		Compliance: {
			Objective: Compliance, Name: "Compliance", Target: t.Compliance,
			Current: 100, Level: LevelOK, Remaining: 100, Window: "Per-deployment", LastUpdated: now,
		},
	}
}

// RecordAvailability records one health check outcome. A failed check
// recomputes availability, at most once per second.
func (e *Engine) RecordAvailability(ok bool, reason string) {
	now := e.clock()

	b := e.availability
	b.mu.Lock()
	c := b.at(now)
	c.total++
	if ok {
		c.up++
	} else {
		c.reasons = addUnique(c.reasons, reason)
	}
	eager := !ok && b.due(now)
	b.mu.Unlock()

	if eager {
		e.recompute(Availability)
	}
}

// RecordPerformance records one request latency. A latency above the P95
// target recomputes performance, at most once per second.
func (e *Engine) RecordPerformance(latency time.Duration, endpoint string) {
	now := e.clock()
	slow := latency > e.cfg.Targets.PerformanceP95

	b := e.performance
	b.mu.Lock()
	h := b.at(now)
	_ = h.hist.RecordValue(min(max(latency.Microseconds(), histogramMin), histogramMax))
	if slow {
		h.slow = addUnique(h.slow, endpoint)
	}
	eager := slow && b.due(now)
	b.mu.Unlock()

	if eager {
		e.recompute(Performance)
	}
}

// RecordErrorBudget records a batch of requests and how many of them failed.
// Batches without requests are ignored.
func (e *Engine) RecordErrorBudget(total, errors int) {
	if total <= 0 {
		return
	}
	errors = min(max(errors, 0), total)
	now := e.clock()

	b := e.errors
	b.mu.Lock()
	c := b.at(now)
	c.total += total
	c.errors += errors
	eager := float64(errors)/float64(total)*100 > e.cfg.Targets.ErrorRate && b.due(now)
	b.mu.Unlock()

	if eager {
		e.recompute(ErrorBudget)
	}
}

// RecordCompliance records the compliance score of a deployment. Only the
// most recent records are kept.
func (e *Engine) RecordCompliance(score float64, deployment string, violations []string) {
	rec := ComplianceRecord{
		Timestamp:  e.clock(),
		Score:      score,
		Deployment: deployment,
		Violations: slices.Clone(violations),
	}

	e.compliance.mu.Lock()
	e.compliance.records.Add(rec)
	e.compliance.mu.Unlock()

	if score < e.cfg.Targets.Compliance {
		e.recompute(Compliance)
	}
}

// Recompute re-evaluates every objective.
func (e *Engine) Recompute() {
	for _, obj := range Objectives {
		e.recompute(obj)
	}
}

func (e *Engine) recompute(obj Objective) {
	var (
		tr      Transition
		changed bool
	)

	switch obj {
	case Availability:
		tr, changed = e.recomputeAvailability()
	case Performance:
		tr, changed = e.recomputePerformance()
	case ErrorBudget:
		tr, changed = e.recomputeErrorBudget()
	case Compliance:
		tr, changed = e.recomputeCompliance()
	}

	if changed {
		e.notify(tr)
	}
}

func (e *Engine) recomputeAvailability() (Transition, bool) {
	b := e.availability
	b.mu.Lock()
	defer b.mu.Unlock()

	now := e.clock()
	b.prune(now.Add(-e.cfg.Windows.Availability))

	var up, total int
	var reasons []string
	for _, s := range b.slots {
		up += s.v.up
		total += s.v.total
		for _, r := range s.v.reasons {
			reasons = addUnique(reasons, r)
		}
	}
	if total == 0 {
		return Transition{}, false
	}

	a := float64(up) / float64(total) * 100
	t := e.cfg.Targets.Availability

	level := LevelCritical
	switch {
	case a >= t:
		level = LevelOK
	case a >= t*0.95:
		level = LevelWarning
	}

	return e.apply(Availability, a, level, (a-t)/(100-t)*100, reasons, now)
}

func (e *Engine) recomputePerformance() (Transition, bool) {
	b := e.performance
	b.mu.Lock()
	defer b.mu.Unlock()

	now := e.clock()
	b.prune(now.Add(-e.cfg.Windows.Performance))
	if len(b.slots) == 0 {
		return Transition{}, false
	}

	merged := hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)
	var slow []string
	for _, s := range b.slots {
		merged.Merge(s.v.hist)
		for _, ep := range s.v.slow {
			slow = addUnique(slow, ep)
		}
	}
	if merged.TotalCount() == 0 {
		return Transition{}, false
	}

	t := stats.Millis(e.cfg.Targets.PerformanceP95)
	p95 := float64(merged.ValueAtQuantile(95)) / 1000

	level := LevelCritical
	switch {
	case p95 <= t:
		level = LevelOK
	case p95 <= t*1.2:
		level = LevelWarning
	}

	return e.apply(Performance, p95, level, (t-p95)/t*100, slow, now)
}

func (e *Engine) recomputeErrorBudget() (Transition, bool) {
	b := e.errors
	b.mu.Lock()
	defer b.mu.Unlock()

	now := e.clock()
	b.prune(now.Add(-e.cfg.Windows.ErrorBudget))

	var total, errs int
	for _, s := range b.slots {
		total += s.v.total
		errs += s.v.errors
	}
	if total == 0 {
		return Transition{}, false
	}

	rate := float64(errs) / float64(total) * 100
	t := e.cfg.Targets.ErrorRate

	level := LevelCritical
	switch {
	case rate <= t:
		level = LevelOK
	case rate <= t*2:
		level = LevelWarning
	}

	return e.apply(ErrorBudget, rate, level, (t-rate)/t*100, nil, now)
}

func (e *Engine) recomputeCompliance() (Transition, bool) {
	c := &e.compliance
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, ok := c.records.Last()
	if !ok {
		return Transition{}, false
	}

	level := LevelCritical
	switch {
	case latest.Score >= e.cfg.Targets.Compliance:
		level = LevelOK
	case latest.Score >= complianceWarning:
		level = LevelWarning
	}

	remaining := (latest.Score - complianceWarning) / (100 - complianceWarning) * 100
	return e.apply(Compliance, latest.Score, level, remaining, slices.Clone(latest.Violations), e.clock())
}

// apply stores the new evaluation and reports whether the level changed.
// Callers hold the objective lock so transitions of one objective are
// produced in order.
func (e *Engine) apply(obj Objective, current float64, level Level, remaining float64, violations []string, now time.Time) (Transition, bool) {
	e.statusMu.Lock()
	st := e.statuses[obj]
	from := st.Level
	st.Current = current
	st.Level = level
	st.Remaining = remaining
	st.LastUpdated = now
	snapshot := *st
	e.statusMu.Unlock()

	if from == level {
		return Transition{}, false
	}

	attrs := []any{
		slog.String("objective", string(obj)),
		slog.String("from", string(from)),
		slog.String("to", string(level)),
		slog.Float64("current", current),
		slog.Float64("remaining", remaining),
	}
	if level == LevelOK {
		e.logger.Info("SLO recovered", attrs...)
	} else {
		e.logger.Warn("SLO level changed", attrs...)
	}

	return Transition{
		Objective:  obj,
		From:       from,
		To:         level,
		Status:     snapshot,
		Violations: violations,
	}, true
}

func (e *Engine) notify(tr Transition) {
	e.observersMu.RLock()
	observers := e.observers
	e.observersMu.RUnlock()

	for _, obs := range observers {
		obs.OnTransition(tr)
	}
}

// Status returns the current evaluation of obj.
func (e *Engine) Status(obj Objective) (Status, bool) {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	st, ok := e.statuses[obj]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// All returns every status in reporting order.
func (e *Engine) All() []Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	out := make([]Status, 0, len(Objectives))
	for _, obj := range Objectives {
		out = append(out, *e.statuses[obj])
	}
	return out
}

func (e *Engine) Summary() Summary {
	all := e.All()
	sum := Summary{Statuses: all}

	for _, st := range all {
		switch st.Level {
		case LevelOK:
			sum.OK++
		case LevelWarning:
			sum.Warnings++
		case LevelCritical:
			sum.Critical++
		}
		if st.Objective == Compliance {
			sum.ComplianceScore = st.Current
		}
	}
	sum.AllMet = sum.OK == len(all)

	return sum
}

// ComplianceRecords returns the retained compliance records, oldest first.
func (e *Engine) ComplianceRecords() []ComplianceRecord {
	e.compliance.mu.Lock()
	defer e.compliance.mu.Unlock()
	return e.compliance.records.Newest(0, nil)
}

// Start runs an initial recompute and then one every RecomputeInterval.
// Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	e.Recompute()

	ticker := time.NewTicker(e.cfg.RecomputeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Recompute()
		}
	}
}

// Stop cancels the periodic job and waits for it to exit.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Reset drops every sample and restores the initial statuses without
// notifying observers.
func (e *Engine) Reset() {
	e.availability.reset()
	e.performance.reset()
	e.errors.reset()

	e.compliance.mu.Lock()
	e.compliance.records.Reset()
	e.compliance.mu.Unlock()

	e.statusMu.Lock()
	e.statuses = e.initialStatuses(e.clock())
	e.statusMu.Unlock()
}
