package promexport

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/angeloszaimis/telemetry/internal/aggregator"
	"github.com/angeloszaimis/telemetry/internal/cachemonitor"
	"github.com/angeloszaimis/telemetry/internal/circuitbreaker"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/poolmonitor"
	"github.com/angeloszaimis/telemetry/internal/slo"
)

// ContentType is the media type of the text exposition format.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Sanitize replaces every character outside [a-zA-Z0-9_] with an underscore.
func Sanitize(s string) string {
	return invalidNameChars.ReplaceAllString(s, "_")
}

type RecorderSource interface {
	Capture() metrics.Snapshot
	Uptime() time.Duration
}

type PoolSource interface {
	Attached() bool
	Metrics() poolmonitor.Metrics
}

type CacheSource interface {
	Layers() map[metrics.Layer]cachemonitor.LayerMetrics
}

type CircuitSource interface {
	All() []circuitbreaker.CircuitMetrics
}

type SLOSource interface {
	All() []slo.Status
}

type AggregateSource interface {
	Latest(w aggregator.Window) []aggregator.SeriesRollup
}

// Sources holds the state the exporter reads at scrape time. Nil sources are
// skipped.
type Sources struct {
	Recorder   RecorderSource
	Pool       PoolSource
	Cache      CacheSource
	Circuits   CircuitSource
	SLO        SLOSource
	Aggregates AggregateSource
}

type Config struct {
	Prefix               string            `mapstructure:"prefix"`
	Labels               map[string]string `mapstructure:"labels"`
	IncludeSystemMetrics bool              `mapstructure:"include_system_metrics"`
}

// Summary describes the current exposition.
type Summary struct {
	Families   int       `json:"families"`
	Samples    int       `json:"samples"`
	Categories []string  `json:"categories"`
	LastExport time.Time `json:"last_export"`
	ExportSize int       `json:"export_size"`
}

// Exporter is a prometheus.Collector over the in-process monitors.
type Exporter struct {
	src        Sources
	registry   *prometheus.Registry
	registerer prometheus.Registerer
	clock      func() time.Time
	descs      descriptors
}

// New registers the exporter on a private registry. The prefix and constant
// labels apply to every metric of the exporter and of collectors added with
// Register.
func New(cfg Config, src Sources) (*Exporter, error) {
	registry := prometheus.NewRegistry()

	var reg prometheus.Registerer = registry
	if cfg.Prefix != "" {
		reg = prometheus.WrapRegistererWithPrefix(Sanitize(cfg.Prefix)+"_", reg)
	}
	if len(cfg.Labels) > 0 {
		reg = prometheus.WrapRegistererWith(prometheus.Labels(cfg.Labels), reg)
	}

	e := &Exporter{
		src:        src,
		registry:   registry,
		registerer: reg,
		clock:      time.Now,
		descs:      newDescriptors(),
	}

	if err := reg.Register(e); err != nil {
		return nil, fmt.Errorf("register exporter: %w", err)
	}

	if cfg.IncludeSystemMetrics {
		for _, c := range []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := registry.Register(c); err != nil {
				return nil, fmt.Errorf("register system collector: %w", err)
			}
		}
	}

	return e, nil
}

// WithClock overrides the sample timestamp clock for testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Register adds a custom collector under the exporter prefix and labels.
func (e *Exporter) Register(c prometheus.Collector) error {
	return e.registerer.Register(c)
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range e.descs.all() {
		ch <- d
	}
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	out := sink{ch: ch, now: e.clock()}

	if e.src.Recorder != nil {
		e.collectRecorder(out)
	}
	if e.src.Pool != nil && e.src.Pool.Attached() {
		e.collectPool(out)
	}
	if e.src.Cache != nil {
		e.collectCache(out)
	}
	if e.src.Circuits != nil {
		e.collectCircuits(out)
	}
	if e.src.SLO != nil {
		e.collectSLO(out)
	}
	if e.src.Aggregates != nil {
		e.collectAggregates(out)
	}
}

// LabelValue replaces invalid UTF-8 sequences so the value is accepted as a
// Prometheus label.
func LabelValue(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

func labelValues(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = LabelValue(v)
	}
	return out
}

// sink stamps every metric with the scrape time. A metric that cannot be
// built is reported as invalid so Gather fails instead of the process.
type sink struct {
	ch  chan<- prometheus.Metric
	now time.Time
}

func (s sink) send(desc *prometheus.Desc, m prometheus.Metric, err error) {
	if err != nil {
		s.ch <- prometheus.NewInvalidMetric(desc, err)
		return
	}
	s.ch <- prometheus.NewMetricWithTimestamp(s.now, m)
}

func (s sink) gauge(desc *prometheus.Desc, v float64, labels ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues(labels)...)
	s.send(desc, m, err)
}

func (s sink) counter(desc *prometheus.Desc, v float64, labels ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, v, labelValues(labels)...)
	s.send(desc, m, err)
}

func (s sink) summary(desc *prometheus.Desc, count uint64, sum float64, quantiles map[float64]float64, labels ...string) {
	m, err := prometheus.NewConstSummary(desc, count, sum, quantiles, labelValues(labels)...)
	s.send(desc, m, err)
}

func (e *Exporter) collectRecorder(out sink) {
	d := e.descs
	snap := e.src.Recorder.Capture()

	// Distinct operations can sanitise to the same label; the first one wins.
	seen := make(map[string]bool, len(snap.Latency))
	for op, ls := range snap.Latency {
		label := Sanitize(op)
		if seen[label] {
			continue
		}
		seen[label] = true

		out.summary(d.latency, uint64(ls.Count), ls.Sum,
			map[float64]float64{0.5: ls.P50, 0.95: ls.P95, 0.99: ls.P99}, label)
		out.gauge(d.latencyMin, ls.Min, label)
		out.gauge(d.latencyMax, ls.Max, label)
	}
	clear(seen)
	for op, rate := range snap.Throughput {
		label := Sanitize(op)
		if seen[label] {
			continue
		}
		seen[label] = true
		out.gauge(d.throughput, rate, label)
	}
	for layer, cs := range snap.Cache {
		out.gauge(d.recorderHitRate, cs.HitRate, string(layer))
	}

	out.gauge(d.heapAlloc, float64(snap.Memory.HeapAlloc))
	out.gauge(d.goroutines, float64(snap.Memory.Goroutines))
	out.counter(d.uptime, e.src.Recorder.Uptime().Seconds())
}

func (e *Exporter) collectPool(out sink) {
	d := e.descs
	m := e.src.Pool.Metrics()

	for state, v := range map[string]int{
		"total":   m.TotalConnections,
		"active":  m.ActiveConnections,
		"idle":    m.IdleConnections,
		"waiting": m.WaitingClients,
	} {
		out.gauge(d.poolConnections, float64(v), state)
	}
	out.gauge(d.poolMax, float64(m.MaxConnections))
	out.gauge(d.poolWaitAvg, m.AvgWaitMs)
	out.gauge(d.poolWaitMax, m.MaxWaitMs)
	out.counter(d.poolErrors, float64(m.ConnectionErrors))
	out.counter(d.poolAcquired, float64(m.TotalAcquired))
	out.counter(d.poolReleased, float64(m.TotalReleased))
}

func (e *Exporter) collectCache(out sink) {
	d := e.descs
	for layer, m := range e.src.Cache.Layers() {
		l := string(layer)
		out.counter(d.cacheHits, float64(m.Hits), l)
		out.counter(d.cacheMisses, float64(m.Misses), l)
		out.counter(d.cacheEvictions, float64(m.Evictions), l)
		out.gauge(d.cacheHitRate, m.HitRate, l)
		out.gauge(d.cacheSize, float64(m.Size), l)
		out.gauge(d.cacheMemory, float64(m.MemoryUsage), l)
		out.gauge(d.cacheLatency, m.AvgGetLatencyMs, l, "get")
		out.gauge(d.cacheLatency, m.AvgSetLatencyMs, l, "set")
		out.gauge(d.cacheCompression, m.CompressionRatio, l)
	}
}

func circuitStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (e *Exporter) collectCircuits(out sink) {
	d := e.descs
	seen := make(map[string]bool)
	for _, m := range e.src.Circuits.All() {
		// Names that differ only in invalid bytes collapse to one series.
		name := LabelValue(m.Name)
		if seen[name] {
			continue
		}
		seen[name] = true

		out.gauge(d.circuitState, circuitStateValue(m.State), name)
		out.gauge(d.circuitFailureRate, m.FailureRate, name)
		out.gauge(d.circuitLatency, m.AvgLatencyMs, name)
		out.gauge(d.circuitConsecutive, float64(m.ConsecutiveFailures), name)
		out.counter(d.circuitStateChanges, float64(m.StateChanges), name)

		for outcome, v := range map[string]int64{
			"success":  m.SuccessCount,
			"failure":  m.FailureCount,
			"timeout":  m.TimeoutCount,
			"rejected": m.RejectedCount,
		} {
			out.counter(d.circuitRequests, float64(v), name, outcome)
		}
	}
}

func sloLevelValue(l slo.Level) float64 {
	switch l {
	case slo.LevelWarning:
		return 1
	case slo.LevelCritical:
		return 2
	default:
		return 0
	}
}

func (e *Exporter) collectSLO(out sink) {
	d := e.descs
	for _, st := range e.src.SLO.All() {
		obj := string(st.Objective)
		out.gauge(d.sloCurrent, st.Current, obj)
		out.gauge(d.sloTarget, st.Target, obj)
		out.gauge(d.sloStatus, sloLevelValue(st.Level), obj)
		out.gauge(d.sloRemaining, st.Remaining, obj)
	}
}

func (e *Exporter) collectAggregates(out sink) {
	d := e.descs
	for _, w := range aggregator.Windows {
		seen := make(map[[2]string]bool)
		for _, sr := range e.src.Aggregates.Latest(w) {
			key := [2]string{Sanitize(sr.Name), LabelValue(sr.LabelKey)}
			if seen[key] {
				continue
			}
			seen[key] = true

			r := sr.Rollup
			out.summary(d.aggregate, uint64(r.Count), r.Sum,
				map[float64]float64{0.5: r.P50, 0.95: r.P95, 0.99: r.P99},
				key[0], key[1], string(w))
		}
	}
}

// Write renders the text exposition of every registered collector.
func (e *Exporter) Write(w io.Writer) error {
	families, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the registry in the negotiated exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Summary gathers the registry once and reports its size.
func (e *Exporter) Summary() (Summary, error) {
	families, err := e.registry.Gather()
	if err != nil {
		return Summary{}, fmt.Errorf("gather metrics: %w", err)
	}

	sum := Summary{
		Families:   len(families),
		Categories: e.categories(),
		LastExport: e.clock(),
	}

	counter := &countingWriter{}
	for _, mf := range families {
		sum.Samples += len(mf.GetMetric())
		if _, err := expfmt.MetricFamilyToText(counter, mf); err != nil {
			return Summary{}, fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	sum.ExportSize = counter.n

	return sum, nil
}

func (e *Exporter) categories() []string {
	var out []string
	if e.src.Recorder != nil {
		out = append(out, "performance", "system")
	}
	if e.src.Pool != nil {
		out = append(out, "database")
	}
	if e.src.Cache != nil {
		out = append(out, "cache")
	}
	if e.src.Circuits != nil {
		out = append(out, "circuit-breaker")
	}
	if e.src.SLO != nil {
		out = append(out, "slo")
	}
	if e.src.Aggregates != nil {
		out = append(out, "aggregated")
	}
	sort.Strings(out)
	return out
}

type countingWriter struct {
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}
