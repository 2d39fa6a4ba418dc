package aggregator

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/angeloszaimis/telemetry/internal/stats"
)

const (
	DefaultInterval      = time.Minute
	DefaultMaxRawSamples = 10_000
	DefaultRawRetention  = 24 * time.Hour

	defaultLabelKey = "default"
)

var ErrUnknownFormat = errors.New("unknown export format")

type Window string

const (
	Window1m  Window = "1m"
	Window5m  Window = "5m"
	Window15m Window = "15m"
	Window1h  Window = "1h"
)

// Windows lists the rollup windows from finest to coarsest.
var Windows = []Window{Window1m, Window5m, Window15m, Window1h}

type windowSpec struct {
	duration time.Duration
	history  int
}

var windowSpecs = map[Window]windowSpec{
	Window1m:  {duration: time.Minute, history: 1440},
	Window5m:  {duration: 5 * time.Minute, history: 2016},
	Window15m: {duration: 15 * time.Minute, history: 2880},
	Window1h:  {duration: time.Hour, history: 2160},
}

// ParseWindow accepts the window names used in queries.
func ParseWindow(s string) (Window, error) {
	w := Window(s)
	if _, ok := windowSpecs[w]; !ok {
		return "", fmt.Errorf("unknown window %q", s)
	}
	return w, nil
}

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

type Sample struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Rollup summarises the samples inside one window at Timestamp.
type Rollup struct {
	Timestamp time.Time `json:"timestamp"`
	stats.Summary
}

type Stats struct {
	Metrics    int `json:"metrics"`
	Series     int `json:"series"`
	RawSamples int `json:"raw_samples"`
	Rollups    int `json:"rollups"`
}

type Config struct {
	Interval      time.Duration
	MaxRawSamples int
	RawRetention  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      DefaultInterval,
		MaxRawSamples: DefaultMaxRawSamples,
		RawRetention:  DefaultRawRetention,
	}
}

type series struct {
	name     string
	labelKey string
	labels   map[string]string

	mu      sync.Mutex
	raw     []Sample
	rollups map[Window][]Rollup
}

// Aggregator keeps raw samples per metric name and label set and rolls them
// up into fixed windows.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	series map[string]map[string]*series

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxRawSamples <= 0 {
		cfg.MaxRawSamples = DefaultMaxRawSamples
	}
	if cfg.RawRetention <= 0 {
		cfg.RawRetention = DefaultRawRetention
	}

	return &Aggregator{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		series: make(map[string]map[string]*series),
	}
}

// WithClock overrides the clock for testing.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// LabelKey is the series key for a label set: sorted k=v pairs joined by
// commas, or "default" for no labels.
func LabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return defaultLabelKey
	}

	keys := slices.Sorted(maps.Keys(labels))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, ",")
}

func (a *Aggregator) getSeries(name, labelKey string, labels map[string]string) *series {
	a.mu.RLock()
	s, ok := a.series[name][labelKey]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	byLabel, ok := a.series[name]
	if !ok {
		byLabel = make(map[string]*series)
		a.series[name] = byLabel
	}
	if s, ok := byLabel[labelKey]; ok {
		return s
	}

	s = &series{name: name, labelKey: labelKey, labels: maps.Clone(labels), rollups: make(map[Window][]Rollup)}
	byLabel[labelKey] = s
	return s
}

func (a *Aggregator) lookup(name, labelKey string) (*series, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[name][labelKey]
	return s, ok
}

func (a *Aggregator) all() []*series {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*series
	for _, byLabel := range a.series {
		for _, s := range byLabel {
			out = append(out, s)
		}
	}
	return out
}

// Record appends one sample. The oldest samples are dropped beyond the raw
// sample cap.
func (a *Aggregator) Record(name string, value float64, labels map[string]string) {
	s := a.getSeries(name, LabelKey(labels), labels)

	sample := Sample{Timestamp: a.clock(), Value: value, Labels: maps.Clone(labels)}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.raw = append(s.raw, sample)
	if over := len(s.raw) - a.cfg.MaxRawSamples; over > 0 {
		s.raw = slices.Delete(s.raw, 0, over)
	}
}

// Aggregate computes one rollup per window for every series and then purges
// raw samples older than the retention.
func (a *Aggregator) Aggregate() {
	now := a.clock()
	cutoff := now.Add(-a.cfg.RawRetention)

	var rollups, purged int
	for _, s := range a.all() {
		s.mu.Lock()
		for _, w := range Windows {
			if s.rollup(w, now) {
				rollups++
			}
		}

		before := len(s.raw)
		s.raw = slices.DeleteFunc(s.raw, func(v Sample) bool { return v.Timestamp.Before(cutoff) })
		purged += before - len(s.raw)
		s.mu.Unlock()
	}

	a.logger.Debug("Aggregation complete",
		slog.Int("rollups", rollups),
		slog.Int("purged", purged))
}

// rollup appends a summary of the samples inside w. Callers hold s.mu.
func (s *series) rollup(w Window, now time.Time) bool {
	spec := windowSpecs[w]
	start := now.Add(-spec.duration)

	var values []float64
	for _, v := range s.raw {
		if !v.Timestamp.Before(start) {
			values = append(values, v.Value)
		}
	}
	if len(values) == 0 {
		return false
	}

	history := append(s.rollups[w], Rollup{Timestamp: now, Summary: stats.Summarize(values)})
	if over := len(history) - spec.history; over > 0 {
		history = slices.Delete(history, 0, over)
	}
	s.rollups[w] = history
	return true
}

// Rollups returns the rollup history of one series, oldest first. A positive
// limit keeps only the most recent entries.
func (a *Aggregator) Rollups(name string, w Window, labels map[string]string, limit int) []Rollup {
	s, ok := a.lookup(name, LabelKey(labels))
	if !ok {
		return []Rollup{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.rollups[w]
	if limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	return slices.Clone(history)
}

// SeriesRollup is the latest rollup of one series.
type SeriesRollup struct {
	Name     string            `json:"name"`
	LabelKey string            `json:"label_key"`
	Labels   map[string]string `json:"labels,omitempty"`
	Rollup   Rollup            `json:"rollup"`
}

// Latest returns the most recent rollup of every series in w, ordered by name
// and label key.
func (a *Aggregator) Latest(w Window) []SeriesRollup {
	var out []SeriesRollup
	for _, s := range a.all() {
		s.mu.Lock()
		history := s.rollups[w]
		if len(history) > 0 {
			out = append(out, SeriesRollup{
				Name:     s.name,
				LabelKey: s.labelKey,
				Labels:   maps.Clone(s.labels),
				Rollup:   history[len(history)-1],
			})
		}
		s.mu.Unlock()
	}

	slices.SortFunc(out, func(x, y SeriesRollup) int {
		if c := strings.Compare(x.Name, y.Name); c != 0 {
			return c
		}
		return strings.Compare(x.LabelKey, y.LabelKey)
	})
	return out
}

// Query returns the raw samples of one series with from <= timestamp <= to.
func (a *Aggregator) Query(name string, from, to time.Time, labels map[string]string) []Sample {
	s, ok := a.lookup(name, LabelKey(labels))
	if !ok {
		return []Sample{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Sample{}
	for _, v := range s.raw {
		if !v.Timestamp.Before(from) && !v.Timestamp.After(to) {
			out = append(out, v)
		}
	}
	return out
}

// Names returns every recorded metric name in order.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Sorted(maps.Keys(a.series))
}

func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	st := Stats{Metrics: len(a.series)}
	a.mu.RUnlock()

	for _, s := range a.all() {
		s.mu.Lock()
		st.Series++
		st.RawSamples += len(s.raw)
		for _, h := range s.rollups {
			st.Rollups += len(h)
		}
		s.mu.Unlock()
	}
	return st
}

// Export writes the raw samples of the named metrics, or of every metric when
// none are named. JSON output maps name to label key to samples; CSV output
// has one row per sample.
func (a *Aggregator) Export(w io.Writer, format Format, names ...string) error {
	if len(names) == 0 {
		names = a.Names()
	}

	data := make(map[string]map[string][]Sample)
	for _, name := range names {
		a.mu.RLock()
		byLabel, ok := a.series[name]
		list := slices.Collect(maps.Values(byLabel))
		a.mu.RUnlock()
		if !ok {
			continue
		}

		data[name] = make(map[string][]Sample, len(list))
		for _, s := range list {
			s.mu.Lock()
			data[name][s.labelKey] = slices.Clone(s.raw)
			s.mu.Unlock()
		}
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return fmt.Errorf("encode json export: %w", err)
		}
		return nil

	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"timestamp", "metric", "labels", "value"}); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for _, name := range slices.Sorted(maps.Keys(data)) {
			byLabel := data[name]
			for _, key := range slices.Sorted(maps.Keys(byLabel)) {
				for _, v := range byLabel[key] {
					row := []string{
						strconv.FormatInt(v.Timestamp.UnixMilli(), 10),
						name,
						key,
						strconv.FormatFloat(v.Value, 'f', -1, 64),
					}
					if err := cw.Write(row); err != nil {
						return fmt.Errorf("write csv row: %w", err)
					}
				}
			}
		}
		cw.Flush()
		return cw.Error()

	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Reset drops every series.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.series = make(map[string]map[string]*series)
}

// Start runs Aggregate every Interval until Stop. Calling Start on a running
// aggregator is a no-op.
func (a *Aggregator) Start(ctx context.Context) {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Aggregate()
			}
		}
	}()
}

func (a *Aggregator) Stop() {
	a.lifecycleMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}
