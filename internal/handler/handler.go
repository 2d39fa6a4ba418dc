package handler

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/angeloszaimis/telemetry/internal/aggregator"
	"github.com/angeloszaimis/telemetry/internal/alert"
	"github.com/angeloszaimis/telemetry/internal/cachemonitor"
	"github.com/angeloszaimis/telemetry/internal/circuitbreaker"
	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/monitoring"
	"github.com/angeloszaimis/telemetry/internal/poolmonitor"
	"github.com/angeloszaimis/telemetry/internal/promexport"
	"github.com/angeloszaimis/telemetry/internal/slo"
	"github.com/angeloszaimis/telemetry/internal/stream"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 1000
	labelParamPrefix  = "label."
)

// Handler serves the health and metrics endpoints of a Monitor.
type Handler struct {
	logger   *slog.Logger
	mon      *monitoring.Monitor
	cache    *ristretto.Cache
	cacheTTL time.Duration
}

type Option func(*Handler)

// WithResponseCache caches rendered aggregate queries in cache for ttl.
// Stores are reported to the L1 cache layer; hits and misses come from the
// cache's own counters.
func WithResponseCache(cache *ristretto.Cache, ttl time.Duration) Option {
	return func(h *Handler) {
		h.cache = cache
		h.cacheTTL = ttl
	}
}

func New(logger *slog.Logger, mon *monitoring.Monitor, opts ...Option) *Handler {
	h := &Handler{logger: logger, mon: mon}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds every endpoint to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/performance", h.Performance)
	mux.HandleFunc("GET /health/live", h.Live)
	mux.HandleFunc("GET /health/ready", h.Ready)

	mux.Handle("GET /metrics", h.mon.Exporter.Handler())
	mux.HandleFunc("GET /metrics/summary", h.Summary)
	mux.Handle("GET /metrics/snapshot", h.mon.Recorder.SnapshotHandler(h.logger))
	mux.HandleFunc("GET /metrics/database", h.Database)
	mux.HandleFunc("GET /metrics/cache", h.Cache)
	mux.HandleFunc("GET /metrics/circuit-breaker", h.Circuits)
	mux.HandleFunc("GET /metrics/aggregated", h.Aggregated)
	mux.HandleFunc("GET /metrics/aggregated/export", h.Export)

	mux.HandleFunc("GET /slo", h.SLO)
	mux.HandleFunc("GET /alerts", h.Alerts)
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxEventLimit)
}

func boolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

type performanceResponse struct {
	Status     healthcheck.Status                `json:"status"`
	Score      float64                           `json:"score"`
	Issues     []string                          `json:"issues"`
	Timestamp  time.Time                         `json:"timestamp"`
	Components map[string]healthcheck.Assessment `json:"components,omitempty"`
	Metrics    *metrics.Snapshot                 `json:"metrics,omitempty"`
}

// Performance reports combined system health. Critical health answers 503.
func (h *Handler) Performance(w http.ResponseWriter, r *http.Request) {
	sum := h.mon.SystemHealth()

	resp := performanceResponse{
		Status:    sum.Status,
		Score:     sum.Score,
		Issues:    sum.Issues,
		Timestamp: sum.Timestamp,
	}
	if boolParam(r, "detailed") {
		resp.Components = sum.Components
	}
	if boolParam(r, "metrics") {
		snap := h.mon.Recorder.Capture()
		resp.Metrics = &snap
	}

	status := http.StatusOK
	if sum.Status == healthcheck.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "alive",
		"uptime_seconds": h.mon.Recorder.Uptime().Seconds(),
	})
}

// Ready fails when the pool or the cache is critical.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]healthcheck.Status{
		poolmonitor.Component:  h.mon.Pool.Assess().Status,
		cachemonitor.Component: h.mon.Cache.Assess().Status,
	}

	ready := true
	for _, s := range checks {
		if s == healthcheck.StatusCritical {
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

type summaryResponse struct {
	Exposition promexport.Summary `json:"exposition"`
	SLO        slo.Summary        `json:"slo"`
	Alerts     alert.Stats        `json:"alerts"`
	Aggregator aggregator.Stats   `json:"aggregator"`
	Stream     stream.Stats       `json:"stream"`
	Health     healthcheck.Status `json:"health"`
}

func (h *Handler) Summary(w http.ResponseWriter, _ *http.Request) {
	exp, err := h.mon.Exporter.Summary()
	if err != nil {
		h.internalError(w, "exporter summary", err)
		return
	}

	h.writeJSON(w, http.StatusOK, summaryResponse{
		Exposition: exp,
		SLO:        h.mon.SLO.Summary(),
		Alerts:     h.mon.Alerts.Stats(),
		Aggregator: h.mon.Aggregator.Stats(),
		Stream:     h.mon.Stream.Stats(),
		Health:     h.mon.SystemHealth().Status,
	})
}

func (h *Handler) Database(w http.ResponseWriter, r *http.Request) {
	window := time.Minute
	h.writeJSON(w, http.StatusOK, map[string]any{
		"metrics":          h.mon.Pool.Metrics(),
		"health":           h.mon.Pool.Assess(),
		"error_rate":       h.mon.Pool.ErrorRate(window),
		"acquisition_rate": h.mon.Pool.AcquisitionRate(window),
		"recent_events":    h.mon.Pool.RecentEvents(limitParam(r, defaultEventLimit)),
	})
}

type layerResponse struct {
	Layer        metrics.Layer              `json:"layer"`
	Metrics      cachemonitor.LayerMetrics  `json:"metrics"`
	GetLatency   *cachemonitor.Distribution `json:"get_latency,omitempty"`
	SetLatency   *cachemonitor.Distribution `json:"set_latency,omitempty"`
	RecentEvents []cachemonitor.Event       `json:"recent_events"`
}

// Cache reports every layer, or one when ?layer= is L1 or L2.
func (h *Handler) Cache(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("layer")
	if raw == "" {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"layers": h.mon.Cache.Layers(),
			"health": h.mon.Cache.Assess(),
		})
		return
	}

	layer := metrics.Layer(raw)
	if !layer.Valid() {
		h.writeError(w, http.StatusBadRequest, "layer must be L1 or L2")
		return
	}

	resp := layerResponse{
		Layer:        layer,
		RecentEvents: h.mon.Cache.RecentEvents(limitParam(r, defaultEventLimit), layer),
	}
	resp.Metrics, _ = h.mon.Cache.Layer(layer)
	if d, ok := h.mon.Cache.LatencyDistribution(layer, cachemonitor.OpGet); ok {
		resp.GetLatency = &d
	}
	if d, ok := h.mon.Cache.LatencyDistribution(layer, cachemonitor.OpSet); ok {
		resp.SetLatency = &d
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type circuitResponse struct {
	Metrics      circuitbreaker.CircuitMetrics `json:"metrics"`
	FailureRate  float64                       `json:"failure_rate_1m"`
	Throughput   float64                       `json:"throughput_1m"`
	StateHistory []circuitbreaker.StateChange  `json:"state_history"`
	Requests     []circuitbreaker.Request      `json:"recent_requests"`
}

// Circuits reports every circuit, or one when ?service= is set. Unknown
// services answer 404.
func (h *Handler) Circuits(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("service")
	if name == "" {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"circuits": h.mon.Circuits.All(),
			"health":   h.mon.Circuits.Assess(),
		})
		return
	}

	m, ok := h.mon.Circuits.Metrics(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown service")
		return
	}

	limit := limitParam(r, defaultEventLimit)
	h.writeJSON(w, http.StatusOK, circuitResponse{
		Metrics:      m,
		FailureRate:  h.mon.Circuits.FailureRate(name, time.Minute),
		Throughput:   h.mon.Circuits.Throughput(name, time.Minute),
		StateHistory: h.mon.Circuits.StateHistory(name, limit),
		Requests:     h.mon.Circuits.RequestHistory(name, limit),
	})
}

func (h *Handler) SLO(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"summary":    h.mon.SLO.Summary(),
		"compliance": h.mon.SLO.ComplianceRecords(),
	})
}

func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"recent": h.mon.Alerts.Recent(limitParam(r, 50)),
		"stats":  h.mon.Alerts.Stats(),
	})
}

// labelParams collects label.<key>=<value> query parameters.
func labelParams(r *http.Request) map[string]string {
	labels := make(map[string]string)
	for k, v := range r.URL.Query() {
		if key, ok := strings.CutPrefix(k, labelParamPrefix); ok && key != "" && len(v) > 0 {
			labels[key] = v[0]
		}
	}
	return labels
}

// Aggregated returns the rollups of one series. Without ?name= it lists the
// recorded metric names.
func (h *Handler) Aggregated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"metrics": h.mon.Aggregator.Names(),
			"stats":   h.mon.Aggregator.Stats(),
		})
		return
	}

	window := aggregator.Window1m
	if raw := q.Get("window"); raw != "" {
		var err error
		if window, err = aggregator.ParseWindow(raw); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	key := r.URL.RawQuery
	if b, ok := h.cached(key); ok {
		h.writeRaw(w, http.StatusOK, b)
		return
	}

	b, err := encode(map[string]any{
		"name":    name,
		"window":  window,
		"rollups": h.mon.Aggregator.Rollups(name, window, labelParams(r), limitParam(r, 0)),
	})
	if err != nil {
		h.internalError(w, "encode rollups", err)
		return
	}
	h.store(key, b)
	h.writeRaw(w, http.StatusOK, b)
}

// Export writes raw samples as JSON or CSV (?format=, default json).
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := aggregator.Format(q.Get("format"))
	if format == "" {
		format = aggregator.FormatJSON
	}

	var names []string
	if n := q.Get("name"); n != "" {
		names = strings.Split(n, ",")
	}

	var buf bytes.Buffer
	if err := h.mon.Aggregator.Export(&buf, format, names...); err != nil {
		if errors.Is(err, aggregator.ErrUnknownFormat) {
			h.writeError(w, http.StatusBadRequest, "format must be json or csv")
			return
		}
		h.internalError(w, "export samples", err)
		return
	}

	contentType := "application/json"
	if format == aggregator.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("Failed to write export", slog.String("error", err.Error()))
	}
}

func (h *Handler) cached(key string) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}

	v, ok := h.cache.Get(key)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	return b, b != nil
}

func (h *Handler) store(key string, b []byte) {
	if h.cache == nil {
		return
	}

	start := time.Now()
	if h.cache.SetWithTTL(key, b, int64(len(b)), h.cacheTTL) {
		h.mon.Cache.RecordSet(metrics.LayerL1, key, time.Since(start), int64(len(b)), false)
	}
}
