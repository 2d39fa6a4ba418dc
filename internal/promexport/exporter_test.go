package promexport_test

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/telemetry/internal/aggregator"
	"github.com/angeloszaimis/telemetry/internal/circuitbreaker"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/promexport"
	"github.com/angeloszaimis/telemetry/internal/slo"
)

var _ = Describe("Exporter", func() {
	var (
		now      time.Time
		recorder *metrics.Recorder
		engine   *slo.Engine
		circuits *circuitbreaker.Monitor
		agg      *aggregator.Aggregator
		exporter *promexport.Exporter
	)

	clock := func() time.Time { return now }

	BeforeEach(func() {
		now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
		logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

		recorder = metrics.NewRecorder(metrics.DefaultConfig()).WithClock(clock)
		engine = slo.New(slo.DefaultConfig(), logger).WithClock(clock)
		circuits = circuitbreaker.NewMonitor(nil).WithClock(clock)
		agg = aggregator.New(aggregator.DefaultConfig(), logger).WithClock(clock)

		var err error
		exporter, err = promexport.New(promexport.Config{
			Prefix: "telemetry",
			Labels: map[string]string{"env": "test"},
		}, promexport.Sources{
			Recorder:   recorder,
			Circuits:   circuits,
			SLO:        engine,
			Aggregates: agg,
		})
		Expect(err).NotTo(HaveOccurred())
		exporter.WithClock(clock)
	})

	render := func() string {
		var buf bytes.Buffer
		Expect(exporter.Write(&buf)).To(Succeed())
		return buf.String()
	}

	It("should export recorder latency as a summary with sanitised operation names", func() {
		recorder.RecordLatency("GET /orders", 150*time.Millisecond)

		out := render()
		Expect(out).To(ContainSubstring("# TYPE telemetry_request_latency_ms summary"))
		Expect(out).To(ContainSubstring(`telemetry_request_latency_ms_count{env="test",operation="GET__orders"} 1`))
		Expect(out).To(ContainSubstring(`telemetry_request_latency_ms{env="test",operation="GET__orders",quantile="0.95"} 150`))
	})

	It("should stamp every sample with the scrape time", func() {
		ts := " " + strconv.FormatInt(now.UnixMilli(), 10) + "\n"
		out := render()
		Expect(out).To(ContainSubstring(`telemetry_slo_target{env="test",objective="availability"} 99.9` + ts))
		Expect(out).To(ContainSubstring(`telemetry_slo_status{env="test",objective="availability"} 0` + ts))
	})

	It("should export circuit state as a number", func() {
		circuits.RecordStateChange("payments", circuitbreaker.StateClosed, circuitbreaker.StateOpen, "5 consecutive failures")

		out := render()
		Expect(out).To(ContainSubstring(`telemetry_circuit_state{circuit="payments",env="test"} 2`))
		Expect(out).To(ContainSubstring(`telemetry_circuit_state_changes_total{circuit="payments",env="test"} 1`))
	})

	It("should export the latest aggregated rollups", func() {
		for i := 1; i <= 100; i++ {
			agg.Record("checkout.latency", float64(i), nil)
		}
		agg.Aggregate()

		out := render()
		Expect(out).To(ContainSubstring(`telemetry_aggregated_sum{env="test",metric="checkout_latency",series="default",window="1m"} 5050`))
	})

	It("should replace invalid UTF-8 in label values instead of failing the scrape", func() {
		agg.Record("http_request_duration_ms", 12, map[string]string{"route": "/\xff", "status": "404"})
		agg.Aggregate()
		circuits.RecordSuccess("inventory\xfe", 5*time.Millisecond)

		var out string
		Expect(func() { out = render() }).NotTo(Panic())
		Expect(out).To(ContainSubstring(`series="route=/\uFFFD,status=404"`))
		Expect(out).To(ContainSubstring(`telemetry_circuit_state{circuit="inventory\uFFFD",env="test"} 0`))
	})

	It("should serve scrapes with invalid label bytes over HTTP", func() {
		agg.Record("http_request_duration_ms", 12, map[string]string{"route": "/\xff"})
		agg.Aggregate()

		rec := httptest.NewRecorder()
		exporter.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	DescribeTable("LabelValue",
		func(in, expected string) {
			Expect(promexport.LabelValue(in)).To(Equal(expected))
		},
		Entry("valid text is unchanged", "route=/orders", "route=/orders"),
		Entry("invalid bytes are replaced", "a\xffb", "a\uFFFDb"),
	)

	It("should skip the pool and cache when they are not wired", func() {
		out := render()
		Expect(out).NotTo(ContainSubstring("db_pool"))
		Expect(out).NotTo(ContainSubstring("cache_hits_total"))
	})

	It("should apply the prefix and labels to custom collectors", func() {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "deployments", Help: "Deployments."})
		gauge.Set(3)
		Expect(exporter.Register(gauge)).To(Succeed())

		Expect(render()).To(ContainSubstring(`telemetry_deployments{env="test"} 3`))
	})

	It("should serve the exposition over HTTP", func() {
		rec := httptest.NewRecorder()
		exporter.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("telemetry_slo_current"))
	})

	It("should summarise the exposition", func() {
		sum, err := exporter.Summary()
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Families).To(BeNumerically(">", 0))
		Expect(sum.Samples).To(BeNumerically(">=", sum.Families))
		Expect(sum.ExportSize).To(BeNumerically(">", 0))
		Expect(sum.Categories).To(ContainElements("slo", "circuit-breaker", "performance"))
	})

	It("should include Go runtime metrics when asked", func() {
		e, err := promexport.New(promexport.Config{IncludeSystemMetrics: true}, promexport.Sources{})
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(e.Write(&buf)).To(Succeed())
		Expect(buf.String()).To(ContainSubstring("go_goroutines"))
	})

	It("should write nothing without sources", func() {
		e, err := promexport.New(promexport.Config{}, promexport.Sources{})
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(e.Write(&buf)).To(Succeed())
		Expect(buf.String()).To(BeEmpty())
	})
})

var _ = DescribeTable("Sanitize",
	func(in, expected string) {
		Expect(promexport.Sanitize(in)).To(Equal(expected))
	},
	Entry("plain", "orders_total", "orders_total"),
	Entry("route", "GET /orders/:id", "GET__orders__id"),
	Entry("dotted", "db:pool:acquire", "db_pool_acquire"),
)
