package monitoring_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/internal/alert"
	"github.com/angeloszaimis/telemetry/internal/circuitbreaker"
	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/monitoring"
	"github.com/angeloszaimis/telemetry/internal/poolmonitor"
	"github.com/angeloszaimis/telemetry/internal/slo"
)

type fakePool struct {
	stats poolmonitor.SourceStats
}

func (f *fakePool) PoolStats() poolmonitor.SourceStats { return f.stats }

func sources(alerts []alert.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Source)
	}
	return out
}

var _ = Describe("Monitor", func() {
	var (
		logger *slog.Logger
		m      *monitoring.Monitor
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

		var err error
		m, err = monitoring.New(monitoring.DefaultConfig(), logger)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(m.Stop)
	})

	It("should report unknown system health when nothing is attached", func() {
		sum := m.SystemHealth()
		Expect(sum.Status).To(Equal(healthcheck.StatusUnknown))
		Expect(sum.Components).To(HaveLen(3))
	})

	It("should alert on critical components and count them as unavailable", func() {
		m, err := monitoring.New(monitoring.DefaultConfig(), logger,
			monitoring.WithPoolSource(&fakePool{stats: poolmonitor.SourceStats{Total: 19, Idle: 4, Waiting: 6}}, 20))
		Expect(err).NotTo(HaveOccurred())
		m.Pool.RecordAcquire(1200 * time.Millisecond)

		m.Health.RunOnce()
		m.Alerts.Wait()

		Expect(sources(m.Alerts.Recent(0))).To(ConsistOf("database", "slo"))

		status, ok := m.SLO.Status(slo.Availability)
		Expect(ok).To(BeTrue())
		Expect(status.Level).To(Equal(slo.LevelCritical))

		Expect(m.SystemHealth().Status).To(Equal(healthcheck.StatusCritical))
	})

	It("should raise a critical alert when a circuit opens", func() {
		m.Circuits.RecordStateChange("payments", circuitbreaker.StateClosed, circuitbreaker.StateOpen, "5 consecutive failures")
		m.Alerts.Wait()

		recent := m.Alerts.Recent(1)
		Expect(recent).To(HaveLen(1))
		Expect(recent[0].Source).To(Equal(circuitbreaker.Component))
		Expect(recent[0].Severity).To(Equal(alert.SeverityCritical))
		Expect(recent[0].Message).To(ContainSubstring("payments"))
	})

	It("should collapse repeated threshold breaches of one circuit into one alert", func() {
		for i := range 20 {
			m.Circuits.RecordFailure("payments", time.Duration(i+1)*time.Millisecond, nil)
		}
		m.Alerts.Wait()

		var breached []alert.Alert
		for _, a := range m.Alerts.Recent(0) {
			if a.Source == circuitbreaker.Component {
				breached = append(breached, a)
			}
		}
		Expect(breached).To(HaveLen(1))
		Expect(breached[0].Message).To(Equal("circuit payments thresholds breached"))
		Expect(breached[0].Details).To(HaveKeyWithValue("kinds", []string{"failure_rate"}))
		Expect(m.Alerts.Stats().Throttled).To(Equal(19))

		m.Circuits.RecordFailure("inventory", time.Millisecond, nil)
		m.Alerts.Wait()
		Expect(m.Alerts.Recent(1)[0].Message).To(Equal("circuit inventory thresholds breached"))
	})

	It("should collapse repeated critical health with a changing score", func() {
		pool := &fakePool{stats: poolmonitor.SourceStats{Total: 19, Idle: 4, Waiting: 6}}
		m, err := monitoring.New(monitoring.DefaultConfig(), logger, monitoring.WithPoolSource(pool, 20))
		Expect(err).NotTo(HaveOccurred())
		m.Pool.RecordAcquire(1200 * time.Millisecond)
		m.Health.RunOnce()

		pool.stats = poolmonitor.SourceStats{Total: 20, Idle: 0, Waiting: 15}
		m.Pool.RecordAcquire(2500 * time.Millisecond)
		m.Health.RunOnce()
		m.Alerts.Wait()

		var database []alert.Alert
		for _, a := range m.Alerts.Recent(0) {
			if a.Source == "database" {
				database = append(database, a)
			}
		}
		Expect(database).To(HaveLen(1))
		Expect(database[0].Message).To(Equal("database health critical"))
		Expect(database[0].Details).To(HaveKey("score"))
	})

	It("should feed request events into the recorder, SLO engine and aggregator", func() {
		m.Start(context.Background())

		m.Observe(metrics.RequestEvent{Operation: "GET /orders", Route: "/orders", Duration: 40 * time.Millisecond, StatusCode: 200})
		m.Observe(metrics.RequestEvent{Operation: "GET /orders", Route: "/orders", Duration: 60 * time.Millisecond, StatusCode: 503})
		m.Stop()

		lat, ok := m.Recorder.Percentiles("GET /orders")
		Expect(ok).To(BeTrue())
		Expect(lat.Count).To(Equal(int64(2)))

		budget, ok := m.SLO.Status(slo.ErrorBudget)
		Expect(ok).To(BeTrue())
		Expect(budget.Current).To(BeNumerically("~", 50, 0.001))
		Expect(budget.Level).To(Equal(slo.LevelCritical))

		Expect(m.Aggregator.Names()).To(ContainElement(monitoring.RequestLatencyMetric))
	})

	It("should export every component through Prometheus", func() {
		var buf bytes.Buffer
		Expect(m.Exporter.Write(&buf)).To(Succeed())
		Expect(buf.String()).To(ContainSubstring("telemetry_slo_target"))
	})

	It("should poll attached ristretto caches while running", func() {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1000,
			MaxCost:     100,
			BufferItems: 64,
			Metrics:     true,
		})
		Expect(err).NotTo(HaveOccurred())
		defer cache.Close()

		cache.Set("k", "v", 1)
		cache.Wait()
		cache.Get("k")

		m, err := monitoring.New(monitoring.DefaultConfig(), logger,
			monitoring.WithRistretto(cache, metrics.LayerL1, 10*time.Millisecond))
		Expect(err).NotTo(HaveOccurred())
		m.Start(context.Background())
		defer m.Stop()

		Eventually(func() int64 {
			l1, _ := m.Cache.Layer(metrics.LayerL1)
			return l1.Hits
		}).Should(Equal(int64(1)))
	})

	It("should tolerate repeated Start and Stop", func() {
		m.Start(context.Background())
		m.Start(context.Background())
		m.Stop()
		m.Stop()
		m.Start(context.Background())
		m.Stop()
	})

	It("should clear component state on Reset", func() {
		m.Recorder.RecordLatency("op", time.Millisecond)
		m.Alerts.Dispatch(context.Background(), alert.Notification{Severity: alert.SeverityInfo, Source: "test", Message: "hello"})
		m.Alerts.Wait()

		m.Reset()

		_, ok := m.Recorder.Percentiles("op")
		Expect(ok).To(BeFalse())
		Expect(m.Alerts.Recent(0)).To(BeEmpty())
	})
})
