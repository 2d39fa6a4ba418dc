package cachemonitor_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/internal/cachemonitor"
	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/metrics"
)

var _ = Describe("Monitor", func() {
	var (
		monitor *cachemonitor.Monitor
		rec     *metrics.Recorder
		now     time.Time
	)

	hits := func(layer metrics.Layer, n int, latency time.Duration) {
		for range n {
			monitor.RecordHit(layer, "key", latency)
		}
	}
	misses := func(layer metrics.Layer, n int, latency time.Duration) {
		for range n {
			monitor.RecordMiss(layer, "key", latency)
		}
	}

	BeforeEach(func() {
		now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		rec = metrics.NewRecorder(metrics.DefaultConfig())
		monitor = cachemonitor.New(rec).WithClock(func() time.Time { return now })
	})

	It("should report unknown before any layer is used", func() {
		a := monitor.Assess()
		Expect(a.Status).To(Equal(healthcheck.StatusUnknown))
		Expect(a.Issues).To(HaveLen(1))

		_, ok := monitor.Layer(metrics.LayerL1)
		Expect(ok).To(BeFalse())
	})

	It("should compute hit rate from hits and misses", func() {
		hits(metrics.LayerL1, 3, time.Millisecond)
		misses(metrics.LayerL1, 1, time.Millisecond)

		l1, ok := monitor.Layer(metrics.LayerL1)
		Expect(ok).To(BeTrue())
		Expect(l1.HitRate).To(Equal(0.75))
		Expect(l1.Gets).To(Equal(int64(4)))
		Expect(l1.CompressionRatio).To(Equal(1.0))
		Expect(rec.CacheHitRate(metrics.LayerL1)).To(Equal(0.75))
	})

	It("should be optimal for a fast, effective cache", func() {
		hits(metrics.LayerL1, 95, time.Millisecond)
		misses(metrics.LayerL1, 5, time.Millisecond)
		hits(metrics.LayerL2, 9, 10*time.Millisecond)
		misses(metrics.LayerL2, 1, 10*time.Millisecond)

		a := monitor.Assess()
		Expect(a.Score).To(Equal(100.0))
		Expect(a.Status).To(Equal(healthcheck.StatusOptimal))
	})

	It("should add the compression bonus up to 105", func() {
		hits(metrics.LayerL2, 10, time.Millisecond)
		monitor.SetCompressionRatio(metrics.LayerL2, 2.0)

		Expect(monitor.Assess().Score).To(Equal(105.0))
	})

	It("should recommend compression review without deducting", func() {
		hits(metrics.LayerL2, 10, time.Millisecond)

		a := monitor.Assess()
		Expect(a.Score).To(Equal(100.0))
		Expect(a.Recommendations).To(ContainElement("review L2 compression settings"))
	})

	It("should sum independent deductions", func() {
		hits(metrics.LayerL1, 4, 12*time.Millisecond)
		misses(metrics.LayerL1, 6, 12*time.Millisecond)
		hits(metrics.LayerL2, 6, 60*time.Millisecond)
		misses(metrics.LayerL2, 4, 60*time.Millisecond)
		for range 101 {
			monitor.RecordEviction(metrics.LayerL1, "key", 10)
		}

		// 100 - 20 (L1 hit) - 15 (L2 hit) - 15 (evictions) - 15 (L1 latency) - 10 (L2 latency)
		a := monitor.Assess()
		Expect(a.Score).To(Equal(25.0))
		Expect(a.Status).To(Equal(healthcheck.StatusCritical))
		Expect(a.Issues).To(HaveLen(5))
	})

	DescribeTable("single layer bands",
		func(layer metrics.Layer, hitCount, missCount int, latency time.Duration, expected float64) {
			hits(layer, hitCount, latency)
			misses(layer, missCount, latency)
			Expect(monitor.Assess().Score).To(Equal(expected))
		},
		Entry("moderate L1 hit rate", metrics.LayerL1, 6, 4, time.Millisecond, 90.0),
		Entry("moderate L1 latency", metrics.LayerL1, 10, 0, 6*time.Millisecond, 92.0),
		Entry("moderate L2 hit rate", metrics.LayerL2, 8, 2, time.Millisecond, 95.0),
		Entry("moderate L2 latency", metrics.LayerL2, 10, 0, 30*time.Millisecond, 95.0),
	)

	It("should only count evictions from the last minute", func() {
		hits(metrics.LayerL1, 10, time.Millisecond)
		for range 60 {
			monitor.RecordEviction(metrics.LayerL1, "key", 1)
		}
		Expect(monitor.Assess().Score).To(Equal(92.0))

		now = now.Add(2 * time.Minute)
		Expect(monitor.Assess().Score).To(Equal(100.0))
	})

	It("should track size through sets, evictions and deletes", func() {
		monitor.RecordSet(metrics.LayerL2, "a", 2*time.Millisecond, 100, true)
		monitor.RecordSet(metrics.LayerL2, "b", 4*time.Millisecond, 50, false)
		monitor.RecordEviction(metrics.LayerL2, "a", 100)
		monitor.RecordDelete(metrics.LayerL2, "b", 20)

		l2, _ := monitor.Layer(metrics.LayerL2)
		Expect(l2.Sets).To(Equal(int64(2)))
		Expect(l2.Size).To(Equal(int64(30)))
		Expect(l2.AvgSetLatencyMs).To(Equal(3.0))
		Expect(l2.Evictions).To(Equal(int64(1)))
		Expect(l2.Deletes).To(Equal(int64(1)))
	})

	It("should report latency distributions", func() {
		for i := 1; i <= 100; i++ {
			monitor.RecordHit(metrics.LayerL1, "key", time.Duration(i)*time.Millisecond)
		}

		d, ok := monitor.LatencyDistribution(metrics.LayerL1, cachemonitor.OpGet)
		Expect(ok).To(BeTrue())
		Expect(d.Count).To(Equal(int64(100)))
		Expect(d.Min).To(BeNumerically("~", 1.0, 0.01))
		Expect(d.Max).To(BeNumerically("~", 100.0, 0.1))
		Expect(d.P95).To(BeNumerically("~", 95.0, 0.1))

		_, ok = monitor.LatencyDistribution(metrics.LayerL1, cachemonitor.OpSet)
		Expect(ok).To(BeFalse())
	})

	It("should filter recent events by layer", func() {
		monitor.RecordHit(metrics.LayerL1, "a", time.Millisecond)
		monitor.RecordMiss(metrics.LayerL2, "b", time.Millisecond)
		monitor.RecordHit(metrics.LayerL1, "c", time.Millisecond)

		events := monitor.RecentEvents(10, metrics.LayerL1)
		Expect(events).To(HaveLen(2))
		Expect(events[0].Key).To(Equal("a"))
		Expect(events[1].Key).To(Equal("c"))
		Expect(monitor.RecentEvents(1, "")).To(HaveLen(1))
	})

	It("should keep each layer's history separately and merge in order", func() {
		for range 5001 {
			monitor.RecordHit(metrics.LayerL1, "hot", time.Microsecond)
		}
		monitor.RecordMiss(metrics.LayerL2, "cold", time.Millisecond)
		monitor.RecordSet(metrics.LayerL1, "hot", time.Millisecond, 10, false)

		Expect(monitor.RecentEvents(0, metrics.LayerL1)).To(HaveLen(5000))
		Expect(monitor.RecentEvents(0, metrics.LayerL2)).To(HaveLen(1))
		Expect(monitor.RecentEvents(5, "unknown")).To(BeEmpty())

		merged := monitor.RecentEvents(3, "")
		Expect(merged).To(HaveLen(3))
		Expect(merged[0].Type).To(Equal(cachemonitor.EventHit))
		Expect(merged[1].Layer).To(Equal(metrics.LayerL2))
		Expect(merged[2].Type).To(Equal(cachemonitor.EventSet))
	})

	It("should count evictions across layers within the last minute", func() {
		monitor.RecordCounts(metrics.LayerL1, 100, 0, 40)
		monitor.RecordCounts(metrics.LayerL2, 100, 0, 30)
		Expect(monitor.Assess().Issues).To(ContainElement("moderate eviction rate: 70 in last minute"))

		now = now.Add(2 * time.Minute)
		for range 3 {
			monitor.RecordEviction(metrics.LayerL2, "old", 1)
		}
		Expect(monitor.Assess().Issues).NotTo(ContainElement(ContainSubstring("eviction rate")))
	})

	It("should apply batched counters", func() {
		monitor.RecordCounts(metrics.LayerL1, 80, 20, 5)

		l1, _ := monitor.Layer(metrics.LayerL1)
		Expect(l1.HitRate).To(Equal(0.8))
		Expect(l1.Evictions).To(Equal(int64(5)))
		Expect(rec.CacheHitRate(metrics.LayerL1)).To(Equal(0.8))
	})

	It("should reset idempotently", func() {
		hits(metrics.LayerL1, 1, time.Millisecond)
		monitor.Reset()
		monitor.Reset()

		Expect(monitor.Layers()).To(BeEmpty())
		Expect(monitor.RecentEvents(10, "")).To(BeEmpty())
	})
})
