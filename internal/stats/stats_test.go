package stats_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/internal/stats"
)

var _ = Describe("Percentile", func() {
	It("should return 0 for an empty slice", func() {
		Expect(stats.Percentile(nil, 95)).To(Equal(0.0))
	})

	DescribeTable("ceil index convention over 1..100",
		func(p, expected float64) {
			values := make([]float64, 100)
			for i := range values {
				values[i] = float64(i + 1)
			}
			Expect(stats.Percentile(values, p)).To(Equal(expected))
		},
		Entry("p50", 50.0, 50.0),
		Entry("p95", 95.0, 95.0),
		Entry("p99", 99.0, 99.0),
		Entry("p100", 100.0, 100.0),
		Entry("p0 clamps to first", 0.0, 1.0),
	)

	It("should pick the only sample for a single-element slice", func() {
		Expect(stats.Percentile([]float64{7}, 99)).To(Equal(7.0))
	})
})

var _ = Describe("Summarize", func() {
	It("should return a zero summary for no values", func() {
		Expect(stats.Summarize(nil)).To(Equal(stats.Summary{}))
	})

	It("should not reorder the input", func() {
		values := []float64{3, 1, 2}
		s := stats.Summarize(values)
		Expect(values).To(Equal([]float64{3, 1, 2}))
		Expect(s.Min).To(Equal(1.0))
		Expect(s.Max).To(Equal(3.0))
		Expect(s.Avg).To(Equal(2.0))
		Expect(s.Sum).To(Equal(6.0))
		Expect(s.Count).To(Equal(3))
	})
})

var _ = Describe("Millis", func() {
	It("should convert durations to fractional milliseconds", func() {
		Expect(stats.Millis(1500 * time.Microsecond)).To(BeNumerically("~", 1.5, 1e-9))
	})
})

var _ = Describe("Window", func() {
	It("should evict the oldest sample at capacity", func() {
		w := stats.NewWindow(3)
		for _, v := range []float64{1, 2, 3, 4, 5} {
			w.Add(v)
		}

		Expect(w.Len()).To(Equal(3))
		Expect(w.Values()).To(Equal([]float64{3, 4, 5}))
		Expect(w.Mean()).To(Equal(4.0))
	})

	It("should be empty after Reset", func() {
		w := stats.NewWindow(2)
		w.Add(7)
		w.Reset()

		Expect(w.Len()).To(BeZero())
		Expect(w.Mean()).To(BeZero())
		Expect(w.Values()).To(BeEmpty())
	})
})
