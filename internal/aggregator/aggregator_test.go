package aggregator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/internal/aggregator"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ = Describe("Aggregator", func() {
	var (
		agg   *aggregator.Aggregator
		clock *fakeClock
	)

	BeforeEach(func() {
		clock = &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
		logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
		agg = aggregator.New(aggregator.DefaultConfig(), logger).WithClock(clock.Now)
	})

	Describe("LabelKey", func() {
		It("should sort labels by key", func() {
			Expect(aggregator.LabelKey(map[string]string{"route": "/orders", "method": "GET"})).
				To(Equal("method=GET,route=/orders"))
		})

		It("should use default for no labels", func() {
			Expect(aggregator.LabelKey(nil)).To(Equal("default"))
			Expect(aggregator.LabelKey(map[string]string{})).To(Equal("default"))
		})
	})

	Describe("Aggregate", func() {
		It("should roll up the values 1 to 100", func() {
			for i := 1; i <= 100; i++ {
				agg.Record("latency", float64(i), nil)
			}
			agg.Aggregate()

			for _, w := range aggregator.Windows {
				rollups := agg.Rollups("latency", w, nil, 0)
				Expect(rollups).To(HaveLen(1))

				r := rollups[0]
				Expect(r.Count).To(Equal(100))
				Expect(r.Sum).To(Equal(5050.0))
				Expect(r.Min).To(Equal(1.0))
				Expect(r.Max).To(Equal(100.0))
				Expect(r.Avg).To(Equal(50.5))
				Expect(r.P50).To(Equal(50.0))
				Expect(r.P95).To(Equal(95.0))
				Expect(r.P99).To(Equal(99.0))
				Expect(r.Timestamp).To(Equal(clock.Now()))
			}
		})

		It("should only include samples inside each window", func() {
			agg.Record("latency", 1000, nil)
			clock.Advance(10 * time.Minute)
			agg.Record("latency", 10, nil)
			agg.Aggregate()

			Expect(agg.Rollups("latency", aggregator.Window1m, nil, 0)[0].Count).To(Equal(1))
			Expect(agg.Rollups("latency", aggregator.Window5m, nil, 0)[0].Max).To(Equal(10.0))
			Expect(agg.Rollups("latency", aggregator.Window15m, nil, 0)[0].Count).To(Equal(2))
		})

		It("should skip windows without samples", func() {
			agg.Record("latency", 5, nil)
			clock.Advance(10 * time.Minute)
			agg.Aggregate()

			Expect(agg.Rollups("latency", aggregator.Window1m, nil, 0)).To(BeEmpty())
			Expect(agg.Rollups("latency", aggregator.Window15m, nil, 0)).To(HaveLen(1))
		})

		It("should cap the 1m history", func() {
			agg.Record("latency", 1, nil)
			for range 1500 {
				agg.Aggregate()
			}
			Expect(agg.Rollups("latency", aggregator.Window1m, nil, 0)).To(HaveLen(1440))
			Expect(agg.Rollups("latency", aggregator.Window1m, nil, 10)).To(HaveLen(10))
		})

		It("should purge raw samples older than 24 hours", func() {
			agg.Record("latency", 1, nil)
			clock.Advance(25 * time.Hour)
			agg.Record("latency", 2, nil)
			agg.Aggregate()

			Expect(agg.Stats().RawSamples).To(Equal(1))
		})
	})

	Describe("Record", func() {
		It("should keep series apart by label set", func() {
			agg.Record("requests", 1, map[string]string{"route": "/a"})
			agg.Record("requests", 2, map[string]string{"route": "/b"})
			agg.Aggregate()

			a := agg.Rollups("requests", aggregator.Window1m, map[string]string{"route": "/a"}, 0)
			Expect(a).To(HaveLen(1))
			Expect(a[0].Sum).To(Equal(1.0))

			stats := agg.Stats()
			Expect(stats.Metrics).To(Equal(1))
			Expect(stats.Series).To(Equal(2))
		})

		It("should cap raw samples per series", func() {
			cfg := aggregator.DefaultConfig()
			cfg.MaxRawSamples = 5
			agg = aggregator.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(clock.Now)

			for i := range 8 {
				agg.Record("x", float64(i), nil)
			}

			samples := agg.Query("x", clock.Now(), clock.Now(), nil)
			Expect(samples).To(HaveLen(5))
			Expect(samples[0].Value).To(Equal(3.0))
		})
	})

	Describe("Query", func() {
		It("should return samples inside the inclusive range", func() {
			start := clock.Now()
			for i := range 5 {
				agg.Record("x", float64(i), nil)
				clock.Advance(time.Minute)
			}

			samples := agg.Query("x", start.Add(time.Minute), start.Add(3*time.Minute), nil)
			Expect(samples).To(HaveLen(3))
			Expect(samples[0].Value).To(Equal(1.0))
			Expect(samples[2].Value).To(Equal(3.0))
		})

		It("should return an empty slice for unknown series", func() {
			Expect(agg.Query("missing", clock.Now(), clock.Now(), nil)).To(BeEmpty())
			Expect(agg.Rollups("missing", aggregator.Window1h, nil, 0)).To(BeEmpty())
		})
	})

	Describe("Export", func() {
		BeforeEach(func() {
			agg.Record("latency", 12.5, map[string]string{"route": "/orders"})
			agg.Record("errors", 1, nil)
		})

		It("should export JSON grouped by label key", func() {
			var buf bytes.Buffer
			Expect(agg.Export(&buf, aggregator.FormatJSON, "latency")).To(Succeed())

			var out map[string]map[string][]map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &out)).To(Succeed())
			Expect(out).To(HaveKey("latency"))
			Expect(out).NotTo(HaveKey("errors"))
			Expect(out["latency"]["route=/orders"]).To(HaveLen(1))
		})

		It("should export CSV rows", func() {
			var buf bytes.Buffer
			Expect(agg.Export(&buf, aggregator.FormatCSV)).To(Succeed())

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines).To(HaveLen(3))
			Expect(lines[0]).To(Equal("timestamp,metric,labels,value"))
			Expect(lines[1]).To(HaveSuffix(",errors,default,1"))
			Expect(lines[2]).To(HaveSuffix(",latency,route=/orders,12.5"))
		})

		It("should reject unknown formats", func() {
			var buf bytes.Buffer
			err := agg.Export(&buf, aggregator.Format("xml"))
			Expect(err).To(MatchError(aggregator.ErrUnknownFormat))
		})
	})

	Describe("ParseWindow", func() {
		It("should accept known windows", func() {
			w, err := aggregator.ParseWindow("15m")
			Expect(err).NotTo(HaveOccurred())
			Expect(w).To(Equal(aggregator.Window15m))
		})

		It("should reject unknown windows", func() {
			_, err := aggregator.ParseWindow("2h")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Reset and lifecycle", func() {
		It("should drop every series on Reset", func() {
			agg.Record("x", 1, nil)
			agg.Reset()
			Expect(agg.Names()).To(BeEmpty())
			Expect(agg.Stats()).To(Equal(aggregator.Stats{}))
		})

		It("should tolerate repeated Start and Stop calls", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			agg.Start(ctx)
			agg.Start(ctx)
			agg.Stop()
			agg.Stop()
		})
	})

	Describe("Latest", func() {
		It("should return the newest rollup of each series ordered by name and labels", func() {
			agg.Record("requests", 1, map[string]string{"route": "/b"})
			agg.Record("requests", 3, map[string]string{"route": "/a"})
			agg.Record("errors", 7, nil)
			agg.Aggregate()

			clock.Advance(time.Minute)
			agg.Record("errors", 9, nil)
			agg.Aggregate()

			latest := agg.Latest(aggregator.Window1m)
			Expect(latest).To(HaveLen(3))
			Expect(latest[0].Name).To(Equal("errors"))
			Expect(latest[0].Rollup.Max).To(Equal(9.0))
			Expect(latest[0].Rollup.Timestamp).To(Equal(clock.Now()))
			Expect(latest[1].LabelKey).To(Equal("route=/a"))
			Expect(latest[2].LabelKey).To(Equal("route=/b"))
			Expect(latest[2].Labels).To(HaveKeyWithValue("route", "/b"))
		})

		It("should be empty before the first aggregation", func() {
			agg.Record("requests", 1, nil)
			Expect(agg.Latest(aggregator.Window5m)).To(BeEmpty())
		})
	})
})
