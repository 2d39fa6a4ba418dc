package metrics_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
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

type snapshotCounter struct {
	mu    sync.Mutex
	count int
}

func (s *snapshotCounter) OnSnapshot(metrics.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

func (s *snapshotCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

var _ = Describe("Recorder", func() {
	var (
		rec   *metrics.Recorder
		clock *fakeClock
	)

	BeforeEach(func() {
		clock = newFakeClock()
		rec = metrics.NewRecorder(metrics.DefaultConfig()).WithClock(clock.Now)
	})

	Describe("RecordLatency", func() {
		It("should report identical statistics for identical samples", func() {
			for range 10 {
				rec.RecordLatency("db:query", 42*time.Millisecond)
			}

			ls, ok := rec.Percentiles("db:query")
			Expect(ok).To(BeTrue())
			Expect(ls.Count).To(Equal(int64(10)))
			Expect(ls.Avg).To(Equal(42.0))
			Expect(ls.Min).To(Equal(42.0))
			Expect(ls.Max).To(Equal(42.0))
			Expect(ls.P50).To(Equal(42.0))
			Expect(ls.P95).To(Equal(42.0))
			Expect(ls.P99).To(Equal(42.0))
		})

		It("should use ceil-index percentiles", func() {
			for i := 1; i <= 100; i++ {
				rec.RecordLatency("api", time.Duration(i)*time.Millisecond)
			}

			ls, _ := rec.Percentiles("api")
			Expect(ls.P50).To(Equal(50.0))
			Expect(ls.P95).To(Equal(95.0))
			Expect(ls.P99).To(Equal(99.0))
			Expect(ls.Sum).To(Equal(5050.0))
		})

		It("should keep full-history min and max after the window evicts", func() {
			small := metrics.NewRecorder(metrics.Config{WindowSize: 3})
			small.RecordLatency("op", 1*time.Millisecond)
			small.RecordLatency("op", 500*time.Millisecond)
			for range 5 {
				small.RecordLatency("op", 10*time.Millisecond)
			}

			ls, _ := small.Percentiles("op")
			Expect(ls.Count).To(Equal(int64(7)))
			Expect(ls.Min).To(Equal(1.0))
			Expect(ls.Max).To(Equal(500.0))
			Expect(ls.P99).To(Equal(10.0))
		})

		It("should keep operations independent", func() {
			rec.RecordLatency("a", time.Millisecond)
			rec.RecordLatency("b", 2*time.Millisecond)

			a, _ := rec.Percentiles("a")
			b, _ := rec.Percentiles("b")
			Expect(a.Max).To(Equal(1.0))
			Expect(b.Max).To(Equal(2.0))
		})

		It("should accept concurrent writers", func() {
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 100 {
						rec.RecordLatency("shared", time.Millisecond)
					}
				}()
			}
			wg.Wait()

			ls, _ := rec.Percentiles("shared")
			Expect(ls.Count).To(Equal(int64(800)))
		})
	})

	Describe("Percentiles", func() {
		It("should report false for an unknown operation", func() {
			ls, ok := rec.Percentiles("missing")
			Expect(ok).To(BeFalse())
			Expect(ls).To(Equal(metrics.LatencyStats{}))
		})
	})

	Describe("Throughput", func() {
		It("should stay zero until a second has elapsed", func() {
			rec.RecordThroughput("orders", 10)
			Expect(rec.Throughput("orders")).To(Equal(0.0))
		})

		It("should compute operations per second once the window elapsed", func() {
			rec.RecordThroughput("orders", 10)
			clock.Advance(2 * time.Second)
			rec.RecordThroughput("orders", 10)

			Expect(rec.Throughput("orders")).To(BeNumerically("~", 10.0, 0.001))
		})

		It("should recompute on demand when events are pending", func() {
			rec.RecordThroughput("orders", 5)
			clock.Advance(500 * time.Millisecond)
			rec.RecordThroughput("orders", 5)
			clock.Advance(500 * time.Millisecond)

			Expect(rec.Throughput("orders")).To(BeNumerically("~", 10.0, 0.001))
		})

		It("should return zero for an unknown operation", func() {
			Expect(rec.Throughput("nothing")).To(BeZero())
		})
	})

	Describe("Cache counters", func() {
		It("should compute hitRate as hits over hits plus misses", func() {
			for range 3 {
				rec.RecordCacheHit(metrics.LayerL1)
			}
			rec.RecordCacheMiss(metrics.LayerL1)

			cs, ok := rec.CacheStats(metrics.LayerL1)
			Expect(ok).To(BeTrue())
			Expect(cs.Hits).To(Equal(int64(3)))
			Expect(cs.Misses).To(Equal(int64(1)))
			Expect(cs.HitRate).To(Equal(0.75))
		})

		It("should report zero for a layer with no traffic", func() {
			_, ok := rec.CacheStats(metrics.LayerL2)
			Expect(ok).To(BeFalse())
			Expect(rec.CacheHitRate(metrics.LayerL2)).To(BeZero())
		})
	})

	Describe("Snapshots", func() {
		It("should capture every known series", func() {
			rec.RecordLatency("op", time.Millisecond)
			rec.RecordThroughput("op", 1)
			rec.RecordCacheHit(metrics.LayerL1)

			snap := rec.Capture()
			Expect(snap.Latency).To(HaveKey("op"))
			Expect(snap.Throughput).To(HaveKey("op"))
			Expect(snap.Cache).To(HaveKey(metrics.LayerL1))
			Expect(snap.Timestamp).To(Equal(clock.Now()))
		})

		It("should return stored history newer than the cutoff in order", func() {
			for range 5 {
				rec.CaptureAndStore()
				clock.Advance(time.Minute)
			}

			history := rec.History(3 * time.Minute)
			Expect(history).To(HaveLen(3))
			Expect(history[0].Timestamp.Before(history[2].Timestamp)).To(BeTrue())

			latest, ok := rec.Latest()
			Expect(ok).To(BeTrue())
			Expect(latest.Timestamp).To(Equal(history[2].Timestamp))
		})

		It("should cap the history ring", func() {
			small := metrics.NewRecorder(metrics.Config{HistorySize: 2}).WithClock(clock.Now)
			for range 5 {
				small.CaptureAndStore()
				clock.Advance(time.Second)
			}
			Expect(small.History(time.Hour)).To(HaveLen(2))
		})

		It("should notify observers from the periodic job", func() {
			obs := &snapshotCounter{}
			live := metrics.NewRecorder(metrics.Config{SnapshotInterval: 10 * time.Millisecond})
			live.Subscribe(obs)

			live.Start(context.Background())
			live.Start(context.Background())
			defer live.Stop()

			Eventually(obs.Count).Should(BeNumerically(">=", 2))
		})
	})

	Describe("Lifecycle", func() {
		It("should tolerate repeated Stop and Reset", func() {
			rec.Start(context.Background())
			rec.RecordLatency("op", time.Millisecond)

			rec.Reset()
			rec.Reset()
			rec.Stop()
			rec.Stop()

			_, ok := rec.Percentiles("op")
			Expect(ok).To(BeFalse())
			Expect(rec.History(time.Hour)).To(BeEmpty())
		})

		It("should report uptime from the clock", func() {
			clock.Advance(90 * time.Second)
			Expect(rec.Uptime()).To(Equal(90 * time.Second))
		})
	})
})
