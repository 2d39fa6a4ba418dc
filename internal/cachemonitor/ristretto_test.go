package cachemonitor_test

import (
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/ristretto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/internal/cachemonitor"
	"github.com/angeloszaimis/telemetry/internal/metrics"
)

var _ = Describe("RistrettoPoller", func() {
	It("should feed hit and miss deltas into the layer", func() {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1000,
			MaxCost:     100,
			BufferItems: 64,
			Metrics:     true,
		})
		Expect(err).NotTo(HaveOccurred())
		defer cache.Close()

		cache.Set("present", "value", 1)
		cache.Wait()

		cache.Get("present")
		cache.Get("present")
		cache.Get("absent")

		monitor := cachemonitor.New(nil)
		log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		poller := cachemonitor.NewRistrettoPoller(cache, monitor, metrics.LayerL1, time.Second, log)

		poller.Poll()
		l1, ok := monitor.Layer(metrics.LayerL1)
		Expect(ok).To(BeTrue())
		Expect(l1.Hits).To(Equal(int64(2)))
		Expect(l1.Misses).To(Equal(int64(1)))

		cache.Get("absent")
		poller.Poll()
		l1, _ = monitor.Layer(metrics.LayerL1)
		Expect(l1.Misses).To(Equal(int64(2)))
	})
})
