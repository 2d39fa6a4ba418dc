package circuitbreaker_test

import (
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var (
		monitor  *circuitbreaker.Monitor
		registry *circuitbreaker.Registry
	)

	BeforeEach(func() {
		monitor = circuitbreaker.NewMonitor(nil)
		registry = circuitbreaker.NewRegistry(5, 30*time.Second, monitor)
	})

	Describe("GetBreaker", func() {
		It("should register the circuit with the monitor", func() {
			cb := registry.GetBreaker("payments")
			Expect(cb.Name()).To(Equal("payments"))
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))

			met, ok := monitor.Metrics("payments")
			Expect(ok).To(BeTrue())
			Expect(met.State).To(Equal(circuitbreaker.StateClosed))
			Expect(met.TotalRequests).To(BeZero())
		})

		It("should return the same breaker for the same circuit", func() {
			Expect(registry.GetBreaker("payments")).To(BeIdenticalTo(registry.GetBreaker("payments")))
			Expect(registry.GetBreaker("payments")).NotTo(BeIdenticalTo(registry.GetBreaker("inventory")))
			Expect(monitor.All()).To(HaveLen(2))
		})

		It("should report transitions driven through the breaker", func() {
			registry = circuitbreaker.NewRegistry(2, 50*time.Millisecond, monitor)
			cb := registry.GetBreaker("ledger")

			cb.RecordFailure()
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			time.Sleep(60 * time.Millisecond)
			Expect(cb.Allow()).To(BeTrue())
			cb.RecordSuccess()

			history := monitor.StateHistory("ledger", 0)
			Expect(history).To(HaveLen(3))
			Expect(history[0].From).To(Equal(circuitbreaker.StateClosed))
			Expect(history[0].To).To(Equal(circuitbreaker.StateOpen))
			Expect(history[1].To).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(history[2].To).To(Equal(circuitbreaker.StateClosed))

			met, _ := monitor.Metrics("ledger")
			Expect(met.State).To(Equal(circuitbreaker.StateClosed))
			Expect(met.StateChanges).To(Equal(int64(3)))
		})
	})

	Describe("Call", func() {
		It("should record every outcome in the monitor", func() {
			Expect(registry.Call("search", func() error { return nil })).To(Succeed())
			Expect(registry.Call("search", func() error { return errors.New("bad gateway") })).To(HaveOccurred())

			met, _ := monitor.Metrics("search")
			Expect(met.SuccessCount).To(Equal(int64(1)))
			Expect(met.FailureCount).To(Equal(int64(1)))
			Expect(met.FailureRate).To(Equal(0.5))

			reqs := monitor.RequestHistory("search", 0)
			Expect(reqs).To(HaveLen(2))
			Expect(reqs[0].Outcome).To(Equal(circuitbreaker.OutcomeSuccess))
			Expect(reqs[1].Outcome).To(Equal(circuitbreaker.OutcomeFailure))
			Expect(reqs[1].Error).To(Equal("bad gateway"))
		})

		It("should feed the monitor from concurrent callers", func() {
			const goroutines = 50

			var wg sync.WaitGroup
			for i := range goroutines {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = registry.Call("payments", func() error {
						if i%2 == 0 {
							return nil
						}
						return errors.New("declined")
					})
				}()
			}
			wg.Wait()

			met, _ := monitor.Metrics("payments")
			Expect(met.SuccessCount + met.FailureCount + met.RejectedCount).To(Equal(int64(goroutines)))
			Expect(monitor.RequestHistory("payments", 0)).To(HaveLen(goroutines))
			Expect(registry.Stats()).To(HaveLen(1))
		})
	})

	Describe("Stats", func() {
		It("should agree with the monitor state", func() {
			registry.GetBreaker("payments")
			for range 5 {
				_ = registry.Call("inventory", func() error { return errors.New("down") })
			}

			stats := registry.Stats()
			Expect(stats).To(HaveLen(2))
			Expect(stats["payments"]).To(Equal(circuitbreaker.StateClosed))
			Expect(stats["inventory"]).To(Equal(circuitbreaker.StateOpen))

			met, _ := monitor.Metrics("inventory")
			Expect(met.State).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Describe("Reset", func() {
		It("should clear breakers but keep monitor data", func() {
			_ = registry.Call("payments", func() error { return nil })
			registry.Reset()

			Expect(registry.Stats()).To(BeEmpty())
			met, ok := monitor.Metrics("payments")
			Expect(ok).To(BeTrue())
			Expect(met.SuccessCount).To(Equal(int64(1)))
		})
	})

	It("should work without a monitor", func() {
		bare := circuitbreaker.NewRegistry(1, time.Hour, nil)
		Expect(bare.Call("x", func() error { return errors.New("fail") })).To(HaveOccurred())
		Expect(bare.Call("x", func() error { return nil })).To(MatchError(circuitbreaker.ErrCircuitOpen))
	})
})
