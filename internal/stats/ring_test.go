package stats_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/internal/stats"
)

var _ = Describe("Ring", func() {
	collect := func(r *stats.Ring[int]) []int {
		var out []int
		r.Each(func(v int) bool {
			out = append(out, v)
			return true
		})
		return out
	}

	It("should keep items oldest first before it fills", func() {
		r := stats.NewRing[int](5)
		r.Add(1)
		r.Add(2)

		Expect(r.Len()).To(Equal(2))
		Expect(collect(r)).To(Equal([]int{1, 2}))
	})

	It("should overwrite the oldest items once full", func() {
		r := stats.NewRing[int](3)
		for i := 1; i <= 7; i++ {
			r.Add(i)
		}

		Expect(r.Len()).To(Equal(3))
		Expect(collect(r)).To(Equal([]int{5, 6, 7}))
		last, ok := r.Last()
		Expect(ok).To(BeTrue())
		Expect(last).To(Equal(7))
	})

	It("should return the newest matching items oldest first", func() {
		r := stats.NewRing[int](10)
		for i := 1; i <= 10; i++ {
			r.Add(i)
		}

		even := func(v int) bool { return v%2 == 0 }
		Expect(r.Newest(3, even)).To(Equal([]int{6, 8, 10}))
		Expect(r.Newest(0, even)).To(Equal([]int{2, 4, 6, 8, 10}))
		Expect(r.Newest(2, nil)).To(Equal([]int{9, 10}))
	})

	It("should stop iterating when the callback returns false", func() {
		r := stats.NewRing[int](4)
		for i := 1; i <= 4; i++ {
			r.Add(i)
		}

		var seen []int
		r.Each(func(v int) bool {
			seen = append(seen, v)
			return v < 2
		})
		Expect(seen).To(Equal([]int{1, 2}))
	})

	It("should be empty after Reset", func() {
		r := stats.NewRing[int](2)
		r.Add(1)
		r.Add(2)
		r.Add(3)
		r.Reset()

		Expect(r.Len()).To(BeZero())
		_, ok := r.Last()
		Expect(ok).To(BeFalse())

		r.Add(4)
		Expect(collect(r)).To(Equal([]int{4}))
	})
})
