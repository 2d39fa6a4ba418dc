package stats

// Window keeps the most recent samples up to a fixed capacity, evicting the
// oldest first. It is not safe for concurrent use.
type Window struct {
	buf  []float64
	next int
	size int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{buf: make([]float64, capacity)}
}

func (w *Window) Add(v float64) {
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

func (w *Window) Len() int {
	return w.size
}

// Values returns a copy of the samples, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.size)
	start := (w.next - w.size + len(w.buf)) % len(w.buf)
	for i := range w.size {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

func (w *Window) Mean() float64 {
	if w.size == 0 {
		return 0
	}
	var sum float64
	for i := range w.size {
		sum += w.buf[i]
	}
	return sum / float64(w.size)
}

func (w *Window) Reset() {
	w.next = 0
	w.size = 0
}
