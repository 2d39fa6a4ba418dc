package stats

// Ring keeps the most recent items up to a fixed capacity, overwriting the
// oldest. Storage grows on demand up to the capacity. It is not safe for
// concurrent use.
type Ring[T any] struct {
	buf      []T
	next     int
	capacity int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{capacity: capacity}
}

func (r *Ring[T]) Add(v T) {
	if len(r.buf) < r.capacity {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % r.capacity
}

func (r *Ring[T]) Len() int {
	return len(r.buf)
}

func (r *Ring[T]) at(i int) T {
	return r.buf[(r.next+i)%len(r.buf)]
}

// Each calls fn for every item, oldest first, until fn returns false.
func (r *Ring[T]) Each(fn func(T) bool) {
	for i := range len(r.buf) {
		if !fn(r.at(i)) {
			return
		}
	}
}

// Newest returns up to limit of the newest items accepted by keep, oldest
// first. A non-positive limit returns every accepted item. A nil keep
// accepts everything.
func (r *Ring[T]) Newest(limit int, keep func(T) bool) []T {
	out := make([]T, 0)
	for i := len(r.buf) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		v := r.at(i)
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.at(len(r.buf) - 1), true
}

func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.buf = r.buf[:0]
	r.next = 0
}
