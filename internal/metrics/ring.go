package metrics

import (
	"sync"
	"time"

	"github.com/angeloszaimis/telemetry/internal/stats"
)

// snapshotRing keeps the most recent snapshots, overwriting the oldest.
type snapshotRing struct {
	mu  sync.RWMutex
	buf *stats.Ring[Snapshot]
}

func newSnapshotRing(size int) *snapshotRing {
	return &snapshotRing{buf: stats.NewRing[Snapshot](size)}
}

func (r *snapshotRing) add(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Add(s)
}

// since returns snapshots taken at or after cutoff, oldest first.
func (r *snapshotRing) since(cutoff time.Time) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, r.buf.Len())
	r.buf.Each(func(s Snapshot) bool {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
		return true
	})
	return out
}

func (r *snapshotRing) latest() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Last()
}

func (r *snapshotRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Reset()
}
