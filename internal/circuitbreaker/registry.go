package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit open")

type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
	monitor   *Monitor
}

// NewRegistry creates breakers on demand. When monitor is non-nil every
// breaker reports its transitions and call outcomes to it.
func NewRegistry(threshold int, timeout time.Duration, monitor *Monitor) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
		monitor:   monitor,
	}
}

func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.threshold, r.timeout)
	cb.name = name
	if r.monitor != nil {
		r.monitor.Register(name, nil)
		cb.onStateChange = r.monitor.RecordStateChange
	}
	r.breakers[name] = cb
	return cb
}

// Call runs fn through the named breaker. A rejected call returns
// ErrCircuitOpen without invoking fn.
func (r *Registry) Call(name string, fn func() error) error {
	cb := r.GetBreaker(name)

	if !cb.Allow() {
		if r.monitor != nil {
			r.monitor.RecordRejection(name)
		}
		return ErrCircuitOpen
	}

	start := time.Now()
	err := fn()
	latency := time.Since(start)

	if err != nil {
		if r.monitor != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				r.monitor.RecordTimeout(name, latency)
			} else {
				r.monitor.RecordFailure(name, latency, err)
			}
		}
		cb.RecordFailure()
		return err
	}

	if r.monitor != nil {
		r.monitor.RecordSuccess(name, latency)
	}
	cb.RecordSuccess()
	return nil
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.State()
	}
	return stats
}
