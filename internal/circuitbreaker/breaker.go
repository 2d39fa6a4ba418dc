package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // Probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	state, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

func ParseState(s string) (State, error) {
	switch s {
	case "CLOSED":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	case "HALF_OPEN":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", s)
	}
}

// StateChangeFunc is called after a breaker changes state, outside its lock.
type StateChangeFunc func(name string, from, to State, reason string)

type CircuitBreaker struct {
	mutex            sync.Mutex
	name             string
	state            State
	failures         int
	lastFailure      time.Time
	failureThreshold int
	resetTimeout     time.Duration
	onStateChange    StateChangeFunc
}

func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     timeout,
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange registers fn to be told about every transition.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = fn
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			notify := cb.transition(StateHalfOpen, "reset timeout elapsed")
			cb.mutex.Unlock()
			notify()
			return true
		}
		cb.mutex.Unlock()
		return false
	default:
		cb.mutex.Unlock()
		return true
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()

	cb.failures++
	cb.lastFailure = time.Now()

	notify := func() {}
	switch {
	case cb.state == StateHalfOpen:
		notify = cb.transition(StateOpen, "trial request failed")
	case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
		notify = cb.transition(StateOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
	}

	cb.mutex.Unlock()
	notify()
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()

	cb.failures = 0
	notify := func() {}
	if cb.state != StateClosed {
		notify = cb.transition(StateClosed, "trial request succeeded")
	}

	cb.mutex.Unlock()
	notify()
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// transition changes state and returns the deferred notification. Caller
// holds the mutex.
func (cb *CircuitBreaker) transition(to State, reason string) func() {
	from := cb.state
	cb.state = to

	fn := cb.onStateChange
	if fn == nil || from == to {
		return func() {}
	}
	name := cb.name
	return func() { fn(name, from, to, reason) }
}
