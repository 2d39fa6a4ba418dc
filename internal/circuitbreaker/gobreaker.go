package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// GobreakerHook returns an OnStateChange callback for gobreaker.Settings
// that forwards transitions to the monitor.
func GobreakerHook(monitor *Monitor) func(name string, from, to gobreaker.State) {
	return func(name string, from, to gobreaker.State) {
		monitor.RecordStateChange(name, fromGobreaker(from), fromGobreaker(to),
			"gobreaker "+from.String()+" -> "+to.String())
	}
}

// ExecuteGobreaker runs fn through cb and records the outcome with monitor.
func ExecuteGobreaker(monitor *Monitor, cb *gobreaker.CircuitBreaker, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := cb.Execute(fn)
	latency := time.Since(start)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		monitor.RecordRejection(cb.Name())
	case err != nil:
		monitor.RecordFailure(cb.Name(), latency, err)
	default:
		monitor.RecordSuccess(cb.Name(), latency)
	}

	return res, err
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
