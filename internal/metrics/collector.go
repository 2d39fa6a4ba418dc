package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RequestEvent describes one completed request on an instrumented path.
type RequestEvent struct {
	Operation  string
	Route      string
	Duration   time.Duration
	StatusCode int
	Timestamp  time.Time
}

// Failed reports whether the request ended with a server error.
func (e RequestEvent) Failed() bool {
	return e.StatusCode >= 500
}

// Sink consumes request events on the collector goroutine.
type Sink interface {
	Consume(RequestEvent)
}

type SinkFunc func(RequestEvent)

func (f SinkFunc) Consume(ev RequestEvent) { f(ev) }

// Collector moves request events off the hot path. Emit never blocks; when the
// buffer is full the event is dropped and counted.
type Collector struct {
	eventCh chan RequestEvent
	sinks   []Sink
	logger  *slog.Logger
	dropped atomic.Int64
	done    chan struct{}
}

func NewCollector(bufferSize int, logger *slog.Logger, sinks ...Sink) *Collector {
	return &Collector{
		eventCh: make(chan RequestEvent, bufferSize),
		sinks:   sinks,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Emit queues ev for the sinks and reports whether it was accepted.
func (c *Collector) Emit(ev RequestEvent) bool {
	select {
	case c.eventCh <- ev:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the collector has drained and exited.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event RequestEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sink := range c.sinks {
		sink.Consume(event)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			if n := c.dropped.Load(); n > 0 {
				c.logger.Warn("Request events dropped", slog.Int64("count", n))
			}
			return
		}
	}
}
