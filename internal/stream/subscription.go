package stream

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

type subscription struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce sync.Once

	mu       sync.Mutex
	types    map[MetricType]bool
	filters  map[string]any
	interval time.Duration
	lastSent map[MetricType]time.Time
}

func (s *subscription) close() {
	// The write pump sends the close frame and closes the socket.
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscription) wants(mt MetricType) bool {
	if mt == MetricAll {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[MetricAll] || s.types[mt]
}

// due reports whether the interval has elapsed for mt and marks the send.
func (s *subscription) due(mt MetricType, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSent[mt]; ok && now.Sub(last) < s.interval {
		return false
	}
	if s.lastSent == nil {
		s.lastSent = make(map[MetricType]time.Time)
	}
	s.lastSent[mt] = now
	return true
}

// matches reports whether the encoded message passes the filters. A filter
// applies when its key is a top-level field of the message data; a list
// value matches any of its elements.
func (s *subscription) matches(b []byte) bool {
	s.mu.Lock()
	filters := s.filters
	s.mu.Unlock()

	if len(filters) == 0 {
		return true
	}

	data := gjson.GetBytes(b, "data")
	if !data.IsObject() {
		return true
	}
	fields := data.Map()

	for key, want := range filters {
		got, ok := fields[key]
		if !ok {
			continue
		}
		if !filterMatch(want, got) {
			return false
		}
	}
	return true
}

func filterMatch(want any, got gjson.Result) bool {
	if list, ok := want.([]any); ok {
		return slices.ContainsFunc(list, func(v any) bool { return filterMatch(v, got) })
	}
	return fmt.Sprint(want) == got.String()
}

func (s *subscription) info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := slices.Sorted(maps.Keys(s.types))
	return SubscriptionInfo{
		ID:       s.id,
		Metrics:  types,
		Filters:  maps.Clone(s.filters),
		Interval: s.interval,
	}
}

func (h *Hub) handleMessage(sub *subscription, data []byte) {
	if !gjson.ValidBytes(data) {
		h.sendError(sub, "Invalid message format")
		return
	}

	msg := gjson.ParseBytes(data)
	switch typ := msg.Get("type").String(); typ {
	case "subscribe":
		h.subscribe(sub, msg)
	case "unsubscribe":
		h.unsubscribe(sub, msg)
	case "snapshot":
		h.sendSnapshot(sub)
	case "ping":
		h.send(sub, h.message(MessageUpdate, MetricAll, map[string]any{"pong": true}))
	default:
		h.sendError(sub, fmt.Sprintf("Unknown message type: %s", typ))
	}
}

func (h *Hub) subscribe(sub *subscription, msg gjson.Result) {
	sub.mu.Lock()
	if metrics := msg.Get("metrics"); metrics.IsArray() {
		types := make(map[MetricType]bool)
		for _, m := range metrics.Array() {
			types[MetricType(m.String())] = true
		}
		sub.types = types
	}
	if filters, ok := msg.Get("filters").Value().(map[string]any); ok {
		sub.filters = filters
	}
	if interval := msg.Get("interval"); interval.Exists() {
		sub.interval = clampInterval(time.Duration(interval.Int()) * time.Millisecond)
	}
	sub.mu.Unlock()

	h.ack(sub, "subscribed", msg)
}

func (h *Hub) unsubscribe(sub *subscription, msg gjson.Result) {
	sub.mu.Lock()
	for _, m := range msg.Get("metrics").Array() {
		delete(sub.types, MetricType(m.String()))
	}
	sub.mu.Unlock()

	h.ack(sub, "unsubscribed", msg)
}

func (h *Hub) ack(sub *subscription, action string, msg gjson.Result) {
	data, ok := msg.Value().(map[string]any)
	if !ok {
		data = make(map[string]any)
	}
	data["action"] = action
	h.send(sub, h.message(MessageUpdate, MetricAll, data))
}
